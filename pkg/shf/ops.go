package shf

import (
	"bytes"
	"fmt"
)

// maxPutAttempts bounds the split-and-retry loop of Put. Each split halves
// the buckets sharing the overflowing segment, so a healthy window needs at
// most bucketBits+1 rounds.
const maxPutAttempts = 2 * (bucketBits + 1)

// Compaction triggers: free bytes above 1/putShrinkRatio (after Put) or
// 1/getShrinkRatio (after Get) of the live bytes.
const (
	putShrinkRatio = 5
	getShrinkRatio = 4
)

// UpdateFunc receives the live value bytes of a record while the window is
// write-locked. It may modify them in place but cannot change their length.
// A non-nil error is returned to the caller wrapped in [ErrUpdateRejected].
type UpdateFunc func(val []byte) error

// intent selects what the lookup core does with the record it finds.
type intent int

const (
	intentPeek intent = iota
	intentCopy
	intentDelete
	intentUpdate
)

func (i intent) write() bool {
	return i == intentDelete || i == intentUpdate
}

// hit is a located record.
type hit struct {
	m        *mapping
	seg      int
	slot     int
	off      uint32
	key, val []byte
}

// Put stores key/value and returns the record's handle.
//
// Put never replaces: storing a key twice keeps two records and lookups
// return the first one found. Use [Store.Update] or [Store.Delete] first.
//
// A full row splits its segment and the insert is retried; compaction runs
// afterwards when the segment's garbage exceeds a fifth of its live bytes.
func (s *Store) Put(key, val []byte) (UID, error) {
	done, err := s.begin()
	if err != nil {
		return 0, err
	}
	defer done()

	err = s.checkLens(key, val)
	if err != nil {
		return 0, err
	}

	a := addrOf(MakeHash(key))

	c, err := s.lockWin(a.win, true)
	if err != nil {
		return 0, err
	}
	defer c.unlock()

	err = c.firstSeg()
	if err != nil {
		return 0, err
	}

	for range maxPutAttempts {
		seg := c.win.redirect(a.bucket)

		m, err := c.seg(seg)
		if err != nil {
			return 0, err
		}

		slot := freeSlot(m, a.row)
		if slot < 0 {
			err = c.split(seg)
			if err != nil {
				return 0, fmt.Errorf("put: %w", err)
			}

			continue
		}

		off, err := c.append(m, key, val)
		if err != nil {
			return 0, fmt.Errorf("put: %w", err)
		}

		m.setSlot(a.row, slot, packSlot(a.bucket, a.fp, off))
		m.add(segOffRefs, 1)

		if needsShrink(m, putShrinkRatio) {
			err = c.shrink(seg)
			if err != nil {
				return 0, fmt.Errorf("put: %w", err)
			}
		}

		return makeUID(a.win, a.bucket, a.row, slot), nil
	}

	return 0, fmt.Errorf("row %d of window %d still full after %d splits: %w", a.row, a.win, maxPutAttempts, ErrFull)
}

// Get copies the value stored under key into dst, reallocating when dst is
// too small, and returns the filled slice.
func (s *Store) Get(key, dst []byte) ([]byte, bool, error) {
	var out []byte

	found, err := s.lookup(addrOf(MakeHash(key)), key, -1, intentCopy, func(h *hit) error {
		out = copyInto(dst, h.val)

		return nil
	})

	return out, found, err
}

// GetUID copies the key and value of the record behind uid. The value is
// written into dst as in [Store.Get].
func (s *Store) GetUID(uid UID, dst []byte) (key, val []byte, found bool, err error) {
	found, err = s.lookup(addrOfUID(uid), nil, uid.Slot(), intentCopy, func(h *hit) error {
		key = bytes.Clone(h.key)
		val = copyInto(dst, h.val)

		return nil
	})

	return key, val, found, err
}

// Peek calls fn with the value stored under key while the window is
// read-locked. fn must not retain or modify val.
func (s *Store) Peek(key []byte, fn func(val []byte)) (bool, error) {
	return s.lookup(addrOf(MakeHash(key)), key, -1, intentPeek, func(h *hit) error {
		fn(h.val)

		return nil
	})
}

// Delete removes the record stored under key.
func (s *Store) Delete(key []byte) (bool, error) {
	return s.lookup(addrOf(MakeHash(key)), key, -1, intentDelete, nil)
}

// DeleteUID removes the record behind uid.
func (s *Store) DeleteUID(uid UID) (bool, error) {
	return s.lookup(addrOfUID(uid), nil, uid.Slot(), intentDelete, nil)
}

// Update runs fn on the value stored under key under the write lock.
func (s *Store) Update(key []byte, fn UpdateFunc) (bool, error) {
	return s.lookup(addrOf(MakeHash(key)), key, -1, intentUpdate, func(h *hit) error {
		return fn(h.val)
	})
}

// UpdateUID runs fn on the value of the record behind uid.
func (s *Store) UpdateUID(uid UID, fn UpdateFunc) (bool, error) {
	return s.lookup(addrOfUID(uid), nil, uid.Slot(), intentUpdate, func(h *hit) error {
		return fn(h.val)
	})
}

// lookup is the core shared by every read, delete and update. With slot < 0
// it scans the row for key; otherwise it goes straight to the slot of a
// handle.
func (s *Store) lookup(a addr, key []byte, slot int, in intent, fn func(*hit) error) (bool, error) {
	done, err := s.begin()
	if err != nil {
		return false, err
	}
	defer done()

	if slot < 0 {
		err = s.checkKeyLen(key)
		if err != nil {
			return false, err
		}
	}

	found, seg, shrink, err := s.lookupLocked(a, key, slot, in, fn)

	if shrink {
		s.compactSeg(a.win, seg, getShrinkRatio)
	}

	return found, err
}

// lookupLocked runs fn on the located record while the window is locked.
// The lock is released on every exit, including a panicking fn. shrink
// reports whether seg is due for opportunistic compaction.
func (s *Store) lookupLocked(a addr, key []byte, slot int, in intent, fn func(*hit) error) (found bool, seg int, shrink bool, err error) {
	c, err := s.lockWin(a.win, in.write())
	if err != nil {
		return false, 0, false, err
	}
	defer c.unlock()

	h, err := c.find(a, key, slot)
	if err != nil || h == nil {
		return false, 0, false, err
	}

	switch in {
	case intentPeek, intentCopy:
		err = fn(h)
	case intentUpdate:
		err = fn(h)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrUpdateRejected, err)
		}
	case intentDelete:
		err = c.remove(h, a.row)
	}

	shrink = in == intentCopy && err == nil && needsShrink(h.m, getShrinkRatio)

	return true, h.seg, shrink, err
}

// find locates a record under the window lock. It returns nil when the key
// or handle does not resolve to a live record.
func (c *winCtx) find(a addr, key []byte, slot int) (*hit, error) {
	if c.win.segsUsed() == 0 {
		return nil, nil
	}

	seg := c.win.redirect(a.bucket)

	m, err := c.seg(seg)
	if err != nil {
		return nil, err
	}

	if slot >= 0 {
		v := m.slot(a.row, slot)
		if slotOffset(v) == 0 || slotBucket(v) != a.bucket {
			return nil, nil
		}

		return c.hitAt(m, seg, slot, slotOffset(v))
	}

	for i := range numSlots {
		v := m.slot(a.row, i)
		if slotOffset(v) == 0 {
			continue
		}

		if slotFp(v) != a.fp {
			c.win.inc(ctrFpMisses)

			continue
		}

		if slotBucket(v) != a.bucket {
			c.win.inc(ctrBucketMisses)

			continue
		}

		h, err := c.hitAt(m, seg, i, slotOffset(v))
		if err != nil {
			return nil, err
		}

		if h != nil && bytes.Equal(h.key, key) {
			return h, nil
		}

		c.win.inc(ctrKeyMisses)
	}

	return nil, nil
}

func (c *winCtx) hitAt(m *mapping, seg, slot int, off uint32) (*hit, error) {
	key, val, deleted, err := c.s.codec.record(m, off)
	if err != nil {
		return nil, err
	}

	if deleted {
		return nil, fmt.Errorf("slot references deleted record at %d of %s: %w", off, m.path, ErrCorrupt)
	}

	return &hit{m: m, seg: seg, slot: slot, off: off, key: key, val: val}, nil
}

// remove tombstones the record and frees its slot.
func (c *winCtx) remove(h *hit, row int) error {
	err := c.s.codec.tombstone(h.m, h.off)
	if err != nil {
		return err
	}

	h.m.setSlot(row, h.slot, 0)
	h.m.add(segOffRefs, -1)

	return nil
}

func freeSlot(m *mapping, row int) int {
	for i := range numSlots {
		if slotOffset(m.slot(row, i)) == 0 {
			return i
		}
	}

	return -1
}

func needsShrink(m *mapping, ratio uint64) bool {
	free := m.freeBytes()

	return free > 0 && free*ratio > m.liveBytes()
}

func copyInto(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}

	dst = dst[:len(src)]
	copy(dst, src)

	return dst
}

func (s *Store) checkKeyLen(key []byte) error {
	if s.codec.fixed() && len(key) != s.codec.keyLen {
		return fmt.Errorf("key length %d, fixed length is %d: %w", len(key), s.codec.keyLen, ErrInvalidInput)
	}

	return nil
}

func (s *Store) checkLens(key, val []byte) error {
	err := s.checkKeyLen(key)
	if err != nil {
		return err
	}

	if s.codec.fixed() && len(val) != s.codec.valLen {
		return fmt.Errorf("value length %d, fixed length is %d: %w", len(val), s.codec.valLen, ErrInvalidInput)
	}

	if uint64(len(key))+uint64(len(val)) > maxSegBytes-segDataOff {
		return fmt.Errorf("record of %d bytes exceeds segment limit: %w", len(key)+len(val), ErrInvalidInput)
	}

	return nil
}
