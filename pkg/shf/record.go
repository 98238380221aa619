package shf

import (
	"fmt"
)

// codec encodes records in a segment data area. A zero keyLen selects the
// variable-length format:
//
//	[flag u8][key len u32][key][value len u32][value]
//
// otherwise the fixed format without length prefixes:
//
//	[flag u8][key][value]
//
// In fixed mode a deleted record stores the offset of the next free record
// in the four bytes after its flag.
type codec struct {
	keyLen, valLen int
}

func (c codec) fixed() bool { return c.keyLen > 0 }

func (c codec) size(klen, vlen int) uint64 {
	if c.fixed() {
		return uint64(recHeader + c.keyLen + c.valLen)
	}

	return uint64(recHeader + recLenPrefix + klen + recLenPrefix + vlen)
}

func (c codec) encode(dst []byte, key, val []byte) {
	dst[0] = recFlagLive

	if c.fixed() {
		copy(dst[recHeader:], key)
		copy(dst[recHeader+c.keyLen:], val)

		return
	}

	p := recHeader
	putU32(dst, p, uint32(len(key))) //nolint:gosec // bounded by maxSegBytes
	p += recLenPrefix
	p += copy(dst[p:], key)
	putU32(dst, p, uint32(len(val))) //nolint:gosec // bounded by maxSegBytes
	p += recLenPrefix
	copy(dst[p:], val)
}

// record returns views of the key and value stored at off. Every length is
// checked against the segment's used size, never trusted.
func (c codec) record(m *mapping, off uint32) (key, val []byte, deleted bool, err error) {
	end := m.used()
	if end > uint64(len(m.data)) {
		return nil, nil, false, fmt.Errorf("segment %s used %d beyond mapping %d: %w", m.path, end, len(m.data), ErrCorrupt)
	}

	p := uint64(off)
	if p < segDataOff || p+recHeader > end {
		return nil, nil, false, fmt.Errorf("record offset %d outside data area of %s: %w", off, m.path, ErrCorrupt)
	}

	deleted = m.data[p] == recFlagDeleted
	p += recHeader

	if c.fixed() {
		if p+uint64(c.keyLen+c.valLen) > end {
			return nil, nil, false, fmt.Errorf("record at %d overruns %s: %w", off, m.path, ErrCorrupt)
		}

		key = m.data[p : p+uint64(c.keyLen)]
		val = m.data[p+uint64(c.keyLen) : p+uint64(c.keyLen+c.valLen)]

		return key, val, deleted, nil
	}

	key, p, err = lengthPrefixed(m, p, end)
	if err != nil {
		return nil, nil, false, err
	}

	val, _, err = lengthPrefixed(m, p, end)
	if err != nil {
		return nil, nil, false, err
	}

	return key, val, deleted, nil
}

func lengthPrefixed(m *mapping, p, end uint64) ([]byte, uint64, error) {
	if p+recLenPrefix > end {
		return nil, 0, fmt.Errorf("length prefix at %d overruns %s: %w", p, m.path, ErrCorrupt)
	}

	n := uint64(getU32(m.data, int(p)))
	p += recLenPrefix

	if p+n > end {
		return nil, 0, fmt.Errorf("field of %d bytes at %d overruns %s: %w", n, p, m.path, ErrCorrupt)
	}

	return m.data[p : p+n], p + n, nil
}

// appendRecord stores key/value in m and returns its offset. In fixed mode
// the head of the free list is reused first; otherwise the record is
// appended, calling grow first when it does not fit the mapping.
func (c codec) appendRecord(m *mapping, key, val []byte, grow func(m *mapping, need uint64) error) (uint32, error) {
	n := c.size(len(key), len(val))

	if c.fixed() {
		if head := m.freeHead(); head != 0 {
			if head < segDataOff || head+n > m.used() {
				return 0, fmt.Errorf("free list head %d outside %s: %w", head, m.path, ErrCorrupt)
			}

			next := getU32(m.data, int(head)+recHeader)
			putU64(m.data, segOffFreeHead, uint64(next))
			m.add(segOffFreeBytes, -int64(n)) //nolint:gosec // record sizes are small
			m.add(segOffLiveBytes, int64(n))  //nolint:gosec // record sizes are small
			c.encode(m.data[head:head+n], key, val)

			return uint32(head), nil
		}
	}

	if m.used()+n > uint64(len(m.data)) {
		err := grow(m, n)
		if err != nil {
			return 0, err
		}
	}

	off := m.used()
	c.encode(m.data[off:off+n], key, val)
	putU64(m.data, segOffUsed, off+n)
	m.add(segOffLiveBytes, int64(n)) //nolint:gosec // record sizes are small

	return uint32(off), nil //nolint:gosec // off < maxSegBytes
}

// tombstone marks the record at off deleted and moves its bytes from live to
// free. In fixed mode the record is pushed onto the free list.
func (c codec) tombstone(m *mapping, off uint32) error {
	key, val, deleted, err := c.record(m, off)
	if err != nil {
		return err
	}

	if deleted {
		return fmt.Errorf("record at %d of %s already deleted: %w", off, m.path, ErrCorrupt)
	}

	n := c.size(len(key), len(val))
	m.data[off] = recFlagDeleted
	m.add(segOffLiveBytes, -int64(n)) //nolint:gosec // record sizes are small
	m.add(segOffFreeBytes, int64(n))  //nolint:gosec // record sizes are small

	if c.fixed() {
		putU32(m.data, int(off)+recHeader, uint32(m.freeHead())) //nolint:gosec // offsets fit 32 bits
		putU64(m.data, segOffFreeHead, uint64(off))
	}

	return nil
}
