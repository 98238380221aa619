package shf

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/shf/internal/ticketlock"
)

// winCtx is a locked window. Every access to the window's redirect table
// and segments goes through it; it exists only between lockWin and unlock.
type winCtx struct {
	s     *Store
	w     int
	win   window
	lk    ticketlock.Locker
	local *localWin
	write bool
}

// lockWin takes the shared lock of window w, then the process-local mapping
// cache lock. The order is fixed so goroutines of one process cannot
// deadlock against each other.
//
// Only a bounded writer can fail, with [ErrStarved].
func (s *Store) lockWin(w int, write bool) (*winCtx, error) {
	c := &winCtx{s: s, w: w, win: s.window(w), lk: s.locks[w], local: &s.wins[w], write: write}

	switch lk := c.lk.(type) {
	case *ticketlock.Bounded:
		if write {
			err := lk.LockBounded()
			if err != nil {
				return nil, fmt.Errorf("lock window %d: %w", w, err)
			}
		} else {
			lk.RLock()
		}
	default:
		if write {
			lk.Lock()
		} else {
			lk.RLock()
		}
	}

	c.local.mu.Lock()

	return c, nil
}

func (c *winCtx) unlock() {
	c.local.mu.Unlock()

	if c.write {
		c.lk.Unlock()
	} else {
		c.lk.RUnlock()
	}
}

// seg returns this process's mapping of segment id, mapping or remapping it
// when the shared header disagrees with the cached size:
//   - sizeReplaced: compaction replaced the file, map the new one.
//   - any other size: the file grew in place, map it again at full size.
func (c *winCtx) seg(id int) (*mapping, error) {
	if used := c.win.segsUsed(); id >= used {
		return nil, fmt.Errorf("window %d segment %d beyond %d in use: %w", c.w, id, used, ErrCorrupt)
	}

	for len(c.local.segs) <= id {
		c.local.segs = append(c.local.segs, nil)
	}

	m := c.local.segs[id]
	if m == nil {
		m = &mapping{path: segName(c.s.path, c.w, id)}
		c.local.segs[id] = m
	}

	if m.data == nil {
		err := m.mapFile(c.s.fs)
		if err != nil {
			return nil, err
		}

		c.win.inc(ctrMaps)

		return m, nil
	}

	size := m.size()
	if size == uint64(len(m.data)) {
		return m, nil
	}

	err := m.mapFile(c.s.fs)
	if err != nil {
		return nil, err
	}

	c.win.inc(ctrRemaps)
	c.s.log.Debug("segment remapped", "path", m.path, "replaced", size == sizeReplaced, "size", len(m.data))

	return m, nil
}

// newSeg creates the file of the next unused segment id and maps it. The
// caller publishes the id by bumping segsUsed.
func (c *winCtx) newSeg() (int, *mapping, error) {
	id := c.win.segsUsed()
	if id >= maxSegs {
		return 0, nil, fmt.Errorf("window %d has no free segment id: %w", c.w, ErrFull)
	}

	for len(c.local.segs) <= id {
		c.local.segs = append(c.local.segs, nil)
	}

	m := &mapping{path: segName(c.s.path, c.w, id)}

	err := createSegmentFile(c.s.fs, m, initialSegSize())
	if err != nil {
		return 0, nil, err
	}

	if old := c.local.segs[id]; old != nil {
		_ = old.unmap()
	}

	c.local.segs[id] = m
	c.win.inc(ctrMaps)
	c.s.log.Debug("segment created", "path", m.path)

	return id, m, nil
}

// discardSeg drops a segment created by newSeg that was never published.
func (c *winCtx) discardSeg(id int, m *mapping) error {
	c.local.segs[id] = nil

	err := m.unmap()

	removeErr := c.s.fs.Remove(m.path)
	if removeErr != nil {
		removeErr = fmt.Errorf("remove unpublished segment: %w", removeErr)
	}

	return errors.Join(err, removeErr)
}

// firstSeg creates segment 0 the first time the window is written. The
// zeroed redirect table already points every bucket at it.
func (c *winCtx) firstSeg() error {
	if c.win.segsUsed() > 0 {
		return nil
	}

	_, _, err := c.newSeg()
	if err != nil {
		return err
	}

	c.win.setSegsUsed(1)

	return nil
}

// grow is the growth hook handed to codec.appendRecord.
func (c *winCtx) grow(m *mapping, need uint64) error {
	from := len(m.data)

	err := m.grow(c.s.fs, need, c.s.growthSlack())
	if err != nil {
		c.s.log.Error("segment growth failed", "path", m.path, "need", need, "err", err)

		return err
	}

	c.win.inc(ctrGrows)
	c.s.log.Debug("segment grown", "path", m.path, "from", from, "to", len(m.data))

	return nil
}

func (c *winCtx) append(m *mapping, key, val []byte) (uint32, error) {
	return c.s.codec.appendRecord(m, key, val, c.grow)
}
