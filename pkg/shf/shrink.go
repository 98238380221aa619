package shf

import (
	"errors"
	"fmt"
	"os"
)

// shrink rewrites segment seg into a fresh file holding only live records
// and renames it over the old one. Processes that still map the old inode
// see sizeReplaced in its header and map the new file on their next access.
// Records keep their row and slot.
func (c *winCtx) shrink(seg int) error {
	old, err := c.seg(seg)
	if err != nil {
		return err
	}

	tmp := &mapping{path: fmt.Sprintf("%s.%d.tmp", old.path, os.Getpid())}
	size := max(initialSegSize(), roundPage(segDataOff+old.liveBytes()))

	err = createSegmentFile(c.s.fs, tmp, size)
	if err != nil {
		return err
	}

	err = c.copyLive(old, tmp)
	if err == nil {
		err = c.s.fs.Rename(tmp.path, old.path)
		if err != nil {
			err = fmt.Errorf("rename compacted segment: %w", err)
		}
	}

	if err != nil {
		return errors.Join(err, tmp.unmap(), c.s.fs.Remove(tmp.path))
	}

	freed := old.freeBytes()
	atomicStore(old.data, segOffSize, sizeReplaced)

	err = old.unmap()
	old.data = tmp.data

	c.win.inc(ctrShrinks)
	c.s.log.Debug("segment compacted", "path", old.path, "freed", freed, "size", len(old.data))

	return err
}

func (c *winCtx) copyLive(from, to *mapping) error {
	for row := range numRows {
		for i := range numSlots {
			v := from.slot(row, i)

			off := slotOffset(v)
			if off == 0 {
				continue
			}

			key, val, _, err := c.s.codec.record(from, off)
			if err != nil {
				return err
			}

			newOff, err := c.append(to, key, val)
			if err != nil {
				return err
			}

			to.setSlot(row, i, packSlot(slotBucket(v), slotFp(v), newOff))
			to.add(segOffRefs, 1)
		}
	}

	return nil
}

// compactSeg opportunistically compacts one segment after a read. Failures
// are logged, never returned: the read already succeeded.
func (s *Store) compactSeg(w, seg int, ratio uint64) {
	c, err := s.lockWin(w, true)
	if err != nil {
		s.log.Warn("opportunistic compaction skipped", "window", w, "segment", seg, "err", err)

		return
	}
	defer c.unlock()

	if seg >= c.win.segsUsed() {
		return
	}

	m, err := c.seg(seg)
	if err == nil && needsShrink(m, ratio) {
		err = c.shrink(seg)
	}

	if err != nil {
		s.log.Warn("opportunistic compaction failed", "window", w, "segment", seg, "err", err)
	}
}

// Compact rewrites every segment that holds deleted records. Afterwards
// [Store.Garbage] reports 0 until the next delete.
func (s *Store) Compact() error {
	done, err := s.begin()
	if err != nil {
		return err
	}
	defer done()

	for w := range numWins {
		err = s.compactWindow(w)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) compactWindow(w int) error {
	c, err := s.lockWin(w, true)
	if err != nil {
		return err
	}
	defer c.unlock()

	for seg := range c.win.segsUsed() {
		m, err := c.seg(seg)
		if err != nil {
			return err
		}

		if m.freeBytes() == 0 {
			continue
		}

		err = c.shrink(seg)
		if err != nil {
			return fmt.Errorf("compact window %d segment %d: %w", w, seg, err)
		}
	}

	return nil
}
