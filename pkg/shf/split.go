package shf

import (
	"errors"
	"fmt"
)

// split relieves an overflowing segment: a new segment takes over every
// second bucket redirecting to seg, in redirect-table order, and the
// records of those buckets move to it at the same row and slot, so handles
// stay valid. The vacated space of seg is compacted afterwards.
//
// Records are copied before any bucket is redirected. If a copy fails the
// new segment is discarded and the window is left as it was.
func (c *winCtx) split(seg int) error {
	var (
		buckets []int
		moving  [numBuckets]bool
	)

	for b := range numBuckets {
		if c.win.redirect(b) == seg {
			if len(buckets)%2 == 1 {
				moving[b] = true
			}

			buckets = append(buckets, b)
		}
	}

	if len(buckets) < 2 {
		return fmt.Errorf("segment %d of window %d is owned by a single bucket, cannot split: %w", seg, c.w, ErrFull)
	}

	old, err := c.seg(seg)
	if err != nil {
		return err
	}

	id, fresh, err := c.newSeg()
	if err != nil {
		return err
	}

	for b := range numBuckets {
		if r := c.win.redirect(b); r >= id {
			return errors.Join(
				fmt.Errorf("bucket %d redirects to segment %d beyond newest %d: %w", b, r, id-1, ErrCorrupt),
				c.discardSeg(id, fresh))
		}
	}

	moved, err := c.copyBuckets(old, fresh, &moving)
	if err != nil {
		return errors.Join(fmt.Errorf("split segment %d of window %d: %w", seg, c.w, err), c.discardSeg(id, fresh))
	}

	c.win.setSegsUsed(id + 1)

	for b := range numBuckets {
		if moving[b] {
			c.win.setRedirect(b, id)
		}
	}

	err = c.releaseBuckets(old, &moving)
	if err != nil {
		return err
	}

	c.win.inc(ctrSplits)
	c.s.log.Debug("segment split", "window", c.w, "from", seg, "to", id, "buckets", len(buckets)/2, "moved", moved)

	if old.freeBytes() == 0 {
		return nil
	}

	return c.shrink(seg)
}

// copyBuckets appends every live record of a moving bucket in from to the
// same row and slot of to. from is left untouched.
func (c *winCtx) copyBuckets(from, to *mapping, moving *[numBuckets]bool) (int, error) {
	moved := 0

	for row := range numRows {
		for i := range numSlots {
			v := from.slot(row, i)
			off := slotOffset(v)

			if off == 0 || !moving[slotBucket(v)] {
				continue
			}

			key, val, _, err := c.s.codec.record(from, off)
			if err != nil {
				return moved, err
			}

			newOff, err := c.append(to, key, val)
			if err != nil {
				return moved, err
			}

			to.setSlot(row, i, packSlot(slotBucket(v), slotFp(v), newOff))
			to.add(segOffRefs, 1)

			moved++
		}
	}

	return moved, nil
}

// releaseBuckets tombstones the records of moving buckets left behind in m
// once their copies are reachable through the redirect table.
func (c *winCtx) releaseBuckets(m *mapping, moving *[numBuckets]bool) error {
	for row := range numRows {
		for i := range numSlots {
			v := m.slot(row, i)
			off := slotOffset(v)

			if off == 0 || !moving[slotBucket(v)] {
				continue
			}

			err := c.s.codec.tombstone(m, off)
			if err != nil {
				return err
			}

			m.setSlot(row, i, 0)
			m.add(segOffRefs, -1)
		}
	}

	return nil
}
