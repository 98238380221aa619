package shf

import (
	"bytes"
	"fmt"
)

// window is a view of one window's bytes inside the shared root mapping.
//
// The redirect table and segsUsed change only under the window's write lock.
// Counters are updated atomically because readers bump miss counters while
// holding only the read lock.
type window []byte

func (w window) lockBytes() []byte {
	return w[winOffLock : winOffLock+lockLineSize]
}

func (w window) redirect(bucket int) int {
	off := winOffRedirect + 2*bucket

	return int(uint16(w[off]) | uint16(w[off+1])<<8)
}

func (w window) setRedirect(bucket, seg int) {
	off := winOffRedirect + 2*bucket
	w[off] = byte(seg)
	w[off+1] = byte(seg >> 8)
}

func (w window) counter(i int) uint64 {
	return atomicLoad(w, winOffCounters+8*i)
}

func (w window) inc(i int) {
	atomicAdd(w, winOffCounters+8*i, 1)
}

func (w window) segsUsed() int {
	return int(w.counter(ctrSegsUsed))
}

func (w window) setSegsUsed(n int) {
	atomicStore(w, winOffCounters+8*ctrSegsUsed, uint64(n))
}

// initRoot writes the root header into a zeroed root image. Windows start
// zeroed: no segments, every bucket redirecting to segment 0.
func initRoot(root []byte) {
	copy(root[rootOffMagic:], rootMagic)
	putU32(root, rootOffVersion, formatVersion)
	putU32(root, rootOffWins, numWins)
	putU32(root, rootOffBuckets, numBuckets)
	putU32(root, rootOffRows, numRows)
	putU32(root, rootOffSlots, numSlots)
}

// validateRoot checks the root header of an attached tree.
func validateRoot(root []byte) error {
	if len(root) < rootSize {
		return fmt.Errorf("root file size %d < %d: %w", len(root), rootSize, ErrCorrupt)
	}

	if !bytes.Equal(root[rootOffMagic:rootOffMagic+4], []byte(rootMagic)) {
		return fmt.Errorf("invalid root magic %q: %w", root[rootOffMagic:rootOffMagic+4], ErrIncompatible)
	}

	if v := getU32(root, rootOffVersion); v != formatVersion {
		return fmt.Errorf("unsupported version %d, expected %d: %w", v, formatVersion, ErrIncompatible)
	}

	geometry := [...]struct {
		name string
		off  int
		want uint32
	}{
		{"windows", rootOffWins, numWins},
		{"buckets", rootOffBuckets, numBuckets},
		{"rows", rootOffRows, numRows},
		{"slots", rootOffSlots, numSlots},
	}

	for _, g := range geometry {
		if got := getU32(root, g.off); got != g.want {
			return fmt.Errorf("%s %d, expected %d: %w", g.name, got, g.want, ErrIncompatible)
		}
	}

	return nil
}
