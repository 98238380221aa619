package shf

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// hashSeed seeds the upper 64 bits of every key hash. It is part of the
// on-disk format: changing it orphans every existing tree.
const hashSeed uint64 = 0x5348465f53454544

var digests = sync.Pool{
	New: func() any { return xxhash.NewWithSeed(hashSeed) },
}

// Hash is the 128-bit hash of a key together with the addressing derived
// from it.
type Hash [16]byte

// MakeHash hashes key. The low 64 bits are xxhash64 with the default seed,
// the high 64 bits xxhash64 seeded with a fixed constant.
func MakeHash(key []byte) Hash {
	d := digests.Get().(*xxhash.Digest)
	d.ResetWithSeed(hashSeed)
	_, _ = d.Write(key)
	hi := d.Sum64()
	digests.Put(d)

	var h Hash
	binary.LittleEndian.PutUint64(h[0:], xxhash.Sum64(key))
	binary.LittleEndian.PutUint64(h[8:], hi)

	return h
}

// U16 returns the i-th little-endian 16-bit view of the hash.
func (h Hash) U16(i int) uint16 {
	return binary.LittleEndian.Uint16(h[2*i:])
}

// U32 returns the i-th little-endian 32-bit view of the hash.
func (h Hash) U32(i int) uint32 {
	return binary.LittleEndian.Uint32(h[4*i:])
}

// Win is the window the key lives in.
func (h Hash) Win() int { return int(h.U16(0)) % numWins }

// Bucket is the logical bucket inside the window.
func (h Hash) Bucket() int { return int(h.U16(1)) % numBuckets }

// Row is the row inside the segment the bucket redirects to.
func (h Hash) Row() int { return int(h.U16(2)) % numRows }

// Fingerprint is the partial hash stored in a slot to reject most
// non-matching keys without reading them.
func (h Hash) Fingerprint() uint32 { return h.U32(2) % (1 << fpBits) }

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// UID is an opaque handle to a record slot:
// window(8) | logical bucket(11) | row(9) | slot(4).
//
// A UID stays valid across splits and compactions, which keep a record at
// the same row and slot. After the record is deleted the slot may be reused
// by another key of the same bucket and row; the UID then resolves to that
// key.
type UID uint32

func makeUID(win, bucket, row, slot int) UID {
	return UID(uint32(win)<<(bucketBits+rowBits+slotBits) |
		uint32(bucket)<<(rowBits+slotBits) |
		uint32(row)<<slotBits |
		uint32(slot))
}

// Win returns the window encoded in the handle.
func (u UID) Win() int { return int(u >> (bucketBits + rowBits + slotBits)) }

// Bucket returns the logical bucket encoded in the handle.
func (u UID) Bucket() int { return int(u>>(rowBits+slotBits)) & (numBuckets - 1) }

// Row returns the row encoded in the handle.
func (u UID) Row() int { return int(u>>slotBits) & (numRows - 1) }

// Slot returns the slot encoded in the handle.
func (u UID) Slot() int { return int(u) & (numSlots - 1) }

func (u UID) String() string {
	return fmt.Sprintf("%08x", uint32(u))
}

// ParseUID parses the hexadecimal form produced by [UID.String].
func ParseUID(s string) (UID, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse uid %q: %w", s, ErrInvalidInput)
	}

	return UID(v), nil
}

// addr is a fully resolved record address. fp is only meaningful for
// key-based lookups.
type addr struct {
	win, bucket, row int
	fp               uint32
}

func addrOf(h Hash) addr {
	return addr{win: h.Win(), bucket: h.Bucket(), row: h.Row(), fp: h.Fingerprint()}
}

func addrOfUID(u UID) addr {
	return addr{win: u.Win(), bucket: u.Bucket(), row: u.Row()}
}
