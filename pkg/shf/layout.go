package shf

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/shf/internal/ticketlock"
)

// Addressing geometry. A UID packs window, bucket, row and slot into exactly
// 32 bits.
const (
	winBits    = 8
	bucketBits = 11
	rowBits    = 9
	slotBits   = 4
	fpBits     = 21

	numWins    = 1 << winBits    // 256
	numBuckets = 1 << bucketBits // 2048
	numRows    = 1 << rowBits    // 512
	numSlots   = 1 << slotBits   // 16

	// maxSegs is the number of physical segments a window can address.
	maxSegs = numBuckets
)

// Compile-time check that the UID budget adds up to 32 bits.
var _ = [1]struct{}{}[winBits+bucketBits+rowBits+slotBits-32]

// Root control file layout.
const (
	rootMagic      = "SHF1"
	formatVersion  = 1
	rootHeaderSize = 64

	rootOffMagic   = 0x00 // [4]byte
	rootOffVersion = 0x04 // uint32
	rootOffWins    = 0x08 // uint32
	rootOffBuckets = 0x0C // uint32
	rootOffRows    = 0x10 // uint32
	rootOffSlots   = 0x14 // uint32

	// lockLineSize is the space reserved for a window lock. No other window
	// state shares its cache line.
	lockLineSize = 128

	winOffLock     = 0
	winOffCounters = lockLineSize
	winOffRedirect = winOffCounters + 128
	winSize        = winOffRedirect + numBuckets*2 // 4352

	rootSize = rootHeaderSize + numWins*winSize
)

// Window counters, each a uint64 at winOffCounters + 8*index.
const (
	ctrSegsUsed = iota
	ctrMaps
	ctrRemaps
	ctrShrinks
	ctrSplits
	ctrGrows
	ctrFpMisses
	ctrBucketMisses
	ctrKeyMisses
	numCounters
)

// Compile-time check that the counters fit the block between lock line and
// redirect table.
var _ [winOffRedirect - winOffCounters - numCounters*8]struct{}

// Segment file layout.
const (
	segMagic      = "SHFT"
	segHeaderSize = 64

	segOffMagic     = 0x00 // [4]byte
	segOffVersion   = 0x04 // uint32
	segOffSize      = 0x08 // uint64: mapped file size, sizeReplaced after compaction
	segOffUsed      = 0x10 // uint64: end of the data area
	segOffRefs      = 0x18 // uint64: live references
	segOffFreeHead  = 0x20 // uint64: fixed-length free list head, 0 = empty
	segOffLiveBytes = 0x28 // uint64
	segOffFreeBytes = 0x30 // uint64

	slotSize    = 8
	rowSize     = numSlots * slotSize
	segRowsOff  = segHeaderSize
	segDataOff  = segRowsOff + numRows*rowSize // 65600
	maxSegBytes = 1 << 32

	// sizeReplaced in a mapped segment header means the file was replaced by
	// compaction and every process must map the new file.
	sizeReplaced = 1
)

// Record layout in the data area.
const (
	recFlagLive    = 0
	recFlagDeleted = 1

	recHeader    = 1 // flag byte
	recLenPrefix = 4 // uint32 length before key and before value
)

// pageSize is the system page size segments grow by.
var pageSize = unix.Getpagesize()

// checkEnvironment verifies the structural assumptions of the shared layout.
func checkEnvironment() error {
	if pageSize <= 0 || pageSize%4096 != 0 {
		return fmt.Errorf("page size %d is not a multiple of 4096: %w", pageSize, ErrIncompatible)
	}

	if line := int(unsafe.Sizeof(cpu.CacheLinePad{})); line > lockLineSize {
		return fmt.Errorf("cache line %d exceeds reserved lock line %d: %w", line, lockLineSize, ErrIncompatible)
	}

	if ticketlock.Size > lockLineSize {
		return fmt.Errorf("lock size %d exceeds lock line %d: %w", ticketlock.Size, lockLineSize, ErrIncompatible)
	}

	if unsafe.Sizeof(uintptr(0)) < 8 {
		return fmt.Errorf("64-bit atomics on shared memory require a 64-bit platform: %w", ErrIncompatible)
	}

	return nil
}

// roundPage rounds n up to a multiple of the page size.
func roundPage(n uint64) uint64 {
	p := uint64(pageSize)

	return (n + p - 1) / p * p
}

// atomicLoad reads the 8-byte aligned uint64 at buf[off].
func atomicLoad(buf []byte, off int) uint64 {
	_ = buf[off+7]

	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[off])))
}

// atomicStore writes the 8-byte aligned uint64 at buf[off].
func atomicStore(buf []byte, off int, v uint64) {
	_ = buf[off+7]

	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[off])), v)
}

// atomicAdd adds delta to the 8-byte aligned uint64 at buf[off].
func atomicAdd(buf []byte, off int, delta uint64) uint64 {
	_ = buf[off+7]

	return atomic.AddUint64((*uint64)(unsafe.Pointer(&buf[off])), delta)
}

func getU64(buf []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(buf[off:])
}

func putU64(buf []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(buf[off:], v)
}

func getU32(buf []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(buf[off:])
}

func putU32(buf []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:], v)
}
