package shf

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/shf/pkg/fs"
)

// mapping is this process's view of one segment file. data is nil until the
// segment is first touched. The header inside data is shared with every
// other process mapping the same file.
type mapping struct {
	path string
	data []byte
}

func (m *mapping) size() uint64      { return atomicLoad(m.data, segOffSize) }
func (m *mapping) used() uint64      { return getU64(m.data, segOffUsed) }
func (m *mapping) refs() uint64      { return getU64(m.data, segOffRefs) }
func (m *mapping) liveBytes() uint64 { return getU64(m.data, segOffLiveBytes) }
func (m *mapping) freeBytes() uint64 { return getU64(m.data, segOffFreeBytes) }
func (m *mapping) freeHead() uint64  { return getU64(m.data, segOffFreeHead) }

func (m *mapping) add(off int, delta int64) {
	putU64(m.data, off, getU64(m.data, off)+uint64(delta))
}

// slot returns the packed reference at row/i:
// bucket(11) | fingerprint(21) | data offset(32).
func (m *mapping) slot(row, i int) uint64 {
	return getU64(m.data, segRowsOff+(row*numSlots+i)*slotSize)
}

func (m *mapping) setSlot(row, i int, v uint64) {
	putU64(m.data, segRowsOff+(row*numSlots+i)*slotSize, v)
}

func packSlot(bucket int, fp uint32, off uint32) uint64 {
	return uint64(bucket) | uint64(fp)<<bucketBits | uint64(off)<<32
}

func slotBucket(v uint64) int    { return int(v & (numBuckets - 1)) }
func slotFp(v uint64) uint32     { return uint32(v>>bucketBits) & (1<<fpBits - 1) }
func slotOffset(v uint64) uint32 { return uint32(v >> 32) }

// unmap releases the local mapping. The file is untouched.
func (m *mapping) unmap() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil

	if err != nil {
		return fmt.Errorf("munmap %s: %w", m.path, err)
	}

	return nil
}

// mapFile maps the whole file at m.path, replacing any previous mapping.
func (m *mapping) mapFile(fsys fs.FS) error {
	err := m.unmap()
	if err != nil {
		return err
	}

	f, err := fsys.OpenFile(m.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}

	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat segment %s: %w", m.path, err)
	}

	if info.Size() < segDataOff {
		return fmt.Errorf("segment %s size %d < %d: %w", m.path, info.Size(), segDataOff, ErrCorrupt)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", m.path, err)
	}

	if !bytes.Equal(data[segOffMagic:segOffMagic+4], []byte(segMagic)) {
		_ = unix.Munmap(data)

		return fmt.Errorf("segment %s magic %q: %w", m.path, data[segOffMagic:segOffMagic+4], ErrCorrupt)
	}

	m.data = data

	return nil
}

// createSegmentFile creates a fresh, empty segment file of the given size at
// path and maps it into m.
func createSegmentFile(fsys fs.FS, m *mapping, size uint64) error {
	f, err := fsys.OpenFile(m.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}

	defer func() { _ = f.Close() }()

	err = f.Truncate(int64(size)) //nolint:gosec // size < maxSegBytes
	if err != nil {
		return fmt.Errorf("truncate segment %s: %w", m.path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", m.path, err)
	}

	copy(data[segOffMagic:], segMagic)
	putU32(data, segOffVersion, formatVersion)
	putU64(data, segOffUsed, segDataOff)
	atomicStore(data, segOffSize, size)

	m.data = data

	return nil
}

// segName returns the path of segment id of window win inside tree.
func segName(tree string, win, id int) string {
	return filepath.Join(tree, fmt.Sprintf("%03d", win), fmt.Sprintf("%04d.tab", id))
}

// initialSegSize is the size of a freshly created segment: the row index plus
// one page of data.
func initialSegSize() uint64 {
	return roundPage(segDataOff + 1)
}

// grow makes room for need more bytes at the end of the data area. The new
// size is the missing amount rounded up to a page, times slack.
func (m *mapping) grow(fsys fs.FS, need uint64, slack int) error {
	size := uint64(len(m.data))
	end := m.used() + need

	if end <= size {
		return nil
	}

	if end > maxSegBytes {
		return fmt.Errorf("segment %s would reach %d bytes: %w", m.path, end, ErrFull)
	}

	newSize := min(size+roundPage(end-size)*uint64(slack), maxSegBytes)
	extra := newSize - size

	avail, err := fsys.Available(filepath.Dir(m.path))
	if err != nil {
		return fmt.Errorf("grow %s: %w", m.path, err)
	}

	if avail < extra {
		return fmt.Errorf("grow %s by %d bytes, %d available: %w", m.path, extra, avail, ErrNoSpace)
	}

	f, err := fsys.OpenFile(m.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open segment for growth: %w", err)
	}

	defer func() { _ = f.Close() }()

	err = f.Truncate(int64(newSize)) //nolint:gosec // newSize <= maxSegBytes
	if err != nil {
		return fmt.Errorf("truncate segment %s: %w", m.path, err)
	}

	err = m.unmap()
	if err != nil {
		return err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", m.path, err)
	}

	m.data = data
	atomicStore(data, segOffSize, newSize)

	return nil
}
