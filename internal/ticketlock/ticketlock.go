// Package ticketlock implements a fair reader/writer spin-lock whose state
// lives in memory shared between processes.
//
// The lock state is four 64-bit words:
//
//	[0] ticket       next ticket handed out to a locker
//	[1] nextWriter   ticket of the writer allowed to run
//	[2] nextReader   ticket of the reader allowed to run
//	[3] holder       pid of the last writer (bounded variant only)
//
// Every lock attempt takes a ticket. A writer runs when its ticket equals
// nextWriter, a reader runs when its ticket equals nextReader and immediately
// admits the reader queued behind it. Unlocking a writer advances both
// counters, unlocking a reader advances only nextWriter. Readers and writers
// are therefore served strictly in arrival order.
//
// There is no timeout and no cancellation: a holder that dies keeps the lock
// forever. [Bounded] offers a try-lock based variant that can detect and break
// a dead writer, at the cost of FIFO fairness.
package ticketlock

import (
	"errors"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Size is the number of bytes of shared memory occupied by one lock.
const Size = 4 * 8

const (
	wordTicket = iota
	wordNextWriter
	wordNextReader
	wordHolder
)

// spinsBeforeYield is how often the spin loop polls before yielding the
// processor to other goroutines.
const spinsBeforeYield = 64

// ErrStarved is returned by [Bounded.LockBounded] when the spin budget is
// exhausted and the holder is still alive.
var ErrStarved = errors.New("ticketlock: starved")

// Locker is the lock used to guard one window. The shared-memory [Ticket]
// lock is the production implementation; [Nop] serves instances declared
// single-threaded.
type Locker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

var (
	_ Locker = (*Ticket)(nil)
	_ Locker = Nop{}
	_ Locker = (*Bounded)(nil)
)

// Ticket is a fair reader/writer spin-lock over shared memory.
type Ticket struct {
	words *[4]uint64
}

// At returns a Ticket lock backed by buf, which must be at least [Size]
// bytes long and 8-byte aligned. buf normally points into a shared mapping.
func At(buf []byte) *Ticket {
	if len(buf) < Size {
		panic("ticketlock: buffer too small")
	}

	if uintptr(unsafe.Pointer(&buf[0]))%8 != 0 {
		panic("ticketlock: buffer not 8-byte aligned")
	}

	return &Ticket{words: (*[4]uint64)(unsafe.Pointer(&buf[0]))}
}

func (t *Ticket) word(i int) *uint64 {
	return &t.words[i]
}

// Lock acquires the lock for writing.
func (t *Ticket) Lock() {
	me := atomic.AddUint64(t.word(wordTicket), 1) - 1
	spinUntil(t.word(wordNextWriter), me)
}

// Unlock releases a write lock, admitting the next writer or the next batch
// of readers.
func (t *Ticket) Unlock() {
	atomic.AddUint64(t.word(wordNextReader), 1)
	atomic.AddUint64(t.word(wordNextWriter), 1)
}

// RLock acquires the lock for reading.
func (t *Ticket) RLock() {
	me := atomic.AddUint64(t.word(wordTicket), 1) - 1
	spinUntil(t.word(wordNextReader), me)
	atomic.AddUint64(t.word(wordNextReader), 1)
}

// RUnlock releases a read lock.
func (t *Ticket) RUnlock() {
	atomic.AddUint64(t.word(wordNextWriter), 1)
}

// Snapshot returns the current ticket, next-writer and next-reader counters.
func (t *Ticket) Snapshot() (ticket, nextWriter, nextReader uint64) {
	return atomic.LoadUint64(t.word(wordTicket)),
		atomic.LoadUint64(t.word(wordNextWriter)),
		atomic.LoadUint64(t.word(wordNextReader))
}

func spinUntil(addr *uint64, want uint64) {
	for spins := 1; atomic.LoadUint64(addr) != want; spins++ {
		if spins%spinsBeforeYield == 0 {
			runtime.Gosched()
		}
	}
}

// Nop is a Locker that does nothing. Used when an instance is declared
// non-lockable.
type Nop struct{}

func (Nop) Lock()    {}
func (Nop) Unlock()  {}
func (Nop) RLock()   {}
func (Nop) RUnlock() {}
