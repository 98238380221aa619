package ticketlock

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DefaultMaxSpins is the spin budget used by [Bounded] when MaxSpins is zero.
const DefaultMaxSpins = 1 << 22

// Bounded is the non-production writer path over the same shared words as
// [Ticket]. Instead of queueing on a ticket it only takes the lock when it
// is free, records its pid as holder and gives up after MaxSpins attempts.
//
// When the budget runs out and the recorded holder is no longer running, the
// lock is released on the holder's behalf and acquisition is retried once.
// Readers are not tracked, so a stalled reader is never broken.
type Bounded struct {
	*Ticket

	// MaxSpins is the number of failed attempts before giving up.
	MaxSpins int

	// Alive reports whether pid is a running process. Defaults to [ProcessAlive].
	Alive func(pid int) bool

	// OnBreak, if set, is called after the lock of a dead holder was broken.
	OnBreak func(pid int)

	pid int
}

// NewBounded returns a bounded writer lock on the same words as t.
func NewBounded(t *Ticket, maxSpins int) *Bounded {
	if maxSpins <= 0 {
		maxSpins = DefaultMaxSpins
	}

	return &Bounded{
		Ticket:   t,
		MaxSpins: maxSpins,
		Alive:    ProcessAlive,
		pid:      os.Getpid(),
	}
}

// TryLock takes the write lock only if nobody holds or waits for it.
func (b *Bounded) TryLock() bool {
	ticket := atomic.LoadUint64(b.word(wordTicket))
	if atomic.LoadUint64(b.word(wordNextWriter)) != ticket {
		return false
	}

	if !atomic.CompareAndSwapUint64(b.word(wordTicket), ticket, ticket+1) {
		return false
	}

	atomic.StoreUint64(b.word(wordHolder), uint64(b.pid))

	return true
}

// LockBounded spins on [Bounded.TryLock] up to MaxSpins times. On exhaustion
// it breaks the lock if the recorded holder is dead, otherwise it returns
// [ErrStarved].
func (b *Bounded) LockBounded() error {
	if b.spin() {
		return nil
	}

	holder := int(atomic.LoadUint64(b.word(wordHolder)))
	if holder == 0 || b.Alive(holder) {
		return fmt.Errorf("holder pid %d after %d spins: %w", holder, b.MaxSpins, ErrStarved)
	}

	if atomic.CompareAndSwapUint64(b.word(wordHolder), uint64(holder), 0) {
		b.Ticket.Unlock()

		if b.OnBreak != nil {
			b.OnBreak(holder)
		}
	}

	if b.spin() {
		return nil
	}

	return fmt.Errorf("after breaking dead holder %d: %w", holder, ErrStarved)
}

// Unlock clears the holder and releases the write lock.
func (b *Bounded) Unlock() {
	atomic.StoreUint64(b.word(wordHolder), 0)
	b.Ticket.Unlock()
}

// Holder returns the pid recorded by the last bounded writer, or 0.
func (b *Bounded) Holder() int {
	return int(atomic.LoadUint64(b.word(wordHolder)))
}

func (b *Bounded) spin() bool {
	for spins := 1; spins <= b.MaxSpins; spins++ {
		if b.TryLock() {
			return true
		}

		if spins%spinsBeforeYield == 0 {
			runtime.Gosched()
		}
	}

	return false
}

// ProcessAlive reports whether a process with the given pid exists.
// A process owned by another user counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}
