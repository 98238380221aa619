package shf

import (
	"errors"

	"github.com/calvinalkan/shf/internal/ticketlock"
)

// Sentinel errors returned by shf operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, shf.ErrNotExist) {
//	    // create it instead
//	}
//
// A key that is absent is not an error: lookups report it through their
// found result.
var (
	// ErrNotExist is returned by [AttachExisting] when no tree exists at the
	// given location.
	ErrNotExist = errors.New("shf: does not exist")

	// ErrClosed indicates the [Store] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("shf: closed")

	// ErrInvalidInput indicates invalid arguments, for example a key of the
	// wrong length in fixed-length mode or an empty name.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("shf: invalid input")

	// ErrIncompatible indicates a format or environment mismatch: unknown
	// magic or version, fixed lengths that differ from the ones the tree was
	// created with, or a page/cache-line size the shared layout cannot work
	// with.
	ErrIncompatible = errors.New("shf: incompatible")

	// ErrCorrupt indicates shared state that fails a bounds or consistency
	// check. There is no repair; delete the tree and rebuild it.
	ErrCorrupt = errors.New("shf: corrupt")

	// ErrNoSpace indicates the backing filesystem has not enough free space
	// to grow a segment.
	ErrNoSpace = errors.New("shf: no space for growth")

	// ErrFull indicates a window ran out of segment ids, a segment reached
	// the 4 GiB offset limit, or a row overflowed that no split can relieve.
	ErrFull = errors.New("shf: full")

	// ErrUpdateRejected wraps the error returned by an [UpdateFunc]. The
	// record was found; it is left as the callback left it.
	ErrUpdateRejected = errors.New("shf: update rejected")

	// ErrStarved indicates a writer using [Options.MaxLockSpins] gave up on
	// a window lock whose holder is still alive.
	ErrStarved = ticketlock.ErrStarved
)
