package shf

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// DefaultGrowthSlack is the growth multiplier used when Options.GrowthSlack
// is zero.
const DefaultGrowthSlack = 1

// Options configure attaching to a tree.
type Options struct {
	// Dir is the directory holding the tree, typically on a tmpfs such as
	// /dev/shm. Required.
	Dir string

	// Name of the instance. The tree lives at Dir/Name.shf. Required.
	Name string

	// DisableLocking turns the per-window spin-lock into a no-op. Only safe
	// when a single goroutine of a single process uses the tree.
	DisableLocking bool

	// MaxLockSpins, when non-zero, switches writers to the bounded lock:
	// instead of queueing they try to take a free window for up to this many
	// spins, then fail with [ErrStarved]. A writer that died holding the
	// lock is detected and its lock broken. The bounded lock gives up FIFO
	// fairness and is meant for tooling and tests.
	MaxLockSpins int

	// KeyLen and ValueLen, when non-zero, declare fixed key and value sizes.
	// Records then omit their length prefixes and deleted records are reused
	// through a per-segment free list. Both must be set together and
	// KeyLen+ValueLen must be at least 4. When attaching to an existing tree,
	// zero values adopt the tree's settings.
	KeyLen   int
	ValueLen int

	// GrowthSlack multiplies every segment growth request. Larger values
	// trade disk for fewer remaps. Zero means [DefaultGrowthSlack].
	GrowthSlack int

	// DeleteOnExit spawns a watchdog process that removes the whole tree
	// once the attaching process exits. See [RunWatchdogFromEnv].
	DeleteOnExit bool

	// Logger receives debug output about segment growth, splits and
	// compaction. Nil discards everything.
	Logger *slog.Logger
}

func (o Options) fixed() bool {
	return o.KeyLen > 0
}

func (o Options) treePath() string {
	return filepath.Join(o.Dir, o.Name+".shf")
}

func validateOptions(opts Options) (Options, error) {
	if opts.Dir == "" {
		return Options{}, fmt.Errorf("dir is required: %w", ErrInvalidInput)
	}

	if opts.Name == "" || strings.ContainsRune(opts.Name, filepath.Separator) {
		return Options{}, fmt.Errorf("name %q must be a non-empty path element: %w", opts.Name, ErrInvalidInput)
	}

	if opts.KeyLen < 0 || opts.ValueLen < 0 {
		return Options{}, fmt.Errorf("fixed lengths must be >= 0, got %d/%d: %w", opts.KeyLen, opts.ValueLen, ErrInvalidInput)
	}

	if (opts.KeyLen == 0) != (opts.ValueLen == 0) {
		return Options{}, fmt.Errorf("key_len and value_len must be set together, got %d/%d: %w",
			opts.KeyLen, opts.ValueLen, ErrInvalidInput)
	}

	if opts.fixed() && opts.KeyLen+opts.ValueLen < recLenPrefix {
		return Options{}, fmt.Errorf("key_len+value_len must be >= %d in fixed mode: %w", recLenPrefix, ErrInvalidInput)
	}

	if opts.MaxLockSpins < 0 {
		return Options{}, fmt.Errorf("max_lock_spins must be >= 0, got %d: %w", opts.MaxLockSpins, ErrInvalidInput)
	}

	if opts.DisableLocking && opts.MaxLockSpins > 0 {
		return Options{}, fmt.Errorf("max_lock_spins needs locking enabled: %w", ErrInvalidInput)
	}

	if opts.GrowthSlack < 0 {
		return Options{}, fmt.Errorf("growth_slack must be >= 0, got %d: %w", opts.GrowthSlack, ErrInvalidInput)
	}

	if opts.GrowthSlack == 0 {
		opts.GrowthSlack = DefaultGrowthSlack
	}

	return opts, nil
}
