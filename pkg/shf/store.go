package shf

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/shf/internal/ticketlock"
	"github.com/calvinalkan/shf/pkg/fs"
)

// Store is one process's handle on a shared tree.
//
// All methods are safe for concurrent use by multiple goroutines. Other
// processes attached to the same tree observe every change immediately.
//
// A Store must be obtained via [Attach] or [AttachExisting]; the zero value
// is not usable.
type Store struct {
	_ [0]func() // prevent external construction

	// mu guards closed. Operations hold RLock for their whole duration so
	// Close never unmaps memory in use.
	mu     sync.RWMutex
	closed bool

	path  string // Dir/Name.shf
	fs    fs.FS
	codec codec
	root  []byte

	locks [numWins]ticketlock.Locker
	wins  [numWins]localWin

	slack atomic.Int64
	level *slog.LevelVar
	log   *slog.Logger
}

// localWin caches this process's segment mappings of one window. mu is
// always taken after the window's shared lock.
type localWin struct {
	mu   sync.Mutex
	segs []*mapping
}

// Attach opens the tree described by opts, creating it first if it does not
// exist.
//
// Possible errors: [ErrInvalidInput], [ErrIncompatible], [ErrCorrupt], I/O errors.
func Attach(opts Options) (*Store, error) {
	return attach(opts, true)
}

// AttachExisting opens the tree described by opts. It returns [ErrNotExist]
// when the tree is absent.
func AttachExisting(opts Options) (*Store, error) {
	return attach(opts, false)
}

func attach(opts Options, create bool) (*Store, error) {
	opts, err := validateOptions(opts)
	if err != nil {
		return nil, err
	}

	err = checkEnvironment()
	if err != nil {
		return nil, err
	}

	fsys := fs.NewReal()
	tree := opts.treePath()

	level := new(slog.LevelVar)
	log := newLogger(opts.Logger, level).With("tree", tree)

	exists, err := fsys.Exists(tree)
	if err != nil {
		return nil, fmt.Errorf("stat tree: %w", err)
	}

	if !exists {
		if !create {
			return nil, fmt.Errorf("%s: %w", tree, ErrNotExist)
		}

		err = createTree(fsys, opts, log)
		if err != nil {
			return nil, err
		}
	}

	meta, err := readMeta(fsys, filepath.Join(tree, metaFileName))
	if err != nil {
		return nil, err
	}

	opts, err = meta.reconcile(opts)
	if err != nil {
		return nil, err
	}

	root, err := mapRoot(fsys, filepath.Join(tree, opts.Name+".shf"))
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:  tree,
		fs:    fsys,
		codec: codec{keyLen: opts.KeyLen, valLen: opts.ValueLen},
		root:  root,
		level: level,
		log:   log,
	}
	s.slack.Store(int64(opts.GrowthSlack))

	for w := range numWins {
		s.locks[w] = s.newLocker(w, opts)
	}

	if opts.DeleteOnExit {
		err = spawnWatchdog(tree)
		if err != nil {
			_ = s.Close()

			return nil, err
		}
	}

	log.Info("attached", "fixed", opts.fixed(), "lockable", !opts.DisableLocking)

	return s, nil
}

func (s *Store) newLocker(w int, opts Options) ticketlock.Locker {
	if opts.DisableLocking {
		return ticketlock.Nop{}
	}

	t := ticketlock.At(s.window(w).lockBytes())
	if opts.MaxLockSpins == 0 {
		return t
	}

	b := ticketlock.NewBounded(t, opts.MaxLockSpins)
	b.OnBreak = func(pid int) {
		s.log.Warn("broke window lock of dead writer", "window", w, "pid", pid)
	}

	return b
}

// createTree builds the whole tree under a pid-suffixed temporary name and
// renames it into place. Losing the rename race to another process is not
// an error: the winner's tree is used.
func createTree(fsys fs.FS, opts Options, log *slog.Logger) error {
	tree := opts.treePath()
	tmp := fmt.Sprintf("%s.%d.tmp", tree, os.Getpid())

	err := fsys.RemoveAll(tmp)
	if err != nil {
		return fmt.Errorf("remove stale %s: %w", tmp, err)
	}

	err = buildTree(fsys, tmp, opts)
	if err != nil {
		return errors.Join(err, fsys.RemoveAll(tmp))
	}

	err = fsys.Rename(tmp, tree)
	if err != nil {
		cleanupErr := fsys.RemoveAll(tmp)

		exists, existsErr := fsys.Exists(tree)
		if existsErr == nil && exists {
			return cleanupErr
		}

		return errors.Join(fmt.Errorf("rename tree: %w", err), cleanupErr)
	}

	log.Info("created tree")

	return nil
}

func buildTree(fsys fs.FS, dir string, opts Options) error {
	for w := range numWins {
		err := fsys.MkdirAll(filepath.Join(dir, fmt.Sprintf("%03d", w)), 0o750)
		if err != nil {
			return fmt.Errorf("create window dir: %w", err)
		}
	}

	f, err := fsys.OpenFile(filepath.Join(dir, opts.Name+".shf"), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create root file: %w", err)
	}

	err = f.Truncate(rootSize)
	if err != nil {
		return errors.Join(fmt.Errorf("truncate root file: %w", err), f.Close())
	}

	header := make([]byte, rootHeaderSize)
	initRoot(header)

	_, err = f.WriteAt(header, 0)
	if err != nil {
		return errors.Join(fmt.Errorf("write root header: %w", err), f.Close())
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("close root file: %w", err)
	}

	return writeMeta(filepath.Join(dir, metaFileName), instanceMeta{
		Version:  formatVersion,
		KeyLen:   opts.KeyLen,
		ValueLen: opts.ValueLen,
	})
}

func mapRoot(fsys fs.FS, path string) ([]byte, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open root file: %w", err)
	}

	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat root file: %w", err)
	}

	if info.Size() < rootSize {
		return nil, fmt.Errorf("root file size %d < %d: %w", info.Size(), rootSize, ErrCorrupt)
	}

	root, err := unix.Mmap(int(f.Fd()), 0, rootSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap root file: %w", err)
	}

	err = validateRoot(root)
	if err != nil {
		_ = unix.Munmap(root)

		return nil, err
	}

	return root, nil
}

// Path returns the tree directory, Dir/Name.shf.
func (s *Store) Path() string {
	return s.path
}

// FixedLengths returns the key and value lengths of a fixed-length tree, or
// 0, 0 for variable-length records.
func (s *Store) FixedLengths() (keyLen, valLen int) {
	return s.codec.keyLen, s.codec.valLen
}

// Close unmaps the root and every segment mapped by this handle. The tree
// stays on disk. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var errs []error

	for w := range s.wins {
		lw := &s.wins[w]
		lw.mu.Lock()

		for _, m := range lw.segs {
			if m != nil {
				errs = append(errs, m.unmap())
			}
		}

		lw.segs = nil
		lw.mu.Unlock()
	}

	err := unix.Munmap(s.root)
	if err != nil {
		errs = append(errs, fmt.Errorf("munmap root: %w", err))
	}

	s.root = nil

	return errors.Join(errs...)
}

// Remove closes the handle and deletes the whole tree. Other processes keep
// their existing mappings but can no longer attach.
func (s *Store) Remove() error {
	closeErr := s.Close()

	err := s.fs.RemoveAll(s.path)
	if err != nil {
		return errors.Join(closeErr, fmt.Errorf("remove tree: %w", err))
	}

	return closeErr
}

// SetVerbosity sets the minimum level of records passed to Options.Logger.
func (s *Store) SetVerbosity(level slog.Level) {
	s.level.Set(level)
}

// SetGrowthSlack changes the growth multiplier for this handle. Values
// below 1 are treated as 1.
func (s *Store) SetGrowthSlack(n int) {
	s.slack.Store(int64(max(n, 1)))
}

func (s *Store) growthSlack() int {
	return int(s.slack.Load())
}

func (s *Store) window(w int) window {
	off := rootHeaderSize + w*winSize

	return window(s.root[off : off+winSize : off+winSize])
}

// begin marks the start of an operation. The returned func must be called
// when it ends.
func (s *Store) begin() (func(), error) {
	s.mu.RLock()

	if s.closed {
		s.mu.RUnlock()

		return nil, ErrClosed
	}

	return s.mu.RUnlock, nil
}
