package shf_test

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shf/pkg/shf"
)

func Test_Attach_Creates_Tree_When_Absent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := attach(t, dir)

	require.Equal(t, filepath.Join(dir, "test.shf"), s.Path())

	entries, err := os.ReadDir(s.Path())
	require.NoError(t, err)

	var dirs, files []string

	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		} else {
			files = append(files, e.Name())
		}
	}

	require.Len(t, dirs, 256)
	require.Equal(t, "000", dirs[0])
	require.Equal(t, "255", dirs[255])
	require.ElementsMatch(t, []string{"test.shf", "shf.json"}, files)

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func Test_Attach_Creates_Segment_Files_Lazily_When_Window_Written(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	segs, err := filepath.Glob(filepath.Join(s.Path(), "*", "*.tab"))
	require.NoError(t, err)
	require.Empty(t, segs)

	h := shf.MakeHash([]byte("k"))

	_, err = s.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	segs, err = filepath.Glob(filepath.Join(s.Path(), "*", "*.tab"))
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(s.Path(), fmt.Sprintf("%03d", h.Win()), "0000.tab")}, segs)
}

func Test_AttachExisting_Returns_ErrNotExist_When_Tree_Absent(t *testing.T) {
	t.Parallel()

	_, err := shf.AttachExisting(shf.Options{Dir: t.TempDir(), Name: "missing"})
	require.ErrorIs(t, err, shf.ErrNotExist)
}

func Test_AttachExisting_Sees_Records_When_Tree_Was_Created_By_Other_Handle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := attach(t, dir)

	uid, err := a.Put([]byte("shared"), []byte("value"))
	require.NoError(t, err)

	b, err := shf.AttachExisting(shf.Options{Dir: dir, Name: "test"})
	require.NoError(t, err)

	defer func() { _ = b.Close() }()

	val, found, err := b.Get([]byte("shared"), nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("value"), val)

	key, _, found, err := b.GetUID(uid, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("shared"), key)
}

func Test_Attach_Returns_ErrInvalidInput_When_Options_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cases := map[string]shf.Options{
		"no dir":              {Name: "x"},
		"no name":             {Dir: dir},
		"name with separator": {Dir: dir, Name: "a/b"},
		"key len only":        {Dir: dir, Name: "x", KeyLen: 8},
		"value len only":      {Dir: dir, Name: "x", ValueLen: 8},
		"fixed too short":     {Dir: dir, Name: "x", KeyLen: 1, ValueLen: 2},
		"negative lengths":    {Dir: dir, Name: "x", KeyLen: -1, ValueLen: -1},
		"negative slack":      {Dir: dir, Name: "x", GrowthSlack: -1},
		"negative spins":      {Dir: dir, Name: "x", MaxLockSpins: -1},
		"spins without lock":  {Dir: dir, Name: "x", MaxLockSpins: 10, DisableLocking: true},
	}

	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := shf.Attach(opts)
			require.ErrorIs(t, err, shf.ErrInvalidInput)
		})
	}
}

func Test_Attach_Returns_ErrIncompatible_When_Fixed_Lengths_Differ(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	attach(t, dir, func(o *shf.Options) { o.KeyLen, o.ValueLen = 8, 8 })

	_, err := shf.Attach(shf.Options{Dir: dir, Name: "test", KeyLen: 8, ValueLen: 16})
	require.ErrorIs(t, err, shf.ErrIncompatible)
}

func Test_Attach_Adopts_Stored_Fixed_Lengths_When_Options_Are_Zero(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	attach(t, dir, func(o *shf.Options) { o.KeyLen, o.ValueLen = 4, 4 })

	s := attach(t, dir)

	_, err := s.Put([]byte("long key"), []byte("1234"))
	require.ErrorIs(t, err, shf.ErrInvalidInput)

	_, err = s.Put([]byte("abcd"), []byte("1234"))
	require.NoError(t, err)
}

func Test_Attach_Reads_Meta_When_Annotated_With_Comments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := attach(t, dir, func(o *shf.Options) { o.KeyLen, o.ValueLen = 4, 4 })
	require.NoError(t, s.Close())

	meta := filepath.Join(dir, "test.shf", "shf.json")
	annotated := []byte(`{
  // written by hand
  "version": 1,
  "key_len": 4,
  "value_len": 4, // trailing comma
}
`)
	require.NoError(t, os.WriteFile(meta, annotated, 0o600))

	s = attach(t, dir, func(o *shf.Options) { o.KeyLen, o.ValueLen = 4, 4 })

	_, err := s.Put([]byte("abcd"), []byte("1234"))
	require.NoError(t, err)
}

func Test_Attach_Returns_ErrIncompatible_When_Meta_Version_Unknown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, attach(t, dir).Close())

	meta := filepath.Join(dir, "test.shf", "shf.json")
	require.NoError(t, os.WriteFile(meta, []byte(`{"version": 99}`), 0o600))

	_, err := shf.Attach(shf.Options{Dir: dir, Name: "test"})
	require.ErrorIs(t, err, shf.ErrIncompatible)
}

func Test_Attach_Returns_ErrCorrupt_When_Root_File_Truncated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, attach(t, dir).Close())

	require.NoError(t, os.Truncate(filepath.Join(dir, "test.shf", "test.shf"), 100))

	_, err := shf.Attach(shf.Options{Dir: dir, Name: "test"})
	require.ErrorIs(t, err, shf.ErrCorrupt)
}

func Test_Operations_Return_ErrClosed_When_Store_Closed(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close must be idempotent")

	_, err := s.Put([]byte("k"), nil)
	require.ErrorIs(t, err, shf.ErrClosed)

	_, _, err = s.Get([]byte("k"), nil)
	require.ErrorIs(t, err, shf.ErrClosed)

	_, err = s.Delete([]byte("k"))
	require.ErrorIs(t, err, shf.ErrClosed)

	_, err = s.Stats()
	require.ErrorIs(t, err, shf.ErrClosed)

	require.ErrorIs(t, s.Compact(), shf.ErrClosed)
}

func Test_Remove_Deletes_Tree_When_Called(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := shf.Attach(shf.Options{Dir: dir, Name: "gone"})
	require.NoError(t, err)

	_, err = s.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	require.NoError(t, s.Remove())

	_, err = os.Stat(filepath.Join(dir, "gone.shf"))
	require.True(t, errors.Is(err, os.ErrNotExist))

	_, err = shf.AttachExisting(shf.Options{Dir: dir, Name: "gone"})
	require.ErrorIs(t, err, shf.ErrNotExist)
}

func Test_SetVerbosity_Filters_Debug_Records_When_Level_Raised(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := attach(t, t.TempDir(), func(o *shf.Options) { o.Logger = logger })

	_, err := s.Put([]byte("first"), nil)
	require.NoError(t, err)
	require.NotContains(t, buf.String(), "segment created")
	require.Contains(t, buf.String(), "attached")

	s.SetVerbosity(slog.LevelDebug)

	first := shf.MakeHash([]byte("first")).Win()

	other := key(0)
	for i := 1; shf.MakeHash(other).Win() == first; i++ {
		other = key(i)
	}

	_, err = s.Put(other, nil)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "segment created")

	buf.Reset()
	s.SetVerbosity(slog.LevelError)

	_, err = s.Put([]byte("quiet"), nil)
	require.NoError(t, err)
	require.Empty(t, buf.String())
}
