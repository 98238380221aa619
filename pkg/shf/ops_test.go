package shf_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shf/pkg/shf"
)

func Test_Get_Returns_Stored_Value_When_Value_Sizes_Vary(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	sizes := []int{0, 1, 7, 100, 4096, 64 << 10, 300 << 10}
	uids := make([]shf.UID, len(sizes))

	for i, n := range sizes {
		val := bytes.Repeat([]byte{byte('a' + i)}, n)

		uid, err := s.Put(key(i), val)
		require.NoError(t, err)

		uids[i] = uid
	}

	for i, n := range sizes {
		want := bytes.Repeat([]byte{byte('a' + i)}, n)

		got, found, err := s.Get(key(i), nil)
		require.NoError(t, err)
		require.True(t, found, "size %d", n)
		require.Len(t, got, n)
		require.True(t, bytes.Equal(want, got), "size %d", n)

		k, v, found, err := s.GetUID(uids[i], nil)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, key(i), k)
		require.True(t, bytes.Equal(want, v))
	}
}

func Test_Get_Reuses_Dst_When_Capacity_Suffices(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	_, err := s.Put([]byte("k"), []byte("value"))
	require.NoError(t, err)

	dst := make([]byte, 0, 64)

	got, found, err := s.Get([]byte("k"), dst)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("value"), got)
	require.Same(t, &dst[:1][0], &got[0])

	small := make([]byte, 0, 2)

	got, _, err = s.Get([]byte("k"), small)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)
}

func Test_Get_Returns_Not_Found_When_Key_Absent(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	val, found, err := s.Get([]byte("never"), nil)
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, val)

	_, err = s.Put([]byte("other"), nil)
	require.NoError(t, err)

	_, found, err = s.Get([]byte("never"), nil)
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Delete_Hides_Record_When_Looked_Up_By_Key_Or_Handle(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	uid, err := s.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	found, err := s.Delete([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = s.Get([]byte("k"), nil)
	require.NoError(t, err)
	require.False(t, found)

	_, _, found, err = s.GetUID(uid, nil)
	require.NoError(t, err)
	require.False(t, found)

	found, err = s.Delete([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)

	found, err = s.DeleteUID(uid)
	require.NoError(t, err)
	require.False(t, found)
}

func Test_DeleteUID_Removes_Record_When_Handle_Is_Live(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	uid, err := s.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	found, err := s.DeleteUID(uid)
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = s.Get([]byte("k"), nil)
	require.NoError(t, err)
	require.False(t, found)

	garbage, err := s.Garbage()
	require.NoError(t, err)
	require.Positive(t, garbage)
}

func Test_Get_Returns_New_Value_When_Key_Reinserted_After_Delete(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	_, err := s.Put([]byte("k"), []byte("v1"))
	require.NoError(t, err)

	_, err = s.Delete([]byte("k"))
	require.NoError(t, err)

	uid, err := s.Put([]byte("k"), []byte("v2"))
	require.NoError(t, err)

	val, found, err := s.Get([]byte("k"), nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), val)

	_, val, found, err = s.GetUID(uid, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), val)
}

func Test_Put_Keeps_Both_Records_When_Key_Stored_Twice(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	uid1, err := s.Put([]byte("dup"), []byte("one"))
	require.NoError(t, err)

	uid2, err := s.Put([]byte("dup"), []byte("two"))
	require.NoError(t, err)
	require.NotEqual(t, uid1, uid2)

	st, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(2), st.Refs)

	_, v1, _, err := s.GetUID(uid1, nil)
	require.NoError(t, err)
	_, v2, _, err := s.GetUID(uid2, nil)
	require.NoError(t, err)

	require.Equal(t, []byte("one"), v1)
	require.Equal(t, []byte("two"), v2)

	// Two deletes drain both copies.
	for range 2 {
		found, err := s.Delete([]byte("dup"))
		require.NoError(t, err)
		require.True(t, found)
	}

	found, err := s.Delete([]byte("dup"))
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Update_Modifies_Value_In_Place_When_Key_Exists(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	uid, err := s.Put([]byte("counter"), []byte{0, 0, 0, 0})
	require.NoError(t, err)

	for range 3 {
		found, err := s.Update([]byte("counter"), func(val []byte) error {
			val[0]++

			return nil
		})
		require.NoError(t, err)
		require.True(t, found)
	}

	found, err := s.UpdateUID(uid, func(val []byte) error {
		val[3] = 9

		return nil
	})
	require.NoError(t, err)
	require.True(t, found)

	val, _, err := s.Get([]byte("counter"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte{3, 0, 0, 9}, val)

	found, err = s.Update([]byte("missing"), func([]byte) error {
		t.Fatal("callback must not run for a missing key")

		return nil
	})
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Update_Returns_ErrUpdateRejected_When_Callback_Fails(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	_, err := s.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	errNope := errors.New("nope")

	found, err := s.Update([]byte("k"), func([]byte) error { return errNope })
	require.True(t, found)
	require.ErrorIs(t, err, shf.ErrUpdateRejected)
	require.ErrorIs(t, err, errNope)
}

func Test_Store_Releases_Window_Lock_When_Callback_Panics(t *testing.T) {
	t.Parallel()

	// The bounded lock turns a leaked window lock into ErrStarved instead of
	// a hang.
	s := attach(t, t.TempDir(), func(o *shf.Options) { o.MaxLockSpins = 1 << 20 })

	k := []byte("k")

	_, err := s.Put(k, []byte("v1"))
	require.NoError(t, err)

	require.PanicsWithValue(t, "update callback failed", func() {
		_, _ = s.Update(k, func([]byte) error { panic("update callback failed") })
	})

	require.PanicsWithValue(t, "peek callback failed", func() {
		_, _ = s.Peek(k, func([]byte) { panic("peek callback failed") })
	})

	_, err = s.Put(k, []byte("v2"))
	require.NoError(t, err)

	found, err := s.Delete(k)
	require.NoError(t, err)
	require.True(t, found)

	val, found, err := s.Get(k, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), val)

	require.NoError(t, s.Close())
}

func Test_Peek_Passes_Value_When_Key_Exists(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	_, err := s.Put([]byte("k"), []byte("peeked"))
	require.NoError(t, err)

	var seen string

	found, err := s.Peek([]byte("k"), func(val []byte) { seen = string(val) })
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "peeked", seen)

	found, err = s.Peek([]byte("nope"), func([]byte) { t.Fatal("must not be called") })
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Put_Returns_ErrInvalidInput_When_Fixed_Lengths_Mismatch(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir(), func(o *shf.Options) { o.KeyLen, o.ValueLen = 4, 8 })

	_, err := s.Put(key(1), []byte("12345678"))
	require.NoError(t, err)

	_, err = s.Put(key(2), []byte("short"))
	require.ErrorIs(t, err, shf.ErrInvalidInput)

	_, err = s.Put([]byte("toolong"), []byte("12345678"))
	require.ErrorIs(t, err, shf.ErrInvalidInput)

	_, _, err = s.Get([]byte("x"), nil)
	require.ErrorIs(t, err, shf.ErrInvalidInput)
}

func Test_Compact_Drops_All_Garbage_When_Records_Deleted(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	for i := range 2000 {
		_, err := s.Put(key(i), key(i*7))
		require.NoError(t, err)
	}

	for i := 0; i < 2000; i += 3 {
		_, err := s.Delete(key(i))
		require.NoError(t, err)
	}

	before, err := s.Stats()
	require.NoError(t, err)

	require.NoError(t, s.Compact())

	after, err := s.Stats()
	require.NoError(t, err)

	require.Zero(t, after.Garbage)
	require.Equal(t, before.Refs, after.Refs)
	require.Equal(t, before.Live, after.Live)
	require.Positive(t, after.Shrinks)

	for i := range 2000 {
		val, found, err := s.Get(key(i), nil)
		require.NoError(t, err)
		require.Equal(t, i%3 != 0, found, "key %d", i)

		if found {
			require.Equal(t, key(i*7), val)
		}
	}
}

// Sequential 4-byte keys and values: insert, read back, delete, probe a
// disjoint range.
func Test_Store_Round_Trips_When_Loaded_With_100k_Sequential_Keys(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("loads 100k keys")
	}

	const n = 100_000

	s := attach(t, t.TempDir())

	for i := range n {
		_, err := s.Put(key(i), key(i))
		require.NoError(t, err)
	}

	buf := make([]byte, 0, 4)

	for i := range n {
		val, found, err := s.Get(key(i), buf)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, key(i), val)
	}

	st, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(n), st.Refs)
	require.Equal(t, 256, st.Windows)

	for i := range n {
		found, err := s.Delete(key(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
	}

	garbage, err := s.Garbage()
	require.NoError(t, err)
	require.Positive(t, garbage)

	for i := 2 * n; i < 3*n; i++ {
		_, found, err := s.Get(key(i), buf)
		require.NoError(t, err)
		require.False(t, found, "key %d", i)
	}

	st, err = s.Stats()
	require.NoError(t, err)
	require.Zero(t, st.Refs)
	require.Zero(t, st.Live)
}

func Test_Stats_Reports_Counters_When_Store_Used(t *testing.T) {
	t.Parallel()

	s := attach(t, t.TempDir())

	for i := range 50 {
		_, err := s.Put(key(i), []byte("abc"))
		require.NoError(t, err)
	}

	_, err := s.Delete(key(0))
	require.NoError(t, err)

	st, err := s.Stats()
	require.NoError(t, err)

	// 49 records of 1+4+4+4+3 bytes, one deleted record.
	want := shf.Stats{
		Refs:    49,
		Live:    49 * 16,
		Garbage: 16,
	}

	got := shf.Stats{Refs: st.Refs, Live: st.Live, Garbage: st.Garbage}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, st.Windows, st.Segments)
	require.Equal(t, uint64(st.Segments), st.Maps)
	require.Positive(t, st.Mapped)
}
