// Package shf is an embedded key/value store shared by every process that
// attaches to the same tree of memory-mapped files. There is no daemon and no
// socket: processes read and write the mapped files directly.
//
// # Basic Usage
//
//	s, err := shf.Attach(shf.Options{Dir: "/dev/shm", Name: "sessions"})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	uid, err := s.Put([]byte("user:42"), []byte("alice"))
//	val, found, err := s.Get([]byte("user:42"), nil)
//	_, _, found, err = s.GetUID(uid, nil) // O(1), no hashing
//	found, err = s.Delete([]byte("user:42"))
//
// # Layout
//
// A key's 128-bit hash selects one of 256 windows, a logical bucket (of
// 2048) inside it, a row (of 512) and a 21-bit fingerprint. Each window
// redirects its logical buckets to physical segments; a segment is one file
// holding 512 rows of 16 slots followed by an append-only data area.
//
//	Dir/Name.shf/
//	    Name.shf       shared root: 256 windows (lock, counters, redirects)
//	    shf.json       fixed key/value lengths
//	    000/0000.tab   window 0, segment 0
//	    ...
//	    255/0003.tab
//
// When the 16 slots of a row are taken, the segment is split: a new segment
// takes over half of the buckets that redirected to it. Deleted records stay
// in the data area as garbage until the segment is compacted into a fresh
// file, which happens automatically once garbage outgrows a share of the
// live bytes.
//
// # Concurrency
//
// Every window is guarded by a fair ticket reader/writer spin-lock living in
// the shared root. Lookups take it for reading; Put, Delete, Update, splits
// and compactions for writing. Operations never hold more than one window
// lock. A process that dies while holding a lock leaves its window locked
// forever.
//
// # Error Handling
//
// A missing key is reported through the found result, never as an error.
// Errors fall into:
//
//   - Programming errors ([ErrInvalidInput], [ErrClosed]).
//   - Environment errors ([ErrIncompatible], [ErrNoSpace]): the tree cannot be
//     used on this host or filesystem as is.
//   - Capacity errors ([ErrFull]).
//   - Damaged shared state ([ErrCorrupt]): delete the tree and rebuild it.
package shf
