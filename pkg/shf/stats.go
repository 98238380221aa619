package shf

// Stats aggregates the shared counters of every window. Counters are
// cumulative over the life of the tree and shared by all processes.
type Stats struct {
	Windows  int    // windows holding at least one segment
	Segments int    // physical segments in use
	Refs     uint64 // live records
	Live     uint64 // bytes of live records
	Garbage  uint64 // bytes of deleted records not yet compacted
	Mapped   uint64 // bytes mapped by this handle

	Maps         uint64 // first-time segment mappings
	Remaps       uint64 // mappings refreshed after growth or compaction
	Grows        uint64 // segment file growths
	Splits       uint64
	Shrinks      uint64 // compactions
	FpMisses     uint64 // slots rejected by fingerprint
	BucketMisses uint64 // fingerprint matched, logical bucket did not
	KeyMisses    uint64 // fingerprint and bucket matched, key bytes did not
}

// Stats collects counters and segment usage of every window. Each window is
// read-locked while its segments are inspected.
func (s *Store) Stats() (Stats, error) {
	done, err := s.begin()
	if err != nil {
		return Stats{}, err
	}
	defer done()

	var st Stats

	for w := range numWins {
		err = s.windowStats(w, &st)
		if err != nil {
			return Stats{}, err
		}
	}

	return st, nil
}

func (s *Store) windowStats(w int, st *Stats) error {
	c, err := s.lockWin(w, false)
	if err != nil {
		return err
	}
	defer c.unlock()

	win := c.win

	st.Maps += win.counter(ctrMaps)
	st.Remaps += win.counter(ctrRemaps)
	st.Grows += win.counter(ctrGrows)
	st.Splits += win.counter(ctrSplits)
	st.Shrinks += win.counter(ctrShrinks)
	st.FpMisses += win.counter(ctrFpMisses)
	st.BucketMisses += win.counter(ctrBucketMisses)
	st.KeyMisses += win.counter(ctrKeyMisses)

	used := win.segsUsed()
	if used > 0 {
		st.Windows++
	}

	st.Segments += used

	for seg := range used {
		m, err := c.seg(seg)
		if err != nil {
			return err
		}

		st.Refs += m.refs()
		st.Live += m.liveBytes()
		st.Garbage += m.freeBytes()
		st.Mapped += uint64(len(m.data))
	}

	return nil
}

// Garbage returns the number of bytes held by deleted records across the
// whole tree.
func (s *Store) Garbage() (uint64, error) {
	st, err := s.Stats()

	return st.Garbage, err
}
