package iptvscan

import (
	"sync"
	"testing"
)

func TestStatsRecordCategories(t *testing.T) {
	s := NewStats()
	s.SetTotal(3)
	s.Record(ProbeOutcome{Valid: true})
	s.Record(ProbeOutcome{ErrorKind: KindTimeout})
	s.Record(ProbeOutcome{ErrorKind: KindCancelled})
	snap := s.Snapshot()
	if snap.Valid != 1 || snap.Invalid != 1 || snap.Cancelled != 1 || snap.Total != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestStatsInvariantUnderConcurrency(t *testing.T) {
	s := NewStats()
	const workers, per = 16, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				s.GrowTotal(1)
				s.Record(ProbeOutcome{Valid: (w+i)%3 == 0})
				snap := s.Snapshot()
				if snap.Valid+snap.Invalid+snap.Cancelled > snap.Total {
					t.Errorf("invariant broken: %+v", snap)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	snap := s.Snapshot()
	if snap.Total != workers*per || snap.Valid+snap.Invalid != workers*per {
		t.Fatalf("unexpected final snapshot %+v", snap)
	}
}

func TestStatsRecordClampsTotal(t *testing.T) {
	s := NewStats()
	s.Record(ProbeOutcome{Valid: true})
	if snap := s.Snapshot(); snap.Total != 1 {
		t.Fatalf("expected total clamped to 1, got %d", snap.Total)
	}
}

func TestStatsFinishFreezesElapsed(t *testing.T) {
	s := NewStats()
	s.Finish()
	first := s.Snapshot().Elapsed
	second := s.Snapshot().Elapsed
	if first != second {
		t.Fatalf("expected frozen elapsed, got %v then %v", first, second)
	}
}
