package iptvscan

import (
	"sync"
	"time"
)

// ScanStats is a point-in-time view of a session's counters.
type ScanStats struct {
	Total     int           `json:"total"`
	Valid     int           `json:"valid"`
	Invalid   int           `json:"invalid"`
	Cancelled int           `json:"cancelled"`
	StartTime time.Time     `json:"startTime"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Stats is the single synchronized aggregate for one session. Every mutation
// holds the lock, so Valid+Invalid+Cancelled <= Total at any observable instant.
type Stats struct {
	mu        sync.Mutex
	total     int
	valid     int
	invalid   int
	cancelled int
	start     time.Time
	end       time.Time
}

func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

// SetTotal fixes the total for sessions with a known candidate count.
func (s *Stats) SetTotal(n int) {
	if n < 0 {
		return
	}
	s.mu.Lock()
	if n > s.total {
		s.total = n
	}
	s.mu.Unlock()
}

// GrowTotal raises the total for sessions whose size is discovered while feeding.
func (s *Stats) GrowTotal(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.total += n
	s.mu.Unlock()
}

func (s *Stats) Record(o ProbeOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valid+s.invalid+s.cancelled >= s.total {
		s.total = s.valid + s.invalid + s.cancelled + 1
	}
	switch {
	case o.Valid:
		s.valid++
	case o.ErrorKind == KindCancelled:
		s.cancelled++
	default:
		s.invalid++
	}
}

// Finish freezes Elapsed at the current time.
func (s *Stats) Finish() {
	s.mu.Lock()
	if s.end.IsZero() {
		s.end = time.Now()
	}
	s.mu.Unlock()
}

func (s *Stats) Snapshot() ScanStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.end
	if end.IsZero() {
		end = time.Now()
	}
	return ScanStats{
		Total:     s.total,
		Valid:     s.valid,
		Invalid:   s.invalid,
		Cancelled: s.cancelled,
		StartTime: s.start,
		Elapsed:   end.Sub(s.start),
	}
}
