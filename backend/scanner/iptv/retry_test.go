package iptvscan

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestBeginRetry(t *testing.T) {
	st := BeginRetry([]string{"A", "B", "C", "B"}, []string{"A"}, false)
	got := st.Remaining()
	if len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Fatalf("expected [B C], got %v", got)
	}
	if st.Phase != PhaseRoundRunning || st.Round != 1 {
		t.Fatalf("expected round 1 running, got %+v", st)
	}
	if done := BeginRetry([]string{"A"}, []string{"A"}, true); done.Phase != PhaseDone {
		t.Fatalf("expected done when nothing remains, got %s", done.Phase)
	}
}

func TestRetryStateLoopRule(t *testing.T) {
	st := BeginRetry([]string{"A", "B", "C"}, nil, true)
	if !st.Confirm("B") || st.Confirm("B") || st.Confirm("Z") {
		t.Fatalf("expected Confirm to succeed exactly once for pending url")
	}
	if phase := st.FinishRound(); phase != PhaseRoundRunning || st.Round != 2 || st.FoundThisRound != 0 {
		t.Fatalf("expected second round after progress, got %+v", st)
	}
	if phase := st.FinishRound(); phase != PhaseDone {
		t.Fatalf("expected zero-progress round to finish, got %s", phase)
	}
	if st.TotalConfirmed != 1 || st.RemainingCount() != 2 {
		t.Fatalf("unexpected final state %+v", st)
	}
}

func TestRetryStateNoLoop(t *testing.T) {
	st := BeginRetry([]string{"A", "B"}, nil, false)
	st.Confirm("A")
	if phase := st.FinishRound(); phase != PhaseDone {
		t.Fatalf("expected single round without loop, got %s", phase)
	}
}

func TestReconcilerProbesRemainingOnce(t *testing.T) {
	prober := &fakeProber{valid: func(u string) bool { return u == "B" }}
	engine := NewEngine(prober, DefaultOptions{}, nil)
	r := &Reconciler{Engine: engine, Target: "retry", Workers: 2, Timeout: time.Second}

	st := BeginRetry([]string{"A", "B", "C"}, []string{"A"}, false)
	st, done, err := r.Advance(context.Background(), st)
	if err != nil || !done {
		t.Fatalf("expected single finished round, got done=%v err=%v", done, err)
	}
	if prober.callCount("A") != 0 || prober.callCount("B") != 1 || prober.callCount("C") != 1 {
		t.Fatalf("expected exactly B and C probed once, got A=%d B=%d C=%d",
			prober.callCount("A"), prober.callCount("B"), prober.callCount("C"))
	}
	if rem := st.Remaining(); len(rem) != 1 || rem[0] != "C" {
		t.Fatalf("expected C to remain, got %v", rem)
	}
}

func TestReconcilerRunLoopsUntilNoProgress(t *testing.T) {
	var round atomic.Int32
	prober := &fakeProber{}
	prober.valid = func(u string) bool {
		// the first time each url is seen only B succeeds, later nothing does
		return u == "B" && round.Load() == 0
	}
	engine := NewEngine(prober, DefaultOptions{}, nil)
	r := &Reconciler{
		Engine:  engine,
		Target:  "retry-loop",
		Workers: 2,
		Timeout: time.Second,
		Backoff: backoff.NewConstantBackOff(time.Millisecond),
	}
	var found []string
	st := BeginRetry([]string{"A", "B", "C"}, nil, true)
	st, err := r.Run(context.Background(), st, func(o ProbeOutcome) {
		found = append(found, o.Candidate)
		round.Store(1)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if st.Phase != PhaseDone || st.Round != 2 {
		t.Fatalf("expected two rounds then done, got %+v", st)
	}
	if len(found) != 1 || found[0] != "B" {
		t.Fatalf("expected B confirmed once, got %v", found)
	}
	if prober.callCount("A") != 2 || prober.callCount("B") != 1 {
		t.Fatalf("expected A retried in round two and B not, got A=%d B=%d", prober.callCount("A"), prober.callCount("B"))
	}
}

func TestReconcilerInterrupted(t *testing.T) {
	prober := &fakeProber{delay: 5 * time.Second}
	engine := NewEngine(prober, DefaultOptions{}, nil)
	r := &Reconciler{Engine: engine, Target: "retry-stop", Workers: 1, Timeout: 500 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	st := BeginRetry([]string{"A", "B"}, nil, true)
	st, err := r.Run(ctx, st, nil)
	if err == nil {
		t.Fatalf("expected context error")
	}
	if st.Phase != PhaseDone || !st.Interrupted {
		t.Fatalf("expected interrupted done state, got %+v", st)
	}
	if st.RemainingCount() != 2 {
		t.Fatalf("expected cancelled candidates to stay remaining, got %d", st.RemainingCount())
	}
}
