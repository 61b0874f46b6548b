package iptvscan

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseRoundRunning Phase = "round_running"
	PhaseDone         Phase = "done"
)

const (
	DefaultRetryInterval    = 5 * time.Second
	DefaultRetryMaxInterval = time.Minute
)

// RetryState tracks the candidates that were scanned but never confirmed.
// It is only mutated by the goroutine orchestrating the rounds.
type RetryState struct {
	Round          int   `json:"round"`
	FoundThisRound int   `json:"foundThisRound"`
	TotalConfirmed int   `json:"totalConfirmed"`
	LoopEnabled    bool  `json:"loopEnabled"`
	Phase          Phase `json:"phase"`
	Interrupted    bool  `json:"interrupted"`

	order   []string
	pending map[string]struct{}
}

// BeginRetry computes Remaining = allScanned - valid, keeping first-seen order.
func BeginRetry(allScanned, valid []string, loop bool) *RetryState {
	confirmed := make(map[string]struct{}, len(valid))
	for _, u := range valid {
		confirmed[u] = struct{}{}
	}
	st := &RetryState{
		Round:       1,
		LoopEnabled: loop,
		Phase:       PhaseRoundRunning,
		pending:     make(map[string]struct{}),
	}
	for _, u := range allScanned {
		if _, ok := confirmed[u]; ok {
			continue
		}
		if _, dup := st.pending[u]; dup {
			continue
		}
		st.pending[u] = struct{}{}
		st.order = append(st.order, u)
	}
	if len(st.order) == 0 {
		st.Phase = PhaseDone
	}
	return st
}

// Remaining returns the unconfirmed URLs in their original order.
func (s *RetryState) Remaining() []string {
	out := make([]string, 0, len(s.pending))
	for _, u := range s.order {
		if _, ok := s.pending[u]; ok {
			out = append(out, u)
		}
	}
	return out
}

func (s *RetryState) RemainingCount() int { return len(s.pending) }

// Confirm removes url from Remaining; false when it was not pending.
func (s *RetryState) Confirm(url string) bool {
	if _, ok := s.pending[url]; !ok {
		return false
	}
	delete(s.pending, url)
	s.FoundThisRound++
	s.TotalConfirmed++
	return true
}

// FinishRound applies the loop rule: another round runs only when looping is
// enabled, the round found something and candidates remain.
func (s *RetryState) FinishRound() Phase {
	if s.Phase == PhaseDone {
		return s.Phase
	}
	if s.LoopEnabled && s.FoundThisRound > 0 && len(s.pending) > 0 {
		s.Round++
		s.FoundThisRound = 0
		s.Phase = PhaseRoundRunning
		s.compact()
		return s.Phase
	}
	s.Phase = PhaseDone
	return s.Phase
}

func (s *RetryState) compact() {
	s.order = s.Remaining()
}

// Reconciler re-probes Remaining in validation-mode sessions until the
// state reaches PhaseDone.
type Reconciler struct {
	Engine  *Engine
	Target  string
	Workers int
	Timeout time.Duration
	Backoff backoff.BackOff
	Logger  logrus.FieldLogger
}

// Advance runs one round over Remaining. The returned bool reports whether
// the retry is finished.
func (r *Reconciler) Advance(ctx context.Context, state *RetryState) (*RetryState, bool, error) {
	return r.advance(ctx, state, nil)
}

func (r *Reconciler) advance(ctx context.Context, state *RetryState, onFound func(ProbeOutcome)) (*RetryState, bool, error) {
	if state == nil {
		return nil, true, pkgerrors.New("nil retry state")
	}
	if state.Phase == PhaseDone {
		return state, true, nil
	}
	if err := ctx.Err(); err != nil {
		state.Phase = PhaseDone
		state.Interrupted = true
		return state, true, err
	}

	remaining := state.Remaining()
	params := SessionParams{
		Target:  r.Target,
		Mode:    ModeValidate,
		Workers: r.Workers,
		Timeout: r.Timeout,
	}
	session, err := r.Engine.Start(params, NewURLListSource(remaining, 0))
	if err != nil {
		return state, false, err
	}
	r.logger().WithField("round", state.Round).WithField("remaining", len(remaining)).Info("retry round started")

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			session.Stop()
		case <-session.Done():
		}
	}()

	for ev := range session.Events() {
		if ev.Kind != EventChannelFound || ev.Outcome == nil {
			continue
		}
		if state.Confirm(ev.Outcome.Candidate) && onFound != nil {
			onFound(*ev.Outcome)
		}
	}
	<-watchDone

	if err := ctx.Err(); err != nil {
		state.Phase = PhaseDone
		state.Interrupted = true
		return state, true, err
	}
	r.logger().WithField("round", state.Round).WithField("found", state.FoundThisRound).Info("retry round finished")
	return state, state.FinishRound() == PhaseDone, nil
}

// Run loops Advance, pausing between rounds per Backoff.
func (r *Reconciler) Run(ctx context.Context, state *RetryState, onFound func(ProbeOutcome)) (*RetryState, error) {
	b := r.Backoff
	if b == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = DefaultRetryInterval
		eb.MaxInterval = DefaultRetryMaxInterval
		eb.MaxElapsedTime = 0
		b = eb
	}
	b.Reset()
	for {
		next, done, err := r.advance(ctx, state, onFound)
		state = next
		if err != nil || done {
			return state, err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			state.Phase = PhaseDone
			return state, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			state.Phase = PhaseDone
			state.Interrupted = true
			return state, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Reconciler) logger() logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return r.Engine.logger
}
