package iptvscan

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

const eventBuffer = 256

// Session is one scan run over a Source. It owns the candidate queue, the
// worker pool and the stats aggregate; results are delivered on Events.
type Session struct {
	id     int64
	params SessionParams
	source Source
	prober Prober
	logger logrus.FieldLogger

	stats   *Stats
	events  chan Event
	limiter *rateLimiter

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}

	scannedMu sync.Mutex
	scanned   []string

	onFinish func(*Session)
}

func newSession(id int64, params SessionParams, src Source, prober Prober, logger logrus.FieldLogger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		params:  params,
		source:  src,
		prober:  prober,
		logger:  logger.WithField("session", id).WithField("target", params.Target),
		stats:   NewStats(),
		events:  make(chan Event, eventBuffer),
		limiter: newRateLimiter(params.MaxPPS, params.PerHostMaxPPS),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() int64             { return s.id }
func (s *Session) Target() string        { return s.params.Target }
func (s *Session) Mode() Mode            { return s.params.Mode }
func (s *Session) Params() SessionParams { return s.params }

// Events must be drained until it is closed.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed after the final EventCompleted has been delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Stats() ScanStats { return s.stats.Snapshot() }

// IsActive turns false as soon as Stop is called, even while workers drain.
func (s *Session) IsActive() bool {
	if s.stopped.Load() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Stop cancels the session and waits up to timeout+2s for in-flight probes.
// Unprocessed candidates are discarded. Calling Stop again is a no-op wait.
func (s *Session) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.logger.Info("stopping scan session")
		s.cancel()
	}
	timer := time.NewTimer(s.params.Timeout + stopGrace)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn("scan session did not drain before stop deadline")
	}
}

func (s *Session) Wait() { <-s.done }

// Scanned returns every candidate URL that was handed to the queue.
func (s *Session) Scanned() []string {
	s.scannedMu.Lock()
	defer s.scannedMu.Unlock()
	return append([]string(nil), s.scanned...)
}

// start builds the pool synchronously so configuration errors surface to the
// caller, then runs the session in the background.
func (s *Session) start() error {
	if total := s.source.Total(); total >= 0 {
		s.stats.SetTotal(total)
	}
	reporter := newStatsReporter(s.ctx, s.stats, func(snap ScanStats) {
		s.send(Event{Kind: EventStats, Stats: &snap})
	})

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(s.params.Workers, func(item interface{}) {
		c := item.(Candidate)
		defer wg.Done()

		outcome := s.probe(c)
		s.stats.Record(outcome)
		reporter.Changed()
		s.send(Event{Kind: EventOutcome, Outcome: &outcome})
		if outcome.Valid {
			found := outcome
			s.send(Event{Kind: EventChannelFound, Outcome: &found})
		}
	}, ants.WithPanicHandler(s.workerPanic))
	if err != nil {
		reporter.Close()
		s.cancel()
		return err
	}

	queue := make(chan Candidate, s.params.QueueSize)
	go s.produce(queue)
	go s.run(pool, &wg, queue, reporter)

	s.logger.WithField("workers", s.params.Workers).WithField("mode", s.params.Mode).Info("scan session started")
	return nil
}

func (s *Session) run(pool *ants.PoolWithFunc, wg *sync.WaitGroup, queue <-chan Candidate, reporter *statsReporter) {
	defer close(s.done)

	if err := s.dispatch(pool, wg, queue); err != nil {
		s.logger.WithError(err).Error("dispatch aborted")
	}
	wg.Wait()
	pool.Release()
	reporter.Close()

	s.stats.Finish()
	snap := s.stats.Snapshot()
	s.events <- Event{Kind: EventStats, SessionID: s.id, Target: s.params.Target, Stats: &snap}
	s.events <- Event{Kind: EventCompleted, SessionID: s.id, Target: s.params.Target, Stats: &snap}
	close(s.events)
	s.cancel()

	s.logger.WithFields(logrus.Fields{
		"total":     snap.Total,
		"valid":     snap.Valid,
		"invalid":   snap.Invalid,
		"cancelled": snap.Cancelled,
		"elapsed":   snap.Elapsed.Round(time.Millisecond),
	}).Info("scan session finished")

	if s.onFinish != nil {
		s.onFinish(s)
	}
}

func (s *Session) dispatch(pool *ants.PoolWithFunc, wg *sync.WaitGroup, queue <-chan Candidate) error {
	for {
		var c Candidate
		select {
		case <-s.ctx.Done():
			return nil
		case next, ok := <-queue:
			if !ok {
				return nil
			}
			c = next
		}
		if !s.throttle(c) {
			return nil
		}
		wg.Add(1)
		if err := pool.Invoke(c); err != nil {
			wg.Done()
			return err
		}
	}
}

// throttle blocks until the rate limiter admits c; false means cancelled.
func (s *Session) throttle(c Candidate) bool {
	if s.limiter == nil {
		return true
	}
	host := ""
	if u, err := normalizeCandidateURL(c.URL, DefaultScheme); err == nil {
		host = u.Hostname()
	}
	return s.limiter.wait(s.ctx, host) == nil
}

func (s *Session) produce(queue chan<- Candidate) {
	defer close(queue)
	known := s.source.Total() >= 0
	for {
		if s.ctx.Err() != nil {
			return
		}
		batch, ok := s.source.Next()
		if !ok {
			return
		}
		if !known {
			s.stats.GrowTotal(len(batch))
		}
		for _, c := range batch {
			select {
			case queue <- c:
			case <-s.ctx.Done():
				return
			}
			if s.params.RecordScanned {
				s.scannedMu.Lock()
				s.scanned = append(s.scanned, c.URL)
				s.scannedMu.Unlock()
			}
		}
	}
}

// probe turns a panicking prober into a protocol_error outcome.
func (s *Session) probe(c Candidate) (outcome ProbeOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("candidate", c.URL).Errorf("prober panic: %v\n%s", r, string(debug.Stack()))
			outcome = failedOutcome(c, KindProtocol, fmt.Sprintf("panic: %v", r))
		}
	}()
	if s.ctx.Err() != nil {
		return failedOutcome(c, KindCancelled, "session stopped")
	}
	outcome = s.prober.Probe(s.ctx, c, s.params.Timeout)
	if outcome.Candidate == "" {
		outcome.Candidate = c.URL
		outcome.Index = c.Index
	}
	return outcome
}

// workerPanic logs a panic that escaped probe's own recovery.
func (s *Session) workerPanic(p interface{}) {
	s.logger.Errorf("worker panic: %v\n%s", p, string(debug.Stack()))
}

// send drops the event once the session is cancelled.
func (s *Session) send(ev Event) {
	ev.SessionID = s.id
	ev.Target = s.params.Target
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
