package iptvscan

import (
	"io"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/yitter/idgenerator-go/idgen"
	"go4.org/netipx"
)

// Engine tracks at most one active session per target.
type Engine struct {
	prober Prober
	logger logrus.FieldLogger

	mu       sync.RWMutex
	defaults DefaultOptions
	exclude  *netipx.IPSet

	sessionsMu sync.Mutex
	sessions   map[string]*Session
}

// NewEngine creates an Engine using the provided defaults, falling back to
// sensible values when omitted.
func NewEngine(prober Prober, defaults DefaultOptions, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Engine{
		prober:   prober,
		logger:   logger,
		defaults: normalizeDefaults(defaults),
		sessions: make(map[string]*Session),
	}
}

// UpdateDefaults atomically replaces the engine default options.
func (e *Engine) UpdateDefaults(next DefaultOptions) {
	e.mu.Lock()
	e.defaults = normalizeDefaults(next)
	e.mu.Unlock()
}

func (e *Engine) Defaults() DefaultOptions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaults
}

// SetExclude installs the host exclusion list used by ExpressionSource.
func (e *Engine) SetExclude(items []string) error {
	set, err := BuildExcludeSet(items)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.exclude = set
	e.mu.Unlock()
	return nil
}

// NewRangeSource expands expr with the engine's batch and cap settings.
func (e *Engine) NewRangeSource(expr string) (Source, error) {
	e.mu.RLock()
	opts := e.defaults.expandOptions()
	exclude := e.exclude
	e.mu.RUnlock()
	return NewExpressionSource(expr, opts, exclude)
}

// StartScan begins a session for target with explicit sizing.
func (e *Engine) StartScan(target string, src Source, workerCount int, timeout time.Duration) (*Session, error) {
	return e.Start(SessionParams{Target: target, Workers: workerCount, Timeout: timeout}, src)
}

// Start begins a session described by params. It fails with
// SessionAlreadyActiveError while another session for the target is active.
func (e *Engine) Start(params SessionParams, src Source) (*Session, error) {
	if src == nil {
		return nil, pkgerrors.New("nil candidate source")
	}
	params = params.WithDefaults(e.Defaults())
	if params.Target == "" {
		return nil, pkgerrors.New("empty scan target")
	}

	e.sessionsMu.Lock()
	defer e.sessionsMu.Unlock()
	if current, ok := e.sessions[params.Target]; ok && current.IsActive() {
		return nil, &SessionAlreadyActiveError{Target: params.Target}
	}

	s := newSession(idgen.NextId(), params, src, e.prober, e.logger)
	s.onFinish = e.release
	if err := s.start(); err != nil {
		return nil, pkgerrors.Wrap(err, "start worker pool")
	}
	e.sessions[params.Target] = s
	return s, nil
}

func (e *Engine) release(s *Session) {
	e.sessionsMu.Lock()
	if e.sessions[s.Target()] == s {
		delete(e.sessions, s.Target())
	}
	e.sessionsMu.Unlock()
}

// Session returns the latest session registered for target, if any.
func (e *Engine) Session(target string) (*Session, bool) {
	e.sessionsMu.Lock()
	defer e.sessionsMu.Unlock()
	s, ok := e.sessions[strings.TrimSpace(target)]
	return s, ok
}

// Stop cancels the session for target and waits for it to drain.
func (e *Engine) Stop(target string) {
	if s, ok := e.Session(target); ok {
		s.Stop()
	}
}

// StopAll stops every registered session concurrently.
func (e *Engine) StopAll() {
	e.sessionsMu.Lock()
	list := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		list = append(list, s)
	}
	e.sessionsMu.Unlock()

	var wg sync.WaitGroup
	for _, s := range list {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}

func (e *Engine) IsScanning(target string) bool {
	s, ok := e.Session(target)
	return ok && s.IsActive()
}

func (e *Engine) Stats(target string) (ScanStats, bool) {
	s, ok := e.Session(target)
	if !ok {
		return ScanStats{}, false
	}
	return s.Stats(), true
}
