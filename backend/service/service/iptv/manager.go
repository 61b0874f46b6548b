package iptv

import (
	"context"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"iptvscan/backend/constant/event"
	"iptvscan/backend/constant/status"
	iptvscan "iptvscan/backend/scanner/iptv"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/yitter/idgenerator-go/idgen"
)

const (
	defaultTarget = "default"
	retrySuffix   = "#retry"
	flushSize     = 25
	flushInterval = 200 * time.Millisecond
)

type runtimeState struct {
	cancel  func()
	done    chan struct{}
	stopped atomic.Bool
}

// sessionHandler maps session events onto the channel model. onFound
// returns the record to publish for a valid outcome.
type sessionHandler struct {
	onOutcome func(iptvscan.ProbeOutcome)
	onFound   func(iptvscan.ProbeOutcome) (ChannelRecord, bool)
}

// Manager coordinates scan, validation and retry tasks and pushes progress
// through the event bus.
type Manager struct {
	engine *iptvscan.Engine
	model  ChannelModel
	bus    *event.Bus
	logger logrus.FieldLogger

	mu          sync.RWMutex
	retry       RetryConfig
	tasks       map[int64]*Task
	runtimes    map[int64]*runtimeState
	lastScanned map[string][]string
}

func NewManager(engine *iptvscan.Engine, model ChannelModel, bus *event.Bus, logger logrus.FieldLogger, retry RetryConfig) *Manager {
	if bus == nil {
		bus = event.Default()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		engine:      engine,
		model:       model,
		bus:         bus,
		logger:      logger,
		retry:       retry,
		tasks:       make(map[int64]*Task),
		runtimes:    make(map[int64]*runtimeState),
		lastScanned: make(map[string][]string),
	}
}

func (m *Manager) Model() ChannelModel { return m.model }

func (m *Manager) UpdateRetryConfig(cfg RetryConfig) {
	m.mu.Lock()
	m.retry = cfg
	m.mu.Unlock()
}

// StartScan expands params.Expr and probes every candidate. A full scan stops
// whatever is running on the target and starts from an empty channel list;
// an append scan refuses to start while the target is busy.
func (m *Manager) StartScan(params ScanParams) (task *Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("panic in iptv StartScan: %v\n%s", r, string(debug.Stack()))
			err = errors.New("iptv start scan panic")
		}
	}()

	params.Target = normalizeTarget(params.Target)
	if params.Mode == "" {
		params.Mode = iptvscan.ModeFull
	}
	if params.Mode != iptvscan.ModeFull && params.Mode != iptvscan.ModeAppend {
		return nil, errors.Errorf("unsupported scan mode %q", params.Mode)
	}
	src, err := m.engine.NewRangeSource(params.Expr)
	if err != nil {
		return nil, err
	}

	switch params.Mode {
	case iptvscan.ModeFull:
		m.stopTarget(params.Target)
		m.model.Clear()
		m.mu.Lock()
		delete(m.lastScanned, params.Target)
		m.mu.Unlock()
	case iptvscan.ModeAppend:
		if m.busy(params.Target) {
			return nil, &iptvscan.SessionAlreadyActiveError{Target: params.Target}
		}
	}

	session, err := m.engine.Start(iptvscan.SessionParams{
		Target:        params.Target,
		Mode:          params.Mode,
		Workers:       params.Workers,
		Timeout:       params.Timeout,
		RecordScanned: true,
	}, src)
	if err != nil {
		return nil, err
	}

	task = m.newTask(KindScan, params.Target, params.Mode)
	task.Expr = params.Expr
	handler := sessionHandler{
		onFound: func(o iptvscan.ProbeOutcome) (ChannelRecord, bool) {
			rec := recordFromOutcome(o)
			m.model.AddChannel(rec)
			return rec, true
		},
	}
	rt, snap := m.register(task, session.Stop)
	go m.consume(task, rt, session, handler, func(stopped bool) {
		m.finishScan(task, rt, session, stopped)
	})
	return snap, nil
}

// StartValidation re-probes every row of the channel model in place.
func (m *Manager) StartValidation(params ValidateParams) (task *Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("panic in iptv StartValidation: %v\n%s", r, string(debug.Stack()))
			err = errors.New("iptv start validation panic")
		}
	}()

	params.Target = normalizeTarget(params.Target)
	urls := m.model.URLs()
	if len(urls) == 0 {
		return nil, errors.New("channel list is empty")
	}
	if m.busy(params.Target) {
		return nil, &iptvscan.SessionAlreadyActiveError{Target: params.Target}
	}
	session, err := m.engine.Start(iptvscan.SessionParams{
		Target:  params.Target,
		Mode:    iptvscan.ModeValidate,
		Workers: params.Workers,
		Timeout: params.Timeout,
	}, iptvscan.NewURLListSource(urls, m.engine.Defaults().BatchSize))
	if err != nil {
		return nil, err
	}

	task = m.newTask(KindValidate, params.Target, iptvscan.ModeValidate)
	handler := sessionHandler{
		onOutcome: func(o iptvscan.ProbeOutcome) {
			if o.ErrorKind == iptvscan.KindCancelled {
				return
			}
			if err := m.model.UpdateChannel(o.Index, UpdateFromOutcome(o)); err != nil {
				m.logger.WithField("index", o.Index).WithError(err).Warn("update channel failed")
			}
		},
		onFound: func(o iptvscan.ProbeOutcome) (ChannelRecord, bool) {
			rec := recordFromOutcome(o)
			return rec, true
		},
	}
	rt, snap := m.register(task, session.Stop)
	go m.consume(task, rt, session, handler, nil)
	return snap, nil
}

// StartRetry re-probes the candidates of the last completed scan of the
// target that are not valid in the channel model.
func (m *Manager) StartRetry(params RetryParams) (task *Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("panic in iptv StartRetry: %v\n%s", r, string(debug.Stack()))
			err = errors.New("iptv start retry panic")
		}
	}()

	params.Target = normalizeTarget(params.Target)
	m.mu.RLock()
	scanned := m.lastScanned[params.Target]
	cfg := m.retry
	m.mu.RUnlock()
	if len(scanned) == 0 {
		return nil, errors.Errorf("no completed scan to retry for %q", params.Target)
	}
	if m.busy(params.Target) {
		return nil, &iptvscan.SessionAlreadyActiveError{Target: params.Target}
	}

	state := iptvscan.BeginRetry(scanned, m.model.ValidURLs(), params.Loop)
	bo := backoff.NewExponentialBackOff()
	if cfg.Interval > 0 {
		bo.InitialInterval = cfg.Interval
	}
	if cfg.MaxInterval > 0 {
		bo.MaxInterval = cfg.MaxInterval
	}
	bo.MaxElapsedTime = 0
	reconciler := &iptvscan.Reconciler{
		Engine:  m.engine,
		Target:  params.Target + retrySuffix,
		Workers: params.Workers,
		Timeout: params.Timeout,
		Backoff: bo,
		Logger:  m.logger.WithField("retry", params.Target),
	}

	ctx, cancel := context.WithCancel(context.Background())
	task = m.newTask(KindRetry, params.Target, iptvscan.ModeValidate)
	task.Retry = snapshotRetry(state)
	rt, snap := m.register(task, cancel)
	go m.runRetry(ctx, task, rt, reconciler, state)
	return snap, nil
}

func (m *Manager) runRetry(ctx context.Context, task *Task, rt *runtimeState, r *iptvscan.Reconciler, state *iptvscan.RetryState) {
	defer close(rt.done)

	final, err := r.Run(ctx, state, func(o iptvscan.ProbeOutcome) {
		rec := recordFromOutcome(o)
		m.model.AddChannel(rec)
		m.mu.Lock()
		task.Found++
		task.Retry = snapshotRetry(state)
		snap := *task
		m.mu.Unlock()
		m.emitFound(&snap, []ChannelRecord{rec})
	})

	m.mu.Lock()
	delete(m.runtimes, task.ID)
	task.CompletedAt = time.Now()
	task.Retry = snapshotRetry(final)
	switch {
	case rt.stopped.Load() || (final != nil && final.Interrupted):
		task.Status = status.Stopped
	case err != nil:
		task.Status = status.Error
		task.Error = err.Error()
	default:
		task.Status = status.OK
	}
	snap := *task
	m.mu.Unlock()

	m.bus.Emit(event.RetryUpdate, event.EventDetail{ID: snap.ID, Status: snap.Status, Data: snap.Retry})
	m.emit(&snap, nil, "completed")
}

func (m *Manager) consume(task *Task, rt *runtimeState, session *iptvscan.Session, h sessionHandler, finish func(stopped bool)) {
	defer close(rt.done)

	pending := make([]ChannelRecord, 0, flushSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := append([]ChannelRecord(nil), pending...)
		pending = pending[:0]
		m.mu.RLock()
		snap := *task
		m.mu.RUnlock()
		m.emitFound(&snap, batch)
	}

	events := session.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case iptvscan.EventOutcome:
				if h.onOutcome != nil {
					h.onOutcome(*ev.Outcome)
				}
			case iptvscan.EventChannelFound:
				if h.onFound == nil {
					continue
				}
				if rec, ok := h.onFound(*ev.Outcome); ok {
					m.mu.Lock()
					task.Found++
					m.mu.Unlock()
					pending = append(pending, rec)
					if len(pending) >= flushSize {
						flush()
					}
				}
			case iptvscan.EventStats, iptvscan.EventCompleted:
				m.mu.Lock()
				task.Stats = *ev.Stats
				snap := *task
				m.mu.Unlock()
				m.bus.Emit(event.StatsChanged, event.EventDetail{ID: snap.ID, Status: snap.Status, Data: snap.Stats})
			}
		case <-ticker.C:
			flush()
		}
	}
	flush()
	session.Wait()

	stopped := rt.stopped.Load()
	m.mu.Lock()
	delete(m.runtimes, task.ID)
	task.CompletedAt = time.Now()
	task.Stats = session.Stats()
	if stopped {
		task.Status = status.Stopped
	} else {
		task.Status = status.OK
	}
	snap := *task
	m.mu.Unlock()

	m.bus.Emit(event.SessionCompleted, event.EventDetail{ID: snap.ID, Status: snap.Status, Data: snap.Stats})
	m.emit(&snap, nil, "completed")
	if finish != nil {
		finish(stopped)
	}
}

// finishScan keeps the scanned set for retry and kicks off the automatic
// retry after a full scan that ran to completion.
func (m *Manager) finishScan(task *Task, rt *runtimeState, session *iptvscan.Session, stopped bool) {
	scanned := session.Scanned()
	m.mu.Lock()
	if task.Mode == iptvscan.ModeAppend {
		scanned = append(m.lastScanned[task.Target], scanned...)
	}
	m.lastScanned[task.Target] = scanned
	cfg := m.retry
	m.mu.Unlock()

	if stopped || task.Mode != iptvscan.ModeFull || !cfg.Enable {
		return
	}
	go func() {
		<-rt.done
		params := RetryParams{Target: task.Target, Loop: cfg.Loop, Timeout: session.Params().Timeout, Workers: session.Params().Workers}
		if _, err := m.StartRetry(params); err != nil {
			m.logger.WithField("target", task.Target).WithError(err).Warn("auto retry not started")
		}
	}()
}

func (m *Manager) newTask(kind TaskKind, target string, mode iptvscan.Mode) *Task {
	now := time.Now()
	return &Task{
		ID:        idgen.NextId(),
		Kind:      kind,
		Status:    status.Running,
		Target:    target,
		Mode:      mode,
		CreatedAt: now,
		StartedAt: now,
	}
}

// register 登记任务并返回加锁时拍下的快照，任务协程启动后调用方只能使用快照。
func (m *Manager) register(task *Task, cancel func()) (*runtimeState, *Task) {
	rt := &runtimeState{done: make(chan struct{})}
	rt.cancel = func() {
		rt.stopped.Store(true)
		cancel()
	}
	m.mu.Lock()
	m.tasks[task.ID] = task
	m.runtimes[task.ID] = rt
	snap := cloneTask(task)
	m.mu.Unlock()
	m.emit(snap, nil, "started")
	return rt, cloneTask(snap)
}

func (m *Manager) busy(target string) bool {
	if m.engine.IsScanning(target) || m.engine.IsScanning(target+retrySuffix) {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.runtimes {
		if m.tasks[id].Target == target {
			return true
		}
	}
	return false
}

// stopTarget stops every task on target and waits for their consumers.
func (m *Manager) stopTarget(target string) {
	m.mu.RLock()
	var list []*runtimeState
	for id, rt := range m.runtimes {
		if m.tasks[id].Target == target {
			list = append(list, rt)
		}
	}
	m.mu.RUnlock()
	for _, rt := range list {
		rt.cancel()
		<-rt.done
	}
}

func (m *Manager) StopTask(taskID int64) error {
	m.mu.RLock()
	rt, ok := m.runtimes[taskID]
	m.mu.RUnlock()
	if !ok {
		return errors.New("task not running or does not exist")
	}
	rt.cancel()
	return nil
}

// Wait blocks until the task has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, taskID int64) error {
	m.mu.RLock()
	rt, ok := m.runtimes[taskID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-rt.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) GetTask(taskID int64) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, errors.New("task not found")
	}
	return cloneTask(task), nil
}

func (m *Manager) ListTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		list = append(list, cloneTask(task))
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

func (m *Manager) emitFound(task *Task, batch []ChannelRecord) {
	m.bus.Emit(event.ChannelFound, event.EventDetail{ID: task.ID, Status: task.Status, Data: batch})
	m.emit(task, batch, "")
}

func (m *Manager) emit(task *Task, batch []ChannelRecord, message string) {
	payload := TaskEvent{
		TaskID:   task.ID,
		Kind:     task.Kind,
		Status:   task.Status,
		Target:   task.Target,
		Stats:    task.Stats,
		Channels: batch,
		Retry:    task.Retry,
		Message:  message,
		Error:    task.Error,
	}
	m.bus.Emit(event.TaskUpdate, event.EventDetail{
		ID:      task.ID,
		Status:  task.Status,
		Message: message,
		Error:   task.Error,
		Data:    payload,
	})
}

func normalizeTarget(target string) string {
	if t := strings.TrimSpace(target); t != "" {
		return t
	}
	return defaultTarget
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Retry != nil {
		r := *t.Retry
		cp.Retry = &r
	}
	return &cp
}
