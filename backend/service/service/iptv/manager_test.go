package iptv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"iptvscan/backend/constant/event"
	"iptvscan/backend/constant/status"
	iptvscan "iptvscan/backend/scanner/iptv"
)

type stubProber struct {
	mu    sync.Mutex
	valid map[string]bool
	delay time.Duration
	seen  map[string]int
}

func newStubProber(valid ...string) *stubProber {
	p := &stubProber{valid: make(map[string]bool), seen: make(map[string]int)}
	for _, u := range valid {
		p.valid[u] = true
	}
	return p
}

func (p *stubProber) Probe(ctx context.Context, c iptvscan.Candidate, timeout time.Duration) iptvscan.ProbeOutcome {
	p.mu.Lock()
	p.seen[c.URL]++
	ok := p.valid[c.URL]
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return iptvscan.ProbeOutcome{Candidate: c.URL, Index: c.Index, ErrorKind: iptvscan.KindCancelled}
		}
	}
	if !ok {
		return iptvscan.ProbeOutcome{Candidate: c.URL, Index: c.Index, ErrorKind: iptvscan.KindTimeout}
	}
	latency := int64(12)
	res := "1280x720"
	return iptvscan.ProbeOutcome{Candidate: c.URL, Index: c.Index, Valid: true, LatencyMs: &latency, Resolution: &res, Format: "mpegts"}
}

func (p *stubProber) count(u string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[u]
}

func newTestManager(prober iptvscan.Prober, model ChannelModel) (*Manager, *event.Bus) {
	bus := event.NewBus()
	engine := iptvscan.NewEngine(prober, iptvscan.DefaultOptions{Workers: 4, Timeout: time.Second}, nil)
	return NewManager(engine, model, bus, nil, RetryConfig{}), bus
}

func waitTask(t *testing.T, m *Manager, id int64) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Wait(ctx, id); err != nil {
		t.Fatalf("task %d did not finish: %v", id, err)
	}
	task, err := m.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	return task
}

func TestFullScanPopulatesModel(t *testing.T) {
	prober := newStubProber("10.0.0.2:8080", "10.0.0.4:8080")
	model := NewMemoryModel()
	m, bus := newTestManager(prober, model)
	_, ch := bus.Subscribe(1024)

	task, err := m.StartScan(ScanParams{Target: "main", Expr: "10.0.0.[1-5]:8080"})
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	done := waitTask(t, m, task.ID)
	if done.Status != status.OK || done.Stats.Total != 5 || done.Stats.Valid != 2 {
		t.Fatalf("unexpected task %+v", done)
	}
	if model.Len() != 2 {
		t.Fatalf("expected 2 channels, got %d", model.Len())
	}

	completed := false
	for len(ch) > 0 {
		env := <-ch
		if env.Name == event.SessionCompleted && env.Detail.ID == task.ID {
			completed = true
		}
	}
	if !completed {
		t.Fatalf("expected session completed event")
	}

	second, err := m.StartScan(ScanParams{Target: "main", Expr: "10.0.0.4:8080"})
	if err != nil {
		t.Fatalf("second StartScan failed: %v", err)
	}
	waitTask(t, m, second.ID)
	if urls := model.URLs(); len(urls) != 1 || urls[0] != "10.0.0.4:8080" {
		t.Fatalf("expected full scan to replace the model, got %v", urls)
	}
}

func TestInvalidExpressionLeavesModel(t *testing.T) {
	model := NewMemoryModel()
	model.AddChannel(ChannelRecord{URL: "http://keep/1"})
	m, _ := newTestManager(newStubProber(), model)
	if _, err := m.StartScan(ScanParams{Expr: "10.0.0.[9-1]"}); !errors.Is(err, iptvscan.ErrInvalidRange) {
		t.Fatalf("expected invalid range error, got %v", err)
	}
	if model.Len() != 1 {
		t.Fatalf("expected model untouched, got %d rows", model.Len())
	}
}

func TestAppendScanRefusesWhenBusy(t *testing.T) {
	prober := newStubProber()
	prober.delay = 5 * time.Second
	m, _ := newTestManager(prober, NewMemoryModel())
	task, err := m.StartScan(ScanParams{Target: "main", Expr: "10.0.0.[1-8]"})
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	_, err = m.StartScan(ScanParams{Target: "main", Expr: "10.0.1.1", Mode: iptvscan.ModeAppend})
	if !errors.Is(err, iptvscan.ErrSessionAlreadyActive) {
		t.Fatalf("expected ErrSessionAlreadyActive, got %v", err)
	}
	if err := m.StopTask(task.ID); err != nil {
		t.Fatalf("StopTask failed: %v", err)
	}
	if stopped := waitTask(t, m, task.ID); stopped.Status != status.Stopped {
		t.Fatalf("expected stopped status, got %d", stopped.Status)
	}
	if err := m.StopTask(task.ID); err == nil {
		t.Fatalf("expected error stopping a finished task")
	}
}

func TestValidationUpdatesRows(t *testing.T) {
	model := NewMemoryModel()
	model.AddChannel(ChannelRecord{URL: "http://a/1", Valid: true})
	model.AddChannel(ChannelRecord{URL: "http://b/2", Valid: true})
	model.AddChannel(ChannelRecord{URL: "http://c/3"})
	m, _ := newTestManager(newStubProber("http://c/3"), model)

	task, err := m.StartValidation(ValidateParams{})
	if err != nil {
		t.Fatalf("StartValidation failed: %v", err)
	}
	waitTask(t, m, task.ID)

	rows := model.Channels()
	if rows[0].Valid || rows[1].Valid || !rows[2].Valid {
		t.Fatalf("expected only row 2 valid, got %+v", rows)
	}
	if rows[2].Resolution != "1280x720" || rows[2].LatencyMs != 12 {
		t.Fatalf("expected probe details on row 2, got %+v", rows[2])
	}
	if rows[0].ErrorKind != iptvscan.KindTimeout {
		t.Fatalf("expected timeout on row 0, got %q", rows[0].ErrorKind)
	}
}

func TestRetryProbesOnlyUnconfirmed(t *testing.T) {
	prober := newStubProber("10.0.0.1")
	model := NewMemoryModel()
	m, _ := newTestManager(prober, model)

	if _, err := m.StartRetry(RetryParams{Target: "main"}); err == nil {
		t.Fatalf("expected retry without a scan to fail")
	}

	task, err := m.StartScan(ScanParams{Target: "main", Expr: "10.0.0.[1-3]"})
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	waitTask(t, m, task.ID)

	prober.mu.Lock()
	prober.valid["10.0.0.3"] = true
	prober.mu.Unlock()

	retry, err := m.StartRetry(RetryParams{Target: "main"})
	if err != nil {
		t.Fatalf("StartRetry failed: %v", err)
	}
	done := waitTask(t, m, retry.ID)
	if done.Status != status.OK || done.Found != 1 {
		t.Fatalf("unexpected retry task %+v", done)
	}
	if prober.count("10.0.0.1") != 1 || prober.count("10.0.0.2") != 2 || prober.count("10.0.0.3") != 2 {
		t.Fatalf("expected only unconfirmed candidates retried, got %v", prober.seen)
	}
	if valid := model.ValidURLs(); len(valid) != 2 {
		t.Fatalf("expected retry to add a channel, got %v", valid)
	}
	if done.Retry == nil || done.Retry.Remaining != 1 || done.Retry.Phase != iptvscan.PhaseDone {
		t.Fatalf("unexpected retry snapshot %+v", done.Retry)
	}
}

func TestAutoRetryAfterFullScan(t *testing.T) {
	prober := newStubProber()
	model := NewMemoryModel()
	m, bus := newTestManager(prober, model)
	m.UpdateRetryConfig(RetryConfig{Enable: true, Interval: time.Millisecond})
	_, ch := bus.Subscribe(1024)

	task, err := m.StartScan(ScanParams{Target: "auto", Expr: "10.0.2.[1-2]"})
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	waitTask(t, m, task.ID)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Name == event.RetryUpdate {
				if prober.count("10.0.2.1") != 2 {
					t.Fatalf("expected automatic retry to re-probe, got %d", prober.count("10.0.2.1"))
				}
				return
			}
		case <-deadline:
			t.Fatalf("expected automatic retry to run")
		}
	}
}

func TestMemoryModel(t *testing.T) {
	model := NewMemoryModel()
	i := model.AddChannel(ChannelRecord{URL: "u1", Name: "CCTV-1"})
	j := model.AddChannel(ChannelRecord{URL: "u1", Valid: true})
	if i != j || model.Len() != 1 {
		t.Fatalf("expected duplicate url to reuse row, got %d %d", i, j)
	}
	if rows := model.Channels(); rows[0].Name != "CCTV-1" || !rows[0].Valid {
		t.Fatalf("expected refreshed row to keep name, got %+v", rows[0])
	}
	if err := model.UpdateChannel(5, ChannelUpdate{}); err == nil {
		t.Fatalf("expected out of range error")
	}
	model.Clear()
	if model.Len() != 0 || len(model.ValidURLs()) != 0 {
		t.Fatalf("expected empty model after clear")
	}
}

func TestStartReturnsDetachedSnapshot(t *testing.T) {
	prober := newStubProber("10.0.3.1")
	m, _ := newTestManager(prober, NewMemoryModel())

	task, err := m.StartScan(ScanParams{Target: "snap", Expr: "10.0.3.[1-4]"})
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	if task.Status != status.Running || task.Found != 0 {
		t.Fatalf("expected a running snapshot, got %+v", task)
	}
	task.Status = status.Error
	done := waitTask(t, m, task.ID)
	if done.Status != status.OK || done.Found != 1 {
		t.Fatalf("expected caller edits not to reach the manager, got %+v", done)
	}

	retry, err := m.StartRetry(RetryParams{Target: "snap"})
	if err != nil {
		t.Fatalf("StartRetry failed: %v", err)
	}
	if retry.Retry == nil || retry.Retry.Round != 1 {
		t.Fatalf("expected retry snapshot at round 1, got %+v", retry.Retry)
	}
	retry.Retry.Round = 99
	finished := waitTask(t, m, retry.ID)
	if finished.Retry == nil || finished.Retry.Round == 99 {
		t.Fatalf("expected retry state owned by the manager, got %+v", finished.Retry)
	}
}
