package iptvscan

import (
	"context"
	"time"
)

const statsFlushInterval = 200 * time.Millisecond

// statsReporter coalesces stats changes and flushes a snapshot at most every
// statsFlushInterval while something changed.
type statsReporter struct {
	stats   *Stats
	changed chan struct{}
	emit    func(ScanStats)
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func newStatsReporter(ctx context.Context, stats *Stats, emit func(ScanStats)) *statsReporter {
	rctx, cancel := context.WithCancel(ctx)
	r := &statsReporter{
		stats:   stats,
		changed: make(chan struct{}, 1),
		emit:    emit,
		ctx:     rctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *statsReporter) loop() {
	defer close(r.done)

	ticker := time.NewTicker(statsFlushInterval)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.changed:
			pending = true
		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			r.emit(r.stats.Snapshot())
		}
	}
}

// Changed never blocks; a pending signal already covers this change.
func (r *statsReporter) Changed() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *statsReporter) Close() {
	r.cancel()
	<-r.done
}
