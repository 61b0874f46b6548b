package iptvscan

import (
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

const (
	DefaultTimeout   = 5 * time.Second
	DefaultQueueSize = 10000
	stopGrace        = 2 * time.Second
)

type Mode string

const (
	ModeFull     Mode = "full"
	ModeAppend   Mode = "append"
	ModeValidate Mode = "validate"
)

// DefaultOptions captures the baseline tuning values applied to new sessions
// when the caller does not specify an explicit value.
type DefaultOptions struct {
	Workers       int
	Timeout       time.Duration
	BatchSize     int
	MaxCandidates int
	QueueSize     int
	MaxPPS        int
	PerHostMaxPPS int
}

// SessionParams models one StartScan request.
type SessionParams struct {
	Target        string        `json:"target"`
	Mode          Mode          `json:"mode"`
	Workers       int           `json:"workers"`
	Timeout       time.Duration `json:"timeout"`
	QueueSize     int           `json:"queueSize"`
	MaxPPS        int           `json:"maxPps"`
	PerHostMaxPPS int           `json:"perHostMaxPps"`
	RecordScanned bool          `json:"recordScanned"`
}

// WithDefaults returns a copy of the params where empty fields are populated
// from the provided defaults.
func (p SessionParams) WithDefaults(d DefaultOptions) SessionParams {
	cp := p
	cp.Target = strings.TrimSpace(cp.Target)
	if cp.Mode == "" {
		cp.Mode = ModeFull
	}
	if cp.Workers <= 0 {
		cp.Workers = d.Workers
	}
	if cp.Timeout <= 0 {
		cp.Timeout = d.Timeout
	}
	if cp.QueueSize <= 0 {
		cp.QueueSize = d.QueueSize
	}
	if cp.MaxPPS <= 0 {
		cp.MaxPPS = d.MaxPPS
	}
	if cp.PerHostMaxPPS <= 0 {
		cp.PerHostMaxPPS = d.PerHostMaxPPS
	}
	return cp
}

func (d DefaultOptions) expandOptions() ExpandOptions {
	return ExpandOptions{BatchSize: d.BatchSize, MaxCandidates: d.MaxCandidates}
}

func normalizeDefaults(d DefaultOptions) DefaultOptions {
	out := d
	if out.Workers <= 0 {
		out.Workers = defaultWorkerCount()
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.MaxCandidates <= 0 {
		out.MaxCandidates = DefaultMaxCandidates
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultQueueSize
	}
	if out.MaxPPS < 0 {
		out.MaxPPS = 0
	}
	if out.PerHostMaxPPS < 0 {
		out.PerHostMaxPPS = 0
	}
	return out
}

// defaultWorkerCount scales with logical cores; probes are I/O bound so the
// multiplier is generous, but the fd soft limit still caps it.
func defaultWorkerCount() int {
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = runtime.NumCPU()
	}
	if cores <= 0 {
		cores = 1
	}
	base := cores * 8
	if base < 16 {
		base = 16
	}
	if base > 256 {
		base = 256
	}
	if limit := fdAwareWorkerCap(); limit > 0 && base > limit {
		base = limit
	}
	return base
}
