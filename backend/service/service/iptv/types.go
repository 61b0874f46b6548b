package iptv

import (
	"time"

	iptvscan "iptvscan/backend/scanner/iptv"
)

type TaskKind string

const (
	KindScan     TaskKind = "scan"
	KindValidate TaskKind = "validate"
	KindRetry    TaskKind = "retry"
)

// ScanParams starts a range scan. Mode is full or append.
type ScanParams struct {
	Target  string        `json:"target"`
	Expr    string        `json:"expr"`
	Mode    iptvscan.Mode `json:"mode"`
	Workers int           `json:"workers"`
	Timeout time.Duration `json:"timeout"`
}

// ValidateParams re-probes every channel in the model.
type ValidateParams struct {
	Target  string        `json:"target"`
	Workers int           `json:"workers"`
	Timeout time.Duration `json:"timeout"`
}

// RetryParams re-probes what the last scan of Target could not confirm.
type RetryParams struct {
	Target  string        `json:"target"`
	Loop    bool          `json:"loop"`
	Workers int           `json:"workers"`
	Timeout time.Duration `json:"timeout"`
}

// RetryConfig controls automatic retries after a full scan.
type RetryConfig struct {
	Enable      bool
	Loop        bool
	Interval    time.Duration
	MaxInterval time.Duration
}

// Task describes a running or completed scan, validation or retry job.
type Task struct {
	ID          int64              `json:"id"`
	Kind        TaskKind           `json:"kind"`
	Status      int                `json:"status"`
	Target      string             `json:"target"`
	Mode        iptvscan.Mode      `json:"mode,omitempty"`
	Expr        string             `json:"expr,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt time.Time          `json:"completedAt"`
	Stats       iptvscan.ScanStats `json:"stats"`
	Found       int                `json:"found"`
	Retry       *RetrySnapshot     `json:"retry,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// RetrySnapshot is the exported view of a RetryState.
type RetrySnapshot struct {
	Round          int            `json:"round"`
	Remaining      int            `json:"remaining"`
	FoundThisRound int            `json:"foundThisRound"`
	TotalConfirmed int            `json:"totalConfirmed"`
	Phase          iptvscan.Phase `json:"phase"`
	Interrupted    bool           `json:"interrupted"`
}

// TaskEvent payload emitted over the event bus to notify consumers about
// status changes or newly found channels.
type TaskEvent struct {
	TaskID   int64              `json:"taskId"`
	Kind     TaskKind           `json:"kind"`
	Status   int                `json:"status"`
	Target   string             `json:"target"`
	Stats    iptvscan.ScanStats `json:"stats"`
	Channels []ChannelRecord    `json:"channels,omitempty"`
	Retry    *RetrySnapshot     `json:"retry,omitempty"`
	Message  string             `json:"message,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func snapshotRetry(st *iptvscan.RetryState) *RetrySnapshot {
	if st == nil {
		return nil
	}
	return &RetrySnapshot{
		Round:          st.Round,
		Remaining:      st.RemainingCount(),
		FoundThisRound: st.FoundThisRound,
		TotalConfirmed: st.TotalConfirmed,
		Phase:          st.Phase,
		Interrupted:    st.Interrupted,
	}
}
