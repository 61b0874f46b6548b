package iptvscan

type EventKind string

const (
	EventOutcome      EventKind = "outcome"
	EventChannelFound EventKind = "channel_found"
	EventStats        EventKind = "stats"
	EventCompleted    EventKind = "completed"
)

// Event is delivered in order on Session.Events. Consumers must drain the
// channel until it is closed and marshal events onto their own goroutine.
type Event struct {
	Kind      EventKind     `json:"kind"`
	SessionID int64         `json:"sessionId"`
	Target    string        `json:"target"`
	Outcome   *ProbeOutcome `json:"outcome,omitempty"`
	Stats     *ScanStats    `json:"stats,omitempty"`
}
