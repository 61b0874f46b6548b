package iptvscan

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies why a candidate was not confirmed.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindDNSOrRoute        ErrorKind = "dns_or_route_failure"
	KindProtocol          ErrorKind = "protocol_error"
	KindCancelled         ErrorKind = "cancelled"
)

// ProbeOutcome is the single result of probing one candidate.
// Exactly one of Valid or ErrorKind is set.
type ProbeOutcome struct {
	Candidate  string    `json:"candidate"`
	Index      int       `json:"index"`
	Valid      bool      `json:"valid"`
	LatencyMs  *int64    `json:"latencyMs"`
	Resolution *string   `json:"resolution"`
	ErrorKind  ErrorKind `json:"errorKind,omitempty"`

	Codec       string `json:"codec,omitempty"`
	Format      string `json:"format,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
	BitRate     int64  `json:"bitRate,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

func validOutcome(c Candidate, latencyMs int64) ProbeOutcome {
	return ProbeOutcome{Candidate: c.URL, Index: c.Index, Valid: true, LatencyMs: &latencyMs}
}

func failedOutcome(c Candidate, kind ErrorKind, detail string) ProbeOutcome {
	return ProbeOutcome{Candidate: c.URL, Index: c.Index, ErrorKind: kind, Detail: detail}
}

// protocolError marks a failure where the endpoint answered but the content is unusable.
type protocolError struct {
	msg string
}

func (e *protocolError) Error() string {
	return e.msg
}

func newProtocolError(msg string) error {
	return &protocolError{msg: msg}
}

// classifyError maps a probe failure to an ErrorKind. parent is the session
// context: its cancellation wins over the probe's own deadline.
func classifyError(parent context.Context, err error) ErrorKind {
	if parent != nil && parent.Err() != nil {
		return KindCancelled
	}
	if err == nil {
		return KindProtocol
	}
	var perr *protocolError
	if errors.As(err, &perr) {
		return KindProtocol
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindDNSOrRoute
	}
	var resolveErr *resolveError
	if errors.As(err, &resolveErr) {
		return KindDNSOrRoute
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return KindDNSOrRoute
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	case strings.Contains(msg, "no route to host"), strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "no such host"):
		return KindDNSOrRoute
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	}
	return KindProtocol
}
