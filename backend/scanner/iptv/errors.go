package iptvscan

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRange         = errors.New("invalid range expression")
	ErrSessionAlreadyActive = errors.New("scan session already active")
)

// InvalidRangeError reports why an address-range expression was rejected.
// No candidates are produced for an expression that fails validation.
type InvalidRangeError struct {
	Expr    string
	Segment string
	Reason  string
}

func (e *InvalidRangeError) Error() string {
	if e.Segment != "" && e.Segment != e.Expr {
		return fmt.Sprintf("invalid range %q (segment %q): %s", e.Expr, e.Segment, e.Reason)
	}
	return fmt.Sprintf("invalid range %q: %s", e.Expr, e.Reason)
}

func (e *InvalidRangeError) Is(target error) bool {
	return target == ErrInvalidRange
}

// SessionAlreadyActiveError is returned when a target already has a running session.
type SessionAlreadyActiveError struct {
	Target string
}

func (e *SessionAlreadyActiveError) Error() string {
	return fmt.Sprintf("scan session for %q is still active", e.Target)
}

func (e *SessionAlreadyActiveError) Is(target error) bool {
	return target == ErrSessionAlreadyActive
}
