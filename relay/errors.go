package relay

import (
	"fmt"
	"strings"
)

// ConnectivityError means no relay could be reached; the bundle was not
// judged and may be retried unchanged.
type ConnectivityError struct {
	Relay string
	Err   error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("relay %s unreachable: %v", e.Relay, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RejectedError means every reachable relay refused the bundle.
type RejectedError struct {
	Reasons map[string]string
}

func (e *RejectedError) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for relay, reason := range e.Reasons {
		parts = append(parts, relay+": "+reason)
	}
	return "bundle rejected: " + strings.Join(parts, "; ")
}
