package verify

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrDeadlineExceeded = errors.New("verify: deadline exceeded")
	ErrStale            = errors.New("verify: opportunity computed on a different block or epoch")
)

// Reason classifies a rejection.
type Reason string

const (
	ReasonReverted           Reason = "reverted"
	ReasonInsufficientOut    Reason = "insufficient_output"
	ReasonBelowThreshold     Reason = "below_threshold"
	ReasonPreviouslyRejected Reason = "previously_rejected"
	ReasonParityMismatch     Reason = "parity_mismatch"
)

// RejectionError reports that an opportunity failed verification. Rejected
// opportunities are never retried.
type RejectionError struct {
	Opportunity common.Hash
	Reason      Reason
	Detail      string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("opportunity %s rejected: %s", e.Opportunity.TerminalString(), e.Reason)
	}
	return fmt.Sprintf("opportunity %s rejected: %s: %s", e.Opportunity.TerminalString(), e.Reason, e.Detail)
}

// IsRejection reports whether err is a *RejectionError.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
