package synchronizer

import (
	"errors"
	"fmt"

	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/ethereum/go-ethereum/common"
)

// SystemError is the base error for the synchronizer, carrying the block
// that was being processed.
type SystemError struct {
	BlockNumber uint64
	Err         error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("synchronizer error at block %d: %v", e.BlockNumber, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// StateInconsistencyError reports that local state could not follow the
// chain (reorg deeper than the rollback window, a gap, or an unexpected
// parent) and a full resync was performed or is pending.
type StateInconsistencyError struct {
	Block  market.BlockRef
	Reason string
	// Resynced is true when the resync completed and a fresh snapshot was
	// published under a new epoch.
	Resynced bool
	Err      error
}

func (e *StateInconsistencyError) Error() string {
	status := "resync pending"
	if e.Resynced {
		status = "resynced"
	}
	if e.Err != nil {
		return fmt.Sprintf("state inconsistency at %s: %s (%s): %v", e.Block, e.Reason, status, e.Err)
	}
	return fmt.Sprintf("state inconsistency at %s: %s (%s)", e.Block, e.Reason, status)
}

func (e *StateInconsistencyError) Unwrap() error { return e.Err }

// InvariantViolationError is a fatal internal defect, e.g. the same block
// delivered twice with a different state diff.
type InvariantViolationError struct {
	Block  market.BlockRef
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation at %s: %s", e.Block, e.Reason)
}

// RegistrationError is returned when a discovered pool could not be added to
// the topology; registration is retried on later blocks.
type RegistrationError struct {
	SystemError
	PoolAddress common.Address
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register pool %s at block %d: %v", e.PoolAddress.Hex(), e.BlockNumber, e.Err)
}

func (e *RegistrationError) Unwrap() error { return &e.SystemError }

// IsFatal reports whether err must stop the synchronizer.
func IsFatal(err error) bool {
	var iv *InvariantViolationError
	return errors.As(err, &iv)
}

// determineErrorType inspects an error and returns a string label for metrics.
func determineErrorType(err error) string {
	var (
		iv  *InvariantViolationError
		si  *StateInconsistencyError
		reg *RegistrationError
		sys *SystemError
	)
	switch {
	case errors.As(err, &iv):
		return "invariant_violation"
	case errors.As(err, &si):
		return "state_inconsistency"
	case errors.As(err, &reg):
		return "registration"
	case errors.As(err, &sys):
		return "system"
	default:
		return "unknown"
	}
}
