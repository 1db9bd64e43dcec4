package campaign

import (
	"errors"
	"fmt"
)

var (
	// ErrEvaluationUnavailable means no usable signal snapshot exists for the cycle.
	ErrEvaluationUnavailable = errors.New("signal evaluation unavailable")
	// ErrAuthorizationExpired marks a pending decision rejected by the expiry policy.
	ErrAuthorizationExpired = errors.New("authorization expired")
	// ErrNotFound is returned by stores when no entry matches.
	ErrNotFound = errors.New("not found")
	// ErrTerminated is returned for operations on a terminated campaign.
	ErrTerminated = errors.New("campaign terminated")
	// ErrConflict signals an optimistic concurrency failure in a store.
	ErrConflict = errors.New("concurrent modification")
)

// CollectionError wraps a failure to obtain metrics for a campaign.
type CollectionError struct {
	CampaignID string
	Err        error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collect metrics for %s: %v", e.CampaignID, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// DispatchFailure is returned when retries against a platform executor are exhausted.
type DispatchFailure struct {
	CampaignID string
	Target     string
	Attempts   int
	Err        error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("dispatch %s to %s failed after %d attempts: %v", e.CampaignID, e.Target, e.Attempts, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }

// InvariantViolation aborts a cycle without mutating state.
type InvariantViolation struct {
	CampaignID string
	Detail     string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation for %s: %s", e.CampaignID, e.Detail)
}

// Violation builds an InvariantViolation with a formatted detail.
func Violation(campaignID, format string, args ...any) error {
	return &InvariantViolation{CampaignID: campaignID, Detail: fmt.Sprintf(format, args...)}
}

// IsInvariantViolation reports whether err carries an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var v *InvariantViolation
	return errors.As(err, &v)
}
