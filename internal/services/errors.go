package services

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ValidationError rejects malformed input before any persistence. Field names
// the offending attribute, Reason the rule that failed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// PayoutStateError rejects an invalid payout status transition; the payout's
// current state is left unchanged.
type PayoutStateError struct {
	PayoutID string
	From     string
	To       string
}

func (e *PayoutStateError) Error() string {
	return fmt.Sprintf("payout %s: invalid transition %s -> %s", e.PayoutID, e.From, e.To)
}

// ErrPayoutNotFound is returned when a reported settlement outcome matches no
// payout row.
var ErrPayoutNotFound = errors.New("payout not found")

// isUniqueViolation reports whether err is a Postgres unique-constraint
// conflict (class 23505). Conflicts on idempotency keys are handled as
// already-applied; any other constraint violation is an integrity error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
