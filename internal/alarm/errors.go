package alarm

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotAuthenticated reports that the server rejected our credential for
// the queried user.
var ErrNotAuthenticated = errors.New("not authenticated for user")

// ErrNotFound reports that the server has no missed-notification record for
// this device. Treated as a clean empty result.
var ErrNotFound = errors.New("no missed notification record")

// StatusError reports an unexpected HTTP status from the notification
// server.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from notification server", e.StatusCode)
}

// SuspensionError reports that the server asked us to back off before
// retrying.
type SuspensionError struct {
	RetryAfter time.Duration
}

func (e *SuspensionError) Error() string {
	return fmt.Sprintf("notification service suspended, retry after %s", e.RetryAfter)
}

// SessionKeyUnresolvedError reports that no session key candidate of an
// alarm notification could be resolved. Last carries the most recent
// underlying failure, if any candidate produced one.
type SessionKeyUnresolvedError struct {
	Identifier string
	Last       error
}

func (e *SessionKeyUnresolvedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("cannot resolve session key for alarm %s: %v", e.Identifier, e.Last)
	}
	return fmt.Sprintf("cannot resolve session key for alarm %s: no candidate matched", e.Identifier)
}

func (e *SessionKeyUnresolvedError) Unwrap() error { return e.Last }
