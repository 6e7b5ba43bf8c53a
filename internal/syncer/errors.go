package syncer

import (
	"errors"
	"fmt"
)

// Sync error taxonomy.
//
// These errors can be checked using errors.Is() for proper handling:
//
//	if errors.Is(err, syncer.ErrAuth) {
//	    // Pause and re-authenticate outside the sync core.
//	}
var (
	// ErrNetwork is returned when a push or pull fails in transit.
	// Transient: dirty flags and the queue are untouched, so the next
	// cycle retries with no data loss.
	ErrNetwork = errors.New("network error")

	// ErrAuth is returned on a 401 from the server. Fatal to the
	// current cycle; the engine pauses until Resume is called after
	// re-authentication.
	ErrAuth = errors.New("authentication required")

	// ErrStorage is returned when the local database fails. Fatal to
	// sync, but the app degrades to queue-only mode rather than
	// crashing.
	ErrStorage = errors.New("local storage error")

	// ErrConflict marks a change discarded by the last-writer-wins
	// rule. Conflicts are resolved automatically and reported through
	// the cycle result, not returned from Sync.
	ErrConflict = errors.New("conflicting concurrent change")
)

// ValidationError reports a single op the server rejected. The op is
// dropped from the queue; the rest of the batch is unaffected.
type ValidationError struct {
	EntityType string
	LocalID    string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("server rejected %s %s: %s", e.EntityType, e.LocalID, e.Reason)
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// IsFatal returns true if the error cannot be resolved by retrying the
// cycle: re-authentication or storage recovery is needed first.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrStorage)
}
