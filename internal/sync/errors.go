package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sdxl-assets/sam/internal/mapper"
)

// Common errors returned by the engine.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, sync.ErrSyncInProgress) {
//	    // another pass holds the guard; try again later
//	}
var (
	// ErrSyncInProgress is returned when a pass is attempted while another
	// pass holds the guard. The second pass fails fast instead of queueing.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrConflictUnresolved marks a conflict that needs manual input. It is
	// informational: conflicts are reported, not returned, by RunSync.
	ErrConflictUnresolved = errors.New("conflict needs manual resolution")

	// ErrPairNotFound is returned by ResolveConflict for an unknown key.
	ErrPairNotFound = errors.New("no record pair with that key")

	// ErrNotInConflict is returned by ResolveConflict when the pair is no
	// longer classified as both-changed.
	ErrNotInConflict = errors.New("record pair is not in conflict")
)

// Side names one of the two stores.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// RateLimitedError is returned by a remote adapter when the service asked
// the client to slow down. RetryAfter is the server hint, zero if none.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// TransientError wraps a failure that is expected to go away on retry
// (timeouts, 5xx responses, dropped connections).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FetchError is a pass-level failure to read a full snapshot from one side.
type FetchError struct {
	Side     Side
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s records after %d attempt(s): %v", e.Side, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether the underlying failure was transient.
func (e *FetchError) Transient() bool { return IsTransient(e.Err) }

// ApplyError is a failure to apply one record pair.
type ApplyError struct {
	Pair     PairKey
	Side     Side
	Attempts int
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("failed to apply %s on %s side: %v", e.Pair, e.Side, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Transient reports whether the underlying failure was transient.
func (e *ApplyError) Transient() bool { return IsTransient(e.Err) }

// IsTransient returns true if the error is likely to succeed on retry.
// Mapping errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if mapper.IsMappingError(err) {
		return false
	}

	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// retryAfter extracts a server-provided retry hint from err.
func retryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
