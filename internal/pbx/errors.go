package pbx

import (
	"errors"
	"fmt"
	"strings"
)

// Backend error text is schema-version-specific, so it is preserved verbatim
// (truncated) instead of paraphrased.
const errTextLimit = 300

// AuthError is a credential or token failure. It is fatal for the whole
// session: no further call on the same session can succeed.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SessionFatal marks the error as aborting a whole batch.
func (e *AuthError) SessionFatal() bool { return true }

// RemoteQueryError carries the raw error list returned by the administrative
// API, either from a populated errors array or a non-2xx body.
type RemoteQueryError struct {
	Messages []string
}

func (e *RemoteQueryError) Error() string {
	return "remote query: " + Truncate(strings.Join(e.Messages, " | "), errTextLimit)
}

// AlreadyExistsError is a domain-level "already exists" answer. It is
// non-retryable and distinct so batch callers can skip instead of fail.
type AlreadyExistsError struct {
	Detail string
}

func (e *AlreadyExistsError) Error() string {
	return "already exists: " + Truncate(e.Detail, errTextLimit)
}

func (e *AlreadyExistsError) AlreadyExists() bool { return true }

// NetworkError is a timeout or connection-level failure. It is not retried
// on the administrative API channel.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network: " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// IsAlreadyExists reports whether err (anywhere in its chain) is a
// domain-level duplicate.
func IsAlreadyExists(err error) bool {
	var ae *AlreadyExistsError
	return errors.As(err, &ae)
}

// IsSessionFatal reports whether err makes the whole session unusable.
func IsSessionFatal(err error) bool {
	var f interface{ SessionFatal() bool }
	return errors.As(err, &f) && f.SessionFatal()
}

var existsMarkers = []string{"already", "exist", "duplicate", "unique"}

// classifyRemote turns raw backend error text into AlreadyExistsError when
// the text signals a duplicate, otherwise into a RemoteQueryError. The
// backend does not report duplicates structurally, only in prose.
func classifyRemote(messages ...string) error {
	joined := strings.Join(messages, " | ")
	lower := strings.ToLower(joined)
	for _, m := range existsMarkers {
		if strings.Contains(lower, m) {
			return &AlreadyExistsError{Detail: joined}
		}
	}
	return &RemoteQueryError{Messages: messages}
}

// Truncate cuts s to at most n runes for diagnostic display.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
