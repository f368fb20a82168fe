package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// The client maps every transport failure into exactly one of these
// categories. No operation silently swallows a non-2xx response except
// the documented "absent" cases.
var (
	// ErrAuthExpired means the credential was rejected (401/403). The
	// operation must not be retried with the same credential; the user
	// has to re-authorize.
	ErrAuthExpired = errors.New("remote credential expired or revoked")

	// ErrTransient covers 5xx responses and network failures. Safe to
	// retry with backoff; no state was committed.
	ErrTransient = errors.New("transient remote failure")

	// ErrMalformed means the server answered 2xx but the body was not a
	// parsable backup. Surfaced, never retried.
	ErrMalformed = errors.New("malformed remote payload")
)

// classify wraps an error from the Drive API into the taxonomy.
// Context cancellation passes through untouched so callers can
// distinguish their own teardown from remote failures.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrAuthExpired, err)
		case apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		default:
			return fmt.Errorf("unexpected remote response: %w", err)
		}
	}

	// Anything else at this layer is a network-level failure.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
