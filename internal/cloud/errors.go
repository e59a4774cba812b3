package cloud

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"

	"github.com/kimhsiao/studysync/internal/errors"
)

// StatusError maps an HTTP status of a failed provider call onto an error code.
func StatusError(status int, op, detail string) error {
	msg := op + " failed: " + http.StatusText(status)
	if detail != "" {
		msg += ": " + detail
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.New(errors.ErrUnauthorized, msg)
	case status == http.StatusNotFound:
		return errors.New(errors.ErrNotFound, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.New(errors.ErrProviderUnavailable, msg)
	}
	return errors.New(errors.ErrSyncFailed, msg)
}

// TransportError classifies an error returned before any response arrived.
// Cancellation by the caller is reported as SYNC_CANCELLED, everything else
// (timeouts, refused connections, DNS) as PROVIDER_UNAVAILABLE.
func TransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(errors.ErrSyncCancelled, op+" cancelled", err)
	}
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Wrap(errors.ErrProviderUnavailable, op+" timed out", err)
	}
	return errors.Wrap(errors.ErrProviderUnavailable, op+" failed", err)
}

// NotFound reports whether err means the remote object is gone.
func NotFound(err error) bool {
	return errors.Is(err, errors.ErrNotFound)
}
