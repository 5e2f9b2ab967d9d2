/**
 * @description
 * Adapter-level error type for the payment provider. Every remote failure the
 * adapter surfaces is normalized into *provider.Error so callers can branch on
 * rate limiting (retried at the task-queue layer) and missing remote objects
 * without importing the provider SDK.
 */

package provider

import (
	"errors"
	"fmt"
	"net/http"

	stripe "github.com/stripe/stripe-go/v74"
)

// Error is the single error type raised by the provider adapter.
type Error struct {
	Op          string // remote operation, e.g. "capture_payment_intent"
	Code        string // provider error code when available
	RateLimited bool   // retry belongs to the task-queue layer, never the adapter
	Missing     bool   // the remote object does not exist; never a silent no-op
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("provider: %s: %v", e.Op, e.cause)
	}
	return fmt.Sprintf("provider: %s failed", e.Op)
}

func (e *Error) Unwrap() error { return e.cause }

// normalize converts a raw SDK error into *Error. A nil input passes through.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}

	out := &Error{Op: op, cause: err}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		out.Code = string(stripeErr.Code)
		out.RateLimited = stripeErr.HTTPStatusCode == http.StatusTooManyRequests
		out.Missing = stripeErr.Code == stripe.ErrorCodeResourceMissing ||
			stripeErr.HTTPStatusCode == http.StatusNotFound
	}
	return out
}

// missingObject builds the error raised when a lookup legitimately succeeded
// but returned nothing usable (e.g. an already-deleted remote object).
func missingObject(op, detail string) *Error {
	return &Error{Op: op, Missing: true, cause: errors.New(detail)}
}

// IsRateLimited reports whether err is a provider rate-limit error.
func IsRateLimited(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.RateLimited
}

// IsMissing reports whether err indicates a missing remote object.
func IsMissing(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Missing
}
