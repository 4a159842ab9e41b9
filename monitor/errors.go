package monitor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoResponse covers socket timeouts and socket errors: the server is
	// offline, unreachable, or simply did not answer within the deadline.
	ErrNoResponse = errors.New("no response from server")

	// ErrMalformedResponse is returned when a datagram fails structural
	// validation (truncated fields, impossible player counts).
	ErrMalformedResponse = errors.New("malformed response")

	// ErrSpoofedResponse is returned when a datagram does not plausibly
	// originate from the queried server (magic, address or opcode mismatch).
	ErrSpoofedResponse = errors.New("response origin mismatch")

	// ErrAddressNotAllowed is returned before any packet is sent when the
	// target address is rejected by the address policy.
	ErrAddressNotAllowed = errors.New("target address not allowed")
)

// DeniedError wraps an admission-control rejection. It is a structured
// outcome, not a fault: callers inspect the decision for the reason, the
// suggested wait and whether cached data may stand in.
type DeniedError struct {
	Decision QueryDecision
}

func (err *DeniedError) Error() string {
	if err.Decision.RetryAfter > 0 {
		return fmt.Sprintf("query denied: %s (retry in %s)", err.Decision.Reason, err.Decision.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("query denied: %s", err.Decision.Reason)
}

// Denied extracts the admission decision from an error chain, if present.
func Denied(err error) (*QueryDecision, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return &denied.Decision, true
	}
	return nil, false
}
