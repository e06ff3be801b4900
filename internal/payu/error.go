package payu

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrCredentials    = errors.New("payu: authentication rejected")
	ErrCommunication  = errors.New("payu: unexpected response")
	ErrLockFailure    = errors.New("payu: order creation rejected")
	ErrChargeFailure  = errors.New("payu: capture rejected")
	ErrRefundFailure  = errors.New("payu: refund rejected")
	ErrGateway        = errors.New("payu: gateway error")
	ErrInvalidRequest = errors.New("payu: invalid request")
)

// RawResponse is what the gateway sent back, kept for diagnostics.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ResponseError wraps one of the sentinel errors together with the response
// that caused it. Transport failures carry a nil Raw.
type ResponseError struct {
	Op  string
	Raw *RawResponse
	Err error
	// Cause is the underlying transport or decoding error, if any.
	Cause error
}

func (e *ResponseError) Error() string {
	switch {
	case e.Raw != nil:
		return fmt.Sprintf("%s: %v (http %d): %s", e.Op, e.Err, e.Raw.StatusCode, truncate(e.Raw.Body, 256))
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Err, e.Cause)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *ResponseError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// RawFrom extracts the raw gateway response from err, if it carries one.
func RawFrom(err error) (*RawResponse, bool) {
	var re *ResponseError
	if errors.As(err, &re) && re.Raw != nil {
		return re.Raw, true
	}
	return nil, false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
