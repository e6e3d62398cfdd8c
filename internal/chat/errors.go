package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Kind classifies a failed completion call.
type Kind string

const (
	KindAuth              Kind = "auth"
	KindTransport         Kind = "transport"
	KindRateLimited       Kind = "rate_limited"
	KindMalformedResponse Kind = "malformed_response"
)

var (
	ErrEmptyInput        = errors.New("empty chat input")
	ErrAuth              = &Error{Kind: KindAuth}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse}
)

// Error is returned by Complete for any failure of the remote call.
// errors.Is(err, ErrAuth) and friends match on Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chat completion: %s", e.Kind)
	}
	return fmt.Sprintf("chat completion: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// kindForStatus maps an HTTP status of a failed call to an error kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindTransport
	}
}

// isDecodeError reports whether err came from decoding a response body.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimited)
}

// FallbackText turns a completion failure into a message suitable for
// showing in place of a reply.
func FallbackText(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyInput):
		return "Please enter a message."
	case errors.Is(err, ErrAuth):
		return "The assistant could not authenticate with the chat service. Check the API key."
	case errors.Is(err, ErrRateLimited):
		return "The chat service is rate limiting requests. Try again in a moment."
	case errors.Is(err, ErrMalformedResponse):
		return "The chat service returned a response that could not be read."
	case errors.Is(err, ErrTransport):
		return "The chat service could not be reached. Try again."
	default:
		return fmt.Sprintf("Error while calling the chat service: %v", err)
	}
}
