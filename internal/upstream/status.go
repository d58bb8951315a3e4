package upstream

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a non-2xx upstream status for the retry loop and
// the key-registry bookkeeping.
type ErrorKind string

const (
	// KindQuota marks 429 responses; the key's 429 streak escalates.
	KindQuota ErrorKind = "quota"
	// KindAuth marks responses that condemn the key itself (401, 403, or
	// a 400 whose body names an invalid API key).
	KindAuth ErrorKind = "auth"
	// KindBadRequest marks 400s caused by the caller's payload; they are
	// the client's to fix and never flag the key.
	KindBadRequest ErrorKind = "bad_request"
	// KindUpstream covers everything else, 5xx included.
	KindUpstream ErrorKind = "upstream"
)

// StatusError is a non-2xx upstream reply with the raw body preserved so
// the facade can pass it through to the client.
type StatusError struct {
	Code int
	Body string
	Kind ErrorKind
}

// NewStatusError classifies the status and body into a StatusError.
func NewStatusError(code int, body []byte) *StatusError {
	return &StatusError{Code: code, Body: string(body), Kind: classify(code, string(body))}
}

func classify(code int, body string) ErrorKind {
	switch code {
	case http.StatusTooManyRequests:
		return KindQuota
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusBadRequest:
		if strings.Contains(body, "API_KEY_INVALID") {
			return KindAuth
		}
		return KindBadRequest
	default:
		return KindUpstream
	}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// Retryable reports whether a different key may fare better: quota
// exhaustion and upstream 5xx are worth another attempt, auth failures
// are too once the key is flagged.
func (e *StatusError) Retryable() bool {
	return e.Kind == KindQuota || e.Kind == KindAuth || e.Code >= 500
}
