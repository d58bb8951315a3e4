// Package handlers carries the service bundle and response envelopes
// shared by the HTTP handler packages.
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/routeworks/geminipanel/internal/catalog"
	"github.com/routeworks/geminipanel/internal/config"
	"github.com/routeworks/geminipanel/internal/keypool"
	"github.com/routeworks/geminipanel/internal/metrics"
	"github.com/routeworks/geminipanel/internal/translator"
	"github.com/routeworks/geminipanel/internal/upstream"
	"github.com/routeworks/geminipanel/internal/workerkey"
)

// ErrorResponse is the OpenAI-shaped error envelope returned on /v1 routes.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail provides specific information about an error that occurred.
type ErrorDetail struct {
	// Message is a human-readable message providing more details about the error.
	Message string `json:"message"`

	// Type is the category of error that occurred (e.g., "invalid_request_error").
	Type string `json:"type"`

	// Code is a short code identifying the error, if applicable.
	Code string `json:"code,omitempty"`
}

// Dispatcher is the pooled-key upstream transport plus the probe used by
// the admin key-test endpoints.
type Dispatcher interface {
	Generate(ctx context.Context, secret, model string, body []byte, stream bool) (*upstream.Result, error)
	Probe(ctx context.Context, modelID, secret string) (status int, body []byte, err error)
}

// Vertex is the alternate backend serving [v]-prefixed models. Enabled
// must be safe to call on a nil implementation.
type Vertex interface {
	Enabled() bool
	Generate(ctx context.Context, model string, body []byte, stream bool) (*upstream.Result, error)
}

// Services bundles everything the route handlers need. It is built once
// at boot and shared by reference.
type Services struct {
	Config     *config.Config
	WorkerKeys *workerkey.Manager
	Keys       *keypool.Manager
	Selector   *keypool.Selector
	Catalog    *catalog.Catalog
	Settings   *catalog.Settings
	Translator *translator.Translator
	Upstream   Dispatcher
	Vertex     Vertex
}

// RefreshErrorGauge recomputes the flagged-key gauge after any mutation
// that may set or clear error flags.
func (s *Services) RefreshErrorGauge(ctx context.Context) {
	n, err := s.Keys.CountErrored(ctx)
	if err != nil {
		return
	}
	metrics.SetKeysInError(n)
}

// WorkerKeyContextKey is where the auth middleware stores the resolved
// worker key for the completion handlers.
const WorkerKeyContextKey = "workerKey"

// WorkerKeyFrom returns the worker key the auth middleware attached to the
// request, or nil when absent.
func WorkerKeyFrom(c *gin.Context) *workerkey.Key {
	v, ok := c.Get(WorkerKeyContextKey)
	if !ok {
		return nil
	}
	k, _ := v.(*workerkey.Key)
	return k
}
