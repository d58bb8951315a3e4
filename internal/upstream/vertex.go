package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/routeworks/geminipanel/internal/config"
	"github.com/routeworks/geminipanel/internal/proxypool"
)

const (
	vertexAPIVersion      = "v1"
	vertexGlobalEndpoint  = "https://aiplatform.googleapis.com"
	cloudPlatformScope    = "https://www.googleapis.com/auth/cloud-platform"
	vertexRegionalPattern = "https://%s-aiplatform.googleapis.com"
)

// VertexBackend serves models carrying the "[v]" prefix. Express mode
// authenticates with a single API key against the global endpoint;
// service-account mode signs JWTs and talks to the regional endpoint.
// Vertex credentials are not pooled keys, so nothing here touches the
// key registry.
type VertexBackend struct {
	cfg    config.VertexConfig
	pool   *proxypool.Pool
	tokens oauth2.TokenSource

	project string

	// endpoint overrides the Vertex host in tests.
	endpoint string
}

// NewVertex builds the backend from config. Returns nil (and no error)
// when neither credential form is present.
func NewVertex(pool *proxypool.Pool, cfg config.VertexConfig) (*VertexBackend, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	v := &VertexBackend{cfg: cfg, pool: pool}

	if cfg.CredentialsJSON != "" {
		jwtCfg, err := google.JWTConfigFromJSON([]byte(cfg.CredentialsJSON), cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse vertex credentials: %w", err)
		}
		v.tokens = jwtCfg.TokenSource(context.Background())
		v.project = cfg.ProjectID
		if v.project == "" {
			v.project = gjson.Get(cfg.CredentialsJSON, "project_id").String()
		}
		if v.project == "" {
			return nil, errors.New("vertex credentials carry no project id")
		}
	}
	return v, nil
}

// Enabled reports whether [v]-prefixed models should be exposed.
func (v *VertexBackend) Enabled() bool {
	return v != nil && v.cfg.Enabled()
}

// requestURL builds the endpoint for one call. Express mode carries the
// key as a query parameter, the form the global endpoint expects.
func (v *VertexBackend) requestURL(model, action string) string {
	if v.cfg.APIKey != "" {
		base := v.endpoint
		if base == "" {
			base = vertexGlobalEndpoint
		}
		return fmt.Sprintf("%s/%s/publishers/google/models/%s:%s?key=%s",
			base, vertexAPIVersion, model, action, url.QueryEscape(v.cfg.APIKey))
	}
	base := v.endpoint
	if base == "" {
		base = fmt.Sprintf(vertexRegionalPattern, v.cfg.Location)
	}
	return fmt.Sprintf("%s/%s/projects/%s/locations/%s/publishers/google/models/%s:%s",
		base, vertexAPIVersion, v.project, v.cfg.Location, model, action)
}

// Generate mirrors Dispatcher.Generate for the Vertex backend.
func (v *VertexBackend) Generate(ctx context.Context, model string, body []byte, stream bool) (*Result, error) {
	action := actionGenerate
	timeout := defaultTimeout
	if stream {
		action = actionStream
		timeout = 0
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.requestURL(model, action), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if v.cfg.APIKey == "" {
		tok, err := v.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("vertex token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	return roundTrip(v.pool.Client(timeout), httpReq, stream)
}
