// Package upstream executes generation calls against the
// generative-language API and the Vertex backend. It owns URL building
// (including the optional AI-gateway rewrite), auth headers, and status
// classification; request and response bodies pass through untouched.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routeworks/geminipanel/internal/proxypool"
)

const (
	glEndpoint   = "https://generativelanguage.googleapis.com"
	glAPIVersion = "v1beta"

	gatewayEndpoint = "https://gateway.ai.cloudflare.com/v1"
	gatewayProvider = "google-ai-studio"

	actionGenerate = "generateContent"
	actionStream   = "streamGenerateContent"

	// defaultTimeout bounds non-stream upstream calls. Streams run
	// unbounded and rely on context cancellation.
	defaultTimeout = 300 * time.Second
)

// gatewayPattern is "<32-hex account id>/<gateway name>".
var gatewayPattern = regexp.MustCompile(`^[0-9a-f]{32}/[A-Za-z0-9_-]+$`)

// Result is a successful upstream reply: Parsed for non-stream calls,
// Body for streams. The caller owns closing Body.
type Result struct {
	Parsed []byte
	Body   io.ReadCloser
}

// Dispatcher sends pooled-key requests to the generative-language API.
type Dispatcher struct {
	pool *proxypool.Pool

	// endpoint and gatewayBase exist so tests can point the dispatcher
	// at a local server.
	endpoint    string
	gatewayBase string

	mu      sync.RWMutex
	gateway string
}

// New builds a Dispatcher. gateway optionally rewrites requests through
// an AI gateway; malformed values are ignored with a warning.
func New(pool *proxypool.Pool, gateway string) *Dispatcher {
	d := &Dispatcher{pool: pool, endpoint: glEndpoint, gatewayBase: gatewayEndpoint}
	d.SetGateway(gateway)
	return d
}

// SetGateway swaps the AI-gateway override at runtime. An empty value
// routes directly to the upstream host.
func (d *Dispatcher) SetGateway(gateway string) {
	gateway = strings.TrimSpace(gateway)
	if gateway != "" && !gatewayPattern.MatchString(gateway) {
		log.Warnf("upstream gateway %q is not <32-hex id>/<name>, routing direct", gateway)
		gateway = ""
	}
	d.mu.Lock()
	d.gateway = gateway
	d.mu.Unlock()
}

func (d *Dispatcher) buildURL(model, action string) string {
	d.mu.RLock()
	gateway := d.gateway
	d.mu.RUnlock()
	if gateway != "" {
		return fmt.Sprintf("%s/%s/%s/%s/models/%s:%s", d.gatewayBase, gateway, gatewayProvider, glAPIVersion, model, action)
	}
	return fmt.Sprintf("%s/%s/models/%s:%s", d.endpoint, glAPIVersion, model, action)
}

// Generate posts one translated body using the given pooled key secret.
// Non-2xx replies come back as *StatusError.
func (d *Dispatcher) Generate(ctx context.Context, secret, model string, body []byte, stream bool) (*Result, error) {
	action := actionGenerate
	timeout := defaultTimeout
	if stream {
		action = actionStream
		timeout = 0
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.buildURL(model, action), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", secret)

	return roundTrip(d.pool.Client(timeout), httpReq, stream)
}

// probeBody is the cheapest generation that still exercises the key.
var probeBody = []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"generationConfig":{"maxOutputTokens":1}}`)

// Probe issues a minimal generation call for key testing. It reports the
// raw status and body; a zero status means the call never reached the
// upstream.
func (d *Dispatcher) Probe(ctx context.Context, modelID, secret string) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.buildURL(modelID, actionGenerate), bytes.NewReader(probeBody))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", secret)

	resp, err := d.pool.Client(defaultTimeout).Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// roundTrip runs the request and maps the reply into a Result. Stream
// results hand the live body to the caller; everything else is read in
// full here.
func roundTrip(client *http.Client, req *http.Request, stream bool) (*Result, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(resp.Body)
		log.Debugf("upstream error, status: %d, body: %s", resp.StatusCode, string(b))
		return nil, NewStatusError(resp.StatusCode, b)
	}
	if stream {
		return &Result{Body: resp.Body}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Result{Parsed: data}, nil
}
