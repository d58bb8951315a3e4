// Package openai implements the OpenAI-compatible surface: model listing
// and chat completions in streaming, non-streaming, and keep-alive modes.
// Requests are translated to the Gemini schema, dispatched on a pooled key
// (or the Vertex backend for [v] models), and translated back.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/routeworks/geminipanel/internal/api/handlers"
	"github.com/routeworks/geminipanel/internal/metrics"
	"github.com/routeworks/geminipanel/internal/stream"
	"github.com/routeworks/geminipanel/internal/translator"
	"github.com/routeworks/geminipanel/internal/upstream"
)

// errNoCapacity signals that every pooled key is exhausted or flagged.
var errNoCapacity = errors.New("no available key")

// Handler serves the /v1 routes.
type Handler struct {
	*handlers.Services
}

// NewHandler returns a Handler over the shared service bundle.
func NewHandler(svc *handlers.Services) *Handler {
	return &Handler{Services: svc}
}

// Models handles GET /v1/models. The catalog entries are augmented with
// the synthesized decorations: "-search" variants for gemini-2 and later
// when web search is on, ":non-thinking" for the 2.5 flash previews, and
// "[v]"-prefixed ids when the Vertex backend is configured.
func (h *Handler) Models(c *gin.Context) {
	ctx := c.Request.Context()
	models, err := h.Catalog.List(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}
	webSearch, err := h.Settings.WebSearch(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}

	created := time.Now().Unix()
	data := make([]gin.H, 0, len(models)*2)
	add := func(id string) {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  created,
			"owned_by": "google",
		})
	}
	for _, m := range models {
		add(m.ID)
		if webSearch && supportsSearch(m.ID) {
			add(m.ID + translator.SearchSuffix)
		}
		if strings.HasPrefix(m.ID, "gemini-2.5-flash-preview") {
			add(m.ID + translator.NonThinkingSuffix)
		}
	}
	if h.Vertex.Enabled() {
		for _, m := range models {
			add(translator.VertexPrefix + m.ID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// supportsSearch reports whether the model family is recent enough for the
// google_search tool: gemini-2 and later.
func supportsSearch(id string) bool {
	if !strings.HasPrefix(id, "gemini-") {
		return false
	}
	rest := strings.TrimPrefix(id, "gemini-")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	major, err := strconv.Atoi(rest[:end])
	return err == nil && major >= 2
}

// ChatCompletions handles POST /v1/chat/completions. The worker key's
// safety toggle shapes the translation; streaming requests relay upstream
// chunks, and keep-alive mode substitutes heartbeats while a non-stream
// upstream call completes.
func (h *Handler) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err), "invalid_request_error")
		return
	}
	modelID := gjson.GetBytes(rawJSON, "model").String()
	if modelID == "" {
		writeError(c, http.StatusBadRequest, "Missing model", "invalid_request_error")
		return
	}
	model := translator.ParseModelID(modelID)
	if model.Vertex && !h.Vertex.Enabled() {
		writeError(c, http.StatusBadRequest, "Vertex backend is not configured", "invalid_request_error")
		return
	}

	safetyEnabled := true
	if k := handlers.WorkerKeyFrom(c); k != nil {
		safetyEnabled = k.SafetyEnabled
	}
	body := h.Translator.BuildGeminiRequest(rawJSON, model, safetyEnabled)

	if gjson.GetBytes(rawJSON, "stream").Type != gjson.True {
		h.completion(c, model, body)
		return
	}
	if !safetyEnabled {
		keepAlive, errKA := h.Settings.KeepAlive(c.Request.Context())
		if errKA == nil && keepAlive {
			h.keepAliveCompletion(c, model, body)
			return
		}
	}
	h.streamCompletion(c, model, body)
}

func (h *Handler) completion(c *gin.Context, model translator.ModelRequest, body []byte) {
	res, err := h.dispatch(c.Request.Context(), model, body, false)
	if err != nil {
		h.writeDispatchError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", translator.BuildChatCompletion(res.Parsed, model.Display))
}

func (h *Handler) streamCompletion(c *gin.Context, model translator.ModelRequest, body []byte) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "Streaming not supported", "server_error")
		return
	}

	res, err := h.dispatch(c.Request.Context(), model, body, true)
	if err != nil {
		h.writeDispatchError(c, err)
		return
	}
	defer func() { _ = res.Body.Close() }()

	sseHeaders(c)
	session := translator.NewStreamSession(model.Display)
	stream.Relay(c.Request.Context(), c.Writer, flusher, res.Body, session.Chunk)
}

// keepAliveCompletion dispatches in non-stream mode while the client
// receives heartbeat chunks, then delivers the whole completion (or an
// error payload) as the single terminal event.
func (h *Handler) keepAliveCompletion(c *gin.Context, model translator.ModelRequest, body []byte) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "Streaming not supported", "server_error")
		return
	}
	ctx := c.Request.Context()
	session := translator.NewStreamSession(model.Display)

	terminal := make(chan []byte, 1)
	go func() {
		res, err := h.dispatch(ctx, model, body, false)
		if err != nil {
			terminal <- streamErrorPayload(err)
			return
		}
		payload, _ := session.Chunk(res.Parsed)
		terminal <- payload
	}()

	sseHeaders(c)
	stream.KeepAliveRelay(ctx, c.Writer, flusher, session.Heartbeat, terminal)
}

// dispatch routes one translated request to the Vertex backend or the
// pooled-key loop.
func (h *Handler) dispatch(ctx context.Context, model translator.ModelRequest, body []byte, streaming bool) (*upstream.Result, error) {
	if model.Vertex {
		res, err := h.Vertex.Generate(ctx, model.Upstream, body, streaming)
		if err != nil {
			metrics.CountUpstream(model.Upstream, "vertex_error")
			return nil, err
		}
		metrics.CountUpstream(model.Upstream, "success")
		return res, nil
	}
	return h.dispatchPooled(ctx, model, body, streaming)
}

// dispatchPooled runs the retry loop over the key pool: each attempt takes
// the next key from rotation and dispatches. Quota hits feed the 429
// escalation, auth failures flag the key, and both move on to the next
// candidate while the retry budget lasts. Success commits the usage
// increment before returning.
func (h *Handler) dispatchPooled(ctx context.Context, model translator.ModelRequest, body []byte, streaming bool) (*upstream.Result, error) {
	maxRetry, err := h.Settings.MaxRetry(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxRetry; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		sel, errSel := h.Selector.Select(ctx, model.Upstream, true)
		if errSel != nil {
			return nil, errSel
		}
		if sel == nil {
			return nil, errNoCapacity
		}
		metrics.CountSelection(string(sel.Caps.Category))

		res, errGen := h.Upstream.Generate(ctx, sel.Key.Secret, model.Upstream, body, streaming)
		if errGen == nil {
			if errInc := h.Keys.IncrementUsage(ctx, sel.Key.ID, model.Upstream, sel.Caps.Category); errInc != nil {
				log.Warnf("usage increment for key %s failed: %v", sel.Key.ID, errInc)
			}
			metrics.CountUpstream(model.Upstream, "success")
			return res, nil
		}

		lastErr = errGen
		var statusErr *upstream.StatusError
		if !errors.As(errGen, &statusErr) {
			metrics.CountUpstream(model.Upstream, "network_error")
			log.Warnf("upstream dispatch on key %s failed: %v", sel.Key.ID, errGen)
			continue
		}

		metrics.CountUpstream(model.Upstream, string(statusErr.Kind))
		switch statusErr.Kind {
		case upstream.KindQuota:
			if _, errQuota := h.Keys.Handle429(ctx, sel.Key.ID, model.Upstream, sel.Caps); errQuota != nil {
				log.Warnf("429 accounting for key %s failed: %v", sel.Key.ID, errQuota)
			}
		case upstream.KindAuth:
			if errFlag := h.Keys.RecordError(ctx, sel.Key.ID, statusErr.Code); errFlag != nil {
				log.Warnf("error flag for key %s failed: %v", sel.Key.ID, errFlag)
			}
			h.RefreshErrorGauge(ctx)
		default:
			if !statusErr.Retryable() {
				return nil, statusErr
			}
			log.Debugf("upstream status %d on key %s, trying next key", statusErr.Code, sel.Key.ID)
		}
	}
	if lastErr == nil {
		lastErr = errNoCapacity
	}
	return nil, lastErr
}

// writeDispatchError maps a dispatch failure onto the error envelope:
// exhausted capacity becomes 503, upstream statuses pass through with
// their body text.
func (h *Handler) writeDispatchError(c *gin.Context, err error) {
	var statusErr *upstream.StatusError
	switch {
	case errors.Is(err, errNoCapacity):
		writeError(c, http.StatusServiceUnavailable, "No available key", "capacity_error")
	case errors.As(err, &statusErr):
		writeError(c, statusErr.Code, statusErr.Body, errTypeForKind(statusErr.Kind))
	default:
		writeError(c, http.StatusBadGateway, err.Error(), "upstream_error")
	}
}

// streamErrorPayload is the SSE-mode counterpart of writeDispatchError.
func streamErrorPayload(err error) []byte {
	var statusErr *upstream.StatusError
	switch {
	case errors.Is(err, errNoCapacity):
		return translator.BuildStreamError("No available key", "capacity_error")
	case errors.As(err, &statusErr):
		return translator.BuildStreamError(statusErr.Body, errTypeForKind(statusErr.Kind))
	default:
		return translator.BuildStreamError(err.Error(), "upstream_error")
	}
}

func errTypeForKind(kind upstream.ErrorKind) string {
	if kind == upstream.KindBadRequest {
		return "invalid_request_error"
	}
	return "upstream_error"
}

func writeError(c *gin.Context, status int, message, errType string) {
	c.JSON(status, handlers.ErrorResponse{Error: handlers.ErrorDetail{Message: message, Type: errType}})
}

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
}
