// Package admin provides the handlers behind /api/admin: worker keys,
// the upstream key pool, the model catalog, quotas, and runtime settings.
// A session layer in front of the gateway owns browser auth; these
// handlers only see the admin bearer token.
package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/routeworks/geminipanel/internal/api/handlers"
	"github.com/routeworks/geminipanel/internal/catalog"
	"github.com/routeworks/geminipanel/internal/keypool"
	"github.com/routeworks/geminipanel/internal/workerkey"
)

// defaultTestModel is probed when a key test names no model.
const defaultTestModel = "gemini-2.0-flash"

// Handler serves the /api/admin routes.
type Handler struct {
	*handlers.Services
}

// NewHandler returns a Handler over the shared service bundle.
func NewHandler(svc *handlers.Services) *Handler {
	return &Handler{Services: svc}
}

// fail maps service errors onto admin responses: unknown ids are 404,
// validation problems 400, a busy bulk guard 409, the rest 500.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, keypool.ErrKeyNotFound), errors.Is(err, workerkey.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, keypool.ErrInvalidKey), errors.Is(err, keypool.ErrDuplicateKey), errors.Is(err, catalog.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, keypool.ErrBusy):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Worker keys

// ListWorkerKeys handles GET /api/admin/worker-keys.
func (h *Handler) ListWorkerKeys(c *gin.Context) {
	keys, err := h.WorkerKeys.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker-keys": keys})
}

// CreateWorkerKey handles POST /api/admin/worker-keys. The secret is
// always generated server-side and returned once here.
func (h *Handler) CreateWorkerKey(c *gin.Context) {
	var body struct {
		Description   string `json:"description"`
		SafetyEnabled *bool  `json:"safetyEnabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	safety := true
	if body.SafetyEnabled != nil {
		safety = *body.SafetyEnabled
	}
	k, err := h.WorkerKeys.Create(c.Request.Context(), body.Description, safety)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, k)
}

// UpdateWorkerKey handles PATCH /api/admin/worker-keys/:secret with
// partial-update semantics; absent fields keep their stored value.
func (h *Handler) UpdateWorkerKey(c *gin.Context) {
	var body struct {
		Description   *string `json:"description"`
		SafetyEnabled *bool   `json:"safetyEnabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	k, err := h.WorkerKeys.Update(c.Request.Context(), c.Param("secret"), body.Description, body.SafetyEnabled)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, k)
}

// DeleteWorkerKey handles DELETE /api/admin/worker-keys/:secret.
func (h *Handler) DeleteWorkerKey(c *gin.Context) {
	if err := h.WorkerKeys.Delete(c.Request.Context(), c.Param("secret")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Upstream (Gemini) keys

// ListGeminiKeys handles GET /api/admin/gemini-keys: every pooled key in
// rotation order with today's usage and the quotas in force.
func (h *Handler) ListGeminiKeys(c *gin.Context) {
	usages, err := h.Keys.ListWithUsage(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": usages})
}

// AddGeminiKey handles POST /api/admin/gemini-keys.
func (h *Handler) AddGeminiKey(c *gin.Context) {
	var body struct {
		Key         string `json:"key"`
		DisplayName string `json:"displayName"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	k, err := h.Keys.Add(c.Request.Context(), body.Key, body.DisplayName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": k.ID, "keyPreview": keypool.Preview(k.Secret)})
}

// AddGeminiKeyBatch handles POST /api/admin/gemini-keys/batch. Individual
// failures are reported per key; the successful subset commits atomically.
func (h *Handler) AddGeminiKeyBatch(c *gin.Context) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Keys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	result, err := h.Keys.AddBatch(c.Request.Context(), body.Keys)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// DeleteGeminiKey handles DELETE /api/admin/gemini-keys/:id.
func (h *Handler) DeleteGeminiKey(c *gin.Context) {
	if err := h.Keys.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DeleteErroredGeminiKeys handles DELETE /api/admin/gemini-keys/errors,
// removing every key whose error flag is set.
func (h *Handler) DeleteErroredGeminiKeys(c *gin.Context) {
	ids, err := h.Keys.DeleteAllWithError(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	h.RefreshErrorGauge(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"deleted": ids})
}

// TestGeminiKey handles POST /api/admin/gemini-keys/:id/test, running one
// minimal generation on the key. The result mutates usage or the error
// flag exactly like live traffic would.
func (h *Handler) TestGeminiKey(c *gin.Context) {
	var body struct {
		Model string `json:"model"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Model == "" {
		body.Model = defaultTestModel
	}
	result, err := h.Keys.Test(c.Request.Context(), h.Upstream, c.Param("id"), body.Model)
	if err != nil {
		fail(c, err)
		return
	}
	h.RefreshErrorGauge(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

// TestAllGeminiKeys handles POST /api/admin/gemini-keys/test-all.
func (h *Handler) TestAllGeminiKeys(c *gin.Context) {
	var body struct {
		Model string `json:"model"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Model == "" {
		body.Model = defaultTestModel
	}
	results, err := h.Keys.TestAll(c.Request.Context(), h.Upstream, body.Model)
	if err != nil {
		fail(c, err)
		return
	}
	h.RefreshErrorGauge(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// ClearGeminiKeyError handles POST /api/admin/gemini-keys/:id/clear-error.
func (h *Handler) ClearGeminiKeyError(c *gin.Context) {
	k, err := h.Keys.ClearError(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	h.RefreshErrorGauge(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"id": k.ID, "errorStatus": k.ErrorStatus})
}

// Model catalog

// ListModels handles GET /api/admin/models.
func (h *Handler) ListModels(c *gin.Context) {
	models, err := h.Catalog.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// UpsertModel handles PUT /api/admin/models.
func (h *Handler) UpsertModel(c *gin.Context) {
	var m catalog.Model
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.Catalog.Upsert(c.Request.Context(), m); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DeleteModel handles DELETE /api/admin/models/:id.
func (h *Handler) DeleteModel(c *gin.Context) {
	if err := h.Catalog.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Quotas and settings

// GetQuotas handles GET /api/admin/quotas.
func (h *Handler) GetQuotas(c *gin.Context) {
	quotas, err := h.Catalog.CategoryQuotas(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, quotas)
}

// PutQuotas handles PUT /api/admin/quotas.
func (h *Handler) PutQuotas(c *gin.Context) {
	var quotas catalog.CategoryQuotas
	if err := c.ShouldBindJSON(&quotas); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.Catalog.SetCategoryQuotas(c.Request.Context(), quotas); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetSettings handles GET /api/admin/settings.
func (h *Handler) GetSettings(c *gin.Context) {
	snapshot, err := h.Settings.Snapshot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// PutSettings handles PUT /api/admin/settings with partial-update
// semantics over the keep-alive, max-retry, and web-search flags.
func (h *Handler) PutSettings(c *gin.Context) {
	var body struct {
		KeepAlive *bool `json:"keepAlive"`
		MaxRetry  *int  `json:"maxRetry"`
		WebSearch *bool `json:"webSearch"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	ctx := c.Request.Context()
	if body.KeepAlive != nil {
		if err := h.Settings.SetKeepAlive(ctx, *body.KeepAlive); err != nil {
			fail(c, err)
			return
		}
	}
	if body.MaxRetry != nil {
		if err := h.Settings.SetMaxRetry(ctx, *body.MaxRetry); err != nil {
			fail(c, err)
			return
		}
	}
	if body.WebSearch != nil {
		if err := h.Settings.SetWebSearch(ctx, *body.WebSearch); err != nil {
			fail(c, err)
			return
		}
	}
	snapshot, err := h.Settings.Snapshot(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetVertexConfig handles GET /api/admin/vertex-config. Credentials never
// leave the server; only the mode and location are reported.
func (h *Handler) GetVertexConfig(c *gin.Context) {
	mode := ""
	switch {
	case h.Config.Vertex.APIKey != "":
		mode = "express"
	case h.Config.Vertex.CredentialsJSON != "":
		mode = "service-account"
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":  h.Vertex.Enabled(),
		"mode":     mode,
		"location": h.Config.Vertex.Location,
	})
}
