package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/routeworks/geminipanel/internal/api/handlers"
	"github.com/routeworks/geminipanel/internal/catalog"
	"github.com/routeworks/geminipanel/internal/civil"
	"github.com/routeworks/geminipanel/internal/config"
	"github.com/routeworks/geminipanel/internal/keypool"
	"github.com/routeworks/geminipanel/internal/store"
	"github.com/routeworks/geminipanel/internal/translator"
	"github.com/routeworks/geminipanel/internal/upstream"
	"github.com/routeworks/geminipanel/internal/workerkey"
)

// fakeProber answers key-test probes with a fixed status and body.
type fakeProber struct {
	status int
	body   string
	err    error
	models []string
}

func (f *fakeProber) Probe(_ context.Context, modelID, _ string) (int, []byte, error) {
	f.models = append(f.models, modelID)
	return f.status, []byte(f.body), f.err
}

func (f *fakeProber) Generate(context.Context, string, string, []byte, bool) (*upstream.Result, error) {
	return nil, errors.New("generate not wired")
}

type disabledVertex struct{}

func (disabledVertex) Enabled() bool { return false }

func (disabledVertex) Generate(context.Context, string, []byte, bool) (*upstream.Result, error) {
	return nil, errors.New("vertex not wired")
}

type fixture struct {
	t      *testing.T
	engine *gin.Engine
	svc    *handlers.Services
	keys   *keypool.Manager
	prober *fakeProber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	loc, err := time.LoadLocation(civil.DefaultZone)
	require.NoError(t, err)
	clock := civil.NewFixedClock(time.Date(2026, 8, 24, 12, 0, 0, 0, loc), civil.DefaultZone)

	cat := catalog.New(st)
	prober := &fakeProber{}
	svc := &handlers.Services{
		Config:     &config.Config{},
		WorkerKeys: workerkey.NewManager(st),
		Keys:       keypool.NewManager(st, clock, cat),
		Selector:   keypool.NewSelector(st, clock, cat),
		Catalog:    cat,
		Settings:   catalog.NewSettings(st, catalog.Defaults{MaxRetry: 3}),
		Translator: translator.New(nil),
		Upstream:   prober,
		Vertex:     disabledVertex{},
	}
	h := NewHandler(svc)

	engine := gin.New()
	engine.GET("/api/admin/worker-keys", h.ListWorkerKeys)
	engine.POST("/api/admin/worker-keys", h.CreateWorkerKey)
	engine.PATCH("/api/admin/worker-keys/:secret", h.UpdateWorkerKey)
	engine.DELETE("/api/admin/worker-keys/:secret", h.DeleteWorkerKey)
	engine.GET("/api/admin/gemini-keys", h.ListGeminiKeys)
	engine.POST("/api/admin/gemini-keys", h.AddGeminiKey)
	engine.POST("/api/admin/gemini-keys/batch", h.AddGeminiKeyBatch)
	engine.DELETE("/api/admin/gemini-keys/errors", h.DeleteErroredGeminiKeys)
	engine.DELETE("/api/admin/gemini-keys/:id", h.DeleteGeminiKey)
	engine.POST("/api/admin/gemini-keys/test-all", h.TestAllGeminiKeys)
	engine.POST("/api/admin/gemini-keys/:id/test", h.TestGeminiKey)
	engine.POST("/api/admin/gemini-keys/:id/clear-error", h.ClearGeminiKeyError)
	engine.GET("/api/admin/models", h.ListModels)
	engine.PUT("/api/admin/models", h.UpsertModel)
	engine.DELETE("/api/admin/models/:id", h.DeleteModel)
	engine.GET("/api/admin/quotas", h.GetQuotas)
	engine.PUT("/api/admin/quotas", h.PutQuotas)
	engine.GET("/api/admin/settings", h.GetSettings)
	engine.PUT("/api/admin/settings", h.PutSettings)
	engine.GET("/api/admin/vertex-config", h.GetVertexConfig)

	return &fixture{t: t, engine: engine, svc: svc, keys: svc.Keys, prober: prober}
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	f.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func testSecret(n int) string {
	return fmt.Sprintf("AIzaSy%033d", n)
}

func TestWorkerKeyLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/admin/worker-keys", `{"description":"ci bot","safetyEnabled":false}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	secret := gjson.Get(rec.Body.String(), "key").String()
	require.True(t, strings.HasPrefix(secret, "sk-"))
	require.False(t, gjson.Get(rec.Body.String(), "safetyEnabled").Bool())

	rec = f.do(http.MethodGet, "/api/admin/worker-keys", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gjson.Get(rec.Body.String(), "worker-keys").Array(), 1)

	rec = f.do(http.MethodPatch, "/api/admin/worker-keys/"+secret, `{"description":"renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "renamed", gjson.Get(rec.Body.String(), "description").String())
	// Partial update: the safety toggle keeps its stored value.
	require.False(t, gjson.Get(rec.Body.String(), "safetyEnabled").Bool())

	rec = f.do(http.MethodPatch, "/api/admin/worker-keys/sk-missing", `{"description":"x"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodDelete, "/api/admin/worker-keys/"+secret, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodDelete, "/api/admin/worker-keys/"+secret, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddGeminiKeyValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/admin/gemini-keys", `{"key":"`+testSecret(1)+`","displayName":"primary"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	preview := gjson.Get(rec.Body.String(), "keyPreview").String()
	require.Contains(t, preview, "…")
	require.NotContains(t, rec.Body.String(), testSecret(1))

	rec = f.do(http.MethodPost, "/api/admin/gemini-keys", `{"key":"`+testSecret(1)+`"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/admin/gemini-keys", `{"key":"not-a-key"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddGeminiKeyBatch(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/admin/gemini-keys/batch",
		`{"keys":["`+testSecret(1)+`","`+testSecret(2)+`","bogus"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, gjson.Get(rec.Body.String(), "successCount").Int())
	require.EqualValues(t, 1, gjson.Get(rec.Body.String(), "failureCount").Int())
	require.Len(t, gjson.Get(rec.Body.String(), "results").Array(), 3)

	rec = f.do(http.MethodPost, "/api/admin/gemini-keys/batch", `{"keys":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListGeminiKeysShowsUsageAndQuotas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.keys.Add(ctx, testSecret(1), "primary")
	require.NoError(t, err)
	require.NoError(t, f.keys.IncrementUsage(ctx, k.ID, "gemini-2.5-pro", catalog.CategoryPro))

	rec := f.do(http.MethodGet, "/api/admin/gemini-keys", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Len(t, gjson.Get(body, "keys").Array(), 1)
	require.Equal(t, k.ID, gjson.Get(body, "keys.0.id").String())
	require.EqualValues(t, 1, gjson.Get(body, "keys.0.modelUsage.gemini-2\\.5-pro").Int())
	require.EqualValues(t, 50, gjson.Get(body, "keys.0.quotas.proQuota").Int())
	require.NotContains(t, body, testSecret(1))
}

func TestDeleteGeminiKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k1, err := f.keys.Add(ctx, testSecret(1), "")
	require.NoError(t, err)
	k2, err := f.keys.Add(ctx, testSecret(2), "")
	require.NoError(t, err)
	require.NoError(t, f.keys.RecordError(ctx, k2.ID, 403))

	rec := f.do(http.MethodDelete, "/api/admin/gemini-keys/"+k1.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodDelete, "/api/admin/gemini-keys/"+k1.ID, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodDelete, "/api/admin/gemini-keys/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	deleted := gjson.Get(rec.Body.String(), "deleted").Array()
	require.Len(t, deleted, 1)
	require.Equal(t, k2.ID, deleted[0].String())
}

func TestKeyTestRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.keys.Add(ctx, testSecret(1), "")
	require.NoError(t, err)

	f.prober.status = http.StatusOK
	f.prober.body = `{"candidates":[]}`
	rec := f.do(http.MethodPost, "/api/admin/gemini-keys/"+k.ID+"/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, gjson.Get(rec.Body.String(), "success").Bool())
	// An empty body probes the default model.
	require.Equal(t, []string{"gemini-2.0-flash"}, f.prober.models)

	fresh, err := f.keys.Get(ctx, k.ID)
	require.NoError(t, err)
	require.Equal(t, 1, fresh.ModelUsage["gemini-2.0-flash"])

	f.prober.status = http.StatusUnauthorized
	f.prober.body = `{"error":{"code":401}}`
	rec = f.do(http.MethodPost, "/api/admin/gemini-keys/"+k.ID+"/test", `{"model":"gemini-2.5-pro"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, gjson.Get(rec.Body.String(), "success").Bool())

	flagged, err := f.keys.Get(ctx, k.ID)
	require.NoError(t, err)
	require.NotNil(t, flagged.ErrorStatus)
	require.Equal(t, http.StatusUnauthorized, *flagged.ErrorStatus)

	rec = f.do(http.MethodPost, "/api/admin/gemini-keys/"+k.ID+"/clear-error", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, gjson.Get(rec.Body.String(), "errorStatus").Value())

	rec = f.do(http.MethodPost, "/api/admin/gemini-keys/missing/test", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTestAllKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.keys.Add(ctx, testSecret(1), "")
	require.NoError(t, err)
	_, err = f.keys.Add(ctx, testSecret(2), "")
	require.NoError(t, err)

	f.prober.status = http.StatusOK
	rec := f.do(http.MethodPost, "/api/admin/gemini-keys/test-all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gjson.Get(rec.Body.String(), "results").Array(), 2)
}

func TestModelCatalogEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/api/admin/models", `{"id":"gemini-2.5-pro","category":"Pro","individualQuota":100}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/admin/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gemini-2.5-pro", gjson.Get(rec.Body.String(), "models.0.id").String())
	require.EqualValues(t, 100, gjson.Get(rec.Body.String(), "models.0.individualQuota").Int())

	rec = f.do(http.MethodPut, "/api/admin/models", `{"id":"","category":"Pro"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPut, "/api/admin/models", `{"id":"x","category":"Mystery"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodDelete, "/api/admin/models/gemini-2.5-pro", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, "/api/admin/models", "")
	require.Empty(t, gjson.Get(rec.Body.String(), "models").Array())
}

func TestQuotaEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/admin/quotas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 50, gjson.Get(rec.Body.String(), "proQuota").Int())
	require.EqualValues(t, 1500, gjson.Get(rec.Body.String(), "flashQuota").Int())

	rec = f.do(http.MethodPut, "/api/admin/quotas", `{"proQuota":80,"flashQuota":2000}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/admin/quotas", "")
	require.EqualValues(t, 80, gjson.Get(rec.Body.String(), "proQuota").Int())
	require.EqualValues(t, 2000, gjson.Get(rec.Body.String(), "flashQuota").Int())
}

func TestSettingsPartialUpdate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/admin/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, gjson.Get(rec.Body.String(), "keepAlive").Bool())
	require.EqualValues(t, 3, gjson.Get(rec.Body.String(), "maxRetry").Int())

	rec = f.do(http.MethodPut, "/api/admin/settings", `{"keepAlive":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, gjson.Get(rec.Body.String(), "keepAlive").Bool())
	require.EqualValues(t, 3, gjson.Get(rec.Body.String(), "maxRetry").Int())

	rec = f.do(http.MethodPut, "/api/admin/settings", `{"maxRetry":5,"webSearch":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 5, gjson.Get(rec.Body.String(), "maxRetry").Int())
	require.True(t, gjson.Get(rec.Body.String(), "webSearch").Bool())
	require.True(t, gjson.Get(rec.Body.String(), "keepAlive").Bool())
}

func TestVertexConfigReport(t *testing.T) {
	f := newFixture(t)
	f.svc.Config.Vertex = config.VertexConfig{APIKey: "vx-secret", Location: "us-central1"}

	rec := f.do(http.MethodGet, "/api/admin/vertex-config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Equal(t, "express", gjson.Get(body, "mode").String())
	require.Equal(t, "us-central1", gjson.Get(body, "location").String())
	// Credentials never appear in the response.
	require.NotContains(t, body, "vx-secret")
	// Enabled reflects the live backend, not the raw config.
	require.False(t, gjson.Get(body, "enabled").Bool())
}
