package logging

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestRequestDumpRestoresRequestBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	var seen string
	router.Use(RequestDump(func() bool { return true }))
	router.POST("/echo", func(c *gin.Context) {
		body, err := c.GetRawData()
		require.NoError(t, err)
		seen = string(body)
		c.String(http.StatusOK, "ok")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"model":"gemini-2.5-pro"}`))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"model":"gemini-2.5-pro"}`, seen)
}

func TestRequestDumpDisabledPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestDump(func() bool { return false }))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pong", rec.Body.String())
}

func TestTruncateForDump(t *testing.T) {
	long := strings.Repeat("a", dumpBodyLimit+10)
	got := truncateForDump([]byte(long))
	require.True(t, strings.HasSuffix(got, "...(truncated)"))
	require.Len(t, got, dumpBodyLimit+len("...(truncated)"))
}
