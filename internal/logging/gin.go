package logging

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AccessLog writes Gin-style access lines through logrus. Health probes
// are skipped so liveness checks do not flood the log.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if path == "/health" {
			return
		}
		if raw != "" {
			path = path + "?" + raw
		}

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}

		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()
		logLine := fmt.Sprintf("%3d | %13v | %15s | %-7s %q", statusCode, latency, clientIP, method, path)
		if errorMessage != "" {
			logLine = logLine + " | " + errorMessage
		}

		switch {
		case statusCode >= http.StatusInternalServerError:
			log.Error(logLine)
		case statusCode >= http.StatusBadRequest:
			log.Warn(logLine)
		default:
			log.Info(logLine)
		}
	}
}

// Recovery returns a Gin middleware that recovers from panics and logs
// them via logrus before responding 500.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

const dumpBodyLimit = 64 * 1024

// RequestDump logs request and response bodies for completion traffic when
// request logging is enabled. Bodies are truncated to keep log lines
// manageable; streaming responses record only the status line.
func RequestDump(enabled func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if enabled == nil || !enabled() {
			c.Next()
			return
		}

		var reqBody []byte
		if c.Request.Body != nil {
			reqBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, dumpBodyLimit+1))
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(reqBody), c.Request.Body))
		}

		capture := &bodyCapture{ResponseWriter: c.Writer}
		c.Writer = capture

		c.Next()

		log.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}).Debugf("request: %s", truncateForDump(reqBody))
		if !capture.streamed {
			log.WithFields(log.Fields{
				"path":   c.Request.URL.Path,
				"status": c.Writer.Status(),
			}).Debugf("response: %s", truncateForDump(capture.buf.Bytes()))
		}
	}
}

type bodyCapture struct {
	gin.ResponseWriter
	buf      bytes.Buffer
	streamed bool
}

func (w *bodyCapture) Write(data []byte) (int, error) {
	if !w.streamed && w.buf.Len() < dumpBodyLimit {
		w.buf.Write(data)
	}
	return w.ResponseWriter.Write(data)
}

func (w *bodyCapture) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Flush marks the response as streamed; SSE bodies are not captured.
func (w *bodyCapture) Flush() {
	w.streamed = true
	w.buf.Reset()
	w.ResponseWriter.Flush()
}

func truncateForDump(body []byte) string {
	if len(body) > dumpBodyLimit {
		return string(body[:dumpBodyLimit]) + "...(truncated)"
	}
	return string(body)
}
