package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/routeworks/geminipanel/internal/translator"
)

// keepAliveInterval is the heartbeat period in keep-alive mode.
var keepAliveInterval = 5 * time.Second

const readWindow = 32 * 1024

// Translate maps one upstream JSON object to one SSE payload. terminal
// reports that the stream must close after this payload.
type Translate func(object []byte) (payload []byte, terminal bool)

// Relay pumps the upstream body through the splitter and translate into
// SSE events, then terminates the stream with exactly one [DONE]. Read
// errors emit an error payload unless the client is already gone; a
// single undecodable object is logged and skipped.
func Relay(ctx context.Context, w io.Writer, flusher http.Flusher, body io.Reader, translate Translate) {
	defer writeDone(w, flusher)

	splitter := &Splitter{}
	window := make([]byte, readWindow)
	for {
		n, err := body.Read(window)
		if n > 0 {
			for _, obj := range splitter.Feed(window[:n]) {
				if emit(w, flusher, obj, translate) {
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				if ctx.Err() != nil {
					return
				}
				log.Warnf("upstream stream read aborted: %v", err)
				writeEvent(w, flusher, translator.BuildStreamError("stream read error: "+err.Error(), "upstream_error"))
				return
			}
			if obj := splitter.Flush(); obj != nil {
				emit(w, flusher, obj, translate)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func emit(w io.Writer, flusher http.Flusher, obj []byte, translate Translate) bool {
	if !gjson.ValidBytes(obj) {
		log.Warnf("skipping undecodable stream object (%d bytes)", len(obj))
		return false
	}
	payload, terminal := translate(obj)
	if len(payload) == 0 {
		return terminal
	}
	writeEvent(w, flusher, payload)
	return terminal
}

// KeepAliveRelay heartbeats an SSE stream while a non-stream upstream
// call runs in the background. The terminal channel delivers the single
// closing payload (full-content chunk or error object); the first
// terminal event or client disconnect stops the heartbeats.
func KeepAliveRelay(ctx context.Context, w io.Writer, flusher http.Flusher, heartbeat func() []byte, terminal <-chan []byte) {
	defer writeDone(w, flusher)

	writeEvent(w, flusher, heartbeat())
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeEvent(w, flusher, heartbeat())
		case payload := <-terminal:
			if len(payload) > 0 {
				writeEvent(w, flusher, payload)
			}
			return
		}
	}
}

func writeEvent(w io.Writer, flusher http.Flusher, payload []byte) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

func writeDone(w io.Writer, flusher http.Flusher) {
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}
