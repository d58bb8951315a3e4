package translator

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StreamSession converts successive upstream stream objects into OpenAI
// chat.completion.chunk payloads. The id and created stamp stay constant
// across the stream and the assistant role is emitted once, on the first
// chunk.
type StreamSession struct {
	id       string
	model    string
	created  int64
	sentRole bool
}

// NewStreamSession starts a chunk series for one client stream.
func NewStreamSession(displayModel string) *StreamSession {
	return &StreamSession{
		id:      NewCompletionID(),
		model:   displayModel,
		created: time.Now().Unix(),
	}
}

func (s *StreamSession) base() []byte {
	out := []byte(`{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`)
	out, _ = sjson.SetBytes(out, "id", s.id)
	out, _ = sjson.SetBytes(out, "created", s.created)
	out, _ = sjson.SetBytes(out, "model", s.model)
	return out
}

// Chunk maps one upstream object to one chunk payload. The second return
// is true when the object carried a terminal signal (finish reason or a
// prompt block), meaning the stream should close after this payload.
func (s *StreamSession) Chunk(geminiRaw []byte) ([]byte, bool) {
	root := gjson.ParseBytes(geminiRaw)
	candidate := root.Get("candidates.0")

	if !candidate.Exists() {
		if block := root.Get("promptFeedback.blockReason"); block.Exists() {
			return BuildStreamError("Content blocked by upstream: "+block.String(), "content_filter"), true
		}
		// Nothing usable in this object; keep the stream alive.
		return s.Heartbeat(), false
	}

	out := s.base()
	deltaPath := "choices.0.delta"

	if !s.sentRole {
		out, _ = sjson.SetBytes(out, deltaPath+".role", "assistant")
		s.sentRole = true
	}

	texts, toolCalls := collectParts(candidate.Get("content.parts"))
	if len(texts) > 0 {
		out, _ = sjson.SetBytes(out, deltaPath+".content", strings.Join(texts, ""))
	}
	for i, tc := range toolCalls {
		tc, _ = sjson.SetBytes(tc, "index", i)
		out, _ = sjson.SetRawBytes(out, deltaPath+".tool_calls."+strconv.Itoa(i), tc)
	}

	finish := mapFinishReason(candidate.Get("finishReason").String())
	if len(toolCalls) > 0 && finish != "tool_calls" && candidate.Get("finishReason").Exists() {
		finish = "tool_calls"
	}
	if finish != "" {
		out, _ = sjson.SetBytes(out, "choices.0.finish_reason", finish)
		return out, true
	}
	return out, false
}

// Heartbeat is an empty-delta chunk used by keep-alive mode.
func (s *StreamSession) Heartbeat() []byte {
	return s.base()
}

// BuildStreamError renders the error payload emitted inside an SSE stream
// before the terminator.
func BuildStreamError(message, errType string) []byte {
	out := []byte(`{"error":{"message":"","type":""}}`)
	out, _ = sjson.SetBytes(out, "error.message", message)
	out, _ = sjson.SetBytes(out, "error.type", errType)
	return out
}
