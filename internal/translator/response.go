package translator

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// NewCompletionID mints an OpenAI-style completion id.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// mapFinishReason translates an upstream finish reason; empty means the
// reason is unknown and the field should stay null.
func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "TOOL_CALL", "FUNCTION_CALL":
		return "tool_calls"
	default:
		return ""
	}
}

// BuildChatCompletion converts a full Gemini generateContent response into
// an OpenAI chat.completion envelope. The model field echoes the id the
// client asked for, decorations included.
func BuildChatCompletion(geminiRaw []byte, displayModel string) []byte {
	out := []byte(`{"id":"","object":"chat.completion","created":0,"model":"","choices":[],"system_fingerprint":null}`)
	out, _ = sjson.SetBytes(out, "id", NewCompletionID())
	out, _ = sjson.SetBytes(out, "created", time.Now().Unix())
	out, _ = sjson.SetBytes(out, "model", displayModel)

	root := gjson.ParseBytes(geminiRaw)
	candidate := root.Get("candidates.0")

	choice := []byte(`{"index":0,"message":{"role":"assistant","content":null},"logprobs":null,"finish_reason":null}`)

	if !candidate.Exists() {
		// An empty response with a block reason still yields one choice so
		// clients see why nothing came back.
		if block := root.Get("promptFeedback.blockReason"); block.Exists() {
			choice, _ = sjson.SetBytes(choice, "message.content", "Content blocked by upstream: "+block.String())
			choice, _ = sjson.SetBytes(choice, "finish_reason", "content_filter")
		}
		out, _ = sjson.SetRawBytes(out, "choices.-1", choice)
		return setUsage(out, root)
	}

	texts, toolCalls := collectParts(candidate.Get("content.parts"))
	if len(texts) > 0 {
		choice, _ = sjson.SetBytes(choice, "message.content", strings.Join(texts, ""))
	}
	for i, tc := range toolCalls {
		choice, _ = sjson.SetRawBytes(choice, "message.tool_calls."+strconv.Itoa(i), tc)
	}

	finish := mapFinishReason(candidate.Get("finishReason").String())
	if len(toolCalls) > 0 && finish != "tool_calls" {
		finish = "tool_calls"
	}
	if finish != "" {
		choice, _ = sjson.SetBytes(choice, "finish_reason", finish)
	}

	out, _ = sjson.SetRawBytes(out, "choices.-1", choice)
	return setUsage(out, root)
}

// collectParts walks candidate content parts into delta-ready pieces:
// raw text fragments and fully-built OpenAI tool_call objects.
func collectParts(parts gjson.Result) (texts []string, toolCalls [][]byte) {
	parts.ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			texts = append(texts, text.String())
		}
		if call := part.Get("functionCall"); call.Exists() {
			tc := []byte(`{"id":"","type":"function","function":{"name":"","arguments":"{}"}}`)
			tc, _ = sjson.SetBytes(tc, "id", newToolCallID())
			tc, _ = sjson.SetBytes(tc, "function.name", call.Get("name").String())
			if args := call.Get("args"); args.Exists() {
				tc, _ = sjson.SetBytes(tc, "function.arguments", args.Raw)
			}
			toolCalls = append(toolCalls, tc)
		}
		return true
	})
	return texts, toolCalls
}

func setUsage(out []byte, root gjson.Result) []byte {
	meta := root.Get("usageMetadata")
	if !meta.Exists() {
		return out
	}
	prompt := meta.Get("promptTokenCount").Int()
	completion := meta.Get("candidatesTokenCount").Int()
	total := meta.Get("totalTokenCount").Int()
	if total == 0 {
		total = prompt + completion
	}
	out, _ = sjson.SetBytes(out, "usage.prompt_tokens", prompt)
	out, _ = sjson.SetBytes(out, "usage.completion_tokens", completion)
	out, _ = sjson.SetBytes(out, "usage.total_tokens", total)
	return out
}
