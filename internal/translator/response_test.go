package translator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestBuildChatCompletionText(t *testing.T) {
	gemini := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [{"text": "Hello "}, {"text": "world"}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3, "totalTokenCount": 10}
	}`)

	out := BuildChatCompletion(gemini, "[v]gemini-2.5-pro-search")
	body := gjson.ParseBytes(out)

	require.True(t, strings.HasPrefix(body.Get("id").String(), "chatcmpl-"))
	require.Equal(t, "chat.completion", body.Get("object").String())
	require.Equal(t, "[v]gemini-2.5-pro-search", body.Get("model").String())
	require.Greater(t, body.Get("created").Int(), int64(0))
	require.True(t, body.Get("system_fingerprint").Exists())
	require.Equal(t, gjson.Null, body.Get("system_fingerprint").Type)

	choice := body.Get("choices.0")
	require.Equal(t, "assistant", choice.Get("message.role").String())
	require.Equal(t, "Hello world", choice.Get("message.content").String())
	require.Equal(t, "stop", choice.Get("finish_reason").String())

	require.EqualValues(t, 7, body.Get("usage.prompt_tokens").Int())
	require.EqualValues(t, 3, body.Get("usage.completion_tokens").Int())
	require.EqualValues(t, 10, body.Get("usage.total_tokens").Int())
}

func TestBuildChatCompletionComputesMissingTotal(t *testing.T) {
	gemini := []byte(`{
		"candidates": [{"content": {"parts": [{"text": "x"}]}, "finishReason": "MAX_TOKENS"}],
		"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 8}
	}`)

	out := BuildChatCompletion(gemini, "gemini-2.5-flash")
	body := gjson.ParseBytes(out)
	require.Equal(t, "length", body.Get("choices.0.finish_reason").String())
	require.EqualValues(t, 20, body.Get("usage.total_tokens").Int())
}

func TestBuildChatCompletionToolCalls(t *testing.T) {
	gemini := []byte(`{
		"candidates": [{
			"content": {"parts": [
				{"functionCall": {"name": "get_weather", "args": {"location": "SF", "unit": "c"}}}
			]},
			"finishReason": "STOP"
		}]
	}`)

	out := BuildChatCompletion(gemini, "gemini-2.5-pro")
	body := gjson.ParseBytes(out)
	choice := body.Get("choices.0")

	require.Equal(t, "tool_calls", choice.Get("finish_reason").String(), "tool calls override the mapped finish reason")
	require.Equal(t, gjson.Null, choice.Get("message.content").Type)

	tc := choice.Get("message.tool_calls.0")
	require.True(t, strings.HasPrefix(tc.Get("id").String(), "call_"))
	require.Equal(t, "function", tc.Get("type").String())
	require.Equal(t, "get_weather", tc.Get("function.name").String())

	args := tc.Get("function.arguments").String()
	require.True(t, json.Valid([]byte(args)), "arguments must be a JSON-encoded string")
	require.Equal(t, "SF", gjson.Get(args, "location").String())
	require.Equal(t, "c", gjson.Get(args, "unit").String())
}

func TestBuildChatCompletionBlockedPrompt(t *testing.T) {
	gemini := []byte(`{"promptFeedback": {"blockReason": "PROHIBITED_CONTENT"}}`)

	out := BuildChatCompletion(gemini, "gemini-2.5-pro")
	body := gjson.ParseBytes(out)
	choice := body.Get("choices.0")

	require.Equal(t, "content_filter", choice.Get("finish_reason").String())
	require.Contains(t, choice.Get("message.content").String(), "PROHIBITED_CONTENT")
}

func TestBuildChatCompletionUnknownFinishStaysNull(t *testing.T) {
	gemini := []byte(`{"candidates": [{"content": {"parts": [{"text": "x"}]}, "finishReason": "OTHER"}]}`)
	out := BuildChatCompletion(gemini, "gemini-2.5-pro")
	finish := gjson.GetBytes(out, "choices.0.finish_reason")
	require.True(t, finish.Exists())
	require.Equal(t, gjson.Null, finish.Type)
}

func TestMapFinishReason(t *testing.T) {
	require.Equal(t, "stop", mapFinishReason("STOP"))
	require.Equal(t, "length", mapFinishReason("MAX_TOKENS"))
	require.Equal(t, "content_filter", mapFinishReason("SAFETY"))
	require.Equal(t, "content_filter", mapFinishReason("RECITATION"))
	require.Equal(t, "tool_calls", mapFinishReason("FUNCTION_CALL"))
	require.Equal(t, "", mapFinishReason("SOMETHING_NEW"))
}
