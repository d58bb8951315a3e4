package translator

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Translator builds Gemini request bodies from OpenAI chat requests. It
// carries the HTTP client used to inline remote images.
type Translator struct {
	imageClient *http.Client
}

// New returns a Translator. A nil client gets the default 10-second
// image-download timeout.
func New(imageClient *http.Client) *Translator {
	if imageClient == nil {
		imageClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Translator{imageClient: imageClient}
}

// safetyOff disables every moderation category the API knows about.
var safetyOff = []byte(`[
	{"category":"HARM_CATEGORY_HARASSMENT","threshold":"BLOCK_NONE"},
	{"category":"HARM_CATEGORY_HATE_SPEECH","threshold":"BLOCK_NONE"},
	{"category":"HARM_CATEGORY_SEXUALLY_EXPLICIT","threshold":"BLOCK_NONE"},
	{"category":"HARM_CATEGORY_DANGEROUS_CONTENT","threshold":"BLOCK_NONE"},
	{"category":"HARM_CATEGORY_CIVIC_INTEGRITY","threshold":"BLOCK_NONE"}
]`)

// BuildGeminiRequest converts an OpenAI chat-completions request (raw
// JSON) into a complete Gemini generateContent body. System messages
// become a systemInstruction unless safety is disabled or the model is a
// Gemma variant, which both demote them to plain user turns.
func (t *Translator) BuildGeminiRequest(rawJSON []byte, model ModelRequest, safetyEnabled bool) []byte {
	out := []byte(`{"contents":[]}`)
	root := gjson.ParseBytes(rawJSON)

	systemAsUser := !safetyEnabled || model.Gemma()

	// First pass: map assistant tool-call ids to function names so tool
	// results can name their functionResponse.
	callNames := map[string]string{}
	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		if m.Get("role").String() != "assistant" {
			return true
		}
		m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			id := tc.Get("id").String()
			name := tc.Get("function.name").String()
			if id != "" && name != "" {
				callNames[id] = name
			}
			return true
		})
		return true
	})

	var systemTexts []string
	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		content := m.Get("content")

		switch role {
		case "system":
			text := plainText(content)
			if systemAsUser {
				node := []byte(`{"role":"user","parts":[]}`)
				node, _ = sjson.SetBytes(node, "parts.0.text", text)
				out, _ = sjson.SetRawBytes(out, "contents.-1", node)
			} else {
				systemTexts = append(systemTexts, text)
			}
		case "user":
			node := t.userTurn(content)
			out, _ = sjson.SetRawBytes(out, "contents.-1", node)
		case "assistant":
			node, hasParts := assistantTurn(m, content)
			if hasParts {
				out, _ = sjson.SetRawBytes(out, "contents.-1", node)
			}
		case "tool":
			node := toolTurn(m, callNames)
			out, _ = sjson.SetRawBytes(out, "contents.-1", node)
		}
		return true
	})

	if len(systemTexts) > 0 {
		out, _ = sjson.SetBytes(out, "systemInstruction.role", "user")
		out, _ = sjson.SetBytes(out, "systemInstruction.parts.0.text", strings.Join(systemTexts, "\n\n"))
	}

	out = setGenerationConfig(out, root, model)
	out = setTools(out, root, model)
	out = setToolConfig(out, root)

	if !safetyEnabled {
		out, _ = sjson.SetRawBytes(out, "safetySettings", safetyOff)
	}
	return out
}

// userTurn builds one user content node from string or multi-part content.
func (t *Translator) userTurn(content gjson.Result) []byte {
	node := []byte(`{"role":"user","parts":[]}`)
	if content.Type == gjson.String {
		node, _ = sjson.SetBytes(node, "parts.0.text", content.String())
		return node
	}
	if !content.IsArray() {
		node, _ = sjson.SetBytes(node, "parts.0.text", "")
		return node
	}

	p := 0
	content.ForEach(func(_, item gjson.Result) bool {
		prefix := fmt.Sprintf("parts.%d", p)
		switch item.Get("type").String() {
		case "text":
			node, _ = sjson.SetBytes(node, prefix+".text", item.Get("text").String())
		case "image_url":
			node = t.imagePart(node, prefix, item.Get("image_url.url").String())
		default:
			log.Warnf("unsupported content part type %q, emitting placeholder", item.Get("type").String())
			node, _ = sjson.SetBytes(node, prefix+".text", "[unsupported content part]")
		}
		p++
		return true
	})
	if p == 0 {
		node, _ = sjson.SetBytes(node, "parts.0.text", "")
	}
	return node
}

// imagePart attaches one image to a content node: data URIs inline
// directly, gs:// URIs pass by reference, and remote URLs are downloaded
// and inlined. Failures degrade to a text placeholder.
func (t *Translator) imagePart(node []byte, prefix, url string) []byte {
	switch {
	case strings.HasPrefix(url, "data:"):
		meta, data, found := strings.Cut(url[len("data:"):], ",")
		mime := strings.TrimSuffix(meta, ";base64")
		if !found || mime == "" {
			log.Warnf("malformed data URI in image part, emitting placeholder")
			node, _ = sjson.SetBytes(node, prefix+".text", "[invalid image data]")
			return node
		}
		node, _ = sjson.SetBytes(node, prefix+".inlineData.mimeType", mime)
		node, _ = sjson.SetBytes(node, prefix+".inlineData.data", data)
	case strings.HasPrefix(url, "gs://"):
		node, _ = sjson.SetBytes(node, prefix+".fileData.mimeType", mimeFromPath(url))
		node, _ = sjson.SetBytes(node, prefix+".fileData.fileUri", url)
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		mime, data, err := t.downloadImage(url)
		if err != nil {
			log.Warnf("image download failed for %s: %v", url, err)
			node, _ = sjson.SetBytes(node, prefix+".text", "[image download failed]")
			return node
		}
		node, _ = sjson.SetBytes(node, prefix+".inlineData.mimeType", mime)
		node, _ = sjson.SetBytes(node, prefix+".inlineData.data", data)
	default:
		log.Warnf("unsupported image URL scheme in %q, emitting placeholder", url)
		node, _ = sjson.SetBytes(node, prefix+".text", "[unsupported image URL]")
	}
	return node
}

func (t *Translator) downloadImage(url string) (mime, base64Data string, err error) {
	resp, err := t.imageClient.Get(url)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	mime = resp.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = mimeFromPath(url)
	}
	if idx := strings.IndexByte(mime, ';'); idx > 0 {
		mime = mime[:idx]
	}
	return mime, base64.StdEncoding.EncodeToString(raw), nil
}

// assistantTurn builds one model content node carrying text and/or
// functionCall parts. Reports false when the message yields no parts.
func assistantTurn(m, content gjson.Result) ([]byte, bool) {
	node := []byte(`{"role":"model","parts":[]}`)
	p := 0

	if content.Type == gjson.String && content.String() != "" {
		node, _ = sjson.SetBytes(node, fmt.Sprintf("parts.%d.text", p), content.String())
		p++
	} else if content.IsArray() {
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" {
				node, _ = sjson.SetBytes(node, fmt.Sprintf("parts.%d.text", p), item.Get("text").String())
				p++
			}
			return true
		})
	}

	m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if tc.Get("type").String() != "function" && tc.Get("type").Exists() {
			return true
		}
		prefix := fmt.Sprintf("parts.%d.functionCall", p)
		node, _ = sjson.SetBytes(node, prefix+".name", tc.Get("function.name").String())
		args := tc.Get("function.arguments").String()
		if gjson.Valid(args) {
			node, _ = sjson.SetRawBytes(node, prefix+".args", []byte(args))
		} else {
			log.Warnf("tool call %s carries unparsable arguments, sending empty object", tc.Get("id").String())
			node, _ = sjson.SetRawBytes(node, prefix+".args", []byte(`{}`))
		}
		p++
		return true
	})

	return node, p > 0
}

// toolTurn converts a tool-result message into a function turn with one
// functionResponse part. JSON object results pass through; everything
// else is wrapped so the upstream always receives an object.
func toolTurn(m gjson.Result, callNames map[string]string) []byte {
	callID := m.Get("tool_call_id").String()
	name := callNames[callID]
	if name == "" {
		name = m.Get("name").String()
	}
	if name == "" {
		name = callID
	}

	node := []byte(`{"role":"function","parts":[]}`)
	node, _ = sjson.SetBytes(node, "parts.0.functionResponse.name", name)

	raw := plainText(m.Get("content"))
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
		node, _ = sjson.SetRawBytes(node, "parts.0.functionResponse.response", []byte(trimmed))
	} else {
		node, _ = sjson.SetBytes(node, "parts.0.functionResponse.response.result", raw)
	}
	return node
}

func setGenerationConfig(out []byte, root gjson.Result, model ModelRequest) []byte {
	if v := root.Get("temperature"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, "generationConfig.temperature", v.Num)
	}
	if v := root.Get("top_p"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, "generationConfig.topP", v.Num)
	}
	if v := root.Get("top_k"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, "generationConfig.topK", v.Int())
	}
	if v := root.Get("max_tokens"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, "generationConfig.maxOutputTokens", v.Int())
	}
	if v := root.Get("stop"); v.Exists() {
		if v.Type == gjson.String {
			out, _ = sjson.SetBytes(out, "generationConfig.stopSequences", []string{v.String()})
		} else if v.IsArray() {
			var stops []string
			v.ForEach(func(_, s gjson.Result) bool {
				stops = append(stops, s.String())
				return true
			})
			if len(stops) > 0 {
				out, _ = sjson.SetBytes(out, "generationConfig.stopSequences", stops)
			}
		}
	}
	if model.NonThinking {
		out, _ = sjson.SetBytes(out, "generationConfig.thinkingConfig.thinkingBudget", 0)
	}
	return out
}

func setTools(out []byte, root gjson.Result, model ModelRequest) []byte {
	var declarations [][]byte
	root.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("type").String() != "function" {
			return true
		}
		fn := tool.Get("function")
		if !fn.Exists() {
			return true
		}
		decl := []byte(`{}`)
		decl, _ = sjson.SetBytes(decl, "name", fn.Get("name").String())
		if desc := fn.Get("description"); desc.Exists() {
			decl, _ = sjson.SetBytes(decl, "description", desc.String())
		}
		if params := fn.Get("parameters"); params.Exists() {
			cleaned, _ := sjson.Delete(params.Raw, "$schema")
			decl, _ = sjson.SetRawBytes(decl, "parameters", []byte(cleaned))
		}
		declarations = append(declarations, decl)
		return true
	})

	if len(declarations) == 0 && !model.Search {
		return out
	}
	out, _ = sjson.SetRawBytes(out, "tools", []byte(`[]`))
	if len(declarations) > 0 {
		group := []byte(`{"functionDeclarations":[]}`)
		for _, decl := range declarations {
			group, _ = sjson.SetRawBytes(group, "functionDeclarations.-1", decl)
		}
		out, _ = sjson.SetRawBytes(out, "tools.-1", group)
	}
	if model.Search {
		out, _ = sjson.SetRawBytes(out, "tools.-1", []byte(`{"google_search":{}}`))
	}
	return out
}

func setToolConfig(out []byte, root gjson.Result) []byte {
	choice := root.Get("tool_choice")
	if !choice.Exists() {
		return out
	}
	const modePath = "toolConfig.functionCallingConfig.mode"
	switch {
	case choice.Type == gjson.String && choice.String() == "none":
		out, _ = sjson.SetBytes(out, modePath, "NONE")
	case choice.Type == gjson.String && choice.String() == "auto":
		out, _ = sjson.SetBytes(out, modePath, "AUTO")
	case choice.Type == gjson.String && choice.String() == "required":
		out, _ = sjson.SetBytes(out, modePath, "ANY")
	case choice.IsObject():
		name := choice.Get("function.name").String()
		out, _ = sjson.SetBytes(out, modePath, "ANY")
		if name != "" {
			out, _ = sjson.SetBytes(out, "toolConfig.functionCallingConfig.allowedFunctionNames", []string{name})
		}
	case choice.Type == gjson.String && choice.String() != "":
		// Bare function name, seen from some clients.
		out, _ = sjson.SetBytes(out, modePath, "ANY")
		out, _ = sjson.SetBytes(out, "toolConfig.functionCallingConfig.allowedFunctionNames", []string{choice.String()})
	}
	return out
}

// plainText flattens string-or-parts message content into one string.
func plainText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var texts []string
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" {
				texts = append(texts, item.Get("text").String())
			}
			return true
		})
		return strings.Join(texts, "\n")
	}
	if content.IsObject() {
		if text := content.Get("text"); text.Exists() {
			return text.String()
		}
		return content.Raw
	}
	if content.Exists() && content.Type != gjson.Null {
		return content.Raw
	}
	return ""
}

var imageMimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".bmp":  "image/bmp",
	".pdf":  "application/pdf",
}

func mimeFromPath(url string) string {
	ext := strings.ToLower(path.Ext(url))
	if mime, ok := imageMimeTypes[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}
