// Package translator converts between the OpenAI chat-completions schema
// and the Gemini generative schema: requests, full responses, and
// streaming chunks. All JSON construction uses sjson and lookups use
// gjson; nothing here performs network I/O except remote image fetches.
package translator

import "strings"

// Model id decorations understood by the gateway.
const (
	// VertexPrefix routes a model through the Vertex backend.
	VertexPrefix = "[v]"
	// SearchSuffix requests grounding with the google_search tool.
	SearchSuffix = "-search"
	// NonThinkingSuffix disables thinking for preview models that default
	// to it.
	NonThinkingSuffix = ":non-thinking"
)

// ModelRequest is a client-facing model id split into the bare upstream
// id plus the decorations that change dispatch behavior.
type ModelRequest struct {
	// Display is the id exactly as the client sent it; it is echoed back
	// in responses.
	Display string
	// Upstream is the bare model id sent to the backend.
	Upstream string
	// Vertex routes through the alternate backend.
	Vertex bool
	// Search attaches the google_search tool.
	Search bool
	// NonThinking zeroes the thinking budget.
	NonThinking bool
}

// ParseModelID splits an incoming model id into its upstream id and
// decorations. Quota accounting and catalog lookups use the bare id.
func ParseModelID(id string) ModelRequest {
	m := ModelRequest{Display: id}
	rest := id
	if strings.HasPrefix(rest, VertexPrefix) {
		m.Vertex = true
		rest = strings.TrimPrefix(rest, VertexPrefix)
	}
	if strings.HasSuffix(rest, NonThinkingSuffix) {
		m.NonThinking = true
		rest = strings.TrimSuffix(rest, NonThinkingSuffix)
	}
	if strings.HasSuffix(rest, SearchSuffix) {
		m.Search = true
		rest = strings.TrimSuffix(rest, SearchSuffix)
	}
	m.Upstream = rest
	return m
}

// Gemma reports whether the upstream model is a Gemma variant, which does
// not accept a first-class system instruction.
func (m ModelRequest) Gemma() bool {
	return strings.HasPrefix(strings.ToLower(m.Upstream), "gemma")
}
