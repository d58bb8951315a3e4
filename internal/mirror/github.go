package mirror

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/routeworks/geminipanel/internal/config"
)

// apiBase is a var so tests can point the client at a local server.
var apiBase = "https://api.github.com"

var (
	errNotFound = errors.New("remote file not found")
	errConflict = errors.New("remote file changed, sha mismatch")
)

// githubClient speaks the repository-contents API: one GET to read the
// mirrored file and its blob sha, one PUT to replace it.
type githubClient struct {
	http    *http.Client
	project string
	branch  string
	token   string
}

func newGithubClient(cfg config.MirrorConfig) *githubClient {
	return &githubClient{
		http:    &http.Client{Timeout: 60 * time.Second},
		project: cfg.Project,
		branch:  cfg.Branch,
		token:   cfg.Token,
	}
}

func (g *githubClient) contentsURL(path string) string {
	u := fmt.Sprintf("%s/repos/%s/contents/%s", apiBase, g.project, path)
	if g.branch != "" {
		u += "?ref=" + g.branch
	}
	return u
}

// getFile returns the decoded file content and its blob sha.
func (g *githubClient) getFile(ctx context.Context, path string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.contentsURL(path), nil)
	if err != nil {
		return nil, "", err
	}
	g.setHeaders(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("contents fetch failed with status %d: %s", resp.StatusCode, raw)
	}

	body := gjson.ParseBytes(raw)
	// The API wraps base64 at 60 columns.
	encoded := strings.ReplaceAll(body.Get("content").String(), "\n", "")
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode remote content: %w", err)
	}
	return content, body.Get("sha").String(), nil
}

// putFile uploads content, replacing the blob identified by sha when sha
// is non-empty. Returns the new blob sha.
func (g *githubClient) putFile(ctx context.Context, path string, content []byte, sha string) (string, error) {
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "message", "sync "+path)
	payload, _ = sjson.SetBytes(payload, "content", base64.StdEncoding.EncodeToString(content))
	if g.branch != "" {
		payload, _ = sjson.SetBytes(payload, "branch", g.branch)
	}
	if sha != "" {
		payload, _ = sjson.SetBytes(payload, "sha", sha)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.contentsURL(path), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	g.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	// 409 is a branch-level conflict; 422 is the missing/stale sha case.
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity {
		return "", errConflict
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("contents upload failed with status %d: %s", resp.StatusCode, raw)
	}
	return gjson.GetBytes(raw, "content.sha").String(), nil
}

func (g *githubClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
}
