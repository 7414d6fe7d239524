// Package agent is the HTTP transport to capability backends. It
// implements the router's Caller and the registry's Prober against the
// backend agent API: POST /v1/execute for capability calls and
// GET /healthz for probes.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/registry"
	"github.com/fyrsmithlabs/forgeloop/internal/router"
)

// executeRequest is the agent API call body.
type executeRequest struct {
	Capability string `json:"capability"`
	Payload    string `json:"payload"`
}

// executeResponse is the agent API call result.
type executeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Client talks to backend agents over HTTP. Addressing is the
// transport's concern: the registry only knows backend identities.
type Client struct {
	http *http.Client
	urls map[string]string // backend ID -> base URL
}

// NewClient creates a transport for the given backend addresses. The
// http.Client timeout is a safety net; per-call deadlines come from
// the request context.
func NewClient(urls map[string]string, timeout time.Duration) *Client {
	c := make(map[string]string, len(urls))
	for id, u := range urls {
		c[id] = strings.TrimRight(u, "/")
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		urls: c,
	}
}

// Call implements router.Caller.
func (c *Client) Call(ctx context.Context, backend *registry.Backend, req router.Request) (string, error) {
	base, ok := c.urls[backend.ID]
	if !ok {
		return "", fmt.Errorf("no address for backend %s", backend.ID)
	}

	body, err := json.Marshal(executeRequest{Capability: req.Capability, Payload: req.Payload})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", backend.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("backend %s returned %d: %s", backend.ID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response from %s: %w", backend.ID, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("backend %s: %s", backend.ID, out.Error)
	}
	return out.Output, nil
}

// Probe implements registry.Prober.
func (c *Client) Probe(ctx context.Context, backend *registry.Backend) error {
	base, ok := c.urls[backend.ID]
	if !ok {
		return fmt.Errorf("no address for backend %s", backend.ID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("probe %s: %w", backend.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s returned %d", backend.ID, resp.StatusCode)
	}
	return nil
}
