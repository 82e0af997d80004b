// Package comfy submits generation graphs to a ComfyUI server.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"yesterday/internal/core"
)

// DefaultBaseURL is where a local ComfyUI listens out of the box.
const DefaultBaseURL = "http://localhost:8188"

type promptRequest struct {
	Prompt   core.Graph `json:"prompt"`
	ClientID string     `json:"client_id"`
}

type promptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors,omitempty"`
}

// Client queues prompts over the server's REST API.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
}

// NewClient builds a client for baseURL. A zero timeout leaves the request
// unbounded, matching the server's own queueing behaviour.
func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:  baseURL,
		clientID: uuid.NewString(),
		http:     &http.Client{Timeout: timeout},
	}
}

// ClientID identifies this process to the server.
func (c *Client) ClientID() string {
	return c.clientID
}

// Submit queues graph and returns the server's prompt id.
func (c *Client) Submit(ctx context.Context, graph core.Graph) (string, error) {
	payload, err := json.Marshal(promptRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("failed to queue prompt: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var out promptResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("prompt response has no prompt_id")
	}
	return out.PromptID, nil
}
