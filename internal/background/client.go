// Package background implements the HTTP client for the "/bg" command
// family: handing prompts to an out-of-process background-session
// service that runs them unattended and reports progress via the
// notification Subscriber, plus the list/stop/history/last management
// calls against the same service.
package background

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/qqacp/bridge/internal/common/logger"
)

const requestTimeout = 30 * time.Second

// notifyFrontend identifies this bridge in the session's notification
// routing; the service publishes completion events back under it.
const notifyFrontend = "ncat"

// StatusError carries a non-2xx response code so callers can
// distinguish "no such session" (404) from "session is running" (409).
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("background session service returned status %d", e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the service (prompting a
// session that is currently running).
func IsConflict(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusConflict
}

// SessionInfo is one entry of the service's session listing.
type SessionInfo struct {
	Name           string  `json:"name"`
	Status         string  `json:"status"` // "running" or "waiting"
	InitialPrompt  string  `json:"initial_prompt"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Message is one transcript entry of a background session.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type createRequest struct {
	Prompt         string `json:"prompt"`
	NotifyFrontend string `json:"notify_frontend"`
	NotifyChat     string `json:"notify_chat"`
	Name           string `json:"name,omitempty"`
}

type createResponse struct {
	Name string `json:"name"`
}

type listResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type historyResponse struct {
	Messages []Message `json:"messages"`
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

// Client talks to the background-session service's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// NewClient builds a Client bound to baseURL.
func NewClient(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		log:     log.With(zap.String("component", "background_client")),
	}
}

// CreateSession asks the service to run prompt unattended on behalf of
// chatID, returning the session's assigned name. name requests a
// specific session name; empty lets the service pick one. Either way
// the server deduplicates and the returned name is authoritative.
// Progress and completion are reported asynchronously through the
// notification Subscriber, not through this call's response.
func (c *Client) CreateSession(ctx context.Context, chatID string, prompt string, name string) (string, error) {
	var out createResponse
	err := c.do(ctx, http.MethodPost, "/sessions", createRequest{
		Prompt:         prompt,
		NotifyFrontend: notifyFrontend,
		NotifyChat:     chatID,
		Name:           name,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Name, nil
}

// ListSessions returns every background session, in the service's
// order. Index-addressed subcommands ("/bg stop i 2") resolve against
// this order.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// SendPrompt hands a follow-up prompt to the named session. A 409
// means the session is busy running its previous prompt.
func (c *Client) SendPrompt(ctx context.Context, name string, prompt string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(name)+"/prompt", promptRequest{Prompt: prompt}, nil)
}

// DeleteSession stops and removes the named session.
func (c *Client) DeleteSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(name), nil, nil)
}

// GetHistory returns the named session's transcript.
func (c *Client) GetHistory(ctx context.Context, name string) ([]Message, error) {
	var out historyResponse
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(name)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// GetLast returns the named session's most recent agent message, or
// nil when the session has produced no agent output yet.
func (c *Client) GetLast(ctx context.Context, name string) (*Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions/"+url.PathEscape(name)+"/last", nil)
	if err != nil {
		return nil, fmt.Errorf("build background session request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("background session request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var out Message
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode background session response: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal background session request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build background session request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("background session request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode background session response: %w", err)
	}
	return nil
}
