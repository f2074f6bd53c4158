// Package client is the tab-side HTTP client for the router service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lessonpipe/lessonpipe/internal/message"
	"github.com/lessonpipe/lessonpipe/internal/role"
)

// Client talks to the router's loopback HTTP surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the router at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SendResult mirrors the router's /send_message response.
type SendResult struct {
	OK        bool   `json:"ok"`
	Expanded  bool   `json:"expanded"`
	Dropped   bool   `json:"dropped"`
	SegmentID string `json:"segment_id"`
	FlowRunID string `json:"flow_run_id"`
}

// SendMessage posts one message for to.
func (c *Client) SendMessage(ctx context.Context, from, to role.Role, msg message.Message) (*SendResult, error) {
	var out SendResult
	err := c.postJSON(ctx, "/send_message", map[string]any{
		"from":    from,
		"to":      to,
		"message": msg,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessages drains the queue for r. An empty slice means no pending mail.
func (c *Client) GetMessages(ctx context.Context, r role.Role) ([]message.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.baseURL+"/get_messages/"+string(r), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get_messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get_messages %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Messages []message.Envelope `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("parse get_messages response: %w", err)
	}
	return result.Messages, nil
}

// LogEvent appends one entry to the router's durable event log. Best
// effort on the caller side; the returned error is informational.
func (c *Client) LogEvent(ctx context.Context, source string, entry map[string]any, level string) error {
	return c.postJSON(ctx, "/log_event", map[string]any{
		"source": source,
		"entry":  entry,
		"level":  level,
	}, nil)
}

// UpdateStatus mirrors a tab's status on the router (legacy path).
func (c *Client) UpdateStatus(ctx context.Context, tab string, status any) error {
	return c.postJSON(ctx, "/update_status", map[string]any{
		"tab":    tab,
		"status": status,
	}, nil)
}

// InjectStudentText pushes text through the student-response path as if
// the STT tab had transcribed it.
func (c *Client) InjectStudentText(ctx context.Context, text, flowRunID, injectedBy string) (*SendResult, error) {
	var out SendResult
	err := c.postJSON(ctx, "/inject/student_text", map[string]any{
		"text":        text,
		"flow_run_id": flowRunID,
		"injected_by": injectedBy,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PipelineStatus fetches the router's status snapshot.
func (c *Client) PipelineStatus(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/pipeline_status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline_status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("pipeline_status %d: %s", resp.StatusCode, string(body))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse pipeline_status response: %w", err)
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s %d: %s", path, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("parse %s response: %w", path, err)
		}
	}
	return nil
}
