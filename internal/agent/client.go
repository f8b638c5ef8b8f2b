// Package agent is the HTTP client for the conversational agent that
// produces replies to chat messages.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single Chat call.
const DefaultTimeout = 60 * time.Second

// HistoryMessage is one prior turn of the conversation.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body posted to the agent endpoint.
type Request struct {
	Message string            `json:"message"`
	UserID  string            `json:"user_id"`
	ChatID  string            `json:"chat_id"`
	History []HistoryMessage  `json:"history"`
	Context map[string]string `json:"context"`
}

// TimeoutError reports that the agent did not answer within the deadline.
type TimeoutError struct {
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// UnavailableError reports a transport failure, a non-2xx status or an
// unusable response body.
type UnavailableError struct {
	StatusCode int
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("agent unavailable: status=%d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("agent unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Client posts messages to the agent endpoint.
type Client struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	http     *http.Client
}

// NewClient creates a Client. A zero timeout selects DefaultTimeout.
func NewClient(endpoint, apiKey string, timeout time.Duration, httpClient *http.Client) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		timeout:  timeout,
		http:     httpClient,
	}
}

// Chat sends one message and returns the agent's reply text.
func (c *Client) Chat(ctx context.Context, req Request) (string, error) {
	if c.endpoint == "" {
		return "", &UnavailableError{Err: errors.New("no endpoint configured")}
	}
	if req.History == nil {
		req.History = []HistoryMessage{}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", &UnavailableError{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return "", &UnavailableError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &TimeoutError{After: c.timeout, Err: err}
		}
		return "", &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &TimeoutError{After: c.timeout, Err: err}
		}
		return "", &UnavailableError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UnavailableError{StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	}
	return parseReply(resp.StatusCode, body)
}

func parseReply(status int, body []byte) (string, error) {
	var out struct {
		Reply    string `json:"reply"`
		Response string `json:"response"`
		Answer   string `json:"answer"`
		Status   string `json:"status"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &UnavailableError{StatusCode: status, Err: fmt.Errorf("decode: %w", err)}
	}
	if s := strings.ToLower(strings.TrimSpace(out.Status)); s != "" && s != "success" && s != "ok" {
		msg := out.Error
		if msg == "" {
			msg = "status " + out.Status
		}
		return "", &UnavailableError{StatusCode: status, Err: errors.New(msg)}
	}
	for _, r := range []string{out.Reply, out.Response, out.Answer} {
		if strings.TrimSpace(r) != "" {
			return r, nil
		}
	}
	return "", &UnavailableError{StatusCode: status, Err: errors.New("empty reply")}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
