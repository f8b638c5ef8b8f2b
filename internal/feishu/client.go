package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Platform codes meaning the bearer token was rejected.
var invalidTokenCodes = map[int]bool{
	99991661: true,
	99991663: true,
	99991664: true,
	99991668: true,
}

// TokenSource supplies bearer credentials to the Client.
type TokenSource interface {
	Get(ctx context.Context) (AccessCredential, error)
	Invalidate()
}

// SendError reports a failed IM API call.
type SendError struct {
	Op         string
	StatusCode int
	Code       int
	Msg        string
	Err        error
}

func (e *SendError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "feishu %s failed", e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, ": code=%d %s", e.Code, e.Msg)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *SendError) Unwrap() error { return e.Err }

// HistoryMessage is one prior text message in a chat.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client calls the Feishu IM API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewClient creates a Client rooted at baseURL.
func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: base, http: httpClient, tokens: tokens}
}

func textContent(text string) string {
	b, _ := json.Marshal(map[string]string{"text": text})
	return string(b)
}

// SendText posts a text message to a chat. A non-empty dedupeKey is passed
// as the platform idempotency key.
func (c *Client) SendText(ctx context.Context, chatID, text, dedupeKey string) error {
	if strings.TrimSpace(chatID) == "" {
		return &SendError{Op: "send", Err: errors.New("missing chat_id")}
	}
	body := map[string]string{
		"receive_id": chatID,
		"msg_type":   "text",
		"content":    textContent(text),
	}
	if dedupeKey != "" {
		body["uuid"] = dedupeKey
	}
	_, err := c.do(ctx, "send", http.MethodPost, "/im/v1/messages?receive_id_type=chat_id", body)
	return err
}

// ReplyText posts a text reply to a message, threading it under the original.
func (c *Client) ReplyText(ctx context.Context, messageID, text string) error {
	if strings.TrimSpace(messageID) == "" {
		return &SendError{Op: "reply", Err: errors.New("missing message_id")}
	}
	body := map[string]string{
		"msg_type": "text",
		"content":  textContent(text),
	}
	_, err := c.do(ctx, "reply", http.MethodPost, "/im/v1/messages/"+url.PathEscape(messageID)+"/reply", body)
	return err
}

// ChatHistory returns up to limit recent text messages of a chat, oldest first.
func (c *Client) ChatHistory(ctx context.Context, chatID string, limit int) ([]HistoryMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > 50 {
		limit = 50
	}
	q := url.Values{}
	q.Set("container_id_type", "chat")
	q.Set("container_id", chatID)
	q.Set("sort_type", "ByCreateTimeDesc")
	q.Set("page_size", strconv.Itoa(limit))
	data, err := c.do(ctx, "history", http.MethodGet, "/im/v1/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		Items []struct {
			MsgType string `json:"msg_type"`
			Deleted bool   `json:"deleted"`
			Sender  struct {
				SenderType string `json:"sender_type"`
			} `json:"sender"`
			Body struct {
				Content string `json:"content"`
			} `json:"body"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, &SendError{Op: "history", Err: fmt.Errorf("decode: %w", err)}
	}
	out := make([]HistoryMessage, 0, len(page.Items))
	for i := len(page.Items) - 1; i >= 0; i-- {
		item := page.Items[i]
		if item.MsgType != "text" || item.Deleted {
			continue
		}
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(item.Body.Content), &content); err != nil {
			continue
		}
		text := strings.TrimSpace(mentionPlaceholder.ReplaceAllString(content.Text, ""))
		if text == "" {
			continue
		}
		role := "user"
		if item.Sender.SenderType == "app" {
			role = "assistant"
		}
		out = append(out, HistoryMessage{Role: role, Content: text})
	}
	return out, nil
}

// do performs an authenticated call and returns the "data" member of the
// response envelope.
func (c *Client) do(ctx context.Context, op, method, path string, payload any) (json.RawMessage, error) {
	if c.tokens == nil {
		return nil, &SendError{Op: op, Err: errors.New("no token source")}
	}
	cred, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, &SendError{Op: op, Err: err}
	}

	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, &SendError{Op: op, Err: err}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &SendError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &SendError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	var env struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	decodeErr := json.Unmarshal(raw, &env)
	if invalidTokenCodes[env.Code] {
		c.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &SendError{Op: op, StatusCode: resp.StatusCode, Code: env.Code, Msg: env.Msg,
			Err: errors.New(truncate(string(raw), 200))}
	}
	if decodeErr != nil {
		return nil, &SendError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", decodeErr)}
	}
	if env.Code != 0 {
		return nil, &SendError{Op: op, StatusCode: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	return env.Data, nil
}
