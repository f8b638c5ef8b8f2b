package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultAPIBase is the Feishu open platform API root.
	DefaultAPIBase = "https://open.feishu.cn/open-apis"
	// DefaultTokenPath issues a tenant access token for an internal app.
	DefaultTokenPath = "/auth/v3/tenant_access_token/internal"
	// DefaultTokenMargin is how long before expiry a token is treated as absent.
	DefaultTokenMargin = 5 * time.Minute

	defaultTokenTTL = 7200 * time.Second
)

// AccessCredential is a bearer token and the instant it stops working.
type AccessCredential struct {
	Token     string
	ExpiresAt time.Time
}

func (c AccessCredential) usable(now time.Time, margin time.Duration) bool {
	return c.Token != "" && c.ExpiresAt.Sub(now) > margin
}

// CredentialFetchError reports a failed token issuance.
type CredentialFetchError struct {
	StatusCode int
	Code       int
	Err        error
}

func (e *CredentialFetchError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("feishu token fetch failed: code=%d: %v", e.Code, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("feishu token fetch failed: status=%d: %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("feishu token fetch failed: %v", e.Err)
	}
}

func (e *CredentialFetchError) Unwrap() error { return e.Err }

// TokenCacheOptions configures a TokenCache.
type TokenCacheOptions struct {
	AppID      string
	AppSecret  string
	BaseURL    string
	Path       string
	Margin     time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

// TokenCache owns the single tenant access token of the process.
// Concurrent callers that find the cache empty share one upstream fetch.
type TokenCache struct {
	appID     string
	appSecret string
	endpoint  string
	margin    time.Duration
	client    *http.Client
	now       func() time.Time

	refreshMu sync.Mutex
	mu        sync.RWMutex
	cred      AccessCredential
}

// TokenStatus is a snapshot of the cache for health reporting.
type TokenStatus struct {
	Cached    bool      `json:"cached"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewTokenCache creates a TokenCache.
func NewTokenCache(opts TokenCacheOptions) *TokenCache {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = DefaultTokenPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	margin := opts.Margin
	if margin <= 0 {
		margin = DefaultTokenMargin
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TokenCache{
		appID:     strings.TrimSpace(opts.AppID),
		appSecret: strings.TrimSpace(opts.AppSecret),
		endpoint:  base + path,
		margin:    margin,
		client:    client,
		now:       now,
	}
}

// Get returns a credential that stays valid for longer than the margin,
// fetching a new one when needed.
func (c *TokenCache) Get(ctx context.Context) (AccessCredential, error) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	if cred.usable(c.now(), c.margin) {
		return cred, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	c.mu.RLock()
	cred = c.cred
	c.mu.RUnlock()
	if cred.usable(c.now(), c.margin) {
		return cred, nil
	}

	fresh, err := c.fetch(ctx)
	if err != nil {
		return AccessCredential{}, err
	}
	c.mu.Lock()
	c.cred = fresh
	c.mu.Unlock()
	slog.Debug("feishu token refreshed", "expires_at", fresh.ExpiresAt.Format(time.RFC3339))
	return fresh, nil
}

// Invalidate drops the cached credential so the next Get fetches a new one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.cred = AccessCredential{}
	c.mu.Unlock()
}

// Status reports whether a usable token is cached.
func (c *TokenCache) Status() TokenStatus {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	if !cred.usable(c.now(), c.margin) {
		return TokenStatus{}
	}
	return TokenStatus{Cached: true, ExpiresAt: cred.ExpiresAt}
}

func (c *TokenCache) fetch(ctx context.Context) (AccessCredential, error) {
	if c.appID == "" || c.appSecret == "" {
		return AccessCredential{}, &CredentialFetchError{Err: errors.New("missing app credentials")}
	}
	payload, _ := json.Marshal(map[string]string{"app_id": c.appID, "app_secret": c.appSecret})

	var cred AccessCredential
	err := withRetry(ctx, 2, 300*time.Millisecond, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return false, &CredentialFetchError{Err: err}
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		resp, err := c.client.Do(req)
		if err != nil {
			return ctx.Err() == nil, &CredentialFetchError{Err: err}
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode >= 500, &CredentialFetchError{
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("unexpected response: %s", truncate(string(body), 200)),
			}
		}
		var out struct {
			Code              int    `json:"code"`
			Msg               string `json:"msg"`
			TenantAccessToken string `json:"tenant_access_token"`
			AppAccessToken    string `json:"app_access_token"`
			Expire            int    `json:"expire"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return false, &CredentialFetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
		}
		if out.Code != 0 {
			return false, &CredentialFetchError{StatusCode: resp.StatusCode, Code: out.Code, Err: errors.New(out.Msg)}
		}
		token := firstNonEmpty(out.TenantAccessToken, out.AppAccessToken)
		if token == "" {
			return false, &CredentialFetchError{StatusCode: resp.StatusCode, Err: errors.New("response missing access token")}
		}
		ttl := time.Duration(out.Expire) * time.Second
		if ttl <= 0 {
			ttl = defaultTokenTTL
		}
		cred = AccessCredential{Token: token, ExpiresAt: c.now().Add(ttl)}
		return false, nil
	})
	return cred, err
}

// withRetry calls fn until it succeeds, reports a non-retryable error, or
// attempts run out. Delays double after each attempt.
func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() (retryable bool, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(baseDelay * time.Duration(1<<i)):
		}
	}
	return lastErr
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
