package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTokenServer(t *testing.T, fetches *int32, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultTokenPath {
			http.NotFound(w, r)
			return
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["app_id"] != "cli_app" || in["app_secret"] != "sec" {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 10003, "msg": "invalid app"})
			return
		}
		n := atomic.AddInt32(fetches, 1)
		time.Sleep(delay)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":                0,
			"msg":                 "ok",
			"tenant_access_token": "t-" + string(rune('0'+n)),
			"expire":              7200,
		})
	}))
}

func TestTokenCacheSingleFetchUnderConcurrency(t *testing.T) {
	var fetches int32
	srv := newTokenServer(t, &fetches, 50*time.Millisecond)
	defer srv.Close()

	cache := NewTokenCache(TokenCacheOptions{AppID: "cli_app", AppSecret: "sec", BaseURL: srv.URL})

	const n = 32
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := cache.Get(context.Background())
			tokens[i], errs[i] = cred.Token, err
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Fatalf("expected exactly one upstream fetch, got %d", got)
	}
	for i := range tokens {
		if errs[i] != nil || tokens[i] != "t-1" {
			t.Fatalf("caller %d got token %q err %v", i, tokens[i], errs[i])
		}
	}
	if !cache.Status().Cached {
		t.Fatal("expected status to report a cached token")
	}
}

func TestTokenCacheRefreshesInsideMargin(t *testing.T) {
	var fetches int32
	srv := newTokenServer(t, &fetches, 0)
	defer srv.Close()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cache := NewTokenCache(TokenCacheOptions{
		AppID: "cli_app", AppSecret: "sec", BaseURL: srv.URL,
		Margin: 5 * time.Minute, Now: clock.Now,
	})

	first, err := cache.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := clock.Now().Add(7200 * time.Second); !first.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, first.ExpiresAt)
	}

	clock.Advance(7200*time.Second - 6*time.Minute)
	if cred, _ := cache.Get(context.Background()); cred.Token != first.Token {
		t.Fatalf("expected cached token outside margin, got %q", cred.Token)
	}

	clock.Advance(2 * time.Minute)
	if cache.Status().Cached {
		t.Fatal("token inside margin must be reported absent")
	}
	second, err := cache.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second.Token == first.Token {
		t.Fatal("expected a refreshed token inside the margin")
	}
	if got := atomic.LoadInt32(&fetches); got != 2 {
		t.Fatalf("expected 2 fetches, got %d", got)
	}
}

func TestTokenCacheInvalidate(t *testing.T) {
	var fetches int32
	srv := newTokenServer(t, &fetches, 0)
	defer srv.Close()

	cache := NewTokenCache(TokenCacheOptions{AppID: "cli_app", AppSecret: "sec", BaseURL: srv.URL})
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	cache.Invalidate()
	if cache.Status().Cached {
		t.Fatal("expected empty cache after Invalidate")
	}
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt32(&fetches); got != 2 {
		t.Fatalf("expected refetch after Invalidate, got %d fetches", got)
	}
}

func TestTokenCacheErrors(t *testing.T) {
	var fetches int32
	srv := newTokenServer(t, &fetches, 0)
	defer srv.Close()

	bad := NewTokenCache(TokenCacheOptions{AppID: "cli_app", AppSecret: "wrong", BaseURL: srv.URL})
	_, err := bad.Get(context.Background())
	var fe *CredentialFetchError
	if !errors.As(err, &fe) || fe.Code != 10003 {
		t.Fatalf("expected CredentialFetchError code 10003, got %v", err)
	}

	missing := NewTokenCache(TokenCacheOptions{BaseURL: srv.URL})
	if _, err := missing.Get(context.Background()); !errors.As(err, &fe) {
		t.Fatalf("expected CredentialFetchError for missing credentials, got %v", err)
	}

	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer denied.Close()
	c := NewTokenCache(TokenCacheOptions{AppID: "a", AppSecret: "b", BaseURL: denied.URL})
	if _, err := c.Get(context.Background()); !errors.As(err, &fe) || fe.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 CredentialFetchError, got %v", err)
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"msg":"ok"}`))
	}))
	defer empty.Close()
	c = NewTokenCache(TokenCacheOptions{AppID: "a", AppSecret: "b", BaseURL: empty.URL})
	if _, err := c.Get(context.Background()); !errors.As(err, &fe) {
		t.Fatalf("expected CredentialFetchError for empty token, got %v", err)
	}
}

func TestTokenCacheAppAccessTokenPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v3/app_access_token/internal" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"app_access_token":"a-1"}`))
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	c := NewTokenCache(TokenCacheOptions{
		AppID: "a", AppSecret: "b", BaseURL: srv.URL + "/",
		Path: "auth/v3/app_access_token/internal", Now: clock.Now,
	})
	cred, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cred.Token != "a-1" || !cred.ExpiresAt.Equal(clock.Now().Add(7200*time.Second)) {
		t.Fatalf("unexpected credential %+v", cred)
	}
}
