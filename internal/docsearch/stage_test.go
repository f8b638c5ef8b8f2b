package docsearch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSearcher struct {
	docs  []Document
	err   error
	delay time.Duration
	calls atomic.Int32
	query atomic.Value
}

func (f *fakeSearcher) Search(ctx context.Context, query string, count int) ([]Document, error) {
	f.calls.Add(1)
	f.query.Store(query)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.docs, f.err
}

func TestStageEnrichesTriggeredText(t *testing.T) {
	f := &fakeSearcher{docs: []Document{{Title: "Release process", URL: "https://wiki/1", Snippet: "tag then deploy"}}}
	s := NewStage(StageOptions{Enabled: true, Keywords: []string{"文档", "WIKI"}, Searcher: f})

	got := s.Apply(context.Background(), "帮我查 release 文档")
	if !strings.HasSuffix(got, "\n\n帮我查 release 文档") {
		t.Fatalf("expected original text at the end, got %q", got)
	}
	if !strings.Contains(got, "1. Release process (https://wiki/1)") || !strings.Contains(got, "tag then deploy") {
		t.Fatalf("expected formatted documents, got %q", got)
	}
	if q, _ := f.query.Load().(string); q == "" {
		t.Fatal("expected a query to be sent")
	}

	if got := s.Apply(context.Background(), "see the Wiki page"); got == "see the Wiki page" {
		t.Fatal("expected case-insensitive keyword match")
	}
}

func TestStageReturnsOriginalText(t *testing.T) {
	docs := []Document{{Title: "x"}}
	cases := []struct {
		name  string
		stage *Stage
		text  string
		calls int32
	}{
		{"disabled", NewStage(StageOptions{Enabled: false, Keywords: []string{"wiki"}, Searcher: &fakeSearcher{docs: docs}}), "wiki", 0},
		{"no searcher", NewStage(StageOptions{Enabled: true, Keywords: []string{"wiki"}}), "wiki", 0},
		{"no trigger", NewStage(StageOptions{Enabled: true, Keywords: []string{"wiki"}, Searcher: &fakeSearcher{docs: docs}}), "hello", 0},
		{"search error", NewStage(StageOptions{Enabled: true, Keywords: []string{"wiki"}, Searcher: &fakeSearcher{err: errors.New("boom")}}), "wiki", 1},
		{"no results", NewStage(StageOptions{Enabled: true, Keywords: []string{"wiki"}, Searcher: &fakeSearcher{}}), "wiki", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.stage.Apply(context.Background(), tc.text); got != tc.text {
				t.Fatalf("expected unchanged text, got %q", got)
			}
			if f, ok := tc.stage.searcher.(*fakeSearcher); ok && f.calls.Load() != tc.calls {
				t.Fatalf("expected %d searches, got %d", tc.calls, f.calls.Load())
			}
		})
	}

	var nilStage *Stage
	if nilStage.Apply(context.Background(), "wiki") != "wiki" {
		t.Fatal("nil stage must pass text through")
	}
}

func TestStageTimeoutNeverBlocks(t *testing.T) {
	f := &fakeSearcher{docs: []Document{{Title: "late"}}, delay: 5 * time.Second}
	s := NewStage(StageOptions{Enabled: true, Keywords: []string{"wiki"}, Searcher: f, Timeout: 50 * time.Millisecond})

	start := time.Now()
	got := s.Apply(context.Background(), "wiki please")
	if got != "wiki please" {
		t.Fatalf("expected original text on timeout, got %q", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Apply blocked for %v", elapsed)
	}
}

func TestFormatContextTruncates(t *testing.T) {
	docs := []Document{{Title: "A", Snippet: strings.Repeat("长", 100)}}
	out := FormatContext(docs, 30)
	if r := []rune(out); len(r) != 33 || !strings.HasSuffix(out, "...") {
		t.Fatalf("expected 30 runes plus ellipsis, got %d: %q", len(r), out)
	}
	if !strings.Contains(FormatContext([]Document{{}}, 0), "1. untitled") {
		t.Fatal("expected untitled placeholder")
	}
}

func TestTriggerAndExtractQuery(t *testing.T) {
	tr := NewTrigger([]string{" 文档 ", "", "Wiki"})
	if k, ok := tr.Match("项目文档在哪"); !ok || k != "文档" {
		t.Fatalf("expected 文档 match, got %q %v", k, ok)
	}
	if _, ok := tr.Match("WIKI?"); !ok {
		t.Fatal("expected case-insensitive match")
	}
	if _, ok := tr.Match("hello"); ok {
		t.Fatal("unexpected match")
	}

	cases := map[string]string{
		"帮我部署流程的文档":          "部署流程",
		"搜索 API 规范!":         "api 规范",
		"查一下 release notes？": "release notes",
		"???":                "???",
	}
	for in, want := range cases {
		if got := ExtractQuery(in); got != want {
			t.Errorf("ExtractQuery(%q) = %q, want %q", in, got, want)
		}
	}
}
