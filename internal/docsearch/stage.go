// Package docsearch enriches chat messages with the results of a
// document search before they are handed to the agent.
package docsearch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// StageOptions configures a Stage.
type StageOptions struct {
	Enabled  bool
	Keywords []string
	Searcher Searcher
	Count    int
	Timeout  time.Duration
	MaxChars int
}

// Stage is the optional enrichment step of the relay pipeline.
type Stage struct {
	enabled  bool
	trigger  Trigger
	searcher Searcher
	count    int
	timeout  time.Duration
	maxChars int
}

// NewStage creates a Stage. A stage without a searcher is disabled.
func NewStage(opts StageOptions) *Stage {
	if opts.Count <= 0 {
		opts.Count = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Stage{
		enabled:  opts.Enabled && opts.Searcher != nil,
		trigger:  NewTrigger(opts.Keywords),
		searcher: opts.Searcher,
		count:    opts.Count,
		timeout:  opts.Timeout,
		maxChars: opts.MaxChars,
	}
}

// Enabled reports whether the stage can ever change a message.
func (s *Stage) Enabled() bool {
	return s != nil && s.enabled
}

// Apply returns text with a block of search results prepended, or text
// unchanged when the stage is disabled, nothing triggers, the search fails
// or finds nothing.
func (s *Stage) Apply(ctx context.Context, text string) string {
	if !s.Enabled() || strings.TrimSpace(text) == "" {
		return text
	}
	keyword, ok := s.trigger.Match(text)
	if !ok {
		return text
	}
	query := ExtractQuery(text)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		docs []Document
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		docs, err := s.searcher.Search(ctx, query, s.count)
		ch <- result{docs, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil {
		slog.Warn("docsearch failed, using original text", "keyword", keyword, "error", res.err)
		return text
	}
	if len(res.docs) == 0 {
		slog.Debug("docsearch found nothing", "query", query)
		return text
	}
	slog.Info("docsearch enriched message", "keyword", keyword, "documents", len(res.docs))
	return FormatContext(res.docs, s.maxChars) + "\n\n" + text
}

// FormatContext renders documents as a context block for the agent. A
// positive maxChars caps the block length.
func FormatContext(docs []Document, maxChars int) string {
	var b strings.Builder
	b.WriteString("[Reference documents]\n")
	for i, d := range docs {
		title := d.Title
		if title == "" {
			title = "untitled"
		}
		fmt.Fprintf(&b, "%d. %s", i+1, title)
		if d.URL != "" {
			fmt.Fprintf(&b, " (%s)", d.URL)
		}
		b.WriteString("\n")
		if d.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", strings.ReplaceAll(strings.TrimSpace(d.Snippet), "\n", "\n   "))
		}
	}
	b.WriteString("[Answer the question below using the documents above where relevant]")
	out := b.String()
	if maxChars > 0 {
		if r := []rune(out); len(r) > maxChars {
			out = string(r[:maxChars]) + "..."
		}
	}
	return out
}
