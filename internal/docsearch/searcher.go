package docsearch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// Document is one search hit.
type Document struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher finds documents for a query.
type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]Document, error)
}

// MCPSearcherOptions configures an MCPSearcher.
type MCPSearcherOptions struct {
	Command string
	Args    []string
	Env     map[string]string
	Tool    string
}

// MCPSearcher runs searches through a tool of an MCP server subprocess.
// The subprocess is started on first use. Any failure other than a tool
// error discards it, so the next search starts a fresh one.
type MCPSearcher struct {
	opts MCPSearcherOptions

	mu      sync.Mutex
	session *Session
}

// NewMCPSearcher creates an MCPSearcher.
func NewMCPSearcher(opts MCPSearcherOptions) *MCPSearcher {
	if opts.Tool == "" {
		opts.Tool = "wiki_v1_node_search"
	}
	return &MCPSearcher{opts: opts}
}

func (m *MCPSearcher) ensure(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return m.session, nil
	}
	if strings.TrimSpace(m.opts.Command) == "" {
		return nil, errors.New("docsearch: no MCP command configured")
	}
	s, err := StartSession(ctx, m.opts.Command, m.opts.Args, m.opts.Env)
	if err != nil {
		return nil, err
	}
	slog.Info("docsearch MCP server started", "command", m.opts.Command, "tool", m.opts.Tool)
	m.session = s
	return s, nil
}

// Search calls the configured tool with {query, page_size}.
func (m *MCPSearcher) Search(ctx context.Context, query string, count int) ([]Document, error) {
	s, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	text, err := s.CallTool(ctx, m.opts.Tool, map[string]any{
		"data":   map[string]any{"query": query},
		"params": map[string]any{"page_size": count},
	})
	if err != nil {
		var toolErr *ToolError
		if !errors.As(err, &toolErr) {
			m.discard(s, err)
		}
		return nil, err
	}
	docs := parseDocuments(text)
	if count > 0 && len(docs) > count {
		docs = docs[:count]
	}
	return docs, nil
}

// discard drops s unless a concurrent search already replaced it.
func (m *MCPSearcher) discard(s *Session, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != s {
		return
	}
	slog.Warn("docsearch MCP session dropped", "command", m.opts.Command, "error", cause)
	_ = s.Close()
	m.session = nil
}

// Close stops the subprocess if one is running.
func (m *MCPSearcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}

type rawItem struct {
	Title    string `json:"title"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Link     string `json:"link"`
	Snippet  string `json:"snippet"`
	Summary  string `json:"summary"`
	Content  string `json:"content"`
	ObjToken string `json:"obj_token"`
}

// parseDocuments reads the tool output. Search APIs answer with an item
// list either at the top level or under "data"; anything else is kept as
// a single untitled snippet.
func parseDocuments(text string) []Document {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var shaped struct {
		Items []rawItem `json:"items"`
		Data  struct {
			Items []rawItem `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(text), &shaped); err == nil {
		items := shaped.Items
		if len(items) == 0 {
			items = shaped.Data.Items
		}
		if len(items) > 0 {
			docs := make([]Document, 0, len(items))
			for _, it := range items {
				d := Document{
					Title:   firstNonEmpty(it.Title, it.Name, it.ObjToken),
					URL:     firstNonEmpty(it.URL, it.Link),
					Snippet: firstNonEmpty(it.Snippet, it.Summary, it.Content),
				}
				if d.Title == "" && d.URL == "" && d.Snippet == "" {
					continue
				}
				docs = append(docs, d)
			}
			return docs
		}
		// A well-formed but empty result list.
		if strings.Contains(text, `"items"`) {
			return nil
		}
	}
	return []Document{{Snippet: text}}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
