package docsearch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// TestHelperMCPServer is not a real test: it is the fake MCP server the
// other tests spawn by re-executing the test binary.
func TestHelperMCPServer(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	runFakeMCPServer()
	os.Exit(0)
}

func runFakeMCPServer() {
	out := json.NewEncoder(os.Stdout)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name      string `json:"name"`
				Arguments struct {
					Data struct {
						Query string `json:"query"`
					} `json:"data"`
				} `json:"arguments"`
			} `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		// Unrelated output must be ignored by the client.
		_ = out.Encode(map[string]any{"jsonrpc": "2.0", "method": "notifications/message", "params": map[string]any{"level": "info", "data": "noise"}})

		switch req.Method {
		case "initialize":
			_ = out.Encode(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]string{"name": "fake", "version": "0.0.1"},
			}})
		case "tools/call":
			query := req.Params.Arguments.Data.Query
			switch {
			case query == "crash":
				os.Exit(3)
			case query == "hang":
				time.Sleep(2 * time.Second)
			case req.Params.Name == "broken_tool":
				_ = out.Encode(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]any{
					"content": []map[string]string{{"type": "text", "text": "permission denied"}},
					"isError": true,
				}})
				continue
			}
			items, _ := json.Marshal(map[string]any{"items": []map[string]string{
				{"title": "Guide for " + query, "url": "https://example.feishu.cn/wiki/1", "snippet": "step one"},
				{"title": "Second", "url": "https://example.feishu.cn/wiki/2"},
			}})
			_ = out.Encode(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]any{
				"content": []map[string]string{{"type": "text", "text": string(items)}},
			}})
		default:
			_ = out.Encode(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
		}
	}
}

func helperSearcher(tool string) *MCPSearcher {
	return NewMCPSearcher(MCPSearcherOptions{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperMCPServer$"},
		Env:     map[string]string{"GO_WANT_HELPER_PROCESS": "1"},
		Tool:    tool,
	})
}

func TestMCPSearcherSearch(t *testing.T) {
	s := helperSearcher("")
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	docs, err := s.Search(ctx, "deploy", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(docs) != 1 || docs[0].Title != "Guide for deploy" || docs[0].URL != "https://example.feishu.cn/wiki/1" {
		t.Fatalf("unexpected documents %+v", docs)
	}

	first := s.session
	if _, err := s.Search(ctx, "again", 3); err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if s.session != first {
		t.Fatal("expected the subprocess to be reused")
	}
}

func TestMCPSearcherToolError(t *testing.T) {
	s := helperSearcher("broken_tool")
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.Search(ctx, "x", 3)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) || !strings.Contains(toolErr.Message, "permission denied") {
		t.Fatalf("expected tool error, got %v", err)
	}
	if s.session == nil {
		t.Fatal("a tool error must not drop the session")
	}
}

func TestMCPSearcherRestartsAfterCrash(t *testing.T) {
	s := helperSearcher("")
	defer s.Close()

	crashCtx, cancelCrash := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelCrash()
	if _, err := s.Search(crashCtx, "crash", 3); err == nil {
		t.Fatal("expected an error from the crashed server")
	}
	if s.session != nil {
		t.Fatal("expected the dead session to be dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	docs, err := s.Search(ctx, "recovered", 3)
	if err != nil {
		t.Fatalf("Search after crash: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %+v", docs)
	}
}

func TestMCPSearcherContextTimeout(t *testing.T) {
	s := helperSearcher("")
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.Search(ctx, "warmup", 1); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	if _, err := s.Search(short, "hang", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if s.session != nil {
		t.Fatal("expected the hung session to be dropped")
	}
}

func TestMCPSearcherMissingCommand(t *testing.T) {
	s := NewMCPSearcher(MCPSearcherOptions{Command: "/nonexistent/feishurelay-mcp"})
	if _, err := s.Search(context.Background(), "x", 1); err == nil {
		t.Fatal("expected start error")
	}
	if _, err := NewMCPSearcher(MCPSearcherOptions{}).Search(context.Background(), "x", 1); err == nil {
		t.Fatal("expected error without command")
	}
}

func TestParseDocuments(t *testing.T) {
	docs := parseDocuments(`{"code":0,"data":{"items":[{"name":"N","link":"L","summary":"S"}]}}`)
	if len(docs) != 1 || docs[0] != (Document{Title: "N", URL: "L", Snippet: "S"}) {
		t.Fatalf("unexpected nested parse %+v", docs)
	}
	if docs := parseDocuments(`{"items":[]}`); docs != nil {
		t.Fatalf("expected no documents for empty list, got %+v", docs)
	}
	docs = parseDocuments("plain text result")
	if len(docs) != 1 || docs[0].Snippet != "plain text result" {
		t.Fatalf("expected raw snippet, got %+v", docs)
	}
	if parseDocuments("  ") != nil {
		t.Fatal("expected nil for blank output")
	}
}
