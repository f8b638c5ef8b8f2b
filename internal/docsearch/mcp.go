package docsearch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolError is a tool call the server answered with isError set. The
// session stays usable after one.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("mcp tool %s: %s", e.Tool, e.Message)
}

// Session is an initialized connection to an MCP server subprocess.
type Session struct {
	command string
	client  *client.Client
}

// StartSession spawns command and performs the initialize handshake. The
// subprocess outlives ctx; only the handshake is bounded by it.
func StartSession(ctx context.Context, command string, args []string, env map[string]string) (*Session, error) {
	environ := make([]string, 0, len(env))
	for k, v := range env {
		environ = append(environ, k+"="+v)
	}
	c, err := client.NewStdioMCPClient(command, environ, args...)
	if err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", command, err)
	}
	if stderr, ok := client.GetStderr(c); ok {
		go logStderr(command, stderr)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "feishurelay", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}
	return &Session{command: command, client: c}, nil
}

// CallTool invokes a tool and returns its text content blocks joined by newlines.
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp tools/call %s: %w", name, err)
	}
	var parts []string
	for _, block := range res.Content {
		switch c := block.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}
	return text, nil
}

// Close stops the subprocess.
func (s *Session) Close() error {
	return s.client.Close()
}

// lark-mcp reports progress on stderr; an unread pipe would block it.
func logStderr(command string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			slog.Debug("mcp stderr", "command", command, "line", line)
		}
	}
}
