package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/marcus-ai/marcus/pkg/logger"
)

// stdio lines can carry whole artifact files; allow a few megabytes.
const maxLineBytes = 8 * 1024 * 1024

// ServeStdio runs the endpoint over line-delimited JSON: one request per
// line on in, one response per line on out. Logging goes through the
// structured logger (stderr) so out stays protocol-clean. Returns when in
// reaches EOF or the context is cancelled between requests.
func ServeStdio(ctx context.Context, s *Server, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(out)

	logger.InfoCF("mcp", "Stdio transport ready", map[string]interface{}{
		"endpoint": s.Endpoint(),
		"tools":    len(s.tools),
	})

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			bad := &Response{
				JSONRPC: jsonrpcVersion,
				Error:   &RPCError{Code: codeParseError, Message: "parse error: " + err.Error()},
			}
			if err := enc.Encode(bad); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			continue
		}

		resp := s.Handle(ctx, &req)
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	logger.InfoC("mcp", "Stdio transport closed")
	return nil
}
