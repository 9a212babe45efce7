package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

func TestServeStdioRoundTrip(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build API", coordination.PriorityHigh))
	server := NewServer("agent", "1.0.0", AgentToolset(f.deps))

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`this is not json`,
		``,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"register_agent","arguments":{"agent_id":"agent-1","skills":["go"]}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"ping","arguments":{}}}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := ServeStdio(context.Background(), server, strings.NewReader(input), &out); err != nil {
		t.Fatalf("ServeStdio: %v", err)
	}

	var responses []map[string]interface{}
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var decoded map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("response line is not JSON: %q", scanner.Text())
		}
		responses = append(responses, decoded)
	}

	// Parse failure answers, blank line and notification do not.
	if len(responses) != 4 {
		t.Fatalf("got %d responses, want 4", len(responses))
	}

	initResult, _ := responses[0]["result"].(map[string]interface{})
	info, _ := initResult["serverInfo"].(map[string]interface{})
	if info["name"] != "marcus-agent" {
		t.Errorf("serverInfo.name = %v, want marcus-agent", info["name"])
	}

	parseErr, ok := responses[1]["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("no error for garbage line: %v", responses[1])
	}
	if code, _ := parseErr["code"].(float64); int(code) != codeParseError {
		t.Errorf("error.code = %v, want %d", parseErr["code"], codeParseError)
	}

	registerBody := stdioToolBody(t, responses[2])
	if registerBody["success"] != true || registerBody["agent_id"] != "agent-1" {
		t.Errorf("register body = %v", registerBody)
	}

	pingBody := stdioToolBody(t, responses[3])
	if pingBody["success"] != true || pingBody["status"] != "ok" {
		t.Errorf("ping body = %v", pingBody)
	}
}

func TestServeStdioStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	server := NewServer("agent", "", AgentToolset(f.deps))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	input := `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n"
	var out bytes.Buffer
	if err := ServeStdio(ctx, server, strings.NewReader(input), &out); err != context.Canceled {
		t.Fatalf("ServeStdio = %v, want context.Canceled", err)
	}
	if out.Len() != 0 {
		t.Errorf("wrote %q after cancellation", out.String())
	}
}

func stdioToolBody(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("no result: %v", resp)
	}
	return toolBody(t, result)
}
