package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
)

func startHub(t *testing.T, f *fixture) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.srv.wsHub.Run(ctx)
	f.srv.bridge.Run(ctx)
}

func dialWS(t *testing.T, f *fixture, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.base, "http") + "/api/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrameEvents reads one WebSocket frame and decodes every
// newline-separated event inside it. The write pump batches queued
// messages into a single frame.
func readFrameEvents(t *testing.T, conn *websocket.Conn) []WSEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var out []WSEvent
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var evt WSEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, evt)
	}
	return out
}

// waitForEvent reads frames until an event of the wanted type shows up.
func waitForEvent(t *testing.T, conn *websocket.Conn, eventType string) WSEvent {
	t.Helper()
	for i := 0; i < 20; i++ {
		for _, evt := range readFrameEvents(t, conn) {
			if evt.Type == eventType {
				return evt
			}
		}
	}
	t.Fatalf("no %q event after 20 frames", eventType)
	return WSEvent{}
}

func TestWebSocketStreamsInitialState(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build API", coordination.PriorityHigh))
	startHub(t, f)

	conn := dialWS(t, f, testKey)

	evt := waitForEvent(t, conn, "initial_state")
	data, ok := evt.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("initial_state data = %T", evt.Data)
	}
	if data["tasks_total"] != float64(1) {
		t.Errorf("tasks_total = %v, want 1", data["tasks_total"])
	}
	if data["version"] != "1.0.0" {
		t.Errorf("version = %v", data["version"])
	}
	if _, ok := data["lease_statistics"]; !ok {
		t.Errorf("initial_state missing lease_statistics: %v", data)
	}
	if id, _ := data["connection_id"].(string); id == "" {
		t.Errorf("initial_state missing connection_id: %v", data)
	}
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	startHub(t, f)

	url := "ws" + strings.TrimPrefix(f.base, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v, want 401", resp)
	}
	resp.Body.Close()
}

func TestEventBridgeForwardsDomainEvents(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build API", coordination.PriorityHigh))
	startHub(t, f)

	conn := dialWS(t, f, testKey)
	waitForEvent(t, conn, "initial_state")

	f.bus.Publish(domain.NewEvent(domain.EventTaskAssigned, "t1", map[string]interface{}{
		"agent_id": "dev-1",
	}))

	evt := waitForEvent(t, conn, string(domain.EventTaskAssigned))
	data, ok := evt.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("event data = %T", evt.Data)
	}
	if data["source"] != "t1" {
		t.Errorf("source = %v, want t1", data["source"])
	}
	payload, _ := data["data"].(map[string]interface{})
	if payload["agent_id"] != "dev-1" {
		t.Errorf("payload agent_id = %v", payload["agent_id"])
	}
}

func TestEngineActionsReachTheStream(t *testing.T) {
	f := newFixture(t, todoTask("t1", "Build API", coordination.PriorityHigh))
	startHub(t, f)

	conn := dialWS(t, f, testKey)
	waitForEvent(t, conn, "initial_state")

	if _, err := f.engine.RegisterAgent("dev-1", "Dev", "backend", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	evt := waitForEvent(t, conn, string(domain.EventAgentRegistered))
	data, _ := evt.Data.(map[string]interface{})
	if data["source"] != "dev-1" {
		t.Errorf("source = %v, want dev-1", data["source"])
	}
}
