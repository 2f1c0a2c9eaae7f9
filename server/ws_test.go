package server

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pabawi/pabawi/execution"
	"github.com/pabawi/pabawi/stream"
)

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvents reads stream events until the server closes the connection.
func readEvents(t *testing.T, conn *websocket.Conn) []stream.Event {
	t.Helper()
	var events []stream.Event
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev stream.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return events
			}
			t.Fatalf("Unexpected read error after %d events: %v", len(events), err)
		}
		events = append(events, ev)
	}
}

// TestExecutionStreamOverWebSocket verifies the full streaming path: a
// client subscribed to an execution sees start, output and the terminal
// event in sequence order, then a clean close.
func TestExecutionStreamOverWebSocket(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 1, MaxQueueSize: 5})

	rec, _ := env.submit(t, `{"kind":"command","target_nodes":["web01"],"payload":{"command":"uptime"}}`)
	env.runner.waitStarted(t, rec.ID)

	conn := dialWS(t, wsURL(env.srv.URL, "/ws/executions/"+rec.ID))

	env.runner.finish(rec.ID, successResult("web01"))

	events := readEvents(t, conn)
	if len(events) != 3 {
		t.Fatalf("Expected 3 events (start, stdout, complete), got %d", len(events))
	}

	wantTypes := []stream.EventType{stream.EventStart, stream.EventStdout, stream.EventComplete}
	for i, ev := range events {
		if ev.Sequence != uint64(i) {
			t.Errorf("Event %d: expected sequence %d, got %d", i, i, ev.Sequence)
		}
		if ev.Type != wantTypes[i] {
			t.Errorf("Event %d: expected %s, got %s", i, wantTypes[i], ev.Type)
		}
		if ev.ExecutionID != rec.ID {
			t.Errorf("Event %d: wrong execution id %s", i, ev.ExecutionID)
		}
	}
}

// TestLateWebSocketSubscriberCatchesUp verifies that a client connecting
// after the execution finished still receives the buffered event history.
func TestLateWebSocketSubscriberCatchesUp(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 1, MaxQueueSize: 5})

	rec, _ := env.submit(t, `{"kind":"command","target_nodes":["web01"],"payload":{"command":"uptime"}}`)
	env.runner.waitStarted(t, rec.ID)
	env.runner.finish(rec.ID, successResult("web01"))

	// Wait for settlement so the terminal event is in the replay buffer
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := env.queue.GetRecord(rec.ID)
		if err == nil && stored.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Execution never settled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn := dialWS(t, wsURL(env.srv.URL, "/ws/executions/"+rec.ID))
	events := readEvents(t, conn)
	if len(events) != 3 {
		t.Fatalf("Expected 3 replayed events, got %d", len(events))
	}
	if events[len(events)-1].Type != stream.EventComplete {
		t.Errorf("Replay should end with the terminal event, got %s", events[len(events)-1].Type)
	}
}

// TestUpdatesSocketBroadcastsRecords verifies that /ws/updates pushes
// record state changes as executions move through the queue.
func TestUpdatesSocketBroadcastsRecords(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 1, MaxQueueSize: 5})

	conn := dialWS(t, wsURL(env.srv.URL, "/ws/updates"))

	rec, _ := env.submit(t, `{"kind":"command","target_nodes":["web01"],"payload":{"command":"uptime"}}`)
	env.runner.waitStarted(t, rec.ID)
	env.runner.finish(rec.ID, successResult("web01"))

	var statuses []execution.Status
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(statuses) < 2 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Read failed after %d updates: %v", len(statuses), err)
		}
		var msg struct {
			Type      string            `json:"type"`
			Execution *execution.Record `json:"execution"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Failed to decode update: %v", err)
		}
		if msg.Type != "execution_update" {
			t.Errorf("Unexpected message type %q", msg.Type)
		}
		if msg.Execution.ID == rec.ID {
			statuses = append(statuses, msg.Execution.Status)
		}
	}

	if statuses[0] != execution.StatusRunning {
		t.Errorf("First update should be running, got %s", statuses[0])
	}
	if statuses[len(statuses)-1] != execution.StatusSuccess {
		t.Errorf("Last update should be success, got %s", statuses[len(statuses)-1])
	}
}

func TestExecutionStreamMissingID(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 1, MaxQueueSize: 5})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.srv.URL, "/ws/executions/"), nil)
	if err == nil {
		t.Fatal("Expected dial to fail for missing execution id")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("Expected 400 handshake response, got %+v", resp)
	}
}
