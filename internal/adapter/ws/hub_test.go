package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/SwarmForge/internal/logger"
	"github.com/Strob0t/SwarmForge/internal/port/broadcast"
)

func serve(t *testing.T, hub *Hub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dial connects a client with the given query and waits until the hub has
// registered it.
func dial(t *testing.T, hub *Hub, base, query string) *websocket.Conn {
	t.Helper()
	before := hub.ConnectionCount()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u := base
	if query != "" {
		u += "?" + query
	}
	c, resp, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = c.CloseNow() })

	waitConns(t, hub, before+1)
	return c
}

func waitConns(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.ConnectionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("connections = %d, want %d", hub.ConnectionCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func read(t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	hub := NewHub()
	if hub.ConnectionCount() != 0 {
		t.Fatalf("connections = %d", hub.ConnectionCount())
	}
	hub.BroadcastEvent(context.Background(), broadcast.EventTaskStatus, map[string]string{"task_id": "t1"})
	// Channels cannot be marshaled; the event is logged and dropped.
	hub.BroadcastEvent(context.Background(), "bad", make(chan int))
}

func TestHubRemoveUnknownConn(t *testing.T) {
	hub := NewHub()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.remove(&conn{cancel: cancel})
}

func TestHubDeliversEvent(t *testing.T) {
	hub := NewHub()
	c := dial(t, hub, serve(t, hub), "")

	ctx := logger.WithWorkflowID(context.Background(), "wf-1")
	hub.BroadcastEvent(ctx, broadcast.EventTaskStatus, map[string]string{"task_id": "t1", "status": "timeout"})

	msg := read(t, c)
	if msg.Type != broadcast.EventTaskStatus || msg.WorkflowID != "wf-1" {
		t.Errorf("envelope = %+v", msg)
	}
	var payload map[string]string
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["task_id"] != "t1" || payload["status"] != "timeout" {
		t.Errorf("payload = %v", payload)
	}
}

func TestHubFilters(t *testing.T) {
	hub := NewHub()
	base := serve(t, hub)
	all := dial(t, hub, base, "")
	workers := dial(t, hub, base, "types="+url.QueryEscape(broadcast.EventWorkerStatus))
	wf2 := dial(t, hub, base, "workflow_id=wf-2&types="+url.QueryEscape(broadcast.EventTaskStatus+","+broadcast.EventWorkflowStatus))

	wf1Ctx := logger.WithWorkflowID(context.Background(), "wf-1")
	wf2Ctx := logger.WithWorkflowID(context.Background(), "wf-2")
	hub.BroadcastEvent(wf1Ctx, broadcast.EventTaskStatus, map[string]int{"n": 1})
	hub.BroadcastEvent(context.Background(), broadcast.EventWorkerStatus, map[string]int{"n": 2})
	hub.BroadcastEvent(wf2Ctx, broadcast.EventWorkflowStatus, map[string]int{"n": 3})

	seq := func(c *websocket.Conn, k int) []string {
		out := make([]string, 0, k)
		for range k {
			msg := read(t, c)
			out = append(out, msg.Type+"/"+msg.WorkflowID)
		}
		return out
	}
	if got := seq(all, 3); strings.Join(got, " ") != "task.status/wf-1 worker.status/ workflow.status/wf-2" {
		t.Errorf("unfiltered client got %v", got)
	}
	if got := seq(workers, 1); got[0] != "worker.status/" {
		t.Errorf("types filter got %v", got)
	}
	if got := seq(wf2, 1); got[0] != "workflow.status/wf-2" {
		t.Errorf("workflow filter got %v", got)
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		query string
		msg   Message
		want  bool
	}{
		{"", Message{Type: "task.status"}, true},
		{"types=task.status", Message{Type: "task.status"}, true},
		{"types=task.status", Message{Type: "worker.status"}, false},
		{"types=+,task.status,", Message{Type: "task.status"}, true},
		{"workflow_id=wf-1", Message{Type: "task.status", WorkflowID: "wf-1"}, true},
		{"workflow_id=wf-1", Message{Type: "worker.status"}, false},
	}
	for _, tt := range tests {
		q, err := url.ParseQuery(tt.query)
		if err != nil {
			t.Fatal(err)
		}
		if got := parseFilter(q).match(tt.msg); got != tt.want {
			t.Errorf("%q match %+v = %v, want %v", tt.query, tt.msg, got, tt.want)
		}
	}
}

func TestHubClientDisconnect(t *testing.T) {
	hub := NewHub()
	c := dial(t, hub, serve(t, hub), "")

	if err := c.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitConns(t, hub, 0)
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	c := dial(t, hub, serve(t, hub), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	readErr := make(chan error, 1)
	go func() {
		_, _, err := c.Read(ctx)
		readErr <- err
	}()

	hub.Close()
	if n := hub.ConnectionCount(); n != 0 {
		t.Fatalf("connections after Close = %d", n)
	}
	if err := <-readErr; websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("read after Close: %v, want going away", err)
	}
}
