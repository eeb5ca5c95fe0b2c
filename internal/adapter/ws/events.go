package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	"github.com/Strob0t/SwarmForge/internal/logger"
	"github.com/Strob0t/SwarmForge/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

// BroadcastEvent sends payload as an event of eventType, tagged with the
// workflow id carried by ctx.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}
	h.Broadcast(ctx, Message{
		Type:       eventType,
		WorkflowID: logger.WorkflowID(ctx),
		Payload:    data,
	})
}

// filter selects the events a client receives. The zero filter accepts all.
type filter struct {
	types      map[string]struct{}
	workflowID string
}

func parseFilter(q url.Values) filter {
	var f filter
	for _, t := range strings.Split(q.Get("types"), ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if f.types == nil {
			f.types = make(map[string]struct{})
		}
		f.types[t] = struct{}{}
	}
	f.workflowID = q.Get("workflow_id")
	return f
}

// match reports whether msg passes f. A workflow filter only passes events
// tagged with that workflow.
func (f filter) match(msg Message) bool {
	if f.types != nil {
		if _, ok := f.types[msg.Type]; !ok {
			return false
		}
	}
	return f.workflowID == "" || f.workflowID == msg.WorkflowID
}
