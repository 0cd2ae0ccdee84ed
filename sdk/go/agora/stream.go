package agora

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"
)

// Event is one debate event from the live stream. ID is the event's
// sequence number; pass it as lastEventID to resume a dropped stream
// without missing or repeating events. Type is the event kind, e.g.
// "turn.started", "turn.token_delta", "round.completed",
// "lifecycle.resync".
type Event struct {
	ID   string
	Type string
	Data json.RawMessage
}

// EventHandler receives each streamed event in order.
type EventHandler func(Event)

// StreamEvents subscribes to a debate's live event stream and invokes
// handler for every event until ctx is cancelled or the stream fails.
// With lastEventID set, the server replays the buffered events after
// that sequence number before going live; when the requested position
// has been evicted from the server's buffer, the stream opens with a
// single "lifecycle.resync" event carrying a full state snapshot.
//
// On transient disconnects the client reconnects automatically and
// resumes from the last event it saw.
func (c *Client) StreamEvents(ctx context.Context, id uuid.UUID, lastEventID string, handler EventHandler) error {
	client := sse.NewClient(c.baseURL + "/v1/debates/" + id.String() + "/events")

	// The configured request timeout would sever a long-lived stream.
	client.Connection = &http.Client{Transport: c.client.Transport}
	if lastEventID != "" {
		client.Headers["Last-Event-ID"] = lastEventID
	}

	err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		// Heartbeats arrive as comment-only frames with no payload.
		if len(msg.Event) == 0 && len(msg.Data) == 0 {
			return
		}
		handler(Event{
			ID:   string(msg.ID),
			Type: string(msg.Event),
			Data: msg.Data,
		})
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
