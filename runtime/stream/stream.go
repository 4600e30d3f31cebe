// Package stream defines the client-facing wire events emitted during a
// conversation turn and the Sink abstraction transports implement (SSE, Pulse
// fan-out, tests). Events carry per-connection sequence numbers; emission for
// one connection is serialized so clients observe production order.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// EventType enumerates the client-bound wire event flavors.
type EventType string

const (
	// EventStreamStarted is the first event on every connection. It carries
	// the conversation id and the session request id used for cancellation.
	EventStreamStarted EventType = "stream_started"

	// EventContentChunk streams incremental assistant text.
	EventContentChunk EventType = "content_chunk"

	// EventContentComplete marks the end of one assistant message.
	EventContentComplete EventType = "content_complete"

	// EventToolCallStarted is emitted before a tool dispatch. For a given
	// tool call id it always precedes the matching completion event.
	EventToolCallStarted EventType = "tool_call_started"

	// EventToolCallCompleted carries the unified dispatch result.
	EventToolCallCompleted EventType = "tool_call_completed"

	// EventWidgetRender asks the client to render a template item widget.
	EventWidgetRender EventType = "widget_render"

	// EventWidgetResponseAck acknowledges a submitted widget response and
	// carries grading feedback when the item is scored.
	EventWidgetResponseAck EventType = "widget_response_ack"

	// EventItemContext streams non-interactive item contents.
	EventItemContext EventType = "item_context"

	// EventFlowStarted marks the start of a proactive template flow.
	EventFlowStarted EventType = "flow_started"

	// EventFlowCompleted marks the end of a proactive flow, with the final
	// score report when the template requests one.
	EventFlowCompleted EventType = "flow_completed"

	// EventChatInputEnabled toggles the client's free-form input box.
	EventChatInputEnabled EventType = "chat_input_enabled"

	// EventError reports a terminal turn error.
	EventError EventType = "error"

	// EventCancelled confirms session cancellation.
	EventCancelled EventType = "cancelled"
)

type (
	// Event is the wire envelope. Payload must be JSON-serializable; sinks
	// own the final marshaling.
	Event struct {
		Type           EventType `json:"type"`
		ConversationID string    `json:"conversation_id"`
		MessageID      string    `json:"message_id,omitempty"`
		Iteration      int       `json:"iteration,omitempty"`
		Sequence       int64     `json:"sequence"`
		Payload        any       `json:"payload,omitempty"`
	}

	// Sink delivers wire events to a client connection. Implementations must
	// be safe for concurrent Send calls; ordering within one sink is the
	// caller's responsibility (the orchestrator serializes per connection).
	Sink interface {
		// Send publishes one event. It returns an error when the connection
		// is gone so the orchestrator can stop the turn.
		Send(ctx context.Context, event Event) error

		// Close releases the sink. Close is idempotent; Send after Close
		// fails.
		Close(ctx context.Context) error
	}

	// StreamStartedPayload opens a connection.
	StreamStartedPayload struct {
		ConversationID string `json:"conversation_id"`
		RequestID      string `json:"request_id"`
	}

	// ContentChunkPayload is one fragment of assistant text.
	ContentChunkPayload struct {
		Text string `json:"text"`
	}

	// ContentCompletePayload closes an assistant message.
	ContentCompletePayload struct {
		Text string `json:"text"`
	}

	// ToolCallStartedPayload announces a dispatch.
	ToolCallStartedPayload struct {
		ToolCallID string          `json:"tool_call_id"`
		ToolID     string          `json:"tool_id"`
		Arguments  json.RawMessage `json:"arguments,omitempty"`
	}

	// ToolCallCompletedPayload carries the unified dispatch result.
	ToolCallCompletedPayload struct {
		ToolCallID      string          `json:"tool_call_id"`
		ToolID          string          `json:"tool_id"`
		Status          string          `json:"status"`
		Result          json.RawMessage `json:"result,omitempty"`
		Error           string          `json:"error,omitempty"`
		UpstreamStatus  int             `json:"upstream_status,omitempty"`
		ExecutionTimeMS int64           `json:"execution_time_ms"`
	}

	// WidgetRenderPayload asks the client to render an interactive widget.
	// Correct answers never appear here; grading stays server-side.
	WidgetRenderPayload struct {
		ItemID           string          `json:"item_id"`
		ItemIndex        int             `json:"item_index"`
		ContentID        string          `json:"content_id"`
		WidgetType       string          `json:"widget_type"`
		Prompt           string          `json:"prompt,omitempty"`
		Options          []string        `json:"options,omitempty"`
		Config           json.RawMessage `json:"config,omitempty"`
		TimeLimitSeconds int             `json:"time_limit_seconds,omitempty"`
	}

	// WidgetResponseAckPayload acknowledges a widget submission.
	WidgetResponseAckPayload struct {
		ItemID    string `json:"item_id"`
		ContentID string `json:"content_id"`
		Accepted  bool   `json:"accepted"`
		Correct   *bool  `json:"correct,omitempty"`
		Score     int    `json:"score,omitempty"`
		MaxScore  int    `json:"max_score,omitempty"`
		Feedback  string `json:"feedback,omitempty"`
	}

	// ItemContextPayload streams a non-interactive content unit.
	ItemContextPayload struct {
		ItemID     string          `json:"item_id"`
		ItemIndex  int             `json:"item_index"`
		ContentID  string          `json:"content_id"`
		WidgetType string          `json:"widget_type"`
		Text       string          `json:"text,omitempty"`
		Config     json.RawMessage `json:"config,omitempty"`
	}

	// FlowStartedPayload opens a proactive flow.
	FlowStartedPayload struct {
		TemplateID string `json:"template_id"`
		ItemCount  int    `json:"item_count"`
	}

	// FlowCompletedPayload closes a proactive flow.
	FlowCompletedPayload struct {
		TemplateID  string       `json:"template_id"`
		ScoreReport *ScoreReport `json:"score_report,omitempty"`
	}

	// ScoreReport is the final grading summary.
	ScoreReport struct {
		TotalScore    int         `json:"total_score"`
		MaxScore      int         `json:"max_score"`
		Percent       int         `json:"percent"`
		Passed        *bool       `json:"passed,omitempty"`
		ItemBreakdown []ItemScore `json:"item_breakdown,omitempty"`
	}

	// ItemScore grades one item.
	ItemScore struct {
		ItemID   string `json:"item_id"`
		Score    int    `json:"score"`
		MaxScore int    `json:"max_score"`
		Skipped  bool   `json:"skipped,omitempty"`
	}

	// ChatInputEnabledPayload toggles the client input box.
	ChatInputEnabledPayload struct {
		Enabled bool `json:"enabled"`
	}

	// ErrorPayload reports a terminal turn error.
	ErrorPayload struct {
		Kind      string `json:"kind"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	}

	// CancelledPayload confirms cancellation.
	CancelledPayload struct {
		RequestID string `json:"request_id"`
	}
)

// ErrorPayloadFor lowers a gateway error into the wire error payload.
func ErrorPayloadFor(err error) ErrorPayload {
	return ErrorPayload{
		Kind:      string(gwerrors.KindOf(err)),
		Message:   err.Error(),
		Retryable: gwerrors.Retryable(err),
	}
}

// Conn is a channel-backed Sink for one client connection. It assigns
// per-connection sequence numbers and hands events to the transport through
// Events. The SSE handler drains Events until it closes.
type Conn struct {
	mu       sync.Mutex
	seq      int64
	closed   bool
	sealed   bool
	inflight int
	events   chan Event
	done     chan struct{}
}

// NewConn builds a connection sink with the given buffer depth.
func NewConn(buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{events: make(chan Event, buffer), done: make(chan struct{})}
}

// Events exposes the outbound event channel. It is closed after Close once no
// Send is in flight, so receivers drain buffered events and then exit.
func (c *Conn) Events() <-chan Event { return c.events }

// Send implements Sink. It stamps the next sequence number and enqueues the
// event, blocking when the transport is slow until ctx cancels or the
// connection closes.
func (c *Conn) Send(ctx context.Context, event Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return gwerrors.New(gwerrors.KindCancelled, "connection closed")
	}
	c.seq++
	event.Sequence = c.seq
	c.inflight++
	c.mu.Unlock()

	var err error
	select {
	case c.events <- event:
	case <-c.done:
		err = gwerrors.New(gwerrors.KindCancelled, "connection closed")
	case <-ctx.Done():
		err = gwerrors.Wrap(gwerrors.KindCancelled, "send wire event", ctx.Err())
	}

	c.mu.Lock()
	c.inflight--
	c.sealLocked()
	c.mu.Unlock()
	return err
}

// Close implements Sink. The event channel is never closed while a Send is in
// flight: Close signals shutdown through done, blocked senders return, and
// the last one out seals the channel.
func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	c.sealLocked()
	return nil
}

func (c *Conn) sealLocked() {
	if c.closed && c.inflight == 0 && !c.sealed {
		c.sealed = true
		close(c.events)
	}
}
