package pulse

import (
	"context"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/agentgate/agentgate/features/stream/pulse/clients/pulse"
)

// fakeClient records published entries per stream and feeds subscribers from
// a buffered channel, standing in for Redis-backed Pulse in tests.
type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	str, ok := c.streams[name]
	if !ok {
		str = &fakeStream{name: name, incoming: make(chan *streaming.Event, 64)}
		c.streams[name] = str
	}
	return str, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[name]
}

type entry struct {
	event   string
	payload []byte
}

type fakeStream struct {
	mu       sync.Mutex
	name     string
	entries  []entry
	incoming chan *streaming.Event
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, _ string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	return &fakeSink{events: s.incoming}, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

// deliver pushes an event at subscribers as if Redis had fanned it out.
func (s *fakeStream) deliver(evt *streaming.Event) {
	s.incoming <- evt
}

func (s *fakeStream) published() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entry, len(s.entries))
	copy(out, s.entries)
	return out
}

type fakeSink struct {
	mu     sync.Mutex
	events chan *streaming.Event
	acked  []*streaming.Event
	closed bool
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.events }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
