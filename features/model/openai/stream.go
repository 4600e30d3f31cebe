package openai

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/agentgate/agentgate/features/model/toolnames"
	"github.com/agentgate/agentgate/runtime/model"
)

// streamer adapts an openai-go SSE stream to model.Streamer. A goroutine
// drains the SSE stream into a buffered channel; Recv pulls from it until the
// channel closes, then reports either the terminal error or io.EOF.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]
	names  *toolnames.Map

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk], names *toolnames.Map) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		names:  names,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	var (
		acc     sdk.ChatCompletionAccumulator
		emitted = make(map[string]bool)
	)
	for s.stream.Next() {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		chunk := s.stream.Current()
		acc.AddChunk(chunk)

		if call, ok := acc.JustFinishedToolCall(); ok {
			emitted[call.ID] = true
			if err := s.emit(model.Chunk{
				Type: model.ChunkTypeToolCall,
				ToolCall: &model.ToolCall{
					ID:        call.ID,
					Name:      s.names.Canonical(call.Name),
					Arguments: json.RawMessage(call.Arguments),
				},
			}); err != nil {
				return
			}
		}
		if len(chunk.Choices) == 0 {
			if chunk.Usage.TotalTokens > 0 {
				usage := model.TokenUsage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}
				if err := s.emit(model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage}); err != nil {
					return
				}
			}
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if err := s.emit(model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Content}); err != nil {
				return
			}
		}
		if choice.FinishReason != "" {
			// Some gateways never send the [DONE] sentinel; the finish reason
			// is the reliable end-of-turn marker.
			s.flushPending(acc, emitted)
			_ = s.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: string(choice.FinishReason)})
			return
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(err)
		return
	}
	s.flushPending(acc, emitted)
	_ = s.emit(model.Chunk{Type: model.ChunkTypeStop})
}

// flushPending emits accumulated tool calls that arrived whole in a single
// chunk and so never triggered JustFinishedToolCall.
func (s *streamer) flushPending(acc sdk.ChatCompletionAccumulator, emitted map[string]bool) {
	if len(acc.Choices) == 0 {
		return
	}
	for _, call := range acc.Choices[0].Message.ToolCalls {
		if emitted[call.ID] || call.Function.Name == "" {
			continue
		}
		_ = s.emit(model.Chunk{
			Type: model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{
				ID:        call.ID,
				Name:      s.names.Canonical(call.Function.Name),
				Arguments: json.RawMessage(call.Function.Arguments),
			},
		})
	}
}

func (s *streamer) emit(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
