package middleware

import (
	"context"
	"testing"

	"golang.org/x/time/rate"

	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
)

type fakeClient struct {
	completeErr error
	streamErr   error

	completeCalls int
	streamCalls   int
}

func (f *fakeClient) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	f.completeCalls++
	return model.Response{}, f.completeErr
}

func (f *fakeClient) Stream(_ context.Context, _ model.Request) (model.Streamer, error) {
	f.streamCalls++
	return nil, f.streamErr
}

func rateLimitedErr() error {
	return gwerrors.New(gwerrors.KindRateLimited, "provider throttled").WithRetryable()
}

func userRequest(text string) model.Request {
	return model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: text},
		},
		MaxTokens: 10,
	}
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)

	initialTPM := limiter.budget

	client := &fakeClient{completeErr: rateLimitedErr()}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), userRequest("hello"))
	if err == nil || !gwerrors.IsKind(err, gwerrors.KindRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.budget >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)",
			limiter.budget, initialTPM)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.budget
	limiter.probeStep = 1000
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	if _, err := wrapped.Complete(context.Background(), userRequest("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.budget <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)",
			limiter.budget, initialTPM)
	}
}

func TestAdaptiveRateLimiter_NoBackoffOnOtherErrors(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)

	initialTPM := limiter.budget

	client := &fakeClient{
		completeErr: gwerrors.New(gwerrors.KindUpstream, "boom"),
	}
	wrapped := limiter.Middleware()(client)

	if _, err := wrapped.Complete(context.Background(), userRequest("hello")); err == nil {
		t.Fatal("expected upstream error")
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.budget < initialTPM {
		t.Fatalf("expected TPM to stay at or above initial on non-throttle error, got %f",
			limiter.budget)
	}
}

func TestAdaptiveRateLimiter_RespectsContextWhenQueued(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	limiter.budget = 60
	// Configure an impossible limiter so any non-zero token request fails
	// immediately. This exercises the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	longText := make([]byte, 600)
	for i := range longText {
		longText[i] = 'a'
	}

	if _, err := wrapped.Complete(context.Background(), userRequest(string(longText))); err == nil {
		t.Fatal("expected limiter error")
	}
	if client.completeCalls != 0 {
		t.Fatalf("expected underlying client not to be called, got %d calls",
			client.completeCalls)
	}
}

func TestAdaptiveRateLimiter_StreamObservesErrors(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)

	initialTPM := limiter.budget

	client := &fakeClient{streamErr: rateLimitedErr()}
	wrapped := limiter.Middleware()(client)

	if _, err := wrapped.Stream(context.Background(), userRequest("hello")); err == nil {
		t.Fatal("expected stream error")
	}
	if client.streamCalls != 1 {
		t.Fatalf("expected one stream call, got %d", client.streamCalls)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.budget >= initialTPM {
		t.Fatalf("expected TPM to decrease after throttled stream, got %f",
			limiter.budget)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTokens(userRequest("short"))
	big := estimateTokens(userRequest("this is a much longer message than the short one above"))

	if small <= 0 {
		t.Fatalf("expected positive token estimate for small request, got %d",
			small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d",
			small, big)
	}
}

func TestEstimateTokensCountsToolArguments(t *testing.T) {
	bare := model.Request{
		Messages: []model.Message{{Role: model.RoleAssistant, Content: "calling"}},
	}
	withArgs := model.Request{
		Messages: []model.Message{{
			Role:    model.RoleAssistant,
			Content: "calling",
			ToolCalls: []model.ToolCall{
				{ID: "c1", Name: "crm:search", Arguments: []byte(`{"query":"all open tickets for the acme account"}`)},
			},
		}},
	}

	if estimateTokens(withArgs) <= estimateTokens(bare) {
		t.Fatal("expected tool call arguments to increase the estimate")
	}
}
