// Package middleware provides reusable model.Client middlewares such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top
	// of a model.Client. It estimates the token cost of each request, blocks
	// callers until capacity is available, and adjusts its effective
	// tokens-per-minute budget in response to provider rate limiting signals.
	//
	// The limiter sits at the provider client boundary: construct one per
	// provider and wrap the underlying model.Client with Middleware before
	// handing it to the orchestrator.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		// budget is the effective tokens-per-minute, clamped to [floor, ceil].
		budget float64
		floor  float64
		ceil   float64

		// probeStep is the additive recovery applied after each success.
		probeStep float64

		// share propagates local budget moves to the cluster. Nil when the
		// limiter is process-local.
		share func(backoff bool)
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with a
// tokens-per-minute budget. When m and key are set, capacity is coordinated
// across replicas through a Pulse replicated map; otherwise the limiter is
// process-local.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	floor := max(initialTPM*0.1, 1)
	step := max(initialTPM*0.05, 1)

	return &AdaptiveRateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		budget:    initialTPM,
		floor:     floor,
		ceil:      maxTPM,
		probeStep: step,
	}
}

// Middleware returns a model.Client middleware that enforces the adaptive
// tokens-per-minute limit for both Complete and Stream calls.
func (l *AdaptiveRateLimiter) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// Complete enforces the limiter before delegating to the underlying client.
func (c *limitedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return model.Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

// Stream enforces the limiter before delegating to the underlying client.
func (c *limitedClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return stream, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req model.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

// observe is the AIMD control point: throttle errors halve the budget, every
// success recovers one additive step toward the ceiling.
func (l *AdaptiveRateLimiter) observe(err error) {
	switch {
	case err == nil:
		l.adjust(func(cur float64) float64 { return cur + l.probeStep }, false)
	case gwerrors.IsKind(err, gwerrors.KindRateLimited):
		l.adjust(func(cur float64) float64 { return cur * 0.5 }, true)
	}
}

// adjust recomputes the budget under the lock, retunes the token bucket, and
// notifies the cluster when the clamped value actually moved.
func (l *AdaptiveRateLimiter) adjust(next func(cur float64) float64, backoff bool) {
	l.mu.Lock()
	moved := l.setBudgetLocked(next(l.budget))
	share := l.share
	l.mu.Unlock()

	if moved && share != nil {
		share(backoff)
	}
}

// setBudgetLocked clamps tpm into [floor, ceil] and reprograms the token
// bucket. It reports whether the effective budget changed. Callers hold mu.
func (l *AdaptiveRateLimiter) setBudgetLocked(tpm float64) bool {
	tpm = min(max(tpm, l.floor), l.ceil)
	if tpm == l.budget {
		return false
	}
	l.budget = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	return true
}

// estimateTokens computes a cheap heuristic for the request's token count:
// one token per ~3 characters of message text and tool arguments, plus a
// fixed buffer for provider framing.
func estimateTokens(req model.Request) int {
	const framing = 500
	chars := 0
	for _, msg := range req.Messages {
		chars += len(msg.Content)
		for _, call := range msg.ToolCalls {
			chars += len(call.Arguments)
		}
	}
	if chars == 0 {
		return framing
	}
	return max(chars/3, 1) + framing
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	// Seed the shared budget when the key does not exist yet. A concurrent
	// writer may still win; the subscription below reconciles.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// Fall back to a process-local limiter so callers still make
			// progress instead of treating the map as partially initialized.
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}

	seed := initialTPM
	if cur, ok := sharedBudget(m, key); ok {
		seed = cur
	}
	l := newAdaptiveRateLimiter(seed, maxTPM)

	l.mu.Lock()
	floor, ceil, step := l.floor, l.ceil, l.probeStep
	l.share = func(backoff bool) {
		go func() {
			if backoff {
				casBudget(m, key, func(cur float64) (float64, bool) {
					return max(cur*0.5, floor), true
				})
				return
			}
			casBudget(m, key, func(cur float64) (float64, bool) {
				if cur >= ceil {
					return 0, false
				}
				return min(cur+step, ceil), true
			})
		}()
	}
	l.mu.Unlock()

	// Reconcile the local limiter whenever another replica moves the shared
	// budget.
	ch := m.Subscribe()
	go func() {
		for range ch {
			if cur, ok := sharedBudget(m, key); ok {
				l.mu.Lock()
				l.setBudgetLocked(cur)
				l.mu.Unlock()
			}
		}
	}()

	return l
}

// sharedBudget reads and parses the cluster budget for key.
func sharedBudget(m clusterMap, key string) (float64, bool) {
	raw, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// casBudget applies next to the shared budget with a bounded compare-and-set
// loop. next returns false to leave the value untouched.
func casBudget(m clusterMap, key string, next func(cur float64) (float64, bool)) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		raw, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(raw, 64)
		if err != nil || cur <= 0 {
			return
		}
		val, ok := next(cur)
		if !ok {
			return
		}
		prev, err := m.TestAndSet(ctx, key, raw, strconv.Itoa(int(val)))
		if err != nil || prev == raw {
			return
		}
	}
}
