package middleware

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"goa.design/pulse/rmap"
)

type fakeClusterMap struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		ch:     make(chan rmap.EventKind, 1),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.notify()
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	m.notify()
	return cur, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.ch
}

func (m *fakeClusterMap) notify() {
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
}

func TestClusterLimiter_BackoffUpdatesSharedMap(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "model"

	m.values[key] = strconv.Itoa(80000)

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 80000, 80000)

	client := &fakeClient{completeErr: rateLimitedErr()}
	wrapped := lim.Middleware()(client)

	_, _ = wrapped.Complete(context.Background(), userRequest("hello"))

	// Allow background callback to run.
	deadline := time.Now().Add(time.Second)
	for {
		v, ok := m.Get(key)
		if !ok {
			t.Fatal("expected key to exist in cluster map")
		}
		cur, err := strconv.Atoi(v)
		if err != nil {
			t.Fatalf("invalid value in cluster map: %v", err)
		}
		if cur < 80000 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected shared TPM to decrease, still %d", cur)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClusterLimiter_SubscriptionReconcilesLocalBudget(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "model"

	m.values[key] = strconv.Itoa(80000)

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 80000, 80000)

	// Another replica halves the shared budget.
	if _, err := m.TestAndSet(ctx, key, strconv.Itoa(80000), strconv.Itoa(40000)); err != nil {
		t.Fatalf("test and set: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		lim.mu.Lock()
		cur := lim.budget
		lim.mu.Unlock()
		if cur == 40000 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected local TPM to converge to 40000, got %f", cur)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClusterLimiter_MissingKeyFallsBackToLocal(t *testing.T) {
	lim := newClusterAdaptiveRateLimiter(context.Background(), nil, "model", 60000, 60000)
	if lim == nil {
		t.Fatal("expected a limiter")
	}

	lim.mu.Lock()
	defer lim.mu.Unlock()
	if lim.budget != 60000 {
		t.Fatalf("expected local budget 60000, got %f", lim.budget)
	}
}
