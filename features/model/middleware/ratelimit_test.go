package middleware

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"goa.design/cascade/runtime/model"
)

type fakeAgent struct {
	err   error
	calls int
}

func (f *fakeAgent) Run(_ context.Context, _ model.Request) (model.Response, error) {
	f.calls++
	return model.Response{}, f.err
}

func TestAdaptiveRateLimiterBackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	agent := &fakeAgent{err: model.ErrRateLimited}
	wrapped := limiter.Middleware()(agent)

	req := model.Request{UserPrompt: "hello", Model: "x"}

	_, err := wrapped.Run(context.Background(), req)
	if err == nil || !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)", limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiterProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	agent := &fakeAgent{}
	wrapped := limiter.Middleware()(agent)

	req := model.Request{UserPrompt: "hello"}

	_, err := wrapped.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)", limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiterRespectsContextWhenQueued(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	limiter.currentTPM = 60
	// Configure an impossible limiter so any non-zero token request fails
	// immediately. This exercises the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	agent := &fakeAgent{}
	wrapped := limiter.Middleware()(agent)

	longText := make([]byte, 600)
	for i := range longText {
		longText[i] = 'a'
	}

	req := model.Request{UserPrompt: string(longText)}

	_, err := wrapped.Run(context.Background(), req)
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if agent.calls != 0 {
		t.Fatalf("expected underlying agent not to be called, got %d calls", agent.calls)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTokens(model.Request{UserPrompt: "short"})
	big := estimateTokens(model.Request{UserPrompt: "this is a much longer message than the other one"})

	if small <= 0 {
		t.Fatalf("expected positive token estimate for small request, got %d", small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d", small, big)
	}
}

func TestMiddlewareNilNextReturnsNil(t *testing.T) {
	limiter := newAdaptiveRateLimiter(1000, 1000)
	if wrapped := limiter.Middleware()(nil); wrapped != nil {
		t.Fatalf("expected nil agent to produce nil middleware, got %v", wrapped)
	}
}
