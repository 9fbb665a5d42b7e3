package llm

import (
	"context"
	"testing"
)

type fakeAdapter struct {
	name  string
	calls int
	reply string
	err   error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Response{
		Provider: f.name,
		Model:    req.Model,
		Message:  AssistantMessage(f.reply),
	}, nil
}

func TestClientRoutesToDefaultProvider(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", reply: "ok"}
	client := NewClient(WithProvider("fake", adapter))

	resp, err := client.Complete(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "ok" {
		t.Errorf("expected %q, got %q", "ok", resp.Text())
	}
	if adapter.calls != 1 {
		t.Errorf("expected 1 call, got %d", adapter.calls)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	client := NewClient(WithProvider("fake", &fakeAdapter{name: "fake"}))

	_, err := client.Complete(context.Background(), Request{Provider: "missing"})
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T: %v", err, err)
	}
}

func TestClientNoProviders(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{Model: "m"})
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T: %v", err, err)
	}
}

func TestClientInfersProviderFromCatalog(t *testing.T) {
	adapter := &fakeAdapter{name: "anthropic", reply: "hi"}
	client := NewClient(WithProvider("anthropic", adapter), WithProvider("openai", &fakeAdapter{name: "openai"}))

	resp, err := client.Complete(context.Background(), Request{Model: "claude-opus-4-6"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("expected anthropic, got %s", resp.Provider)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(tag string) Middleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
			order = append(order, tag)
			return next(ctx, req)
		}
	}

	client := NewClient(
		WithProvider("fake", &fakeAdapter{name: "fake", reply: "ok"}),
		WithMiddleware(mw("first"), mw("second")),
	)

	if _, err := client.Complete(context.Background(), Request{Model: "m"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("middleware ran out of order: %v", order)
	}
}
