package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

// stubProvider serves a canned response or error and records what it saw.
type stubProvider struct {
	name      string
	resp      *CompletionResponse
	err       error
	calls     atomic.Int32
	gotModel  string
	gotTokens int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	p.calls.Add(1)
	p.gotModel = req.Model
	p.gotTokens = req.MaxTokens
	if p.err != nil {
		return nil, p.err
	}
	out := *p.resp
	return &out, nil
}

func TestChain_PrimaryAnswers(t *testing.T) {
	primary := &stubProvider{name: "a", resp: &CompletionResponse{Text: "hello", StopReason: StopEndTurn}}
	backup := &stubProvider{name: "b", resp: &CompletionResponse{Text: "backup"}}

	chain := NewChain([]ChainModel{
		{ID: "model-1", Provider: primary},
		{ID: "model-2", Provider: backup},
	})

	resp, fallbacks, err := chain.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("text = %q, want hello", resp.Text)
	}
	if fallbacks != 0 {
		t.Errorf("fallbacks = %d, want 0", fallbacks)
	}
	if resp.Model != "model-1" {
		t.Errorf("model = %q, want model-1 (defaulted from chain entry)", resp.Model)
	}
	if backup.calls.Load() != 0 {
		t.Errorf("backup should not be called")
	}
}

func TestChain_FallsOverOnError(t *testing.T) {
	primary := &stubProvider{name: "a", err: errors.New("quota exceeded")}
	backup := &stubProvider{name: "b", resp: &CompletionResponse{Text: "backup answer"}}

	chain := NewChain([]ChainModel{
		{ID: "model-1", Provider: primary},
		{ID: "model-2", Provider: backup},
	})

	resp, fallbacks, err := chain.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "backup answer" {
		t.Errorf("text = %q, want the backup answer", resp.Text)
	}
	if fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", fallbacks)
	}
	if primary.calls.Load() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.calls.Load())
	}
}

func TestChain_FallsOverOnErrorStopReason(t *testing.T) {
	primary := &stubProvider{name: "a", resp: &CompletionResponse{StopReason: StopError}}
	backup := &stubProvider{name: "b", resp: &CompletionResponse{Text: "ok", StopReason: StopEndTurn}}

	chain := NewChain([]ChainModel{
		{ID: "model-1", Provider: primary},
		{ID: "model-2", Provider: backup},
	})

	resp, fallbacks, err := chain.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("text = %q, want ok", resp.Text)
	}
	if fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", fallbacks)
	}
}

func TestChain_AllModelsFail(t *testing.T) {
	first := &stubProvider{name: "a", err: errors.New("down")}
	second := &stubProvider{name: "b", err: errors.New("also down")}

	chain := NewChain([]ChainModel{
		{ID: "model-1", Provider: first},
		{ID: "model-2", Provider: second},
	})

	_, fallbacks, err := chain.Complete(context.Background(), &CompletionRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "all 2 models failed") {
		t.Errorf("error = %q, want model count in message", err)
	}
	if fallbacks != 2 {
		t.Errorf("fallbacks = %d, want 2", fallbacks)
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatal("error should wrap a ProviderError")
	}
	if pe.Model != "model-2" {
		t.Errorf("wrapped model = %q, want the last tried", pe.Model)
	}
}

func TestChain_AppliesModelAndTokenCap(t *testing.T) {
	provider := &stubProvider{name: "a", resp: &CompletionResponse{Text: "x"}}
	chain := NewChain([]ChainModel{{ID: "model-1", Provider: provider, MaxTokens: 512}})

	if _, _, err := chain.Complete(context.Background(), &CompletionRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.gotModel != "model-1" {
		t.Errorf("model = %q, want model-1", provider.gotModel)
	}
	if provider.gotTokens != 512 {
		t.Errorf("max tokens = %d, want chain cap 512", provider.gotTokens)
	}

	// A request that sets its own budget wins over the chain cap.
	if _, _, err := chain.Complete(context.Background(), &CompletionRequest{MaxTokens: 100}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.gotTokens != 100 {
		t.Errorf("max tokens = %d, want request value 100", provider.gotTokens)
	}
}

func TestChain_NoModels(t *testing.T) {
	chain := NewChain(nil)
	_, _, err := chain.Complete(context.Background(), &CompletionRequest{})
	if !errors.Is(err, ErrNoModels) {
		t.Errorf("error = %v, want ErrNoModels", err)
	}
}

func TestChain_ContextCancelled(t *testing.T) {
	provider := &stubProvider{name: "a", resp: &CompletionResponse{Text: "x"}}
	chain := NewChain([]ChainModel{{ID: "model-1", Provider: provider}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := chain.Complete(ctx, &CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if provider.calls.Load() != 0 {
		t.Errorf("provider should not be called after cancellation")
	}
}
