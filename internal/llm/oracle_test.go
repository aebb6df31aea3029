package llm

import (
	"context"
	"testing"

	"github.com/opscore/reasoning-core/internal/classifier"
)

type fakeClient struct {
	resp *ChatResponse
	err  error
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return f.resp, f.err
}

func (f *fakeClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	return f.resp, f.err
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func TestClientOracleEstimatesUsageWhenProviderOmitsIt(t *testing.T) {
	client := &fakeClient{resp: &ChatResponse{Message: Message{Content: "1234567890123456"}, Done: true}}
	oracle := NewClientOracle(client, "test-model")

	resp, err := oracle.Chat(context.Background(), []classifier.Message{
		{Role: classifier.RoleUser, Content: "12345678"},
	}, classifier.Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "1234567890123456" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 2 {
		t.Errorf("estimated input tokens = %d, want 2", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 4 {
		t.Errorf("estimated output tokens = %d, want 4", resp.Usage.OutputTokens)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
}

func TestClientOraclePropagatesError(t *testing.T) {
	client := &fakeClient{err: context.DeadlineExceeded}
	oracle := NewClientOracle(client, "test-model")

	if _, err := oracle.Chat(context.Background(), nil, classifier.Options{}); err == nil {
		t.Fatal("expected error to propagate")
	}
}
