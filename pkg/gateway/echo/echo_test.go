package echo

import (
	"context"
	"strings"
	"testing"

	"github.com/rhuss/rulechain/pkg/gateway"
)

func TestGenerate(t *testing.T) {
	tests := []struct {
		name     string
		req      gateway.Request
		want     string
		wantStop string
	}{
		{
			name:     "rendered prompt",
			req:      gateway.Request{Prompt: "Summarize.\n\nText:\nThe ship sailed."},
			want:     "The ship sailed.",
			wantStop: "stop",
		},
		{
			name:     "raw prompt",
			req:      gateway.Request{Prompt: "hello"},
			want:     "hello",
			wantStop: "stop",
		},
		{
			name:     "truncated by max tokens",
			req:      gateway.Request{Prompt: "x\n\nText:\n" + strings.Repeat("a", 20), MaxTokens: 2},
			want:     "aaaaaaaa",
			wantStop: "length",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := New().Generate(context.Background(), &tt.req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Text != tt.want {
				t.Errorf("text = %q, want %q", resp.Text, tt.want)
			}
			if resp.FinishReason != tt.wantStop {
				t.Errorf("finish = %q, want %q", resp.FinishReason, tt.wantStop)
			}
		})
	}
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Generate(ctx, &gateway.Request{Prompt: "x"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
