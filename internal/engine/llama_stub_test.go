//go:build !llama

package engine

import (
	"context"
	"testing"

	"gend/pkg/types"
)

func TestLlamaStubUnavailable(t *testing.T) {
	if LlamaBuilt {
		t.Fatalf("stub build reports llama support")
	}
	_, err := NewLlamaBackend(LlamaConfig{}).Load(context.Background(), types.Model{ID: "m", Path: "m.gguf"})
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}
