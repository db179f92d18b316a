package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gend/pkg/types"
)

func newTestServerModel(t *testing.T, h http.HandlerFunc) *serverModel {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return &serverModel{baseURL: ts.URL, client: ts.Client(), exited: make(chan struct{}), log: zerolog.Nop()}
}

func TestServerModelPredict(t *testing.T) {
	var got completionRequest
	m := newTestServerModel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"content":"hi!","stop":true}`))
	})
	out, err := m.Predict(context.Background(), "<prompt>", PredictOptions{MaxTokens: 7, Stop: []string{"<|im_end|>"}})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if out != "hi!" {
		t.Fatalf("out = %q", out)
	}
	if got.Prompt != "<prompt>" || got.NPredict != 7 || got.Stream || len(got.Stop) != 1 {
		t.Fatalf("request = %+v", got)
	}
}

func TestServerModelPredictHTTPError(t *testing.T) {
	m := newTestServerModel(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "context overflow", http.StatusInternalServerError)
	})
	_, err := m.Predict(context.Background(), "p", PredictOptions{MaxTokens: 1})
	if err == nil || !strings.Contains(err.Error(), "context overflow") {
		t.Fatalf("err = %v", err)
	}
}

func TestServerModelPredictAfterExit(t *testing.T) {
	m := newTestServerModel(t, func(w http.ResponseWriter, r *http.Request) {})
	close(m.exited)
	if _, err := m.Predict(context.Background(), "p", PredictOptions{MaxTokens: 1}); err == nil {
		t.Fatalf("expected error after process exit")
	}
}

func TestServerModelPredictCanceled(t *testing.T) {
	block := make(chan struct{})
	m := newTestServerModel(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	defer close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Predict(ctx, "p", PredictOptions{MaxTokens: 1})
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v", err)
	}
}

func TestServerBackendMissingBinary(t *testing.T) {
	b := NewServerBackend(ServerConfig{Bin: filepath.Join(t.TempDir(), "nope")})
	_, err := b.Load(context.Background(), types.Model{ID: "m", Path: "m.gguf"})
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}

func TestServerBackendPreflight(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewServerBackend(ServerConfig{Bin: dir}).Preflight(); !IsDependencyUnavailable(err) {
		t.Fatalf("directory accepted as binary: %v", err)
	}
	bin := filepath.Join(dir, "llama-server")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := NewServerBackend(ServerConfig{Bin: bin}).Preflight()
	if err != nil || got != bin {
		t.Fatalf("Preflight = %q, %v", got, err)
	}
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	if tb.String() != "defg" {
		t.Fatalf("tail = %q", tb.String())
	}
}

// buildTestBinary builds a helper program from testdata and returns its path.
func buildTestBinary(t *testing.T, src string) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), strings.TrimSuffix(src, ".go"))
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/"+src)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build %s: %v: %s", src, err, string(out))
	}
	return bin
}

func TestServerBackendSpawnPredictStop(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildTestBinary(t, "fake_llama_server.go")
	b := NewServerBackend(ServerConfig{Bin: bin, PortStart: 31300, PortEnd: 31340, ReadyTimeout: 10 * time.Second})
	m, err := b.Load(context.Background(), types.Model{ID: "m1", Path: "m1.gguf"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	out, err := m.Predict(context.Background(), "abcd", PredictOptions{MaxTokens: 5})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if out != "model=m1.gguf chars=4 n=5" {
		t.Fatalf("out = %q", out)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	sm := m.(*serverModel)
	select {
	case <-sm.exited:
	default:
		t.Fatalf("process still running after Close")
	}
	if _, err := m.Predict(context.Background(), "x", PredictOptions{MaxTokens: 1}); err == nil {
		t.Fatalf("Predict after Close should fail")
	}
}

func TestServerBackendEarlyExitIncludesStderr(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildTestBinary(t, "exit_1.go")
	b := NewServerBackend(ServerConfig{Bin: bin, ReadyTimeout: 10 * time.Second})
	_, err := b.Load(context.Background(), types.Model{ID: "m", Path: "m.gguf"})
	if err == nil {
		t.Fatalf("expected early exit error")
	}
	if !strings.Contains(err.Error(), "exited") || !strings.Contains(err.Error(), "failed to load model") {
		t.Fatalf("err = %v", err)
	}
}

func TestReservePortSkipsHeldPorts(t *testing.T) {
	b := NewServerBackend(ServerConfig{PortStart: 31480, PortEnd: 31482})
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		p, err := b.reservePort()
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("port %d handed out twice", p)
		}
		seen[p] = true
	}
	if _, err := b.reservePort(); err == nil {
		t.Fatalf("expected exhausted range")
	}
	b.releasePort(31481)
	p, err := b.reservePort()
	if err != nil || p != 31481 {
		t.Fatalf("after release: port=%d err=%v", p, err)
	}
}

func TestServerBackendConcurrentLoadsUseDistinctPorts(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildTestBinary(t, "fake_llama_server.go")
	b := NewServerBackend(ServerConfig{Bin: bin, PortStart: 31400, PortEnd: 31440, ReadyTimeout: 10 * time.Second})

	ids := []string{"a", "b", "c", "d"}
	models := make([]Model, len(ids))
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			models[i], errs[i] = b.Load(context.Background(), types.Model{ID: id, Path: id + ".gguf"})
		}(i, id)
	}
	wg.Wait()
	t.Cleanup(func() {
		for _, m := range models {
			if m != nil {
				_ = m.Close()
			}
		}
	})

	urls := map[string]bool{}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("load %s: %v", ids[i], err)
		}
		u := models[i].(*serverModel).baseURL
		if urls[u] {
			t.Fatalf("two models share %s", u)
		}
		urls[u] = true
		out, err := models[i].Predict(context.Background(), "xy", PredictOptions{MaxTokens: 1})
		if err != nil {
			t.Fatalf("predict %s: %v", ids[i], err)
		}
		if want := "model=" + ids[i] + ".gguf chars=2 n=1"; out != want {
			t.Fatalf("predict %s = %q, want %q", ids[i], out, want)
		}
	}

	for _, m := range models {
		_ = m.Close()
	}
	b.mu.Lock()
	left := len(b.reserved)
	b.mu.Unlock()
	if left != 0 {
		t.Fatalf("%d ports still reserved after Close", left)
	}
}
