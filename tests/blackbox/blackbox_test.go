package blackbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil { t.Fatalf("listen: %v", err) }
	addr := ln.Addr().String()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil { t.Fatalf("split: %v", err) }
	cleanup := func(){ _ = ln.Close() }
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port, cleanup
}

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok { t.Fatal("runtime.Caller failed") }
	// this file: <root>/tests/blackbox/blackbox_test.go
	bbDir := filepath.Dir(thisFile)
	root := filepath.Dir(filepath.Dir(bbDir))
	return root
}

func buildBinary(t *testing.T, name, pkg string) string {
	t.Helper()
	root := projectRootFromThisFile(t)
	binPath := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", binPath, pkg)
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build %s failed: %v\n%s", pkg, err, string(out))
	}
	return binPath
}

func createTempModelsDir(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte(""), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir, names
}

type serverProc struct {
	cmd  *exec.Cmd
	base string // http base URL, e.g. http://127.0.0.1:18080
	done chan error
}

func startServer(t *testing.T, bin, modelsDir, llamaBin string, port int, extra ...string) *serverProc {
	t.Helper()
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	args := []string{
		"serve",
		"--addr", fmt.Sprintf("127.0.0.1:%d", port),
		"--models-dir", modelsDir,
		"--llama-bin", llamaBin,
		"--log-level", "warn",
	}
	args = append(args, extra...)
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	sp := &serverProc{cmd: cmd, base: base, done: make(chan error, 1)}
	go func() { sp.done <- cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	// Wait for healthz
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	return sp
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func postJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

type generateResult struct {
	Response string  `json:"response"`
	ModelID  string  `json:"model_id"`
	Error    *string `json:"error"`
}

func TestBlackbox_Flow(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildBinary(t, "gend", "./cmd/gend")
	llama := buildBinary(t, "fake-llama-server", "./internal/engine/testdata/fake_llama_server.go")
	modelsDir, _ := createTempModelsDir(t, "alpha.gguf", "beta.gguf")
	port, release := findFreePort(t)
	release()
	sp := startServer(t, bin, modelsDir, llama, port, "--max-resident-models", "1")

	// /health
	resp, body := get(t, sp.base+"/health")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"status":"healthy"`)) {
		t.Fatalf("/health %d %s", resp.StatusCode, string(body))
	}

	// /models
	resp, body = get(t, sp.base+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models %d %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("/models content-type=%s", ct)
	}
	var modelsResp struct {
		Models []struct {
			ID string `json:"id"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		t.Fatalf("/models json: %v body=%s", err, string(body))
	}
	if len(modelsResp.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(modelsResp.Models))
	}

	// /generate loads alpha on demand
	resp, body = postJSON(t, sp.base+"/generate", []byte(`{"model_id":"alpha","prompt":"Say hi","max_tokens":8}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/generate %d %s", resp.StatusCode, string(body))
	}
	var res generateResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("/generate json: %v body=%s", err, string(body))
	}
	if res.Error != nil || res.ModelID != "alpha" || !strings.Contains(res.Response, "alpha.gguf") || !strings.HasSuffix(res.Response, "n=8") {
		t.Fatalf("unexpected result: %s", string(body))
	}

	// switching models evicts alpha
	resp, body = postJSON(t, sp.base+"/generate", []byte(`{"model_id":"beta","prompt":"Say hi"}`))
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("beta.gguf")) {
		t.Fatalf("/generate beta %d %s", resp.StatusCode, string(body))
	}
	resp, body = get(t, sp.base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status %d %s", resp.StatusCode, string(body))
	}
	var statusResp struct {
		Models []struct {
			ModelID string `json:"model_id"`
		} `json:"models"`
		EvictionsTotal int `json:"evictions_total"`
	}
	if err := json.Unmarshal(body, &statusResp); err != nil {
		t.Fatalf("/status json: %v body=%s", err, string(body))
	}
	if len(statusResp.Models) != 1 || statusResp.Models[0].ModelID != "beta" || statusResp.EvictionsTotal != 1 {
		t.Fatalf("unexpected status: %s", string(body))
	}

	// graceful shutdown
	_ = sp.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-sp.done:
		if err != nil {
			t.Fatalf("server exited with %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("server did not exit after SIGTERM")
	}
}

func TestBlackbox_Generate_UnknownModel_200WithError(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildBinary(t, "gend", "./cmd/gend")
	modelsDir, _ := createTempModelsDir(t, "alpha.gguf")
	port, release := findFreePort(t)
	release()
	sp := startServer(t, bin, modelsDir, filepath.Join(modelsDir, "no-llama-server"), port)

	resp, body := postJSON(t, sp.base+"/generate", []byte(`{"model_id":"missing","prompt":"hi"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", resp.StatusCode, string(body))
	}
	var res generateResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if res.Error == nil || *res.Error != "model not found: missing" || res.Response != "" || res.ModelID != "missing" {
		t.Fatalf("unexpected result: %s", string(body))
	}

	// The engine binary is missing: the load failure is still a 200 result.
	resp, body = postJSON(t, sp.base+"/generate", []byte(`{"model_id":"alpha","prompt":"hi"}`))
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"error"`)) {
		t.Fatalf("expected 200 with error, got %d, body=%s", resp.StatusCode, string(body))
	}
}

func TestBlackbox_Generate_BadRequests(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildBinary(t, "gend", "./cmd/gend")
	modelsDir, _ := createTempModelsDir(t, "alpha.gguf")
	port, release := findFreePort(t)
	release()
	sp := startServer(t, bin, modelsDir, filepath.Join(modelsDir, "no-llama-server"), port)

	resp, body := postJSON(t, sp.base+"/generate", []byte(`{"prompt":"hi"}`))
	if resp.StatusCode != http.StatusBadRequest || !bytes.Contains(body, []byte(`"field":"model_id"`)) {
		t.Fatalf("expected 400 naming model_id, got %d, body=%s", resp.StatusCode, string(body))
	}

	req, _ := http.NewRequest(http.MethodPost, sp.base+"/generate", strings.NewReader(`{"model_id":"alpha","prompt":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	_ = r2.Body.Close()
	if r2.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", r2.StatusCode)
	}
}
