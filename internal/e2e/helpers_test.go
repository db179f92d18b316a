package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"gend/internal/engine"
	"gend/internal/httpapi"
	"gend/internal/prompt"
	"gend/internal/registry"
	"gend/internal/repository"
	"gend/internal/service"
	"gend/pkg/types"
)

// createTempModelsDir creates a temporary directory populated with small .gguf
// files and returns the directory path and the model ids.
func createTempModelsDir(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	var ids []string
	for _, n := range names {
		p := filepath.Join(dir, filepath.FromSlash(n)+".gguf")
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("gguf"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
		ids = append(ids, n)
	}
	return dir, ids
}

// buildFakeLlama compiles the fake llama-server used by the engine tests.
func buildFakeLlama(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := filepath.Join(t.TempDir(), "fake-llama-server")
	cmd := exec.Command("go", "build", "-o", bin, "../engine/testdata/fake_llama_server.go")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build fake llama-server: %v: %s", err, string(out))
	}
	return bin
}

type stack struct {
	srv  *httptest.Server
	repo *repository.Repository
}

// newServerForDir wires the full stack against llamaBin with repository
// settings from rc (Catalog and Loader are filled in).
func newServerForDir(t *testing.T, modelsDir, llamaBin string, rc repository.Config) *stack {
	t.Helper()
	scanned, err := registry.NewGGUFScanner().Scan(modelsDir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	catalog := registry.New(scanned...)
	backend := engine.NewServerBackend(engine.ServerConfig{Bin: llamaBin, ReadyTimeout: 20 * time.Second})
	adapter := engine.NewAdapter(backend, 0)
	rc.Catalog = catalog
	rc.Loader = adapter
	repo := repository.New(rc)
	t.Cleanup(func() { _ = repo.Close() })
	svc := service.New(service.Config{
		Repository:     repo,
		Engine:         adapter,
		Policy:         prompt.NewPolicy(prompt.DefaultRules()...),
		Catalog:        catalog,
		RequestTimeout: 30 * time.Second,
	})
	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(srv.Close)
	return &stack{srv: srv, repo: repo}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func generate(t *testing.T, base string, req types.GenerateRequest) types.GenerateResponse {
	t.Helper()
	b, _ := json.Marshal(req)
	resp, body := httpPostJSON(t, base+"/generate", b)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/generate status=%d body=%s", resp.StatusCode, string(body))
	}
	var res types.GenerateResponse
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("json: %v body=%s", err, string(body))
	}
	return res
}

func status(t *testing.T, base string) types.StatusResponse {
	t.Helper()
	resp, body := httpGet(t, base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status status=%d", resp.StatusCode)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	return st
}
