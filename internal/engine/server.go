package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gend/internal/common/fsutil"
	"gend/pkg/types"
)

// ServerConfig configures the llama-server subprocess backend.
type ServerConfig struct {
	Bin          string // empty: discover on PATH and common install dirs
	Host         string // default 127.0.0.1
	PortStart    int    // optional port range; 0 picks any free port
	PortEnd      int
	CtxSize      int
	GPULayers    int
	Threads      int
	ExtraArgs    []string
	ReadyTimeout time.Duration // default 2m
	Logger       *zerolog.Logger
}

// ServerBackend spawns one llama.cpp server per loaded model and talks to it
// over the native /completion endpoint.
type ServerBackend struct {
	cfg    ServerConfig
	client *http.Client
	log    zerolog.Logger

	// reserved holds ports handed to a child that may not have bound them yet.
	mu       sync.Mutex
	reserved map[int]struct{}
}

// NewServerBackend returns a subprocess backend for cfg.
func NewServerBackend(cfg ServerConfig) *ServerBackend {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	lg := zerolog.Nop()
	if cfg.Logger != nil {
		lg = cfg.Logger.With().Str("component", "llama_server").Logger()
	}
	// Timeout=0: every call carries a context deadline instead.
	return &ServerBackend{cfg: cfg, client: &http.Client{Timeout: 0}, log: lg, reserved: make(map[int]struct{})}
}

// Preflight resolves the llama-server binary without starting it, so a
// missing dependency can be reported at startup instead of on first load.
func (b *ServerBackend) Preflight() (string, error) {
	bin := strings.TrimSpace(b.cfg.Bin)
	if bin == "" {
		bin = discoverLlamaBin()
	}
	if bin == "" {
		return "", ErrDependencyUnavailable("llama-server not found: set --llama-bin or install llama.cpp")
	}
	if fi, err := os.Stat(bin); err != nil || fi.IsDir() {
		return bin, ErrDependencyUnavailable(fmt.Sprintf("llama-server not found or not a file: %s", bin))
	}
	return bin, nil
}

// Load starts a llama-server for mdl.Path and waits until it reports healthy.
// The process outlives ctx; ctx only bounds the readiness wait.
func (b *ServerBackend) Load(ctx context.Context, mdl types.Model) (Model, error) {
	bin, err := b.Preflight()
	if err != nil {
		return nil, err
	}
	modelPath := strings.TrimSpace(mdl.Path)
	if modelPath == "" {
		return nil, fmt.Errorf("model %s has empty path", mdl.ID)
	}
	modelPath, err = fsutil.ExpandHome(modelPath)
	if err != nil {
		return nil, err
	}

	port, err := b.reservePort()
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("http://%s:%d", b.cfg.Host, port)

	args := []string{"-m", modelPath, "--host", b.cfg.Host, "--port", fmt.Sprint(port)}
	if b.cfg.CtxSize > 0 {
		args = append(args, "-c", fmt.Sprint(b.cfg.CtxSize))
	}
	if b.cfg.GPULayers > 0 {
		args = append(args, "-ngl", fmt.Sprint(b.cfg.GPULayers))
	}
	if b.cfg.Threads > 0 {
		args = append(args, "-t", fmt.Sprint(b.cfg.Threads))
	}
	args = append(args, b.cfg.ExtraArgs...)

	cmd := exec.Command(bin, args...)
	if dir := filepath.Dir(modelPath); fsutil.PathExists(dir) {
		cmd.Dir = dir
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		b.releasePort(port)
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	lg := b.log.With().Str("model_id", mdl.ID).Int("pid", cmd.Process.Pid).Logger()
	lg.Info().Str("url", baseURL).Msg("spawn_start")

	sm := &serverModel{cmd: cmd, baseURL: baseURL, client: b.client, exited: make(chan struct{}), log: lg,
		release: func() { b.releasePort(port) }}
	go func() {
		sm.exitErr = cmd.Wait()
		close(sm.exited)
	}()

	if err := sm.waitReady(ctx, b.cfg.ReadyTimeout); err != nil {
		_ = sm.Close()
		if tail := stderr.String(); tail != "" {
			err = fmt.Errorf("%w; stderr tail: %s", err, tail)
		}
		lg.Warn().Err(err).Msg("spawn_failed")
		return nil, err
	}
	lg.Info().Str("url", baseURL).Msg("spawn_ready")
	return sm, nil
}

type serverModel struct {
	cmd     *exec.Cmd
	baseURL string
	client  *http.Client
	log     zerolog.Logger
	release func() // frees the port reservation once the process is gone

	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
}

func (m *serverModel) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-m.exited:
			if m.exitErr != nil {
				return fmt.Errorf("llama-server exited early: %v", m.exitErr)
			}
			return fmt.Errorf("llama-server exited before ready: %s", m.baseURL)
		case <-deadline.C:
			return fmt.Errorf("llama-server not ready in time: %s", m.baseURL)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if m.healthy(ctx) {
			return nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *serverModel) healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
	CachePrompt bool     `json:"cache_prompt"`
}

type completionResponse struct {
	Content string `json:"content"`
}

// Predict posts a non-streaming completion to the server.
func (m *serverModel) Predict(ctx context.Context, prompt string, opts PredictOptions) (string, error) {
	select {
	case <-m.exited:
		return "", errors.New("llama-server is not running")
	default:
	}
	body, err := json.Marshal(completionRequest{
		Prompt:      prompt,
		NPredict:    opts.MaxTokens,
		Stop:        opts.Stop,
		CachePrompt: true,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("llama-server http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode llama-server response: %w", err)
	}
	return out.Content, nil
}

// Close terminates the process: SIGTERM first, then kill after 2s.
func (m *serverModel) Close() error {
	m.closeOnce.Do(func() {
		if m.release != nil {
			defer m.release()
		}
		if m.cmd == nil || m.cmd.Process == nil {
			return
		}
		select {
		case <-m.exited:
			return
		default:
		}
		_ = m.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-m.exited:
		case <-time.After(2 * time.Second):
			_ = m.cmd.Process.Kill()
			<-m.exited
		}
		m.log.Info().Msg("spawn_stop")
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// reservePort picks a port no other load of this backend holds and marks it
// reserved until releasePort.
func (b *ServerBackend) reservePort() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var (
		port int
		err  error
	)
	if b.cfg.PortStart > 0 && b.cfg.PortEnd >= b.cfg.PortStart {
		port, err = pickPortInRange(b.cfg.Host, b.cfg.PortStart, b.cfg.PortEnd, b.reserved)
	} else {
		// Retry a few times in case the kernel hands back a port a child has
		// not bound yet.
		for i := 0; i < 8; i++ {
			port, err = pickFreePort(b.cfg.Host)
			if err != nil {
				break
			}
			if _, taken := b.reserved[port]; !taken {
				break
			}
			port, err = 0, fmt.Errorf("no unreserved free port on %s", b.cfg.Host)
		}
	}
	if err != nil {
		return 0, err
	}
	b.reserved[port] = struct{}{}
	return port, nil
}

func (b *ServerBackend) releasePort(port int) {
	b.mu.Lock()
	delete(b.reserved, port)
	b.mu.Unlock()
}

func pickPortInRange(host string, start, end int, skip map[int]struct{}) (int, error) {
	for p := start; p <= end; p++ {
		if _, taken := skip[p]; taken {
			continue
		}
		l, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected addr: %s", l.Addr())
	}
	return addr.Port, nil
}

// discoverLlamaBin looks for llama-server in common install locations, then PATH.
func discoverLlamaBin() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, "apps", "llama.cpp", "build", "bin", "llama-server"),
		"/usr/local/bin/llama-server",
		"/opt/homebrew/bin/llama-server",
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	if lp, err := exec.LookPath("llama-server"); err == nil {
		return lp
	}
	return ""
}
