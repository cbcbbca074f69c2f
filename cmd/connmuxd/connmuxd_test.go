package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-i2p/connmux/lib/config"
	"github.com/go-i2p/connmux/lib/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Listener.Address = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	cfg.Demux.MaxPendingAccepts = 2
	cfg.Endpoints = []config.EndpointConfig{
		{Via: config.DefaultEndpointVia, Name: "echo", Kind: config.KindSingleton},
		{Via: "net.tcp://localhost/streams", Name: "streams", Kind: config.KindSession},
	}
	return cfg
}

func startTestServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	s, err := newServer(cfg, testLogger())
	if err != nil {
		t.Fatalf("newServer failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProbeSingleton(t *testing.T) {
	cfg := testConfig()
	s := startTestServer(t, cfg)

	opts := probeOpts
	opts.Address = s.Addr().String()
	opts.Count = 3
	opts.Rounds = 2

	var out bytes.Buffer
	if err := runProbe(context.Background(), cfg, opts, testLogger(), &out); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got := strings.Count(out.String(), "echoed"); got != 2 {
		t.Errorf("expected 2 rounds, output:\n%s", out.String())
	}
	// The second round rides the connection pooled by the first.
	if !strings.Contains(out.String(), "round 2: 3 x") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if s.demux.Stats().Reused == 0 {
		t.Error("server should have reused the probe connection")
	}
}

func TestProbeSingletonUnsized(t *testing.T) {
	cfg := testConfig()
	s := startTestServer(t, cfg)

	opts := probeOpts
	opts.Address = s.Addr().String()
	opts.Mode = probeModeUnsized
	// Spans several chunks.
	opts.Message = strings.Repeat("u", 40*1024)
	opts.Count = 2
	opts.Rounds = 2

	var out bytes.Buffer
	if err := runProbe(context.Background(), cfg, opts, testLogger(), &out); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if !strings.Contains(out.String(), "round 2: 2 x") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if s.demux.Stats().Reused == 0 {
		t.Error("server should have reused the probe connection")
	}
}

func TestProbeSession(t *testing.T) {
	cfg := testConfig()
	s := startTestServer(t, cfg)

	opts := probeOpts
	opts.Address = s.Addr().String()
	opts.Via = "net.tcp://localhost/streams"
	opts.Mode = config.KindSession
	opts.Count = 4
	opts.Rounds = 1

	var out bytes.Buffer
	if err := runProbe(context.Background(), cfg, opts, testLogger(), &out); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if !strings.Contains(out.String(), "round 1: 4 x") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestProbeUnknownEndpoint(t *testing.T) {
	cfg := testConfig()
	s := startTestServer(t, cfg)

	opts := probeOpts
	opts.Address = s.Addr().String()
	opts.Via = "net.tcp://localhost/missing"
	opts.Rounds = 1

	err := runProbe(context.Background(), cfg, opts, testLogger(), io.Discard)
	if err == nil || !strings.Contains(err.Error(), "EndpointNotFound") {
		t.Errorf("expected EndpointNotFound fault, got %v", err)
	}
}

func TestProbeBadMode(t *testing.T) {
	opts := probeOpts
	opts.Mode = "broadcast"
	if err := runProbe(context.Background(), testConfig(), opts, testLogger(), io.Discard); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestServeWebSocket(t *testing.T) {
	cfg := testConfig()
	cfg.Listener.Network = transport.NetworkWebSocket
	s := startTestServer(t, cfg)

	opts := probeOpts
	opts.Network = transport.NetworkWebSocket
	opts.Address = "ws://" + s.Addr().String() + transport.DefaultWebSocketPath
	opts.Rounds = 2

	if err := runProbe(context.Background(), cfg, opts, testLogger(), io.Discard); err != nil {
		t.Fatalf("probe over websocket failed: %v", err)
	}
}

func TestServeUnix(t *testing.T) {
	cfg := testConfig()
	cfg.Listener.Network = transport.NetworkUnix
	cfg.Listener.Address = filepath.Join(t.TempDir(), "connmuxd.sock")
	startTestServer(t, cfg)

	opts := probeOpts
	opts.Network = transport.NetworkUnix
	opts.Address = ""

	if err := runProbe(context.Background(), cfg, opts, testLogger(), io.Discard); err != nil {
		t.Fatalf("probe over unix socket failed: %v", err)
	}
}

func TestServeMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"
	s := startTestServer(t, cfg)

	opts := probeOpts
	opts.Address = s.Addr().String()
	if err := runProbe(context.Background(), cfg, opts, testLogger(), io.Discard); err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	rec := httptest.NewRecorder()
	s.metrics.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connmux_demux_") {
		t.Errorf("metrics output missing demux metrics:\n%s", rec.Body.String())
	}
}

func TestReloadAdjustsPendingLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connmuxd.toml")
	cfg := testConfig()
	if err := config.Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	s := startTestServer(t, cfg)
	if err := s.watch(path); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	updated := testConfig()
	updated.Demux.MaxPendingConnections = 5
	if err := config.Save(updated, path); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.demux.MaxPendingConnections() != 5 {
		if time.Now().After(deadline) {
			t.Fatalf("pending limit = %d, want 5", s.demux.MaxPendingConnections())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(out.String(), "connmuxd ") {
		t.Errorf("version output = %q", out.String())
	}
}
