package demux

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cerrors "github.com/go-i2p/connmux/lib/errors"
	"github.com/go-i2p/connmux/lib/framing"
)

const testVia = "net.tcp://localhost/echo"

// recorder collects handler invocations.
type recorder struct {
	mu       sync.Mutex
	errs     []error
	resolves int32
}

func (r *recorder) onError(_ net.Conn, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) resolve(p *framing.Preamble) (*TransportSettings, error) {
	atomic.AddInt32(&r.resolves, 1)
	if p.Via != testVia {
		return nil, cerrors.ErrEndpointNotFound
	}
	return &TransportSettings{Name: "echo", MaxEnvelopeSize: 1024}, nil
}

// echoSingleton answers every envelope with itself, then reuses the connection.
func echoSingleton(c *Connection, s *TransportSettings) {
	mode := c.Preamble().Mode
	for {
		msg, err := framing.ReadMessage(c, mode, s.MaxEnvelopeSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			c.Close()
			return
		}
		if err := framing.WriteMessage(c, mode, msg); err != nil {
			c.Close()
			return
		}
	}
	if err := framing.WriteEnd(c); err != nil {
		c.Close()
		return
	}
	c.Reuse()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxPendingAccepts = 2
	cfg.ChannelInitializationTimeout = 2 * time.Second
	cfg.IdleTimeout = 2 * time.Second
	return cfg
}

func startDemuxer(t *testing.T, cfg Config, h Handlers) *Demuxer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	d, err := New(ln, cfg, h)
	if err != nil {
		ln.Close()
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func dial(t *testing.T, d *Demuxer) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", d.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func sendPreamble(t *testing.T, conn net.Conn, r *bufio.Reader, mode framing.Mode, via string) error {
	t.Helper()
	p := &framing.Preamble{Mode: mode, Via: via, ContentType: "application/soap+msbin1"}
	if err := framing.WritePreamble(conn, p); err != nil {
		t.Fatalf("WritePreamble failed: %v", err)
	}
	return framing.ReadAck(r, 0)
}

// exchange sends one message over a singleton connection and returns the reply.
func exchange(t *testing.T, conn net.Conn, r *bufio.Reader, mode framing.Mode, msg string) string {
	t.Helper()
	if err := framing.WriteMessage(conn, mode, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := framing.WriteEnd(conn); err != nil {
		t.Fatalf("WriteEnd failed: %v", err)
	}
	reply, err := framing.ReadMessage(r, mode, 0)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if _, err := framing.ReadMessage(r, mode, 0); err != io.EOF {
		t.Fatalf("expected End record, got %v", err)
	}
	return string(reply)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectClosed(t *testing.T, r *bufio.Reader) {
	t.Helper()
	if _, err := r.ReadByte(); err == nil {
		t.Error("expected the connection to be closed")
	}
}

func TestNewValidation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	if _, err := New(nil, DefaultConfig(), Handlers{}); !errors.Is(err, cerrors.ErrInvalidInput) {
		t.Errorf("nil listener: expected ErrInvalidInput, got %v", err)
	}
	if _, err := New(ln, DefaultConfig(), Handlers{}); !errors.Is(err, cerrors.ErrInvalidInput) {
		t.Errorf("missing resolver: expected ErrInvalidInput, got %v", err)
	}

	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.IdleTimeout = -1
	if _, err := New(ln, cfg, Handlers{ResolveSettings: rec.resolve}); !errors.Is(err, cerrors.ErrInvalidInput) {
		t.Errorf("negative timeout: expected ErrInvalidInput, got %v", err)
	}

	d, err := New(ln, Config{}, Handlers{ResolveSettings: rec.resolve})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	got := d.Config()
	if got.MaxPendingAccepts != DefaultMaxPendingAccepts || got.ConnectionBufferSize != DefaultConnectionBufferSize {
		t.Errorf("zero config not normalized: %+v", got)
	}
	d.Close()
}

func TestDemuxerLifecycle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	rec := &recorder{}
	d, err := New(ln, testConfig(), Handlers{ResolveSettings: rec.resolve})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Start(); !errors.Is(err, cerrors.ErrAlreadyStarted) {
		t.Errorf("second Start: expected ErrAlreadyStarted, got %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := d.Start(); !errors.Is(err, cerrors.ErrDemuxerClosed) {
		t.Errorf("Start after Close: expected ErrDemuxerClosed, got %v", err)
	}
}

func TestCloseBeforeStart(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	rec := &recorder{}
	d, err := New(ln, testConfig(), Handlers{ResolveSettings: rec.resolve})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close before Start failed: %v", err)
	}
	if _, err := ln.Accept(); err == nil {
		t.Error("listener should be closed")
	}
}

func TestSingletonDispatchAndReuse(t *testing.T) {
	rec := &recorder{}
	var reusedSeen int32
	d := startDemuxer(t, testConfig(), Handlers{
		ResolveSettings: rec.resolve,
		HandleSingleton: func(c *Connection, s *TransportSettings) {
			if c.Reused() {
				atomic.AddInt32(&reusedSeen, 1)
			}
			if c.Preamble() == nil || c.Settings() != s || c.ID() == "" {
				t.Error("connection missing dispatch state")
			}
			echoSingleton(c, s)
		},
		OnError: rec.onError,
	})

	conn, r := dial(t, d)
	if err := sendPreamble(t, conn, r, framing.ModeSingletonSized, testVia); err != nil {
		t.Fatalf("preamble refused: %v", err)
	}
	if got := exchange(t, conn, r, framing.ModeSingletonSized, "hello"); got != "hello" {
		t.Errorf("reply = %q, want hello", got)
	}

	// The same physical connection carries a second preamble.
	if err := sendPreamble(t, conn, r, framing.ModeSingletonUnsized, testVia); err != nil {
		t.Fatalf("second preamble refused: %v", err)
	}
	if got := exchange(t, conn, r, framing.ModeSingletonUnsized, "again"); got != "again" {
		t.Errorf("reply = %q, want again", got)
	}

	waitFor(t, "reuse", func() bool { return d.Stats().Reused == 2 })
	stats := d.Stats()
	if stats.Accepted != 1 || stats.Dispatched != 2 {
		t.Errorf("stats = %+v, want 1 accepted and 2 dispatched", stats)
	}
	if atomic.LoadInt32(&reusedSeen) != 1 {
		t.Errorf("reused dispatches = %d, want 1", reusedSeen)
	}
	if stats.Pooled != 1 {
		t.Errorf("Pooled = %d, want 1", stats.Pooled)
	}

	// Closing the client ends the pooled connection quietly.
	conn.Close()
	waitFor(t, "pooled connection release", func() bool { return d.Stats().Pooled == 0 })
	if errs := rec.errors(); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestSessionDispatch(t *testing.T) {
	rec := &recorder{}
	modes := make(chan framing.Mode, 2)
	d := startDemuxer(t, testConfig(), Handlers{
		ResolveSettings: rec.resolve,
		HandleSession: func(c *Connection, s *TransportSettings) {
			modes <- c.Preamble().Mode
			c.Close()
		},
		OnError: rec.onError,
	})

	for _, mode := range []framing.Mode{framing.ModeDuplex, framing.ModeSimplex} {
		conn, r := dial(t, d)
		if err := sendPreamble(t, conn, r, mode, testVia); err != nil {
			t.Fatalf("%s preamble refused: %v", mode, err)
		}
		select {
		case got := <-modes:
			if got != mode {
				t.Errorf("mode = %s, want %s", got, mode)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s session not dispatched", mode)
		}
		expectClosed(t, r)
	}
}

func TestEndpointNotFound(t *testing.T) {
	rec := &recorder{}
	d := startDemuxer(t, testConfig(), Handlers{
		ResolveSettings: rec.resolve,
		HandleSingleton: echoSingleton,
		OnError:         rec.onError,
	})

	conn, r := dial(t, d)
	err := sendPreamble(t, conn, r, framing.ModeSingletonSized, "net.tcp://localhost/missing")
	var fe *framing.FaultError
	if !errors.As(err, &fe) || fe.Fault != framing.FaultEndpointNotFound {
		t.Fatalf("expected EndpointNotFound fault, got %v", err)
	}
	expectClosed(t, r)

	waitFor(t, "error callback", func() bool { return len(rec.errors()) == 1 })
	if !errors.Is(rec.errors()[0], cerrors.ErrEndpointNotFound) {
		t.Errorf("OnError got %v", rec.errors()[0])
	}
	if d.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", d.Stats().Failed)
	}
}

func TestResolverErrorsBecomeEndpointNotFound(t *testing.T) {
	rec := &recorder{}
	d := startDemuxer(t, testConfig(), Handlers{
		ResolveSettings: func(*framing.Preamble) (*TransportSettings, error) {
			return nil, errors.New("no route")
		},
		OnError: rec.onError,
	})

	conn, r := dial(t, d)
	err := sendPreamble(t, conn, r, framing.ModeDuplex, testVia)
	if !errors.Is(err, cerrors.ErrEndpointNotFound) {
		t.Errorf("expected EndpointNotFound fault, got %v", err)
	}
}

func TestMissingModeHandler(t *testing.T) {
	rec := &recorder{}
	d := startDemuxer(t, testConfig(), Handlers{
		ResolveSettings: rec.resolve,
		HandleSingleton: echoSingleton,
		OnError:         rec.onError,
	})

	conn, r := dial(t, d)
	err := sendPreamble(t, conn, r, framing.ModeDuplex, testVia)
	if !errors.Is(err, cerrors.ErrDispatchFailed) {
		t.Errorf("expected ConnectionDispatchFailed fault, got %v", err)
	}
}

func TestMalformedPreamble(t *testing.T) {
	rec := &recorder{}
	d := startDemuxer(t, testConfig(), Handlers{
		ResolveSettings: rec.resolve,
		HandleSingleton: echoSingleton,
		OnError:         rec.onError,
	})

	conn, r := dial(t, d)
	conn.Write([]byte{byte(framing.RecordVersion), 9, 0})
	err := framing.ReadAck(r, 0)
	if !errors.Is(err, cerrors.ErrUnsupportedVersion) {
		t.Errorf("expected UnsupportedVersion fault, got %v", err)
	}
	expectClosed(t, r)

	// Other connections are unaffected.
	conn2, r2 := dial(t, d)
	if err := sendPreamble(t, conn2, r2, framing.ModeSingletonSized, testVia); err != nil {
		t.Errorf("healthy connection refused: %v", err)
	}
}

func TestPreambleTimeout(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.ChannelInitializationTimeout = 50 * time.Millisecond
	d := startDemuxer(t, cfg, Handlers{
		ResolveSettings: rec.resolve,
		HandleSingleton: echoSingleton,
		OnError:         rec.onError,
	})

	_, r := dial(t, d)
	expectClosed(t, r)

	waitFor(t, "timeout report", func() bool { return len(rec.errors()) == 1 })
	err := rec.errors()[0]
	if !errors.Is(err, cerrors.ErrPreambleTimeout) || !cerrors.IsTimeout(err) {
		t.Errorf("expected preamble timeout, got %v", err)
	}
	if d.Stats().TimedOut != 1 {
		t.Errorf("TimedOut = %d, want 1", d.Stats().TimedOut)
	}
	waitFor(t, "pending slot release", func() bool { return d.Stats().Pending == 0 })
}

// TestMaxPendingConnections checks that a third connection arriving while
// two are still reading their preambles is closed without any callback.
func TestMaxPendingConnections(t *testing.T) {
	var calls int32
	cfg := testConfig()
	cfg.MaxPendingConnections = 2
	d := startDemuxer(t, cfg, Handlers{
		ResolveSettings: func(*framing.Preamble) (*TransportSettings, error) {
			atomic.AddInt32(&calls, 1)
			return &TransportSettings{Name: "echo"}, nil
		},
		HandleSingleton: func(c *Connection, _ *TransportSettings) {
			atomic.AddInt32(&calls, 1)
			c.Close()
		},
		OnError: func(net.Conn, error) { atomic.AddInt32(&calls, 1) },
	})

	dial(t, d)
	dial(t, d)
	waitFor(t, "two pending connections", func() bool { return d.Stats().Pending == 2 })

	_, r3 := dial(t, d)
	expectClosed(t, r3)

	if d.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", d.Stats().Rejected)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("callbacks invoked %d times for pending or refused connections", n)
	}
}

func TestSetMaxPendingConnections(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxPendingConnections = 1
	d := startDemuxer(t, cfg, Handlers{ResolveSettings: rec.resolve, OnError: rec.onError})

	dial(t, d)
	waitFor(t, "one pending connection", func() bool { return d.Stats().Pending == 1 })

	d.SetMaxPendingConnections(2)
	dial(t, d)
	waitFor(t, "two pending connections", func() bool { return d.Stats().Pending == 2 })
	if d.Stats().Rejected != 0 {
		t.Errorf("Rejected = %d, want 0", d.Stats().Rejected)
	}
}

func TestCloseAbortsPendingReads(t *testing.T) {
	rec := &recorder{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	d, err := New(ln, testConfig(), Handlers{ResolveSettings: rec.resolve, OnError: rec.onError})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	d.Start()

	_, r := dial(t, d)
	waitFor(t, "pending connection", func() bool { return d.Stats().Pending == 1 })

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return promptly")
	}

	expectClosed(t, r)
	if errs := rec.errors(); len(errs) != 0 {
		t.Errorf("shutdown aborts should not be reported: %v", errs)
	}
}

func TestReuseDisabled(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxPooledConnections = 0
	reused := make(chan bool, 1)
	d := startDemuxer(t, cfg, Handlers{
		ResolveSettings: rec.resolve,
		HandleSingleton: func(c *Connection, _ *TransportSettings) {
			reused <- c.Reuse()
		},
	})

	conn, r := dial(t, d)
	if err := sendPreamble(t, conn, r, framing.ModeSingletonSized, testVia); err != nil {
		t.Fatalf("preamble refused: %v", err)
	}
	if <-reused {
		t.Error("Reuse should fail when pooling is disabled")
	}
	expectClosed(t, r)
}

func TestReusedConnectionIdleTimeout(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	d := startDemuxer(t, cfg, Handlers{
		ResolveSettings: rec.resolve,
		HandleSingleton: func(c *Connection, _ *TransportSettings) { c.Reuse() },
		OnError:         rec.onError,
	})

	conn, r := dial(t, d)
	if err := sendPreamble(t, conn, r, framing.ModeSingletonSized, testVia); err != nil {
		t.Fatalf("preamble refused: %v", err)
	}
	expectClosed(t, r)

	waitFor(t, "idle timeout report", func() bool { return len(rec.errors()) == 1 })
	if !cerrors.IsTimeout(rec.errors()[0]) {
		t.Errorf("expected timeout, got %v", rec.errors()[0])
	}
	if d.Stats().Pooled != 0 {
		t.Errorf("Pooled = %d, want 0", d.Stats().Pooled)
	}
}

func TestDispatchedReadIdleTimeout(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	readErr := make(chan error, 1)
	d := startDemuxer(t, cfg, Handlers{
		ResolveSettings: rec.resolve,
		HandleSession: func(c *Connection, _ *TransportSettings) {
			defer c.Close()
			_, err := c.Read(make([]byte, 1))
			readErr <- err
		},
	})

	conn, r := dial(t, d)
	if err := sendPreamble(t, conn, r, framing.ModeDuplex, testVia); err != nil {
		t.Fatalf("preamble refused: %v", err)
	}

	select {
	case err := <-readErr:
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Errorf("expected idle read timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle read did not time out")
	}
}

func TestConnectionClosedReads(t *testing.T) {
	rec := &recorder{}
	closedErr := make(chan error, 1)
	d := startDemuxer(t, testConfig(), Handlers{
		ResolveSettings: rec.resolve,
		HandleSession: func(c *Connection, _ *TransportSettings) {
			c.Close()
			c.Close()
			_, err := c.ReadByte()
			closedErr <- err
		},
	})

	conn, r := dial(t, d)
	sendPreamble(t, conn, r, framing.ModeDuplex, testVia)
	if err := <-closedErr; !errors.Is(err, net.ErrClosed) {
		t.Errorf("read after close: expected net.ErrClosed, got %v", err)
	}
}

func TestSettingsCache(t *testing.T) {
	rec := &recorder{}
	d := startDemuxer(t, testConfig(), Handlers{
		ResolveSettings: rec.resolve,
		HandleSingleton: echoSingleton,
	})

	for i := 0; i < 3; i++ {
		conn, r := dial(t, d)
		if err := sendPreamble(t, conn, r, framing.ModeSingletonSized, testVia); err != nil {
			t.Fatalf("preamble refused: %v", err)
		}
	}
	if n := atomic.LoadInt32(&rec.resolves); n != 1 {
		t.Errorf("resolves = %d, want 1 with caching", n)
	}
}

func TestSettingsCacheDisabled(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.SettingsCacheSize = 0
	d := startDemuxer(t, cfg, Handlers{
		ResolveSettings: rec.resolve,
		HandleSingleton: echoSingleton,
	})

	for i := 0; i < 2; i++ {
		conn, r := dial(t, d)
		if err := sendPreamble(t, conn, r, framing.ModeSingletonSized, testVia); err != nil {
			t.Fatalf("preamble refused: %v", err)
		}
	}
	if n := atomic.LoadInt32(&rec.resolves); n != 2 {
		t.Errorf("resolves = %d, want 2 without caching", n)
	}
}

func TestAcceptThrottle(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.AcceptRate = 1000
	cfg.AcceptBurst = 1
	d := startDemuxer(t, cfg, Handlers{
		ResolveSettings: rec.resolve,
		HandleSingleton: echoSingleton,
	})

	conn, r := dial(t, d)
	if err := sendPreamble(t, conn, r, framing.ModeSingletonSized, testVia); err != nil {
		t.Fatalf("preamble refused under throttle: %v", err)
	}
}

// flakyListener fails its first Accept calls with a transient error.
type flakyListener struct {
	net.Listener
	failures int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if atomic.AddInt32(&l.failures, -1) >= 0 {
		return nil, errors.New("transient accept failure")
	}
	return l.Listener.Accept()
}

func TestAcceptErrorsAreRetried(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ln := &flakyListener{Listener: inner, failures: 3}

	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxPendingAccepts = 1
	d, err := New(ln, cfg, Handlers{
		ResolveSettings: rec.resolve,
		HandleSingleton: echoSingleton,
		OnError:         rec.onError,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	d.Start()
	defer d.Close()

	conn, r := dial(t, d)
	if err := sendPreamble(t, conn, r, framing.ModeSingletonSized, testVia); err != nil {
		t.Fatalf("preamble refused after accept errors: %v", err)
	}
	if n := len(rec.errors()); n != 3 {
		t.Errorf("accept errors reported = %d, want 3", n)
	}
}
