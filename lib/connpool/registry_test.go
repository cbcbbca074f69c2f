package connpool

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(d Dialer) *Registry {
	return NewRegistry(func(s Settings) (*Pool, error) {
		return NewPool("tcp", d, TCPEndpoint, s)
	})
}

func TestRegistrySharesCompatiblePools(t *testing.T) {
	r := newTestRegistry(&pipeDialer{})
	s := testSettings()

	p1, err := r.Lookup(s)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	p2, err := r.Lookup(s)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if p1 != p2 {
		t.Fatal("identical settings should share one pool")
	}
	if p1.RefCount() != 2 {
		t.Errorf("RefCount = %d, want 2", p1.RefCount())
	}

	if r.Release(p1, time.Second) {
		t.Error("first release should not close the pool")
	}
	if !r.Release(p2, time.Second) {
		t.Error("last release should close the pool")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after last release, want 0", r.Len())
	}

	p3, err := r.Lookup(s)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if p3 == p1 {
		t.Error("lookup after close must create a new pool")
	}
	if p3.State() != StateOpen {
		t.Errorf("State = %v, want open", p3.State())
	}
	r.Release(p3, time.Second)
}

func TestRegistryIsolatesSettings(t *testing.T) {
	r := newTestRegistry(&pipeDialer{})

	a := testSettings()
	a.PoolGroupName = "alpha"
	b := testSettings()
	b.PoolGroupName = "beta"
	bShort := b
	bShort.IdleTimeout = time.Second

	pa, _ := r.Lookup(a)
	pb, _ := r.Lookup(b)
	pbShort, _ := r.Lookup(bShort)

	if pa == pb || pb == pbShort {
		t.Fatal("incompatible settings must not share pools")
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}
	keys := r.Keys()
	if len(keys) != 2 || keys[0] != "alpha" || keys[1] != "beta" {
		t.Errorf("Keys = %v", keys)
	}

	r.Release(pb, time.Second)
	if got := r.Keys(); len(got) != 2 {
		t.Errorf("group with a remaining pool should stay registered, keys = %v", got)
	}
	r.Release(pbShort, time.Second)
	r.Release(pa, time.Second)
	if len(r.Keys()) != 0 {
		t.Errorf("Keys = %v, want none", r.Keys())
	}
}

func TestRegistryCreateFailure(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry(func(Settings) (*Pool, error) { return nil, boom })

	if _, err := r.Lookup(testSettings()); !errors.Is(err, boom) {
		t.Errorf("expected create error, got %v", err)
	}
	if r.Len() != 0 {
		t.Error("failed creation must not modify the registry")
	}
}

func TestRegistryPrunesClosedPools(t *testing.T) {
	r := newTestRegistry(&pipeDialer{})
	s := testSettings()

	p1, _ := r.Lookup(s)
	p1.Abort()

	p2, err := r.Lookup(s)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if p2 == p1 {
		t.Error("aborted pool must not be handed out")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	r.Release(p2, time.Second)
}

func TestRegistryReleaseDrainsOutsideLock(t *testing.T) {
	unblock := make(chan struct{})
	d := &slowCloseDialer{unblock: unblock}
	r := newTestRegistry(d)

	p, _ := r.Lookup(testSettings())
	lease, err := p.TakeConnection(context.Background(), "host:1")
	if err != nil {
		t.Fatalf("TakeConnection failed: %v", err)
	}
	p.ReturnConnection(lease, true)

	released := make(chan bool)
	go func() {
		released <- r.Release(p, 5*time.Second)
	}()

	// The drain is blocked on the slow close; the registry must stay usable.
	deadline := time.After(time.Second)
	for p.State() != StateClosing {
		select {
		case <-deadline:
			t.Fatal("pool never started closing")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	lookedUp := make(chan *Pool)
	go func() {
		q, _ := r.Lookup(testSettings())
		lookedUp <- q
	}()

	var q *Pool
	select {
	case q = <-lookedUp:
	case <-time.After(time.Second):
		t.Fatal("Lookup blocked while a pool was draining")
	}
	if q == p {
		t.Error("closing pool was handed out")
	}

	close(unblock)
	if !<-released {
		t.Error("Release should report the pool closed")
	}
	if p.State() != StateClosed {
		t.Errorf("State = %v, want closed", p.State())
	}
	r.Release(q, time.Second)
}

// slowCloseDialer returns connections whose Close blocks until unblock.
type slowCloseDialer struct {
	unblock chan struct{}
}

type slowConn struct {
	net.Conn
	unblock chan struct{}
}

func (c *slowConn) Close() error {
	<-c.unblock
	return c.Conn.Close()
}

func (d *slowCloseDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	server.Close()
	return &slowConn{Conn: client, unblock: d.unblock}, nil
}

// TestRegistryConcurrentLookupRelease checks that a pool returned by Lookup
// is always open even while other goroutines release the last reference.
func TestRegistryConcurrentLookupRelease(t *testing.T) {
	r := newTestRegistry(&pipeDialer{})
	s := testSettings()

	var wg sync.WaitGroup
	const workers = 16
	const iterations = 200

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				p, err := r.Lookup(s)
				if err != nil {
					t.Errorf("Lookup failed: %v", err)
					return
				}
				if st := p.State(); st != StateOpen {
					t.Errorf("Lookup returned a %v pool", st)
					return
				}
				if p.RefCount() < 1 {
					t.Error("Lookup returned a pool without a reference")
					return
				}
				r.Release(p, time.Second)
			}
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len = %d after all releases, want 0", r.Len())
	}
}

func TestRegistryReleaseNil(t *testing.T) {
	r := newTestRegistry(&pipeDialer{})
	if r.Release(nil, time.Second) {
		t.Error("Release(nil) should return false")
	}
}

func TestDefaultTCPRegistry(t *testing.T) {
	if DefaultTCPRegistry() != DefaultTCPRegistry() {
		t.Error("DefaultTCPRegistry should return one registry")
	}
}

func TestTCPPoolsOverLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					conn.Write(buf[:n])
				}
			}()
		}
	}()

	r := NewRegistry(TCPPools(&net.Dialer{}))
	p, err := r.Lookup(testSettings())
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	defer r.Release(p, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lease, err := p.TakeConnection(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("TakeConnection failed: %v", err)
	}
	if _, err := lease.Write([]byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(lease, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("Read = %q, %v", buf, err)
	}
	p.ReturnConnection(lease, true)

	again, err := p.TakeConnection(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("TakeConnection failed: %v", err)
	}
	if again.Conn != lease.Conn {
		t.Error("expected the loopback connection to be reused")
	}
	p.ReturnConnection(again, false)
}
