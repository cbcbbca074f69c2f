package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-i2p/connmux/lib/connpool"
)

// DefaultWebSocketPath is the HTTP path WebSocketListener upgrades on.
const DefaultWebSocketPath = "/connmux"

// wsConn presents a WebSocket as a byte stream. Each Write is sent as one
// binary message; reads span message boundaries.
type wsConn struct {
	ws *websocket.Conn

	rmu    sync.Mutex
	reader io.Reader

	wmu sync.Mutex
}

// NewWebSocketConn wraps ws as a net.Conn.
func NewWebSocketConn(ws *websocket.Conn) net.Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// WebSocketListener accepts WebSocket upgrades on an HTTP path and hands
// each upgraded socket out as a net.Conn.
type WebSocketListener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	conns    chan net.Conn
	done     chan struct{}
	once     sync.Once
}

// ListenWebSocket serves WebSocket upgrades on address at path. An empty
// path means DefaultWebSocketPath.
func ListenWebSocket(address, path string) (*WebSocketListener, error) {
	if path == "" {
		path = DefaultWebSocketPath
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen websocket: %w", err)
	}

	l := &WebSocketListener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("websocket server stopped")
		}
	}()

	log.WithField("address", ln.Addr().String()).WithField("path", path).Debug("listening on WebSocket")
	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithField("remote", r.RemoteAddr).Debug("websocket upgrade failed")
		return
	}

	conn := NewWebSocketConn(ws)
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

// Accept waits for the next upgraded connection.
func (l *WebSocketListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops the HTTP server. Connections already accepted stay open.
func (l *WebSocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

// Addr returns the TCP address the HTTP server listens on.
func (l *WebSocketListener) Addr() net.Addr {
	return l.ln.Addr()
}

// WebSocketDialer dials ws:// and wss:// URLs.
type WebSocketDialer struct {
	dialer websocket.Dialer
}

// NewWebSocketDialer returns a dialer with the default handshake timeout.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		dialer: websocket.Dialer{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: DefaultDialTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// DialContext connects to the URL in address. The network is ignored.
func (d *WebSocketDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", address, err)
	}
	return NewWebSocketConn(ws), nil
}

// WebSocketPools creates connection pools that dial through d.
func WebSocketPools(d *WebSocketDialer) connpool.CreateFunc {
	return func(s connpool.Settings) (*connpool.Pool, error) {
		return connpool.NewPool(NetworkWebSocket, d, connpool.WebSocketEndpoint, s)
	}
}
