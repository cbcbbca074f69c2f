package connpool

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/go-i2p/i2pkeys"

	cerrors "github.com/go-i2p/connmux/lib/errors"
)

// DefaultTCPPort is the port assumed when a TCP address carries none.
const DefaultTCPPort = "808"

// Endpoint is a normalized remote address.
type Endpoint struct {
	// Key groups idle connections. Spellings of one destination share it.
	Key string
	// Address is handed to the pool's Dialer.
	Address string
}

// EndpointFunc normalizes a caller-supplied address for one network.
type EndpointFunc func(address string) (Endpoint, error)

// TCPEndpoint accepts "host", "host:port" or "net.tcp://host:port/path".
// Key and Address are both "host:port" with a lower-case host.
func TCPEndpoint(address string) (Endpoint, error) {
	hostport := address
	if strings.Contains(address, "://") {
		u, err := url.Parse(address)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %v", cerrors.ErrInvalidAddress, err)
		}
		hostport = u.Host
	}
	if hostport == "" {
		return Endpoint{}, fmt.Errorf("%w: empty host", cerrors.ErrInvalidAddress)
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port present.
		host, port = strings.Trim(hostport, "[]"), DefaultTCPPort
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: empty host in %q", cerrors.ErrInvalidAddress, address)
	}
	if port == "" {
		port = DefaultTCPPort
	}
	hp := net.JoinHostPort(strings.ToLower(host), port)
	return Endpoint{Key: hp, Address: hp}, nil
}

// UnixEndpoint cleans a socket path.
func UnixEndpoint(address string) (Endpoint, error) {
	if address == "" {
		return Endpoint{}, fmt.Errorf("%w: empty socket path", cerrors.ErrInvalidAddress)
	}
	p := filepath.Clean(address)
	return Endpoint{Key: p, Address: p}, nil
}

// I2PEndpoint keys an I2P destination (base64, base32 or .i2p name form) by
// its base32 address so that all spellings share one pool entry. The
// destination is dialed as given, saving a lookup for full destinations.
func I2PEndpoint(address string) (Endpoint, error) {
	addr, err := i2pkeys.NewI2PAddrFromString(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", cerrors.ErrInvalidAddress, err)
	}
	return Endpoint{Key: addr.Base32(), Address: strings.TrimSpace(address)}, nil
}

// WebSocketEndpoint normalizes a ws:// or wss:// URL, filling in default
// ports. The query string is kept for dialing but not for the key.
func WebSocketEndpoint(address string) (Endpoint, error) {
	u, err := url.Parse(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", cerrors.ErrInvalidAddress, err)
	}

	scheme := strings.ToLower(u.Scheme)
	var defaultPort string
	switch scheme {
	case "ws":
		defaultPort = "80"
	case "wss":
		defaultPort = "443"
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", cerrors.ErrInvalidAddress, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: empty host in %q", cerrors.ErrInvalidAddress, address)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	key := scheme + "://" + net.JoinHostPort(host, port) + path
	dial := key
	if u.RawQuery != "" {
		dial += "?" + u.RawQuery
	}
	return Endpoint{Key: key, Address: dial}, nil
}
