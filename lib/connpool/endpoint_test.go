package connpool

import (
	"errors"
	"testing"

	cerrors "github.com/go-i2p/connmux/lib/errors"
)

func TestTCPEndpoint(t *testing.T) {
	tests := []struct {
		address string
		want    string
		wantErr bool
	}{
		{"example.com", "example.com:808", false},
		{"Example.COM:9000", "example.com:9000", false},
		{"net.tcp://Example.com:9000/service", "example.com:9000", false},
		{"net.tcp://example.com/service", "example.com:808", false},
		{"127.0.0.1:1", "127.0.0.1:1", false},
		{"[::1]:80", "[::1]:80", false},
		{"::1", "[::1]:808", false},
		{"", "", true},
		{":80", "", true},
		{"net.tcp:///path", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.address, func(t *testing.T) {
			got, err := TCPEndpoint(tc.address)
			if tc.wantErr {
				if !errors.Is(err, cerrors.ErrInvalidAddress) {
					t.Errorf("TCPEndpoint(%q) error = %v, want ErrInvalidAddress", tc.address, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("TCPEndpoint(%q) failed: %v", tc.address, err)
			}
			if got.Key != tc.want || got.Address != tc.want {
				t.Errorf("TCPEndpoint(%q) = %+v, want key and address %q", tc.address, got, tc.want)
			}
		})
	}
}

func TestUnixEndpoint(t *testing.T) {
	got, err := UnixEndpoint("/tmp//connmux/../connmux.sock")
	if err != nil {
		t.Fatalf("UnixEndpoint failed: %v", err)
	}
	if got.Key != "/tmp/connmux.sock" || got.Address != got.Key {
		t.Errorf("UnixEndpoint = %+v", got)
	}
	if _, err := UnixEndpoint(""); !errors.Is(err, cerrors.ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestWebSocketEndpoint(t *testing.T) {
	tests := []struct {
		address string
		want    string
		wantErr bool
	}{
		{"ws://Example.com", "ws://example.com:80/", false},
		{"wss://example.com/mux", "wss://example.com:443/mux", false},
		{"WS://example.com:8080/a/b", "ws://example.com:8080/a/b", false},
		{"http://example.com", "", true},
		{"ws:///path", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.address, func(t *testing.T) {
			got, err := WebSocketEndpoint(tc.address)
			if tc.wantErr {
				if !errors.Is(err, cerrors.ErrInvalidAddress) {
					t.Errorf("WebSocketEndpoint(%q) error = %v", tc.address, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("WebSocketEndpoint(%q) failed: %v", tc.address, err)
			}
			if got.Key != tc.want {
				t.Errorf("WebSocketEndpoint(%q) key = %q, want %q", tc.address, got.Key, tc.want)
			}
		})
	}
}

func TestWebSocketEndpointKeepsQueryForDialing(t *testing.T) {
	got, err := WebSocketEndpoint("ws://example.com/mux?token=abc")
	if err != nil {
		t.Fatalf("WebSocketEndpoint failed: %v", err)
	}
	if got.Key != "ws://example.com:80/mux" {
		t.Errorf("Key = %q", got.Key)
	}
	if got.Address != "ws://example.com:80/mux?token=abc" {
		t.Errorf("Address = %q", got.Address)
	}
}
