package main

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/go-i2p/connmux/lib/demux"
	"github.com/go-i2p/connmux/lib/framing"
	"github.com/go-i2p/connmux/lib/session"
)

// echoSingleton answers each envelope with itself in the form it arrived. Once the client ends
// the sequence the connection is handed back to the demuxer for its next
// preamble.
func echoSingleton(logger *slog.Logger) func(*demux.Connection, *demux.TransportSettings) {
	return func(c *demux.Connection, s *demux.TransportSettings) {
		mode := c.Preamble().Mode
		n := 0
		for {
			msg, err := framing.ReadMessage(c, mode, s.MaxEnvelopeSize)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				logger.Debug("singleton read failed", "id", c.ID(), "endpoint", s.Name, "error", err)
				if fault, ok := framing.FaultFor(err); ok {
					framing.WriteFault(c, fault)
				}
				c.Close()
				return
			}
			if err := framing.WriteMessage(c, mode, msg); err != nil {
				c.Close()
				return
			}
			n++
		}
		if err := framing.WriteEnd(c); err != nil {
			c.Close()
			return
		}
		logger.Debug("singleton sequence done", "id", c.ID(), "endpoint", s.Name, "messages", n, "reused", c.Reused())
		c.Reuse()
	}
}

// echoSession serves a stream-multiplexed session whose streams echo.
func echoSession(logger *slog.Logger, cfg session.Config) func(*demux.Connection, *demux.TransportSettings) {
	return func(c *demux.Connection, s *demux.TransportSettings) {
		logger.Debug("session started", "id", c.ID(), "endpoint", s.Name)
		err := session.Serve(c, cfg, func(stream net.Conn) {
			defer stream.Close()
			io.Copy(stream, stream)
		})
		if err != nil {
			logger.Warn("session failed", "id", c.ID(), "endpoint", s.Name, "error", err)
			return
		}
		logger.Debug("session ended", "id", c.ID(), "endpoint", s.Name)
	}
}
