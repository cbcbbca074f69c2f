package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-i2p/connmux/lib/config"
	"github.com/go-i2p/connmux/lib/demux"
	"github.com/go-i2p/connmux/lib/metrics"
	"github.com/go-i2p/connmux/lib/transport"
	"github.com/go-i2p/connmux/version"
)

var watchConfig bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept connections and dispatch them to the echo endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		s, err := newServer(cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		if watchConfig {
			if err := s.watch(configPath); err != nil {
				logger.Warn("config reload disabled", "error", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("connmuxd started",
			"network", cfg.Listener.Network,
			"address", s.Addr().String(),
			"version", version.Full())

		<-ctx.Done()
		logger.Info("received signal, shutting down")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&watchConfig, "watch", true, "Reload the pending connection limit when the config file changes")
}

// server is a running demuxer with its listener and metrics endpoint.
type server struct {
	logger  *slog.Logger
	cfg     *config.Config
	i2p     *transport.I2P
	demux   *demux.Demuxer
	metrics *http.Server
	watcher *config.Watcher
}

func newServer(cfg *config.Config, logger *slog.Logger) (*server, error) {
	s := &server{logger: logger, cfg: cfg}

	ln, err := s.listen()
	if err != nil {
		s.Close()
		return nil, err
	}

	d, err := demux.New(ln, cfg.Demux, demux.Handlers{
		ResolveSettings: cfg.Resolver(),
		HandleSingleton: echoSingleton(logger),
		HandleSession:   echoSession(logger, cfg.Session),
		OnError: func(conn net.Conn, err error) {
			if conn == nil {
				logger.Warn("accept failed", "error", err)
				return
			}
			logger.Debug("connection failed", "remote", conn.RemoteAddr().String(), "error", err)
		},
	})
	if err != nil {
		ln.Close()
		s.Close()
		return nil, err
	}
	s.demux = d

	if err := d.Start(); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		if err := s.serveMetrics(); err != nil {
			s.Close()
			return nil, err
		}
	}
	metrics.RecordStartTime()

	return s, nil
}

func (s *server) listen() (net.Listener, error) {
	lc := s.cfg.Listener
	switch lc.Network {
	case transport.NetworkWebSocket:
		ln, err := transport.ListenWebSocket(lc.Address, lc.WebSocketPath)
		if err != nil {
			return nil, err
		}
		return ln, nil
	case transport.NetworkI2P:
		s.i2p = transport.NewI2PWithOptions(lc.I2P.Name, lc.I2P.SAMAddress, lc.I2P.Options)
		if err := s.i2p.Open(); err != nil {
			return nil, err
		}
		return s.i2p.Listen()
	default:
		return transport.Listen(lc.Network, lc.Address)
	}
}

func (s *server) serveMetrics() error {
	ln, err := net.Listen("tcp", s.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metrics = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()

	s.logger.Info("metrics available", "url", "http://"+ln.Addr().String()+"/metrics")
	return nil
}

// watch applies config changes that are safe at runtime. Only the pending
// connection limit is adjusted; other changes need a restart.
func (s *server) watch(path string) error {
	w, err := config.Watch(path, s.reload)
	if err != nil {
		return err
	}
	s.watcher = w
	return nil
}

func (s *server) reload(cfg *config.Config) {
	n := cfg.Demux.MaxPendingConnections
	if n == 0 {
		n = demux.DefaultMaxPendingConnections
	}
	if n != s.demux.MaxPendingConnections() {
		s.demux.SetMaxPendingConnections(n)
		s.logger.Info("pending connection limit changed", "max", n)
	}
}

// Addr returns the address connections are accepted on.
func (s *server) Addr() net.Addr {
	return s.demux.Addr()
}

// Close stops accepting, closes every connection and the metrics server.
func (s *server) Close() error {
	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, s.metrics.Shutdown(ctx))
		cancel()
	}
	if s.demux != nil {
		errs = append(errs, s.demux.Close())
	}
	if s.i2p != nil {
		errs = append(errs, s.i2p.Close())
	}
	return errors.Join(errs...)
}
