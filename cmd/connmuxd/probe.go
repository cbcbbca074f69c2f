package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/spf13/cobra"

	"github.com/go-i2p/connmux/lib/channel"
	"github.com/go-i2p/connmux/lib/config"
	"github.com/go-i2p/connmux/lib/connpool"
	"github.com/go-i2p/connmux/lib/framing"
	"github.com/go-i2p/connmux/lib/session"
	"github.com/go-i2p/connmux/lib/transport"
)

// probeModeUnsized probes a singleton endpoint with chunked envelopes.
const probeModeUnsized = "singleton-unsized"

// probeOptions describe one probe run.
type probeOptions struct {
	Network     string
	Address     string
	Via         string
	Mode        string
	ContentType string
	Message     string
	Count       int
	Rounds      int
	Timeout     time.Duration
}

var probeOpts = probeOptions{
	Network:     transport.NetworkTCP,
	Via:         config.DefaultEndpointVia,
	Mode:        config.KindSingleton,
	ContentType: "application/octet-stream",
	Message:     "ping",
	Count:       1,
	Rounds:      2,
	Timeout:     10 * time.Second,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Open pooled channels to a server and check they echo",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runProbe(cmd.Context(), cfg, probeOpts, newLogger(), cmd.OutOrStdout())
	},
}

func init() {
	f := probeCmd.Flags()
	f.StringVar(&probeOpts.Network, "network", probeOpts.Network, "Transport: tcp, unix, ws or i2p")
	f.StringVarP(&probeOpts.Address, "address", "a", "", "Server address (default: the configured listener)")
	f.StringVar(&probeOpts.Via, "via", probeOpts.Via, "Endpoint URI announced in the preamble")
	f.StringVarP(&probeOpts.Mode, "mode", "m", probeOpts.Mode, "singleton, singleton-unsized or session")
	f.StringVar(&probeOpts.ContentType, "content-type", probeOpts.ContentType, "Content type announced in the preamble")
	f.StringVar(&probeOpts.Message, "message", probeOpts.Message, "Payload to echo")
	f.IntVarP(&probeOpts.Count, "count", "n", probeOpts.Count, "Messages (or streams) per channel")
	f.IntVar(&probeOpts.Rounds, "rounds", probeOpts.Rounds, "Channels to open one after another")
	f.DurationVar(&probeOpts.Timeout, "timeout", probeOpts.Timeout, "Overall probe timeout")
}

func runProbe(ctx context.Context, cfg *config.Config, opts probeOptions, logger *slog.Logger, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if opts.Address == "" {
		opts.Address = cfg.Listener.Address
		if opts.Network == transport.NetworkWebSocket {
			path := cfg.Listener.WebSocketPath
			if path == "" {
				path = transport.DefaultWebSocketPath
			}
			opts.Address = "ws://" + opts.Address + path
		}
	}

	var mode framing.Mode
	switch opts.Mode {
	case config.KindSingleton:
		mode = framing.ModeSingletonSized
	case probeModeUnsized:
		mode = framing.ModeSingletonUnsized
	case config.KindSession:
		mode = framing.ModeDuplex
	default:
		return fmt.Errorf("unknown mode %q", opts.Mode)
	}

	create, closeTransport, err := probePools(cfg, opts.Network)
	if err != nil {
		return err
	}
	defer closeTransport()

	registry := connpool.NewRegistry(create)
	factory, err := channel.NewFactory(registry, cfg.Pool, opts.Via, mode, opts.ContentType)
	if err != nil {
		return err
	}
	defer factory.Close(time.Second)

	for round := 1; round <= opts.Rounds; round++ {
		start := time.Now()
		var n int
		if mode == framing.ModeDuplex {
			n, err = probeSession(ctx, factory, cfg.Session, opts)
		} else {
			n, err = probeSingleton(ctx, factory, opts)
		}
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		elapsed := time.Since(start)
		logger.Debug("probe round done", "round", round, "elapsed", elapsed)
		fmt.Fprintf(out, "round %d: %d x %s echoed in %s (idle connections: %d)\n",
			round, n, sizestr.ToString(int64(len(opts.Message))), elapsed.Round(time.Microsecond),
			factory.Pool().IdleCount(opts.Address))
	}
	return nil
}

func probePools(cfg *config.Config, network string) (connpool.CreateFunc, func(), error) {
	if network != transport.NetworkI2P {
		create, err := transport.PoolsFor(network)
		return create, func() {}, err
	}

	i2p := transport.NewI2PWithOptions(cfg.Listener.I2P.Name+"-probe", cfg.Listener.I2P.SAMAddress, cfg.Listener.I2P.Options)
	if err := i2p.Open(); err != nil {
		return nil, nil, err
	}
	return transport.I2PPools(i2p), func() { i2p.Close() }, nil
}

func probeSingleton(ctx context.Context, f *channel.Factory, opts probeOptions) (int, error) {
	ch, err := f.Open(ctx, opts.Address)
	if err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		ch.SetDeadline(deadline)
	}

	for i := 0; i < opts.Count; i++ {
		if err := ch.Send([]byte(opts.Message)); err != nil {
			ch.Close()
			return i, err
		}
		reply, err := ch.Receive()
		if err != nil {
			ch.Close()
			return i, err
		}
		if string(reply) != opts.Message {
			ch.Close()
			return i, fmt.Errorf("echo mismatch: got %q", reply)
		}
	}

	return opts.Count, ch.Release()
}

func probeSession(ctx context.Context, f *channel.Factory, cfg session.Config, opts probeOptions) (int, error) {
	s, err := f.OpenSession(ctx, opts.Address, cfg)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	for i := 0; i < opts.Count; i++ {
		stream, err := s.Open()
		if err != nil {
			return i, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			stream.SetDeadline(deadline)
		}
		if _, err := stream.Write([]byte(opts.Message)); err != nil {
			stream.Close()
			return i, err
		}
		reply := make([]byte, len(opts.Message))
		_, err = io.ReadFull(stream, reply)
		stream.Close()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return i, err
		}
		if string(reply) != opts.Message {
			return i, fmt.Errorf("echo mismatch on stream %d: got %q", i, reply)
		}
	}
	return opts.Count, nil
}
