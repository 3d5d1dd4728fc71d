package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/icsnpp-listeners/capture"
	"github.com/edgeo-scada/icsnpp-listeners/internal/config"
	"github.com/edgeo-scada/icsnpp-listeners/internal/logging"
	"github.com/edgeo-scada/icsnpp-listeners/internal/pidfile"
	"github.com/edgeo-scada/icsnpp-listeners/modbus"
	"github.com/edgeo-scada/icsnpp-listeners/session"
	"github.com/edgeo-scada/icsnpp-listeners/stub"
)

// listener is a bound socket together with the server draining it.
type listener struct {
	name    string
	network string
	addr    net.Addr
	serve   func() error
	close   func() error
	stats   *session.Stats
}

func runListeners(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	var level slog.LevelVar
	logger, logCloser, err := newLogger(cfg, &level)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logChangedFlags(cmd, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PIDFile != "" {
		pf, err := pidfile.Write(cfg.PIDFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := pf.Remove(); err != nil {
				logger.Warn("remove pid file", slog.String("error", err.Error()))
			}
		}()
		logger.Info("pid file written", slog.String("path", pf.Path()), slog.Int("pid", os.Getpid()))
	}

	var tap session.Tap
	if cfg.Capture != "" {
		rec, err := capture.Create(cfg.Capture, capture.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() {
			rec.Close()
			logger.Info("capture closed", slog.String("path", cfg.Capture), slog.Int("packets", rec.Packets()))
		}()
		tap = rec
	}

	listeners := bindListeners(ctx, cfg, logger, tap)
	if len(listeners) == 0 {
		return errors.New("no listener could be started")
	}

	if path := viper.ConfigFileUsed(); path != "" {
		go watchConfig(ctx, path, &level, logger)
	}

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func(l *listener) {
			defer wg.Done()
			if err := l.serve(); err != nil {
				logger.Error("listener failed", slog.String("protocol", l.name), slog.String("error", err.Error()))
			}
		}(l)
	}

	if !cfg.Quiet {
		printBanner(os.Stdout, listeners, cfg.Daemon)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	for _, l := range listeners {
		l.close()
	}
	wg.Wait()

	for _, l := range listeners {
		logger.Info("listener stats", append([]any{slog.String("protocol", l.name)}, statsAttrs(l.stats)...)...)
	}
	return nil
}

func newLogger(cfg config.Config, level *slog.LevelVar) (*slog.Logger, io.Closer, error) {
	lvl, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	level.Set(lvl)
	format, err := logging.ParseFormat(cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.Daemon {
		sink, err := logging.OpenDaemonSink("icsnpp-listeners")
		if err != nil {
			return nil, nil, fmt.Errorf("open daemon log: %w", err)
		}
		out, closer = sink, sink
		if format == logging.FormatConsole {
			format = logging.FormatText
		}
	}

	logger, err := logging.New(out, format, level)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return logger, closer, nil
}

func watchConfig(ctx context.Context, path string, level *slog.LevelVar, logger *slog.Logger) {
	err := config.Watch(ctx, path, func() {
		if err := viper.ReadInConfig(); err != nil {
			logger.Warn("config reload failed", slog.String("error", err.Error()))
			return
		}
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			logger.Warn("config reload rejected", slog.String("error", err.Error()))
			return
		}
		lvl, _ := logging.ParseLevel(cfg.Log.Level)
		level.Set(lvl)
		logger.Info("configuration reloaded", slog.String("path", path), slog.String("log_level", lvl.String()))
	}, logger)
	if err != nil {
		logger.Warn("config watch disabled", slog.String("error", err.Error()))
	}
}

// bindListeners binds every enabled listener. A listener that cannot bind
// is logged and skipped, so one privileged port does not take down the rest.
func bindListeners(ctx context.Context, cfg config.Config, logger *slog.Logger, tap session.Tap) []*listener {
	connLevel := slog.LevelDebug
	if cfg.Log.Connections {
		connLevel = slog.LevelInfo
	}

	var out []*listener
	if cfg.Enabled("modbus") {
		l, err := bindModbus(ctx, cfg, logger, tap, connLevel)
		if err != nil {
			logger.Error("failed to start listener", slog.String("protocol", "modbus"), slog.String("error", err.Error()))
		} else {
			out = append(out, l)
		}
	}

	opts := []stub.Option{stub.WithLogger(logger), stub.WithConnectionLogLevel(connLevel)}
	if tap != nil {
		opts = append(opts, stub.WithTap(tap))
	}
	for _, p := range stub.Protocols() {
		if !cfg.Enabled(p.Name) {
			logger.Debug("listener disabled", slog.String("protocol", p.Name))
			continue
		}
		p.Port = cfg.Port(p.Name)
		l, err := bindStub(ctx, cfg.Bind, p, opts)
		if err != nil {
			logger.Error("failed to start listener", slog.String("protocol", p.Name), slog.String("error", err.Error()))
			continue
		}
		out = append(out, l)
	}
	return out
}

func bindModbus(ctx context.Context, cfg config.Config, logger *slog.Logger, tap session.Tap, connLevel slog.Level) (*listener, error) {
	m := cfg.Modbus
	store := modbus.NewRegisterStore(m.RegisterSpace)
	dispatcher := modbus.NewDispatcher(store, modbus.WithWriteRegisterLimit(m.WriteRegisterLimit))

	opts := []modbus.ServerOption{
		modbus.WithLogger(logger.With(slog.String("protocol", "modbus"))),
		modbus.WithMaxConnections(m.MaxConnections),
		modbus.WithLimits(session.Limits{
			MaxRequests:       m.MaxRequests,
			ConnectionTimeout: time.Duration(m.ConnectionTimeoutSeconds) * time.Second,
			ReadTimeout:       time.Duration(m.ReadTimeoutSeconds) * time.Second,
		}),
		modbus.WithConnectionLogLevel(connLevel),
	}
	if tap != nil {
		opts = append(opts, modbus.WithTap(tap))
	}
	srv := modbus.NewServer(dispatcher, opts...)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Ports.Modbus)))
	if err != nil {
		return nil, err
	}
	return &listener{
		name:    "modbus",
		network: "tcp",
		addr:    ln.Addr(),
		serve:   func() error { return srv.Serve(ln) },
		close:   srv.Close,
		stats:   &srv.Metrics().Stats,
	}, nil
}

func bindStub(ctx context.Context, bind string, p stub.Protocol, opts []stub.Option) (*listener, error) {
	addr := net.JoinHostPort(bind, strconv.Itoa(p.Port))
	var lc net.ListenConfig

	switch p.Network {
	case stub.TCP:
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		srv := stub.NewStreamServer(p, opts...)
		return &listener{
			name:    p.Name,
			network: "tcp",
			addr:    ln.Addr(),
			serve:   func() error { return srv.Serve(ln) },
			close:   srv.Close,
			stats:   srv.Stats(),
		}, nil

	case stub.UDP:
		pc, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			return nil, err
		}
		conn, ok := pc.(*net.UDPConn)
		if !ok {
			pc.Close()
			return nil, fmt.Errorf("%s: not a UDP socket", p.Name)
		}
		srv := stub.NewDatagramServer(p, opts...)
		return &listener{
			name:    p.Name,
			network: "udp",
			addr:    conn.LocalAddr(),
			serve:   func() error { return srv.Serve(conn) },
			close:   srv.Close,
			stats:   srv.Stats(),
		}, nil
	}
	return nil, fmt.Errorf("%s: unknown network %q", p.Name, p.Network)
}

func statsAttrs(s *session.Stats) []any {
	return []any{
		slog.Int64("total_conns", s.TotalConns.Value()),
		slog.Int64("requests", s.Requests.Value()),
		slog.Int64("replies", s.Replies.Value()),
		slog.Int64("dropped", s.Dropped.Value()),
	}
}
