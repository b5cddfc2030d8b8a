// Wsechod is a WebSocket echo server daemon: every data frame a client
// sends is framed back to it unchanged, preserving the opcode, FIN, and
// RSV1 bits. It exists as a reference wiring of the wspipe library and
// as a live peer for manual testing.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/coregate/wspipe"
	"github.com/coregate/wspipe/internal/logger"
	"github.com/coregate/wspipe/internal/wsmetrics"
	"github.com/tzrikka/xdg"
)

const (
	ConfigDirName  = "wspipe"
	ConfigFileName = "config.toml"

	DefaultAddr = "127.0.0.1:8080"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "wsechod",
		Usage:   "WebSocket echo server, for testing wspipe-based clients",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			initLog(cmd.Bool("dev") || cmd.Bool("pretty-log"))
			return run(ctx, cmd)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	path := configFile()

	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "simple setup, but unsafe for production",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.StringFlag{
			Name:  "addr",
			Usage: "listening address (host:port)",
			Value: DefaultAddr,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_ADDR"),
				toml.TOML("server.addr", path),
			),
		},
		&cli.DurationFlag{
			Name:  "websocket-handshake-timeout",
			Usage: "maximum duration of the opening handshake",
			Value: 5 * time.Second,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_HANDSHAKE_TIMEOUT"),
				toml.TOML("server.handshake_timeout", path),
			),
		},
		&cli.BoolFlag{
			Name:  "disconnect-on-exception",
			Usage: "close the connection when a listener callback panics",
			Value: true,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_DISCONNECT_ON_EXCEPTION"),
				toml.TOML("server.disconnect_on_exception", path),
			),
		},
		&cli.IntFlag{
			Name:  "write-buffer-high-watermark",
			Usage: "buffered outbound bytes that trigger pause_writing (0 disables)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_HIGH_WATERMARK"),
				toml.TOML("server.high_watermark", path),
			),
		},
		&cli.IntFlag{
			Name:  "write-buffer-low-watermark",
			Usage: "buffered outbound bytes below which resume_writing fires",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_LOW_WATERMARK"),
				toml.TOML("server.low_watermark", path),
			),
		},
		&cli.StringFlag{
			Name:  "tls-cert",
			Usage: "server's public certificate PEM file (enables wss://)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_TLS_CERT"),
				toml.TOML("server.tls_cert", path),
			),
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "tls-key",
			Usage: "server's private key PEM file (enables wss://)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_TLS_KEY"),
				toml.TOML("server.tls_key", path),
			),
			TakesFile: true,
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "record connection and backpressure events to CSV files",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSECHOD_METRICS"),
				toml.TOML("server.metrics", path),
			),
		},
	}
}

// configFile returns the path to the app's configuration file.
// It also creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

// initLog initializes the process-wide logger, based on whether the
// daemon is running in development mode or not.
func initLog(devMode bool) {
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// echoListener frames every data frame back to its sender, preserving
// the opcode, FIN, and RSV1 bits.
type echoListener struct {
	wspipe.BaseListener
}

func (echoListener) OnConnected(t *wspipe.Transport) {
	slog.Info("connection open", slog.String("conn_id", t.ID()))
}

func (echoListener) OnFrame(t *wspipe.Transport, f wspipe.Frame) {
	switch f.MsgType {
	case wspipe.MsgText, wspipe.MsgBinary, wspipe.MsgContinuation:
		payload := append([]byte(nil), f.Payload...)
		if err := t.Send(f.MsgType, payload, f.FIN, f.RSV1); err != nil {
			slog.Error("echo failed", slog.String("conn_id", t.ID()), slog.Any("error", err))
		}
	}
}

func (echoListener) OnDisconnected(t *wspipe.Transport) {
	slog.Info("connection closed", slog.String("conn_id", t.ID()))
}

func run(_ context.Context, cmd *cli.Command) error {
	opts := []wspipe.ServerOption{
		wspipe.WithServerHandshakeTimeout(cmd.Duration("websocket-handshake-timeout")),
		wspipe.WithServerDisconnectOnException(cmd.Bool("disconnect-on-exception")),
		wspipe.WithServerWatermarks(int64(cmd.Int("write-buffer-high-watermark")), int64(cmd.Int("write-buffer-low-watermark"))),
	}

	cert, key := cmd.String("tls-cert"), cmd.String("tls-key")
	if cert != "" && key != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		opts = append(opts, wspipe.WithServerTLSConfig(&tls.Config{
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
		}))
	}

	if cmd.Bool("metrics") {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		opts = append(opts, wspipe.WithServerMetrics(wsmetrics.New(l)))
	}

	s := wspipe.NewServer(cmd.String("addr"), func(r *wspipe.UpgradeRequest) (wspipe.Listener, error) {
		slog.Info("upgrade request", slog.String("path", r.Path))
		return echoListener{}, nil
	}, opts...)

	return s.ListenAndServe()
}
