// Command wolfram-mcp-http starts the Wolfram|Alpha MCP server over HTTP and SSE.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"wolfram-mcp/internal/config"
	"wolfram-mcp/internal/logger"
	"wolfram-mcp/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	cmd := &cli.Command{
		Name:    "wolfram-mcp-http",
		Usage:   "Serve the query_wolfram MCP tool over HTTP and SSE.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars(config.EnvPrefix + "CONFIG"),
			},
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on (overrides PORT)",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Interface to bind",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "One of: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "One of: tint, text, json",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("port") {
		cfg.Port = cmd.String("port")
	}
	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	log, err := logger.New(os.Stderr, level, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Release: version}); err != nil {
			return fmt.Errorf("initializing sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if cfg.APIKey == "" {
		log.Warn("WOLFRAM_API_KEY not set; query_wolfram will return a configuration error until it is provided")
	}

	srv := server.New(server.Config{
		Version:           version,
		APIKey:            cfg.APIKey,
		APIURL:            cfg.APIURL,
		UpstreamTimeout:   cfg.UpstreamTimeout,
		MaxChars:          cfg.MaxChars,
		KeepAliveInterval: cfg.KeepAliveInterval,
		RequestTimeout:    cfg.RequestTimeout,
		CacheTTL:          cfg.CacheTTL,
		CacheSize:         cfg.CacheSize,
		CORSOrigins:       cfg.CORSOrigins,
		Sentry:            cfg.SentryDSN != "",
		Logger:            log,
	})
	defer srv.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// No WriteTimeout: event streams stay open for as long as the client wants.
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	log.Info("starting MCP server",
		"addr", httpServer.Addr,
		"tls", cfg.TLS(),
		"stream", server.StreamPath,
		"messages", server.MessagePath,
		"version", version,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.TLS() {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "active_sessions", srv.Sessions().Active())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
