package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/obsidianstack/emitter/pkg/mockcollector"
	"github.com/obsidianstack/emitter/server/internal/api"
	"github.com/obsidianstack/emitter/server/internal/auth"
	"github.com/obsidianstack/emitter/server/internal/config"
	"github.com/obsidianstack/emitter/server/internal/receiver"
	"github.com/obsidianstack/emitter/server/internal/store"
	"github.com/obsidianstack/emitter/server/internal/ws"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to config file (defaults apply when empty)")
	behavior := flag.String("behavior", "", "override server.behavior: accept | reject | sometimes")
	port := flag.IntP("port", "p", 0, "override server.http_port")
	logLevel := flag.String("log-level", "info", "debug | info | warn | error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("emitter-collector starting", "config", *configPath)

	cfg := config.Defaults()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
	}
	if *behavior != "" {
		cfg.Server.Behavior = *behavior
	}
	if *port != 0 {
		cfg.Server.HTTPPort = *port
	}
	b, err := mockcollector.ParseBehavior(cfg.Server.Behavior)
	if err != nil {
		slog.Error("invalid behavior", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"uri_context", cfg.Server.URIContext,
		"behavior", b,
		"auth_mode", cfg.Server.Auth.Mode,
		"retention_ttl", cfg.Server.Retention.TTL,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Installation store with background TTL eviction.
	st := store.New(cfg.Server.Retention.TTL, cfg.Server.Retention.MaxRecords)
	go st.Run(ctx)

	hub := ws.New(st, 5*time.Second)
	go hub.Run(ctx)

	recv := receiver.New(st, cfg.Server.FormParamName).WithNotify(hub.Notify)
	opts := mockcollector.Options{
		Behavior:   b,
		URIContext: cfg.Server.URIContext,
		OnAccept:   recv.Accept,
	}
	if cfg.Server.Auth.Mode == "basic" {
		opts.Username = cfg.Server.Auth.Username
		opts.Password = cfg.Server.Auth.Password()
	}
	coll := mockcollector.New(opts)

	apiAuth := cfg.Server.APIAuth
	mux := http.NewServeMux()
	mux.Handle(coll.Path(), coll)
	mux.Handle("/api/", auth.APIKey(apiAuth.Mode, apiAuth.EffectiveHeader(), apiAuth.Key(), api.New(st)))
	mux.Handle("/ws/stream", auth.APIKey(apiAuth.Mode, apiAuth.EffectiveHeader(), apiAuth.Key(), hub))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort, "upload_path", coll.Path())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("emitter-collector shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}
