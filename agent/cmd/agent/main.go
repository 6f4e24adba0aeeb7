package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/obsidianstack/emitter/agent/internal/config"
	"github.com/obsidianstack/emitter/agent/internal/connection"
	"github.com/obsidianstack/emitter/agent/internal/identity"
	"github.com/obsidianstack/emitter/agent/internal/metrics"
	"github.com/obsidianstack/emitter/agent/internal/queue"
	"github.com/obsidianstack/emitter/agent/internal/security"
	"github.com/obsidianstack/emitter/agent/internal/sender"
	"github.com/obsidianstack/emitter/agent/internal/uploader"
	"github.com/obsidianstack/emitter/pkg/types"
)

const maxLineBytes = 1 << 20

func main() {
	configPath := flag.StringP("config", "c", "", "path to config file (defaults apply when empty)")
	input := flag.StringP("input", "i", "-", "newline-delimited JSON records to send, - for stdin")
	flush := flag.Bool("flush", false, "after the input is sent, try once to upload queued records")
	daemon := flag.Bool("daemon", false, "keep running and drain the queue every flush_interval")
	logLevel := flag.String("log-level", "info", "debug | info | warn | error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("emitter-agent starting", "config", *configPath)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ids := identity.New(cfg.FingerprintPath())
	conn, err := connection.New(cfg)
	if err != nil {
		slog.Error("failed to set up connection", "endpoint_file", cfg.EndpointPath(), "err", err)
		os.Exit(1)
	}
	q, err := queue.Open(cfg.StoragePath())
	if err != nil {
		slog.Error("failed to open queue", "path", cfg.StoragePath(), "err", err)
		os.Exit(1)
	}
	slog.Info("agent ready", "uri", conn.URI(), "queue", q.Path())

	if cs := security.Check(ctx, conn.Endpoint(), conn.TLSConfig(), cfg.RequestTimeout); cs != nil {
		switch cs.Status {
		case security.Valid:
			slog.Debug("collector certificate valid", "days_left", cs.DaysLeft, "issuer", cs.Issuer)
		case security.Expiring:
			slog.Warn("collector certificate expires soon",
				"subject", cs.Subject, "days_left", cs.DaysLeft, "not_after", cs.NotAfter)
		case security.Expired:
			slog.Error("collector certificate has expired, uploads will be queued",
				"subject", cs.Subject, "not_after", cs.NotAfter)
		default:
			slog.Warn("collector certificate check failed", "endpoint", cs.Endpoint, "err", cs.Err)
		}
	}

	// The endpoint is resolved once; edits only take effect on restart.
	watched := []string{cfg.EndpointPath()}
	if *configPath != "" {
		watched = append(watched, *configPath)
	}
	go func() {
		if err := config.Watch(ctx, watched, func(path string) {
			slog.Warn("configuration changed, restart the agent to apply it", "path", path)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	s := sender.New(ids, conn, q)
	up := uploader.New(ids, conn, q, cfg.FlushInterval)

	in, err := openInput(*input)
	if err != nil {
		slog.Error("failed to open input", "input", *input, "err", err)
		os.Exit(1)
	}
	lost := sendAll(ctx, s, in)
	in.Close()

	switch {
	case *daemon:
		go up.Run(ctx)
		<-ctx.Done()
	case *flush && ctx.Err() == nil:
		if n, err := up.Flush(ctx); err != nil {
			slog.Error("queue flush failed", "err", err)
		} else {
			slog.Info("queue flushed", "delivered", n)
		}
	}

	if cfg.MetricsFile != "" {
		n, err := q.Len()
		if err != nil {
			slog.Warn("could not read queue length", "err", err)
		}
		if err := metrics.WriteTextfile(cfg.MetricsFile, s.Stats(), n); err != nil {
			slog.Error("failed to write metrics textfile", "path", cfg.MetricsFile, "err", err)
		}
	}

	st := s.Stats()
	slog.Info("emitter-agent shutting down",
		"delivered", st.Delivered, "queued", st.Queued,
		"failed", st.Failed, "cancelled", st.Cancelled)
	if lost > 0 {
		os.Exit(1)
	}
}

func loadConfig(path string) (config.AgentConfig, error) {
	if path == "" {
		cfg := config.Defaults()
		return cfg, config.Validate(cfg)
	}
	c, err := config.Load(path)
	if err != nil {
		return config.AgentConfig{}, err
	}
	return c.Agent, nil
}

func openInput(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(name)
}

// sendAll submits every record in r, one JSON object per line, in order.
// It returns how many records were lost.
func sendAll(ctx context.Context, s *sender.Sender, r io.Reader) int {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lost, line := 0, 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		rec, err := types.ParseRecord(b)
		if err != nil {
			slog.Warn("skipping malformed record", "line", line, "err", err)
			continue
		}
		err = s.Send(ctx, rec)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			slog.Info("interrupted, remaining input not sent", "line", line)
			return lost
		default:
			lost++
			slog.Error("record lost", "line", line, "err", err)
		}
	}
	if err := sc.Err(); err != nil {
		slog.Error("reading input failed", "err", err)
	}
	return lost
}
