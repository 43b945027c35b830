package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/config"
	"github.com/shiftdb/shift/internal/dbconn"
	"github.com/shiftdb/shift/internal/engine"
	"github.com/shiftdb/shift/internal/events"
	"github.com/shiftdb/shift/internal/state"
	"github.com/shiftdb/shift/internal/validate"
)

// newLogger builds the process logger from the logging config.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// quietLogger drops records below warn so styled CLI output stays clean.
func quietLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelWarn}
	if cfg.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// runtime bundles everything a direct-engine command needs: connections,
// the state store on the target, and a wired engine.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	conns  *dbconn.Manager
	store  *state.Store
	engine *engine.Engine
	pub    events.Publisher
}

// newRuntime connects source and target, bootstraps the state tables,
// and wires the engine with the configured event sinks. extra publishers
// (progress printers) are fanned in alongside the configured sinks.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, extra ...events.Publisher) (*runtime, error) {
	if cfg.Target.URL == "" {
		return nil, fmt.Errorf("target.url is not configured (flag --target-url, env SHIFT_TARGET_URL, or shift.toml)")
	}
	if cfg.Source.URL == "" {
		return nil, fmt.Errorf("source.url is not configured (flag --source-url, env SHIFT_SOURCE_URL, or shift.toml)")
	}
	kind := cfg.Source.Kind
	if kind == "" {
		kind = config.DetectSourceKind(cfg.Source.URL)
	}

	conns, err := dbconn.NewManager(ctx, kind, cfg.Source.URL, cfg.Source.MaxConns,
		cfg.Target.URL, cfg.Target.MaxConns, logger)
	if err != nil {
		return nil, err
	}

	store := state.NewStore(conns.Target)
	if err := store.Bootstrap(ctx); err != nil {
		conns.Close()
		return nil, fmt.Errorf("bootstrapping state tables: %w", err)
	}

	pub := buildPublisher(cfg, store, logger, extra...)

	var reader engine.SourceReader
	if conns.Source != nil {
		reader = engine.NewPGSource(conns.Source)
	} else {
		reader = engine.NewSQLSource(conns.SourceSQL, kind)
	}

	eng := engine.New(store, conns.Target, reader, pub, validate.Check, logger)

	return &runtime{
		cfg:    cfg,
		logger: logger,
		conns:  conns,
		store:  store,
		engine: eng,
		pub:    pub,
	}, nil
}

func (rt *runtime) close() {
	if rt.pub != nil {
		rt.pub.Close()
	}
	rt.conns.Close()
}

// buildPublisher assembles the configured event sinks: webhook, SNS, and
// the run archiver. Returns a Nop publisher when nothing is configured.
func buildPublisher(cfg *config.Config, store *state.Store, logger *slog.Logger, extra ...events.Publisher) events.Publisher {
	var sinks []events.Publisher
	sinks = append(sinks, extra...)

	if cfg.Events.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhookSink(cfg.Events.WebhookURL, cfg.Events.WebhookSecret, logger))
	}
	if cfg.Events.SNSTopicARN != "" {
		tp, err := events.NewTopicPublisher(cfg.Events.SNSRegion)
		if err != nil {
			logger.Warn("sns sink disabled", "error", err)
		} else {
			sinks = append(sinks, events.NewSNSSink(tp, cfg.Events.SNSTopicARN, logger))
		}
	}
	if cfg.Archive.Enabled {
		arch, err := state.NewArchiver(store, state.ArchiveConfig{
			Endpoint:  cfg.Archive.Endpoint,
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
		}, logger)
		if err != nil {
			logger.Warn("run archiving disabled", "error", err)
		} else {
			sinks = append(sinks, &archivePublisher{arch: arch, logger: logger})
		}
	}

	switch len(sinks) {
	case 0:
		return events.Nop{}
	case 1:
		return sinks[0]
	default:
		return events.Multi(sinks)
	}
}

// archivePublisher copies finished runs to object storage. Terminal
// events trigger the upload; everything else passes through.
type archivePublisher struct {
	arch   *state.Archiver
	logger *slog.Logger
}

func (a *archivePublisher) Publish(e state.Event) {
	if e.Kind != "run_completed" && e.Kind != "rolled_back" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.arch.Archive(ctx, e.RunID); err != nil {
			a.logger.Warn("failed to archive run", "run_id", e.RunID, "error", err)
		}
	}()
}

func (a *archivePublisher) Close() {}

// openAnalyzerSource dials the source for analysis only. The returned
// cleanup closes the connection.
func openAnalyzerSource(ctx context.Context, cfg *config.Config, kind, connURL string) (analyzer.Source, func(), error) {
	switch kind {
	case "postgres":
		pool, err := dbconn.Connect(ctx, connURL, cfg.Source.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		return analyzer.NewPostgresSource(pool), pool.Close, nil
	case "sqlite", "mysql":
		db, err := dbconn.OpenSQL(kind, connURL, cfg.Source.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() { _ = db.Close() }
		if kind == "sqlite" {
			return analyzer.NewSQLiteSource(db), cleanup, nil
		}
		return analyzer.NewMySQLSource(db), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unsupported source kind %q", kind)
	}
}
