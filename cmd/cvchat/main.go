package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cvchat-project/cvchat/internal/api"
	"github.com/cvchat-project/cvchat/internal/core"
	"github.com/cvchat-project/cvchat/internal/defense"
	"github.com/cvchat-project/cvchat/internal/rag"
)

var version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("cvchat " + version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "cvchat: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logRing := core.NewLogRingBuffer(500)
	logger := newLogger(cfg, logRing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink *core.EventSink
	if cfg.Bus.Enabled {
		sink, err = core.NewEventSink(&cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("starting event sink: %w", err)
		}
		defer sink.Close()
	} else {
		logger.Info().Msg("event sink disabled, security events kept in-process only")
	}

	store, err := newWindowStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	events := core.NewEventRing(1000)
	var publisher defense.EventPublisher
	if sink != nil {
		publisher = sink
	}
	pipeline := defense.NewPipeline(defense.OptionsFromConfig(cfg.Security), store, logger, events, publisher)

	sessions := rag.NewSessionStore(cfg.RAG.MaxSessionTurns, time.Duration(cfg.RAG.SessionTTLMinutes)*time.Minute)
	pipeline.AddSweepTask(defense.SweepTask{Name: "sessions", Sweep: sessions.Sweep})
	pipeline.StartJanitor(ctx)

	engine := rag.NewRemoteEngine(cfg.RAG.UpstreamURL, cfg.RAG.APIKey,
		time.Duration(cfg.RAG.TimeoutSeconds)*time.Second, logger)

	server := api.NewServer(api.Deps{
		Config:   cfg,
		Logger:   logger,
		Pipeline: pipeline,
		Engine:   engine,
		Sessions: sessions,
		Events:   events,
		Logs:     logRing,
		Sink:     sink,
	})
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	logger.Info().Str("version", version).Msg("cvchat backend started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := server.Stop(); err != nil {
		logger.Error().Err(err).Msg("error stopping API server")
	}
	cancel()
	return nil
}

func newLogger(cfg *core.Config, ring *core.LogRingBuffer) zerolog.Logger {
	var out io.Writer
	if cfg.Logging.Format == "json" {
		out = os.Stdout
	} else {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(out, ring)).With().Timestamp().Logger()

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

func newWindowStore(ctx context.Context, cfg *core.Config, logger zerolog.Logger) (defense.WindowStore, error) {
	if cfg.Security.StoreBackend == "redis" {
		store, err := defense.NewRedisWindowStore(ctx, defense.RedisOptions{
			Addr:     cfg.Security.RedisAddr,
			Password: cfg.Security.RedisPassword,
			DB:       cfg.Security.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting window store: %w", err)
		}
		logger.Info().Str("addr", cfg.Security.RedisAddr).Msg("using redis window store")
		return store, nil
	}
	return defense.NewMemoryWindowStore(2 * time.Hour), nil
}
