package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HerbHall/medwatch/internal/alert"
	"github.com/HerbHall/medwatch/internal/auth"
	"github.com/HerbHall/medwatch/internal/config"
	"github.com/HerbHall/medwatch/internal/engine"
	"github.com/HerbHall/medwatch/internal/event"
	"github.com/HerbHall/medwatch/internal/metrics"
	"github.com/HerbHall/medwatch/internal/model"
	"github.com/HerbHall/medwatch/internal/natsbus"
	"github.com/HerbHall/medwatch/internal/preprocess"
	"github.com/HerbHall/medwatch/internal/rules"
	"github.com/HerbHall/medwatch/internal/seed"
	"github.com/HerbHall/medwatch/internal/server"
	"github.com/HerbHall/medwatch/internal/sink"
	"github.com/HerbHall/medwatch/internal/source"
	"github.com/HerbHall/medwatch/internal/store"
	"github.com/HerbHall/medwatch/internal/version"
	"github.com/HerbHall/medwatch/internal/ws"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "seed":
			runSeed(os.Args[2:])
			return
		case "token":
			runToken(os.Args[2:])
			return
		case "version":
			fmt.Println(version.Info())
			return
		}
	}

	configPath := flag.String("config", "", "path to configuration file")
	once := flag.Bool("once", false, "process a single batch and exit")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	s, logger := mustLoad(*configPath)
	defer func() { _ = logger.Sync() }()

	if err := run(s, logger, *once); err != nil {
		logger.Fatal("medwatch exited with error", zap.Error(err))
	}
}

// mustLoad reads configuration and builds the logger, exiting on failure.
func mustLoad(configPath string) (config.Settings, *zap.Logger) {
	// Load configuration before the logger so log level/format can be configured.
	v, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	s, err := config.Decode(config.New(v))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}
	return s, logger
}

func openStore(ctx context.Context, s config.Settings, logger *zap.Logger) (*store.SQLiteStore, error) {
	db, err := store.New(s.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("path", s.Database.Path),
	)
	return db, nil
}

func run(s config.Settings, logger *zap.Logger, once bool) error {
	logger.Info("MedWatch starting", zap.String("version", version.Short()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openStore(ctx, s, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	src, err := source.New(ctx, db, s.Source, logger.Named("source"))
	if err != nil {
		return err
	}
	anomalies, err := sink.New(ctx, db, logger.Named("sink"))
	if err != nil {
		return err
	}
	dispatcher, err := alert.New(s.Alerts, logger.Named("alert"))
	if err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	logger.Info("alert channels configured",
		zap.String("component", "alert"),
		zap.Strings("channels", dispatcher.Channels()),
	)

	bus := event.NewBus(logger.Named("event"))
	observers := engine.Observers{event.NewObserver(bus)}

	mobs, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	observers = append(observers, mobs)

	if s.NATS.Enabled {
		pub, err := natsbus.Connect(s.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer pub.Close()
		observers = append(observers, pub)
	}

	eng, err := engine.New(s.Engine, engine.Dependencies{
		Source:       src,
		Preprocessor: preprocess.Default(logger.Named("preprocess")),
		Rules:        rules.NewDetector(s.Rules.Path, logger.Named("rules")),
		Models:       model.NewDetector(s.Models.Path, logger.Named("model")),
		Sink:         anomalies,
		Alerts:       dispatcher,
		Observer:     observers,
		Logger:       logger.Named("engine"),
	})
	if err != nil {
		return err
	}
	if err := eng.Init(ctx); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	if once {
		result, err := eng.ProcessBatch(ctx)
		eng.Wait()
		if err != nil {
			return err
		}
		logger.Info("batch complete",
			zap.String("outcome", string(result.Outcome)),
			zap.Int("batch_size", result.Size),
			zap.Int("anomalies", result.Anomalies),
			zap.Int("alerts", result.Alerts),
		)
		return nil
	}

	var tokens *auth.TokenService
	if s.Server.JWTSecret != "" {
		tokens = auth.NewTokenService([]byte(s.Server.JWTSecret), s.Server.TokenTTL)
	}
	feed := ws.NewHandler(tokens, bus, logger.Named("ws"))
	defer feed.Close()

	srv := server.New(s.Server, server.Dependencies{
		Engine:    eng,
		Anomalies: anomalies,
		Tokens:    tokens,
		Routes:    []server.RouteRegistrar{feed},
	}, logger.Named("server"))

	if err := eng.Start(); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	if s.Retention.Anomalies > 0 {
		go pruneLoop(ctx, anomalies, s.Retention, logger.Named("retention"))
	}

	logger.Info("MedWatch ready", zap.String("addr", s.Server.Addr()))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("server stopped unexpectedly", zap.Error(err))
		}
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	logger.Info("MedWatch stopped")
	return errors.Join(errs...)
}

// pruneLoop deletes anomalies older than the retention window every
// interval until ctx is cancelled.
func pruneLoop(ctx context.Context, anomalies *sink.Store, cfg config.RetentionConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		n, err := anomalies.DeleteOlderThan(ctx, time.Now().Add(-cfg.Anomalies))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("anomaly pruning failed", zap.Error(err))
		case n > 0:
			logger.Info("pruned old anomalies", zap.Int64("deleted", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runSeed fills the data point table with synthetic medicines.
func runSeed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	count := fs.Int("count", 50, "number of data points to generate")
	seedValue := fs.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	_ = fs.Parse(args)

	s, logger := mustLoad(*configPath)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	db, err := openStore(ctx, s, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	src, err := source.New(ctx, db, s.Source, logger.Named("source"))
	if err != nil {
		logger.Fatal("failed to initialize source", zap.Error(err))
	}
	if err := seed.Seed(ctx, src, seed.NewGenerator(*seedValue), *count); err != nil {
		logger.Fatal("seeding failed", zap.Error(err))
	}
	pending, _ := src.PendingCount(ctx)
	fmt.Printf("Seeded %d data points (%d pending) into %s\n", *count, pending, s.Database.Path)
}

// runToken issues a reviewer token signed with server.jwt_secret.
func runToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	subject := fs.String("subject", "", "reviewer identity recorded on reviewed anomalies")
	role := fs.String("role", auth.RoleReviewer, "token role")
	ttl := fs.Duration("ttl", 0, "token lifetime (default server.token_ttl)")
	_ = fs.Parse(args)

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "token: -subject is required")
		os.Exit(2)
	}

	s, logger := mustLoad(*configPath)
	defer func() { _ = logger.Sync() }()

	if s.Server.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "token: server.jwt_secret is not set; the review API is unauthenticated")
		os.Exit(1)
	}
	lifetime := s.Server.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	tok, err := auth.NewTokenService([]byte(s.Server.JWTSecret), lifetime).Issue(*subject, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
