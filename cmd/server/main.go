package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/automations/automation"
	"github.com/liamcoop/automations/board"
	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// app owns everything main builds and must close.
type app struct {
	server     *Server
	dispatcher *automation.Dispatcher
	closers    []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}

	store, err := openStore(ctx, cfg, a)
	if err != nil {
		a.close()
		return nil, err
	}

	var (
		cache    rules.RulesCache
		notifier board.Notifier = board.LogNotifier{}
	)
	cacheConfig := rules.CacheConfig{TTL: cfg.Storage.CacheTTL}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, cache will miss until it recovers", "error", err)
		}
		cache = rules.NewRedisRulesCache(client, cacheConfig)
		notifier = board.NewRedisNotifier(client)
		logger.Info("using redis rules cache and notifier")
	} else {
		cache = rules.NewInMemoryRulesCache(cacheConfig)
	}

	engine, err := rules.NewEngine(store, rules.WithCache(cache))
	if err != nil {
		a.close()
		return nil, err
	}

	var reporter automation.Reporter = automation.LogReporter{}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("automations"))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })

		natsReporter, err := automation.NewNatsReporter(nc, cfg.NATS.Subject)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create jetstream context: %w", err)
		}
		if cfg.IsDevelopment() {
			if err := natsReporter.EnsureStream(ctx); err != nil {
				logger.Warn("could not ensure outcome stream", "error", err)
			}
		}
		reporter = automation.MultiReporter{automation.LogReporter{}, natsReporter}
		logger.Info("publishing outcomes to nats", "subject", cfg.NATS.Subject)
	}

	cards := board.NewMemoryStore()
	if cfg.Storage.CardsFile != "" {
		seed, err := board.LoadCardsFile(cfg.Storage.CardsFile)
		if err != nil {
			a.close()
			return nil, err
		}
		for _, card := range seed {
			cards.PutCard(card)
		}
		logger.Info("seeded cards", "file", cfg.Storage.CardsFile, "cards", len(seed))
	}

	// development keeps a copy of every notification for the inspection route
	var recorder *board.RecordingNotifier
	if cfg.IsDevelopment() {
		recorder = &board.RecordingNotifier{}
		notifier = board.MultiNotifier{notifier, recorder}
	}
	registry := automation.NewBuiltinRegistry(cards, notifier, nil)

	if cfg.Storage.RulesFile != "" {
		if err := seedRules(ctx, engine, registry, cfg.Storage.RulesFile); err != nil {
			a.close()
			return nil, err
		}
	}

	a.dispatcher = automation.NewDispatcher(engine, registry,
		automation.WithReporter(reporter),
		automation.WithRuleTimeout(cfg.Executor.RuleTimeout),
		automation.WithMaxConcurrentRules(cfg.Executor.MaxConcurrentRules),
	)

	a.server = NewServer(Deps{
		Store:            store,
		Engine:           engine,
		Registry:         registry,
		Dispatcher:       a.dispatcher,
		Cards:            cards,
		Notifications:    recorder,
		Auth:             NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		CountdownSeconds: cfg.CountdownSeconds,
	})
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, a *app) (rules.RuleStore, error) {
	if cfg.Storage.DatabaseURL == "" {
		logger.Info("using in-memory rule store")
		return rules.NewInMemoryRuleStore(), nil
	}

	store, err := rules.OpenSQLRuleStore(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	// Postgres outside development is expected to be migrated by cmd/migrate
	if store.Dialect() == rules.DialectSQLite || cfg.IsDevelopment() {
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	logger.Info("using sql rule store", "dialect", store.Dialect())
	return store, nil
}

// seedRules adds the rules of a file, leaving existing ids alone.
func seedRules(ctx context.Context, engine *rules.Engine, registry *automation.Registry, path string) error {
	seed, err := rules.LoadRulesFile(path)
	if err != nil {
		return err
	}

	added := 0
	for _, rule := range seed {
		if err := registry.ValidateActions(rule.Actions); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		err := engine.AddRule(ctx, rule)
		if errors.Is(err, rules.ErrRuleExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		added++
	}
	logger.Info("seeded rules", "file", path, "rules", len(seed), "added", added)
	return nil
}

func main() {
	logger.Setup(logger.OptionsFromEnv())

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		logger.Fatal("failed to start", "error", err)
	}
	defer a.close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := a.dispatcher.Shutdown(ctx); err != nil {
		logger.Error("executor shutdown error", "error", err)
	}

	logger.Info("server stopped", "executor", a.dispatcher.Stats())
	if err := logger.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown: %v\n", err)
	}
}
