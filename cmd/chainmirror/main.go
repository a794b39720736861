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

	"github.com/joho/godotenv"
	"github.com/nidhogg/chainmirror/internal/api"
	"github.com/nidhogg/chainmirror/internal/config"
	"github.com/nidhogg/chainmirror/internal/contentstore"
	"github.com/nidhogg/chainmirror/internal/embedding"
	"github.com/nidhogg/chainmirror/internal/gateway"
	"github.com/nidhogg/chainmirror/internal/ledger"
	"github.com/nidhogg/chainmirror/internal/memory"
	"github.com/nidhogg/chainmirror/internal/orchestrator"
	"github.com/nidhogg/chainmirror/internal/rag"
	"github.com/nidhogg/chainmirror/internal/resurrection"
	pgstore "github.com/nidhogg/chainmirror/internal/store"
	"github.com/nidhogg/chainmirror/internal/vectorstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	drainTimeout    = 10 * time.Second
	shutdownTimeout = 15 * time.Second
	startupTimeout  = 30 * time.Second
)

// recordStore is satisfied by both the Postgres and in-memory stores.
type recordStore interface {
	orchestrator.RecordStore
	api.RecordReader
}

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/chainmirror.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chainmirror: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "chainmirror: invalid config %s:\n%v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chainmirror: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting chainmirror...",
		zap.String("config", cfgPath),
		zap.String("mode", cfg.Sync.Mode),
		zap.Int("agents", len(cfg.Agents)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancelInit := context.WithTimeout(ctx, startupTimeout)
	defer cancelInit()

	// Record store
	var records recordStore
	var pg *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		pg, err = pgstore.New(initCtx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(err))
		}
		if err := pg.Migrate(initCtx, cfg.Server.MigrationsDir); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		records = pg
	} else {
		logger.Warn("no postgres dsn, records are kept in memory only")
		records = pgstore.NewMemory()
	}

	// Lineage graph
	var lineage *memory.Lineage
	if cfg.Database.Neo4j.URI != "" {
		l, lErr := memory.NewLineage(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if lErr == nil {
			lErr = l.Ping(initCtx)
		}
		if lErr == nil {
			lErr = l.EnsureSchema(initCtx)
		}
		if lErr != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(lErr))
		} else {
			lineage = l
		}
	}

	// Redis
	var rdb *redis.Client
	var bus *orchestrator.RecordBus
	if cfg.Database.Redis.URL != "" {
		opts, rErr := redis.ParseURL(cfg.Database.Redis.URL)
		if rErr == nil {
			rdb = redis.NewClient(opts)
			rErr = rdb.Ping(initCtx).Err()
		}
		switch {
		case rErr == nil:
			bus = orchestrator.NewRecordBus(rdb, cfg.Sync.StreamMaxLen, logger)
		case cfg.Sync.Mode == config.ModeFollower:
			logger.Fatal("Redis unavailable", zap.Error(rErr))
		default:
			logger.Warn("Redis unavailable, running without cache and record stream", zap.Error(rErr))
			if rdb != nil {
				rdb.Close()
				rdb = nil
			}
		}
	}

	// Semantic index
	var indexer *rag.Indexer
	var qdrant *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" && cfg.Embedding.Endpoint != "" {
		indexer, qdrant = newIndexer(initCtx, cfg, logger)
	}

	hub := gateway.NewHub(cfg.Sync.BroadcastBuffer, logger)
	live := gateway.NewWSAdapter(hub, logger)

	agents := make([]orchestrator.Agent, 0, len(cfg.Agents))
	names := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents = append(agents, orchestrator.Agent{Name: a.Name, Address: a.Address})
		names = append(names, a.Name)
	}

	var (
		coordinator *orchestrator.Coordinator
		chain       *ledger.Client
		closers     []func()
	)

	if cfg.Sync.Mode == config.ModeLeader {
		var fetcher resurrection.Fetcher = contentstore.NewClient(contentstore.Config{
			GatewayURL:     cfg.Content.GatewayURL,
			MaxRetries:     cfg.Content.MaxRetries,
			BaseDelay:      cfg.Content.BaseDelay.Std(),
			MaxDelay:       cfg.Content.MaxDelay.Std(),
			RequestTimeout: cfg.Content.RequestTimeout.Std(),
		}, logger)
		if rdb != nil {
			fetcher = contentstore.NewCache(rdb, fetcher, cfg.Content.CacheTTL.Std(), logger)
		}

		chain, err = ledger.Dial(initCtx, cfg.Ledger.RPCURL, cfg.Ledger.ContractAddress, logger)
		if err != nil {
			logger.Fatal("ledger unavailable", zap.Error(err))
		}

		// Derived stores must see every record; chat notices are best effort.
		if bus != nil {
			hub.AddDurableSink(bus)
		}
		if lineage != nil {
			hub.AddDurableSink(lineage)
		}
		if indexer != nil {
			hub.AddDurableSink(indexer)
		}
		closers = append(closers, addNotifiers(initCtx, cfg, hub, logger)...)

		walker := resurrection.NewWalker(fetcher, records, logger)
		if cfg.Content.VerifySignatures {
			signers := make(map[string]string, len(cfg.Agents))
			for _, a := range cfg.Agents {
				signers[a.Name] = a.Address
			}
			walker.SetVerifier(memory.NewSignatureVerifier(signers))
		}
		coordinator = orchestrator.NewCoordinator(walker, fetcher, records, chain, hub, agents,
			orchestrator.Options{
				CatchUpMaxNodes: cfg.Sync.CatchUpMaxNodes,
				GapRetryAfter:   cfg.Sync.GapRetryAfter.Std(),
			}, logger)
	}
	hub.Start()

	// Build HTTP handler
	var syncer api.Syncer
	if coordinator != nil {
		syncer = coordinator
	}
	handler := api.NewHandler(records, syncer, live, logger)
	if lineage != nil {
		handler.SetLineage(lineage)
	}
	if indexer != nil {
		handler.SetSearcher(indexer)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serve := func() {
		go func() {
			logger.Info("chainmirror listening", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("server error", zap.Error(err))
			}
		}()
	}

	if coordinator != nil {
		if err := startLeader(ctx, coordinator, headSources(cfg, chain, logger), serve, logger); err != nil {
			logger.Info("startup interrupted", zap.Error(err))
		}
	} else {
		go func() {
			for rec := range bus.Follow(ctx, names) {
				hub.Publish(rec)
			}
		}()
		logger.Info("following record stream", zap.Strings("agents", names))
		serve()
	}

	<-ctx.Done()
	logger.Info("Shutting down chainmirror...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if coordinator != nil {
		coordinator.Stop()
	}
	hub.Stop(drainTimeout)

	for _, c := range closers {
		c()
	}
	if chain != nil {
		chain.Close()
	}
	if lineage != nil {
		lineage.Close(shutdownCtx)
	}
	if qdrant != nil {
		qdrant.Close()
	}
	if bus != nil {
		bus.Close()
	} else if rdb != nil {
		rdb.Close()
	}
	if pg != nil {
		pg.Close()
	}
}

// resurrector is the part of the coordinator startup drives.
type resurrector interface {
	Resurrect(ctx context.Context) error
	HeadChanged(address, cid string)
}

// headSource delivers head observations until ctx is done.
type headSource interface {
	Run(ctx context.Context, handler ledger.HeadHandler)
}

// startLeader resurrects every chain before anything else runs. Only then
// are head sources started and the API served, so the replica is complete
// before it is queried. Sources re-read every head when they start, so
// changes made during resurrection are not missed.
func startLeader(ctx context.Context, c resurrector, sources []headSource, serve func(), logger *zap.Logger) error {
	start := time.Now()
	if err := c.Resurrect(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("resurrection finished with errors", zap.Error(err))
	} else {
		logger.Info("resurrection complete", zap.Duration("elapsed", time.Since(start)))
	}

	for _, src := range sources {
		go src.Run(ctx, c.HeadChanged)
	}
	serve()
	return nil
}

func headSources(cfg *config.Config, chain *ledger.Client, logger *zap.Logger) []headSource {
	addresses := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		addresses = append(addresses, a.Address)
	}

	var sources []headSource
	if cfg.Ledger.Subscribe {
		w := ledger.NewWatcher(chain, addresses, logger)
		w.SetReconnectDelays(cfg.Ledger.ReconnectMin.Std(), cfg.Ledger.ReconnectMax.Std())
		sources = append(sources, w)
	}
	if cfg.Ledger.PollInterval > 0 {
		sources = append(sources, ledger.NewPoller(chain, addresses, cfg.Ledger.PollInterval.Std(), logger))
	}
	return sources
}

func newIndexer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*rag.Indexer, *vectorstore.Client) {
	embedder, err := embedding.New(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		Endpoint:   cfg.Embedding.Endpoint,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		Dimension:  cfg.Embedding.Dimension,
		MaxRetries: cfg.Embedding.MaxRetries,
	})
	if err != nil {
		logger.Warn("embedding disabled", zap.Error(err))
		return nil, nil
	}
	qc, err := vectorstore.NewClient(vectorstore.QdrantConfig{
		Host:       cfg.Database.Qdrant.Host,
		Port:       cfg.Database.Qdrant.Port,
		Collection: cfg.Database.Qdrant.Collection,
	})
	if err != nil {
		logger.Warn("Qdrant unavailable, running without search", zap.Error(err))
		return nil, nil
	}
	indexer := rag.NewIndexer(embedder, qc, cfg.Database.Qdrant.Collection, logger)
	err = qc.Healthy(ctx)
	if err == nil {
		err = indexer.InitCollection(ctx)
	}
	if err != nil {
		logger.Warn("Qdrant unavailable, running without search", zap.Error(err))
		qc.Close()
		return nil, nil
	}
	return indexer, qc
}

// addNotifiers registers the enabled chat sinks and returns their closers.
func addNotifiers(ctx context.Context, cfg *config.Config, hub *gateway.Hub, logger *zap.Logger) []func() {
	var closers []func()

	if cfg.Notify.Slack.Enabled {
		n := gateway.NewSlackNotifier(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger)
		for _, a := range cfg.Agents {
			if p := persona(a); p != nil {
				n.SetPersona(a.Name, p)
			}
		}
		hub.AddSink(n)
	}

	if cfg.Notify.Discord.Enabled {
		n := gateway.NewDiscordNotifier(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.Channel, logger)
		if err := n.Connect(ctx); err != nil {
			logger.Warn("discord unavailable, notices disabled", zap.Error(err))
		} else {
			for _, a := range cfg.Agents {
				if p := persona(a); p != nil {
					n.SetPersona(a.Name, p)
				}
			}
			hub.AddSink(n)
			closers = append(closers, func() { n.Close() })
		}
	}
	return closers
}

func persona(a config.AgentConfig) *gateway.AgentPersona {
	if a.DisplayName == "" && a.IconURL == "" && a.Emoji == "" {
		return nil
	}
	name := a.DisplayName
	if name == "" {
		name = a.Name
	}
	return &gateway.AgentPersona{Name: name, IconURL: a.IconURL, Emoji: a.Emoji}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
