package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/nabr/verification/internal/api"
	"github.com/nabr/verification/internal/config"
	"github.com/nabr/verification/internal/expiry"
	"github.com/nabr/verification/internal/gateway"
	"github.com/nabr/verification/internal/journal"
	"github.com/nabr/verification/internal/notify"
	"github.com/nabr/verification/internal/orchestrator"
	"github.com/nabr/verification/internal/policy"
	"github.com/nabr/verification/internal/protocol"
	"github.com/nabr/verification/internal/tokenstore"
)

func main() {
	// Local development reads .env; deployed environments set real env vars.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config %s: %v", configPath, err)
	}
	cfg.ApplyMethodOverrides()

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}
	if port == "" {
		port = "8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	var (
		store   journal.Store
		records policy.RecordStore
	)
	switch cfg.Storage.Backend {
	case "", "memory":
		store = journal.NewMemoryStore()
		records = policy.NewMemoryRecordStore()
		log.Println("using in-memory storage")
	case "postgres":
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer db.Close()
		pgJournal := journal.NewPostgresStore(db)
		if err := pgJournal.EnsureSchema(ctx); err != nil {
			log.Fatalf("journal schema: %v", err)
		}
		pgRecords := policy.NewPostgresRecordStore(db)
		if err := pgRecords.EnsureSchema(ctx); err != nil {
			log.Fatalf("verifier record schema: %v", err)
		}
		store = pgJournal
		records = pgRecords
		log.Println("using postgres storage")
	default:
		log.Fatalf("unknown storage backend %q", cfg.Storage.Backend)
	}

	// Confirmation tokens: Redis when configured, memory otherwise.
	var tokens tokenstore.Store = tokenstore.NewMemoryStore()
	if cfg.Storage.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		defer client.Close()
		tokens = tokenstore.NewRedisStore(client)
		log.Printf("using redis token store at %s", cfg.Storage.RedisAddr)
	}

	// Notifications: always the in-process bus; Pub/Sub fan-out when
	// configured.
	var sink notify.Sink = notify.NewBus()
	if cfg.PubSub.ProjectID != "" {
		ps, err := notify.NewPubSubSink(cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			log.Fatalf("pubsub sink: %v", err)
		}
		defer ps.Close()
		sink = ps
		log.Printf("publishing notifications to %s/%s", cfg.PubSub.ProjectID, cfg.PubSub.Topic)
	}
	// Deliveries go through the worker pool so a slow sink never stalls an
	// orchestrator loop.
	dispatcher := notify.NewDispatcher(sink, 4)
	defer dispatcher.Shutdown()
	sink = dispatcher

	orchCfg := orchestrator.Config{
		CheckpointEvery:  cfg.Engine.CheckpointEvery,
		AppendAttempts:   cfg.Engine.AppendAttempts,
		AppendBackoff:    cfg.Engine.AppendBackoff(),
		AppendMaxBackoff: cfg.Engine.AppendMaxBackoff(),
	}
	deps := protocol.Deps{
		Journal: store,
		Tokens:  tokens,
		Records: records,
		Codes:   notify.NewLogCodeSender(),
		Reviews: protocol.NewMemoryReviewQueue(),
		Notify:  sink,
	}

	// Expiry timers: Cloud Tasks posts back to /internal/expiry when
	// configured; the sweep scheduler fires in-process otherwise.
	var (
		gw    *gateway.Gateway
		sched expiry.Scheduler
	)
	if cfg.CloudTasks.Queue != "" {
		cts, err := expiry.NewCloudTasksScheduler(cfg.CloudTasks.ProjectID,
			cfg.CloudTasks.Location, cfg.CloudTasks.Queue, cfg.CloudTasks.CallbackURL)
		if err != nil {
			log.Fatalf("cloud tasks scheduler: %v", err)
		}
		sched = cts
		log.Printf("expiry timers on cloud tasks queue %s", cfg.CloudTasks.Queue)
	} else {
		sched = expiry.NewSweepScheduler(func(task expiry.Task) { gw.HandleExpiry(task) },
			expiry.SweepConfig{Interval: cfg.Engine.SweepInterval()})
	}

	gw = gateway.New(store, deps, sched, sink, orchCfg)
	defer gw.Shutdown()

	server := api.NewAPIServer(gw)
	log.Printf("verification engine starting on port %s (env=%s)", port, cfg.Server.Env)
	if err := server.Start(ctx, port); err != nil {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("server stopped")
}
