package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/example/chat-hub/config"
	"github.com/example/chat-hub/modules/api"
	"github.com/example/chat-hub/modules/auth"
	"github.com/example/chat-hub/modules/broadcast"
	"github.com/example/chat-hub/modules/chat"
	"github.com/example/chat-hub/modules/history"
	"github.com/example/chat-hub/modules/metrics"
	"github.com/example/chat-hub/modules/relay"
	"github.com/example/chat-hub/modules/rooms"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat).With("instance", cfg.InstanceID)

	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(cfg.ShutdownTimeout),
		mono.WithLogLevel(mono.LogLevelInfo),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		logger.Error("Failed to create application", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	cache := newCache(cfg)
	store := history.NewStore(cache, cfg.HistoryWindow, logger.With("module", "history"), m)
	historyModule := history.NewModule(cache, store, logger)

	stream := newStream(cfg, logger)
	rl := relay.New(stream, store, relay.Options{
		Workers:   cfg.RelayWorkers,
		QueueSize: cfg.RelayQueueSize,
	}, logger.With("module", "relay"), m)
	relayModule := relay.NewModule(rl, stream, logger)

	roomsModule := rooms.NewModule(cfg.DBPath, cfg.LogLevel == "debug", logger)
	broadcastModule := broadcast.NewModule(logger, m)

	engine := chat.NewEngine(
		roomsModule.Service(),
		store,
		rl,
		broadcastModule.Registry(),
		logger.With("module", "chat"),
		m,
	)

	apiModule := api.NewModule(api.Options{
		Port:           cfg.Port,
		HistoryDefault: cfg.HistoryDefault,
		Client: broadcast.ClientOptions{
			QueueSize:    cfg.SendQueueSize,
			SendTimeout:  cfg.SendTimeout,
			PingInterval: cfg.PingInterval,
		},
	}, api.Deps{
		Engine:   engine,
		Registry: broadcastModule.Registry(),
		Rooms:    roomsModule.Service(),
		Store:    store,
		Auth: auth.NewAuthenticator(auth.JWTConfig{
			SecretKey:     cfg.JWTSecret,
			TokenDuration: cfg.TokenTTL,
			Issuer:        cfg.JWTIssuer,
		}),
		Metrics: m,
	}, logger)

	// Storage first, the HTTP surface last so no session arrives before its
	// dependencies are up. Stop runs in reverse.
	app.Register(roomsModule)     // room metadata + RoomCreated emitter
	app.Register(historyModule)   // message store
	app.Register(relayModule)     // cross-instance stream
	app.Register(broadcastModule) // room registry + RoomCreated consumer
	app.Register(apiModule)       // HTTP/WebSocket API

	if err := app.Start(context.Background()); err != nil {
		logger.Error("Failed to start application", "error", err)
		os.Exit(1)
	}

	logger.Info("Chat hub started",
		"port", cfg.Port,
		"cache", cfg.CacheBackend,
		"relay", cfg.RelayBackend,
		"dev_auth", cfg.JWTSecret == "")

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				logger.Info("Graceful shutdown initiated")
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info("Application exited", "code", exitCode)
	os.Exit(exitCode)
}

func newCache(cfg config.Config) history.Cache {
	if cfg.CacheBackend == config.BackendMemory {
		return history.NewMemoryCache()
	}
	client := history.NewRedisClient(history.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	return history.NewRedisCache(client, cfg.CachePrefix, cfg.MessageTTL)
}

func newStream(cfg config.Config, logger *slog.Logger) relay.Stream {
	if cfg.RelayBackend == config.BackendMemory {
		return relay.NewMemoryStream()
	}
	return relay.NewJetStream(relay.JetStreamConfig{
		URL: cfg.NATSURL,
		// Each instance needs its own durable consumer to see every event.
		Durable:    "chat-hub-" + cfg.InstanceID,
		MaxDeliver: cfg.RelayMaxDeliver,
		AckWait:    cfg.RelayAckWait,
		MaxAge:     cfg.RelayMaxAge,
	}, logger.With("module", "relay"))
}
