package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"medsync/internal/audit"
	"medsync/internal/common/database"
	"medsync/internal/common/logger"
	"medsync/internal/common/mqtt"
	redisx "medsync/internal/common/redis"
	"medsync/internal/config"
	"medsync/internal/eventbus"
	httpapi "medsync/internal/http"
	"medsync/internal/mutation"
	"medsync/internal/service"
	"medsync/internal/session"
	"medsync/internal/store"
	"medsync/internal/subscription"
)

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "medsync")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 文档存储
	var (
		client store.Client
		db     *sql.DB
	)
	switch cfg.StoreEngine {
	case "postgres":
		db, err = database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		pg := store.NewPostgresStore(db, log)
		pg.SetRules(store.HospitalRules())
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to ensure schema", zap.Error(err))
		}
		if err := pg.Listen(ctx, cfg.Database.GetDSN()); err != nil {
			log.Fatal("Failed to start document listener", zap.Error(err))
		}
		client = pg
		log.Info("Using postgres document store", zap.String("host", cfg.Database.Host))
	default:
		client = store.NewMemoryStore(log)
		log.Info("Using in-memory document store")
	}

	// 安全事件总线与输出
	bus := eventbus.New(log)
	bus.Subscribe(eventbus.LogSink(log))

	// 网络输出经异步队列，broker 停滞不阻塞 Emit
	var (
		redisClient *redis.Client
		tokens      session.TokenStore      = session.NewMemoryTokenStore()
		creds       session.CredentialStore = session.NewMemoryCredentialStore()
		streamSink  *eventbus.StreamSink
		asyncSinks  []*eventbus.AsyncSink
	)
	if cfg.Redis.Enabled {
		redisClient, err = redisx.Connect(ctx, &cfg.Redis.RedisConfig)
		if err != nil {
			log.Warn("Redis unavailable, falling back to in-memory sessions", zap.Error(err))
		} else {
			tokens = session.NewRedisTokenStore(redisClient)
			creds = session.NewRedisCredentialStore(redisClient)
			streamSink = eventbus.NewStreamSink(redisClient, cfg.SecurityStream, log)
			sink := eventbus.NewAsyncSink("redis_stream", streamSink.Handle, eventbus.DefaultQueueSize, log)
			bus.Subscribe(sink.Handle)
			asyncSinks = append(asyncSinks, sink)
		}
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT.MQTTConfig, log)
		if err != nil {
			log.Warn("MQTT unavailable, security events will not be published", zap.Error(err))
		} else {
			mqttSink := eventbus.NewMQTTSink(mqttClient, cfg.MQTT.SecurityTopic, log)
			sink := eventbus.NewAsyncSink("mqtt", mqttSink.Handle, eventbus.DefaultQueueSize, log)
			bus.Subscribe(sink.Handle)
			asyncSinks = append(asyncSinks, sink)
		}
	}

	// 初始账号
	if cfg.Auth.Seed != "" {
		accounts, err := session.ParseSeed(cfg.Auth.Seed)
		if err != nil {
			log.Fatal("Invalid AUTH_SEED", zap.Error(err))
		}
		n, err := session.SeedCredentials(ctx, creds, accounts, cfg.Auth.BcryptCost)
		if err != nil {
			log.Fatal("Failed to seed credentials", zap.Error(err))
		}
		log.Info("Seeded accounts", zap.Int("count", n))
	}

	// 核心组件；users/{uid} 写入成功后使身份缓存失效
	cache := session.NewIdentityCache(cfg.IdentityCache.Size, cfg.IdentityCache.TTL)
	gateway := mutation.NewGateway(client, bus, log, mutation.WithWriteHook(session.InvalidateOnWrite(cache)))
	manager := subscription.NewManager(client, bus, log,
		subscription.WithChurnLimit(cfg.Subscription.ChurnWindow, cfg.Subscription.MaxChanges))
	recorder := audit.NewRecorder(gateway, log, cfg.Audit.Timeout)
	searcher := audit.NewSearcher(gateway, recorder, log)
	issuer := session.NewIssuer(tokens, creds, cfg.Session.TTL, log)
	auth := httpapi.NewAuthenticator(issuer, session.NewStoreIdentitySource(gateway), cache, log)

	router := httpapi.NewRouter(log)
	router.RegisterHealth()
	router.RegisterMetrics()
	router.RegisterSessionRoutes(httpapi.NewSessionHandler(auth, log))
	router.RegisterDocRoutes(httpapi.NewDocHandler(gateway, auth, log))
	router.RegisterPatientRoutes(httpapi.NewPatientHandler(searcher, recorder, auth, log))
	subs := httpapi.NewSubscribeHandler(manager, auth, log)
	router.RegisterSubscribeRoutes(subs)
	if streamSink != nil {
		router.RegisterSecurityRoutes(httpapi.NewSecurityHandler(streamSink, auth, log))
	}

	srv := service.NewServer(cfg.HTTP.Addr, router, log)
	srv.OnShutdown(subs.CloseAll)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown", zap.Error(err))
	}

	// 等待未完成的审计写入，再关闭总线与外部连接
	recorder.Wait()
	bus.Close()
	for _, sink := range asyncSinks {
		sink.Close()
	}
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	if redisClient != nil {
		_ = redisx.Close(redisClient)
	}
	_ = database.Close(db)
}
