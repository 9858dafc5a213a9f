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

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"collabServer/backend/config"
	"collabServer/backend/internal/cache"
	"collabServer/backend/internal/chat"
	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/httpapi/handlers"
	"collabServer/backend/internal/httpapi/middleware"
	"collabServer/backend/internal/logger"
	"collabServer/backend/internal/store"
	"collabServer/backend/internal/ws"
)

const (
	snapshotRetention = 5
	shutdownTimeout   = 10 * time.Second
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(2)
	}
	log, err := logger.New(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("collab server stopped")
	}
	log.Info().Msg("collab server stopped")
}

func newProducer(brokers []string) (sarama.SyncProducer, error) {
	kafkaCfg := sarama.NewConfig()
	// SyncProducer needs Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, kafkaCfg)
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		return fmt.Errorf("connect mysql: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := newProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphore(cfg.Sync.MaxConcurrentMerges),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
			},
			log,
		)
		// runs before producer.Close
		defer dispatcher.Close()
		events = dispatcher
	} else {
		log.Warn().Msg("no kafka brokers configured, update events are not published")
	}

	svc := collab.NewService(
		store.NewSnapshotStore(db).WithRetention(snapshotRetention),
		events,
		collab.Options{
			CompactThreshold: cfg.Sync.CompactThreshold,
			MaxConcurrent:    cfg.Sync.MaxConcurrentMerges,
			Logger:           log,
		},
	)
	hub := ws.NewHub(log)
	wsOpts := ws.Options{PresenceTTL: cfg.Sync.PresenceTTL}
	if len(cfg.Sync.AllowedOrigins) > 0 {
		wsOpts.AllowedOrigins = cfg.Sync.AllowedOrigins
	}
	manager := ws.NewManager(hub, svc, cache.NewRedisRoster(rdb, nil), wsOpts, log)
	bus := chat.NewBus(rdb, "", log)
	chatAPI := handlers.NewChat(store.NewMessageStore(db), store.NewReadStore(db), bus, log)

	r := gin.New()
	r.Use(logger.GinMiddleware(log), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	auth := middleware.Auth(middleware.AuthOptions{Secret: cfg.Auth.Secret, AuthBaseURL: cfg.Auth.Path}, log)
	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	r.GET("/collab/ws", auth, manager.WebSocketConnect)
	chatAPI.Register(r.Group("", auth))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bus.Run(gctx, nil, hub.Deliver)
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if perr := svc.PersistAll(sctx); perr != nil {
			err = errors.Join(err, fmt.Errorf("persist on shutdown: %w", perr))
		}
		return err
	})
	return g.Wait()
}
