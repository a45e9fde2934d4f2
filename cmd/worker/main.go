package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/config"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/emailer"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/greeting"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/metrics"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/pkg/distlock"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/pkg/httpretry"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/pkg/logger"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/queue"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/repository/postgres"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/worker"
)

func main() {
	log.Println("Starting greeting delivery worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(!cfg.Logging.DisablePIIRedaction)

	// Database connection
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(dbCtx); err != nil {
		dbCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	dbCancel()
	log.Println("Connected to database")

	// Queue backend
	var (
		q           queue.Queue
		redisClient *redis.Client
	)
	switch cfg.Queue.Backend {
	case "amqp":
		q, err = queue.NewAMQPQueue(queue.AMQPOptions{
			URL:       cfg.Queue.AMQPURL,
			Exchange:  cfg.Queue.Exchange,
			QueueName: cfg.Queue.QueueName,
			Prefetch:  cfg.Worker.Prefetch,
		})
		if err != nil {
			log.Fatalf("Failed to connect to AMQP broker: %v", err)
		}
		log.Printf("Queue backend: AMQP (%s)", cfg.Queue.QueueName)
	default:
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		redisCtx, redisCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(redisCtx).Err(); err != nil {
			redisCancel()
			log.Fatalf("Failed to ping Redis: %v", err)
		}
		redisCancel()
		q = queue.NewRedisQueue(redisClient, cfg.Queue.KeyPrefix, cfg.Queue.VisibilityTimeout())
		log.Printf("Queue backend: Redis (%s)", cfg.Queue.RedisAddr)
	}
	defer q.Close()

	m := metrics.New()
	messages := postgres.NewMessageRepo(db)
	users := postgres.NewUserRepo(db)
	registry := greeting.DefaultRegistry()

	// Email sender behind the circuit breaker
	breaker := emailer.NewBreaker(
		cfg.Sender.Breaker.Window(),
		float64(cfg.Sender.Breaker.ErrorPercent)/100,
		cfg.Sender.Breaker.MinVolume,
		cfg.Sender.Breaker.Reset(),
	)

	var sender emailer.Sender
	switch cfg.Sender.Provider {
	case "ses":
		sesCtx, sesCancel := context.WithTimeout(context.Background(), 10*time.Second)
		sender, err = emailer.NewSESSender(sesCtx, emailer.SESOptions{
			Region:    cfg.Sender.SES.Region,
			AccessKey: cfg.Sender.SES.AccessKey,
			SecretKey: cfg.Sender.SES.SecretKey,
			FromEmail: cfg.Sender.SES.FromEmail,
		}, breaker)
		sesCancel()
		if err != nil {
			log.Fatalf("Failed to initialize SES sender: %v", err)
		}
		log.Printf("Email provider: SES (%s)", cfg.Sender.SES.Region)
	default:
		rc := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Sender.Timeout()}, cfg.Sender.InnerRetries)
		sender = emailer.NewHTTPSender(cfg.Sender.BaseURL, rc, breaker)
		log.Printf("Email provider: HTTP (%s)", cfg.Sender.BaseURL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Daily pre-calculation scheduler
	precalc := worker.NewPrecalcScheduler(users, messages, registry, m)
	precalc.SetLockFactory(func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, ttl)
	})
	if err := precalc.Start(); err != nil {
		log.Fatalf("Failed to start pre-calculation scheduler: %v", err)
	}

	// Minute dispatcher
	dispatcher := worker.NewDispatcher(messages, q, m,
		cfg.Scheduler.DispatchInterval(), cfg.Scheduler.DispatchHorizon(), cfg.Scheduler.DispatchBatchLimit)
	if err := dispatcher.Start(); err != nil {
		log.Fatalf("Failed to start dispatcher: %v", err)
	}

	// Send worker pool
	pool := worker.NewSendWorkerPool(q, messages, users, sender, registry, m, worker.PoolConfig{
		Workers:      cfg.Worker.Count,
		MaxRetries:   cfg.Worker.MaxRetries,
		RetryBase:    cfg.Worker.RetryBase(),
		RetryCap:     cfg.Worker.RetryCap(),
		DrainTimeout: cfg.Worker.GracefulShutdown(),
	})
	if err := pool.Start(); err != nil {
		log.Fatalf("Failed to start send worker pool: %v", err)
	}

	// Recovery sweeper
	recovery := worker.NewRecoveryWorker(messages, q, m, worker.RecoveryConfig{
		Interval:         cfg.Recovery.Interval(),
		OverdueGrace:     cfg.Recovery.OverdueGrace(),
		StuckEnqueuedAge: cfg.Recovery.StuckEnqueued(),
		StaleSendingAge:  cfg.Recovery.StaleSending(),
		RetryBase:        cfg.Worker.RetryBase(),
		RetryCap:         cfg.Worker.RetryCap(),
		MaxRetries:       cfg.Worker.MaxRetries,
	})
	go recovery.Start(ctx)

	// Retention of terminal rows
	retention := worker.NewRetentionWorker(messages, cfg.Retention.Days, cfg.Retention.BatchSize)
	go retention.Start(ctx)

	go feedGauges(ctx, m, q, breaker)

	// Prometheus exposition for the worker process
	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		log.Printf("Metrics listening on %s", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	log.Println("Worker running...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")

	// Stop producing first, then drain the pool, then the sweepers.
	precalc.Stop()
	dispatcher.Stop()
	pool.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	metricsSrv.Shutdown(shutdownCtx)
	shutdownCancel()

	log.Println("Worker stopped")
}

// feedGauges refreshes the queue depth and breaker position gauges.
func feedGauges(ctx context.Context, m *metrics.Metrics, q queue.Queue, b *emailer.Breaker) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if depth, err := q.Depth(depthCtx); err == nil {
				m.QueueDepth.Set(float64(depth))
			}
			cancel()
			m.CircuitState.Set(float64(b.State()))
		}
	}
}
