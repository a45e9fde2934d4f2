package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/api"
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

// checkPortAvailable verifies that the target port is not already in use,
// so a stale process cannot silently shadow this one.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	runWorkers := flag.Bool("workers", false, "also run the schedulers and send pool in this process")
	flag.Parse()

	log.Println("Starting greeting ops server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(!cfg.Logging.DisablePIIRedaction)

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

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
	}
	defer q.Close()

	m := metrics.New()
	messages := postgres.NewMessageRepo(db)
	users := postgres.NewUserRepo(db)
	registry := greeting.DefaultRegistry()
	lifecycle := worker.NewLifecycle(messages, registry, m)

	handlers := api.NewHandlers(db, q, messages, lifecycle, m)
	handlers.SetUserWriter(users)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Single-process deployments run the whole pipeline here; split
	// deployments leave delivery to cmd/worker and serve only the ops
	// surface.
	var (
		precalc    *worker.PrecalcScheduler
		dispatcher *worker.Dispatcher
		pool       *worker.SendWorkerPool
	)
	if *runWorkers {
		breaker := emailer.NewBreaker(
			cfg.Sender.Breaker.Window(),
			float64(cfg.Sender.Breaker.ErrorPercent)/100,
			cfg.Sender.Breaker.MinVolume,
			cfg.Sender.Breaker.Reset(),
		)
		rc := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Sender.Timeout()}, cfg.Sender.InnerRetries)
		sender := emailer.NewHTTPSender(cfg.Sender.BaseURL, rc, breaker)
		handlers.SetBreaker(breaker)

		precalc = worker.NewPrecalcScheduler(users, messages, registry, m)
		precalc.SetLockFactory(func(key string, ttl time.Duration) distlock.DistLock {
			return distlock.NewLock(redisClient, db, key, ttl)
		})
		if err := precalc.Start(); err != nil {
			log.Fatalf("Failed to start pre-calculation scheduler: %v", err)
		}

		dispatcher = worker.NewDispatcher(messages, q, m,
			cfg.Scheduler.DispatchInterval(), cfg.Scheduler.DispatchHorizon(), cfg.Scheduler.DispatchBatchLimit)
		if err := dispatcher.Start(); err != nil {
			log.Fatalf("Failed to start dispatcher: %v", err)
		}

		pool = worker.NewSendWorkerPool(q, messages, users, sender, registry, m, worker.PoolConfig{
			Workers:      cfg.Worker.Count,
			MaxRetries:   cfg.Worker.MaxRetries,
			RetryBase:    cfg.Worker.RetryBase(),
			RetryCap:     cfg.Worker.RetryCap(),
			DrainTimeout: cfg.Worker.GracefulShutdown(),
		})
		if err := pool.Start(); err != nil {
			log.Fatalf("Failed to start send worker pool: %v", err)
		}

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

		retention := worker.NewRetentionWorker(messages, cfg.Retention.Days, cfg.Retention.BatchSize)
		go retention.Start(ctx)

		handlers.RegisterComponent("precalc", precalc)
		handlers.RegisterComponent("dispatcher", dispatcher)
		handlers.RegisterComponent("send_pool", pool)
		handlers.RegisterComponent("recovery", recovery)
		handlers.RegisterComponent("retention", retention)
		log.Println("Single-process mode: schedulers and send pool running")
	}

	server := api.NewServer(handlers, api.NewHealthChecker(db, q))
	addr := fmt.Sprintf("%s:%d", host, port)
	go func() {
		log.Printf("Ops server listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if precalc != nil {
		precalc.Stop()
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}
	if pool != nil {
		pool.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
