package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"
)

// Failure knobs, all overridable via environment.
var (
	failRate    = envFloat("FAIL_RATE", 0.10)    // fraction of requests answered 500
	timeoutRate = envFloat("TIMEOUT_RATE", 0.05) // fraction that hang past client timeouts
	rejectRate  = envFloat("REJECT_RATE", 0.0)   // fraction answered 400
	maxLatency  = envInt("LATENCY_MS", 200)      // random added latency ceiling
	hangSeconds = envInt("HANG_SECONDS", 60)     // how long a "timeout" request hangs
)

var (
	received int64
	sent     int64
	failed   int64
	hung     int64
)

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  STUB email service for local testing ONLY.               ║")
	log.Println("║  Failures and timeouts are INJECTED at random on purpose. ║")
	log.Println("║                                                           ║")
	log.Println("║  Knobs: FAIL_RATE, TIMEOUT_RATE, REJECT_RATE,             ║")
	log.Println("║         LATENCY_MS, HANG_SECONDS                          ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")
	log.Println("")
	log.Printf("Starting stub email service (fail=%.2f timeout=%.2f reject=%.2f latency<=%dms)...",
		failRate, timeoutRate, rejectRate, maxLatency)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /send-email", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&received, 1)

		var req struct {
			Email   string `json:"email"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
			atomic.AddInt64(&failed, 1)
			http.Error(w, `{"error":"email and message are required"}`, http.StatusBadRequest)
			return
		}

		if maxLatency > 0 {
			time.Sleep(time.Duration(rand.Intn(maxLatency)) * time.Millisecond)
		}

		roll := rand.Float64()
		switch {
		case roll < timeoutRate:
			// Hold the connection open so the caller's own timeout fires.
			atomic.AddInt64(&hung, 1)
			select {
			case <-time.After(time.Duration(hangSeconds) * time.Second):
			case <-r.Context().Done():
			}
			return
		case roll < timeoutRate+failRate:
			atomic.AddInt64(&failed, 1)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		case roll < timeoutRate+failRate+rejectRate:
			atomic.AddInt64(&failed, 1)
			http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
			return
		}

		atomic.AddInt64(&sent, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"sent","sentTime":"%s"}`, time.Now().UTC().Format(time.RFC3339Nano))
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":"stub-email","received":%d,"sent":%d,"failed":%d,"hung":%d}`,
			atomic.LoadInt64(&received), atomic.LoadInt64(&sent),
			atomic.LoadInt64(&failed), atomic.LoadInt64(&hung))
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(hangSeconds+30) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Stub email service listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down stub email service...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Printf("Stopped: received=%d sent=%d failed=%d hung=%d",
		atomic.LoadInt64(&received), atomic.LoadInt64(&sent),
		atomic.LoadInt64(&failed), atomic.LoadInt64(&hung))
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
