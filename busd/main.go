// busd is the operational daemon for the event bus: it registers the
// pipeline's consumer groups, runs the dead-letter sweepers, and serves the
// maintenance API (pending inspection, manual claim, websocket activity
// tail) plus Prometheus metrics.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opencast/castbus/admin"
	"github.com/opencast/castbus/bus"
	"github.com/opencast/castbus/logstore"
	"github.com/opencast/castbus/pipeline"
	"github.com/opencast/castbus/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Log store: Redis Streams, or in-memory for single-process runs.
	var ls logstore.Store
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		rs, err := logstore.NewRedis(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("failed to connect to Redis log store at %s: %v", redisAddr, err)
		}
		ls = rs
		log.Printf("[busd] connected to Redis log store at %s", redisAddr)
	} else {
		ls = logstore.NewMemory()
		log.Printf("[busd] REDIS_ADDR not set; using in-memory log store (single process only)")
	}
	defer ls.Close()

	// Operational store: Postgres for dead letters + idempotency records,
	// memory fallback when no database is configured.
	var dead store.DeadLetters
	if connString := os.Getenv("POSTGRES_URL"); connString != "" {
		pg, err := store.NewPostgres(ctx, connString)
		if err != nil {
			log.Fatalf("failed to connect to Postgres at %s: %v", connString, err)
		}
		defer pg.Close()
		dead = pg
		log.Printf("[busd] connected to Postgres for dead letters")
	} else {
		dead = store.NewMemory()
		log.Printf("[busd] POSTGRES_URL not set; dead letters kept in memory")
	}

	opts := bus.DefaultOptions().FromEnv()
	hub := admin.NewHub()
	b := bus.New(ls, opts).
		WithDeadLetterSink(dead).
		WithActivityFunc(hub.Publish)

	if err := pipeline.EnsureGroups(ctx, b); err != nil {
		log.Fatalf("failed to register pipeline consumer groups: %v", err)
	}

	sweepInterval := 30 * time.Second
	if v := os.Getenv("BUSD_SWEEP_INTERVAL_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			sweepInterval = time.Duration(ms) * time.Millisecond
		}
	}
	for _, bd := range pipeline.Bindings {
		go bus.NewSweeper(b, bd.Stream, bd.Group, sweepInterval).Run(ctx)
	}

	go hub.Run(ctx)

	mux := http.NewServeMux()
	admin.NewAPI(b, dead, hub).Routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := os.Getenv("BUSD_LISTEN_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("[busd] maintenance API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("maintenance API failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[busd] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[busd] server shutdown: %v", err)
	}
}
