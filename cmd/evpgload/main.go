// evpgload exercises an evpg pool against a live PostgreSQL server:
// concurrent workers run queries and transactions through the pool
// while a metrics endpoint exposes client instrumentation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evpg/evpg"
	"github.com/evpg/evpg/pgxdriver"
	"github.com/evpg/evpg/reactor"
)

func main() {
	var (
		configPath  = flag.String("config", "evpg.yaml", "path to client config file")
		workers     = flag.Int("workers", 8, "concurrent workers")
		queries     = flag.Int("queries", 0, "queries per worker (0 = until signalled)")
		txRatio     = flag.Float64("tx-ratio", 0.2, "fraction of operations run as transactions")
		metricsAddr = flag.String("metrics-addr", ":9090", "metrics/health listen address")
		statsEvery  = flag.Duration("stats-interval", 5*time.Second, "pool stats log interval")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := evpg.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[load] config: %v", err)
	}
	if cfg.DSN == "" {
		log.Fatalf("[load] config %s has no dsn", *configPath)
	}

	loop, err := reactor.NewLoop()
	if err != nil {
		log.Fatalf("[load] reactor: %v", err)
	}
	defer loop.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := evpg.NewPool(ctx, pgxdriver.Factory(loop, cfg), cfg.Pool)
	if err != nil {
		log.Fatalf("[load] pool: %v", err)
	}
	defer pool.Close()

	srv := startMetricsServer(*metricsAddr, pool)
	defer srv.Shutdown(context.Background())

	log.Printf("[load] starting: workers=%d queries=%d tx-ratio=%.2f",
		*workers, *queries, *txRatio)

	var (
		wg       sync.WaitGroup
		ok, fail atomic.Int64
	)
	start := time.Now()

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(ctx, pool, id, *queries, *txRatio, &ok, &fail)
		}(i)
	}

	if *statsEvery > 0 {
		go logStats(ctx, pool, *statsEvery)
	}

	wg.Wait()
	stop()

	elapsed := time.Since(start)
	total := ok.Load() + fail.Load()
	rate := float64(total) / elapsed.Seconds()
	log.Printf("[load] done: %d ok, %d failed in %s (%.1f ops/s)",
		ok.Load(), fail.Load(), elapsed.Round(time.Millisecond), rate)
	if fail.Load() > 0 {
		os.Exit(1)
	}
}

func runWorker(ctx context.Context, pool *evpg.Pool, id, limit int, txRatio float64, ok, fail *atomic.Int64) {
	rng := rand.New(rand.NewSource(int64(id)*7919 + time.Now().UnixNano()))
	caller := pool.Caller()

	for n := 0; limit == 0 || n < limit; n++ {
		if ctx.Err() != nil {
			return
		}

		var err error
		if rng.Float64() < txRatio {
			err = caller.Transaction(ctx, func(conn *evpg.Conn) error {
				if _, qerr := conn.Query(ctx, "SELECT pg_sleep(0.001)"); qerr != nil {
					return qerr
				}
				_, qerr := conn.Query(ctx, "SELECT $1::int + $2::int", n, id)
				return qerr
			})
		} else {
			err = caller.Do(ctx, func(conn *evpg.Conn) error {
				res, qerr := conn.Query(ctx, "SELECT now(), $1::int", n)
				if qerr != nil {
					return qerr
				}
				if len(res.Values) != 1 {
					return fmt.Errorf("expected 1 row, got %d", len(res.Values))
				}
				return nil
			})
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fail.Add(1)
			log.Printf("[load] worker %d: %v", id, err)
			continue
		}
		ok.Add(1)
	}
}

func startMetricsServer(addr string, pool *evpg.Pool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		stats := pool.Stats()
		if stats.Available+stats.Reserved == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, "available=%d reserved=%d pending=%d max=%d\n",
			stats.Available, stats.Reserved, stats.Pending, stats.MaxSize)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("[load] metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[load] metrics server: %v", err)
		}
	}()
	return srv
}

func logStats(ctx context.Context, pool *evpg.Pool, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := pool.Stats()
			log.Printf("[load] pool: available=%d reserved=%d pending=%d",
				s.Available, s.Reserved, s.Pending)
		}
	}
}
