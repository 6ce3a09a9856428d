// Command dbshield serves an in-memory document store through the cached,
// pooled, circuit-broken database layer and exposes its health, metrics and
// performance report over HTTP.
//
// Usage:
//
//	dbshield [-config dbshield.yaml] [-addr :8080]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonwraymond/dbshield/config"
	"github.com/jonwraymond/dbshield/docdb"
	"github.com/jonwraymond/dbshield/docdb/memdb"
	"github.com/jonwraymond/dbshield/health"
	"github.com/jonwraymond/dbshield/observe"
	"github.com/jonwraymond/dbshield/shield"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "dbshield:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("dbshield", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	addr := fs.String("addr", "", "listen address (overrides server.addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	obsCfg := cfg.Observe
	obsCfg.Logging.Enabled = true
	obs, err := observe.NewObserver(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()
	logger := obs.Logger()

	mw, err := observe.MiddlewareFromObserver(obs)
	if err != nil {
		return err
	}

	resolver, err := cfg.SecretResolver()
	if err != nil {
		return err
	}
	defer func() { _ = resolver.Close() }()
	creds, err := cfg.ResolveCredentials(ctx, resolver)
	if err != nil {
		return err
	}
	logger.Info(ctx, "database configured",
		observe.Field{Key: "endpoint", Value: creds.Endpoint},
		observe.Field{Key: "container", Value: creds.Container},
		observe.Field{Key: "key", Value: creds.Key},
	)

	partitionField := cfg.Database.PartitionField
	if partitionField == "" {
		partitionField = "userId"
	}
	store := memdb.New(partitionField)
	seedDemo(store)

	svc, err := shield.New(ctx, store, cfg.ShieldConfig(), shield.WithMiddleware(mw))
	if err != nil {
		return err
	}

	agg := health.NewAggregator(health.AggregatorConfig{})
	agg.Register("pool", svc.HealthChecker())

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: newRouter(svc, agg, cfg.Server.ReportWindow),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", observe.Field{Key: "addr", Value: srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			_ = svc.Close(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return errors.Join(srv.Shutdown(shutdownCtx), svc.Close(shutdownCtx))
}

func seedDemo(store *memdb.Store) {
	store.Seed(
		docdb.Record{"id": "t1", "type": "THREAD", "userId": "123", "title": "Welcome"},
		docdb.Record{"id": "t2", "type": "THREAD", "userId": "123", "title": "Release notes"},
		docdb.Record{"id": "t3", "type": "THREAD", "userId": "456", "title": "Support"},
		docdb.Record{"id": "m1", "type": "MESSAGE", "userId": "123", "threadId": "t1"},
		docdb.Record{"id": "m2", "type": "MESSAGE", "userId": "123", "threadId": "t1"},
	)
}
