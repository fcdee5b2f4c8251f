package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/comicshelf/internal/archive"
	"github.com/maneesh/comicshelf/internal/blobcache"
	"github.com/maneesh/comicshelf/internal/config"
	"github.com/maneesh/comicshelf/internal/download"
	"github.com/maneesh/comicshelf/internal/handlers"
	"github.com/maneesh/comicshelf/internal/library"
	"github.com/maneesh/comicshelf/internal/logging"
	"github.com/maneesh/comicshelf/internal/progress"
	"github.com/maneesh/comicshelf/internal/remote"
	"github.com/maneesh/comicshelf/internal/storage"
	"github.com/maneesh/comicshelf/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const version = "0.3.0"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		_ = logging.Init("info", "json", "")
		logging.Fatal("failed to load config", err)
	}

	if err := logging.Init(cfg.LogLevel, cfg.LogFormat, cfg.LogOutput); err != nil {
		logging.Fatal("failed to initialize logger", err)
	}
	defer logging.Sync()

	logging.Infow("starting comicshelf", "service", cfg.ServiceName, "port", cfg.ServicePort, "backend", cfg.StorageBackend, "origin", cfg.OriginURL)

	ctx := context.Background()

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, version, cfg.JaegerEndpoint, cfg.TracingEnabled)
	if err != nil {
		logging.Fatal("failed to initialize tracer", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logging.Error("error shutting down tracer", err)
		}
	}()

	// Open local storage
	backend, err := storage.NewBackend(cfg)
	if err != nil {
		logging.Fatal("failed to create storage backend", err)
	}
	store := storage.NewStore(backend)
	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	err = store.Init(initCtx)
	cancelInit()
	if err != nil {
		logging.Fatal("failed to open storage", err)
	}
	defer store.Close()
	logging.Infow("storage ready", "backend", store.Backend())

	// Wire components
	prog := progress.NewStore(store)
	cache := blobcache.New(store)
	engine := download.NewEngine(download.OptionsFromConfig(cfg), store, cache)
	syncer := remote.NewSyncer(remote.Options{
		Origin:       cfg.OriginURL,
		ManifestPath: cfg.ManifestPath,
		BatchSize:    cfg.BatchSize,
		Client: &http.Client{
			Timeout:   cfg.OriginTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, store, prog)
	resources := archive.NewRegistry()
	lib := library.New(library.Options{PreloadNext: cfg.PreloadNext}, syncer, engine, archive.NewExtractor(), resources, prog, store)

	readHandler := handlers.NewReadHandler(lib, prog, engine, cache, resources)
	writeHandler := handlers.NewWriteHandler(lib, syncer, prog, engine, cache, resources)
	eventsHandler := handlers.NewEventsHandler(engine)
	router := handlers.NewRouter(readHandler, writeHandler, eventsHandler, store)

	// Create HTTP server; a request may wait for one full download
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DownloadTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logging.Infow("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("server failed", err)
		}
	}()

	// Initial sync in the background; the local snapshot serves until it finishes
	go func() {
		if _, err := syncer.Sync(ctx); err != nil {
			logging.Warnw("initial sync failed", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Infow("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("server forced to shutdown", err)
	}
	writeHandler.Wait()
	engine.Wait()

	logging.Infow("server exited")
}
