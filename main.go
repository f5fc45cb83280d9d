// main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/honua-io/honua-raster/cog"
	"github.com/honua-io/honua-raster/dataset"
	"github.com/honua-io/honua-raster/fetch"
	"github.com/honua-io/honua-raster/raster"
	"github.com/honua-io/honua-raster/router"
	"github.com/honua-io/honua-raster/tilecache"
	"github.com/honua-io/honua-raster/zarr"
)

const appName = "raster-engine"

var (
	httpTileServer    *http.Server
	httpMetricsServer *http.Server
)

// Config holds all configuration for the application, loaded from environment
// variables.
type Config struct {
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort          int           `env:"HTTP_PORT" envDefault:"8080"`
	HTTPMetricsPort   int           `env:"METRICS_PORT" envDefault:"8888"`
	CacheMaxBytes     int64         `env:"CACHE_MAX_BYTES" envDefault:"268435456"`
	CacheDir          string        `env:"CACHE_DIR"`
	FetchMaxAttempts  int           `env:"FETCH_MAX_ATTEMPTS" envDefault:"3"`
	FetchBackoffStart time.Duration `env:"FETCH_BACKOFF_START" envDefault:"100ms"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	rt, err := setupRouter(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize raster engine, shutting down", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	// HTTP metrics server (Prometheus + health)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP tile server
	g.Go(func() error {
		return startTileServer(logger, cfg, rt)
	})

	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpTileServer != nil {
		if err := httpTileServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP tile server shutdown error", "error", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func setupRouter(cfg Config, logger *slog.Logger) (*router.Router, error) {
	fetcher := fetch.NewClient(
		fetch.WithMaxAttempts(cfg.FetchMaxAttempts),
		fetch.WithInitialBackoff(cfg.FetchBackoffStart),
	)
	meta := dataset.New()

	var store tilecache.Store
	if cfg.CacheDir != "" {
		fs, err := tilecache.NewFileStore(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("creating file cache store: %w", err)
		}
		store = fs
		logger.Info("tile cache backed by filesystem", "dir", cfg.CacheDir)
	} else {
		store = tilecache.NewMemoryStore()
		logger.Info("tile cache backed by memory")
	}
	cache := tilecache.New(store, cfg.CacheMaxBytes, logger)
	logger.Info("configuring tile cache", "max_bytes", cfg.CacheMaxBytes)

	return router.New(router.Config{
		COG:      cog.NewReader(fetcher, meta),
		Zarr:     zarr.NewReader(fetcher, meta),
		Cache:    cache,
		Metadata: meta,
		Logger:   logger,
	}), nil
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startTileServer(logger *slog.Logger, cfg Config, rt *router.Router) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	mux := http.NewServeMux()
	mux.HandleFunc("/tile/", getTileHandler(rt))
	mux.HandleFunc("/chunk/", getChunkHandler(rt))
	mux.HandleFunc("/invalidate", invalidateHandler(rt))

	httpTileServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP tile server listening", "address", addr)

	if err := httpTileServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP tile server failed: %w", err)
	}
	return nil
}

// getTileHandler serves GET /tile/{z}/{x}/{y}?dataset=<uri>.
func getTileHandler(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uri := r.URL.Query().Get("dataset")
		if uri == "" {
			http.Error(w, "missing dataset parameter", http.StatusBadRequest)
			return
		}
		pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tile/"), "/")
		if len(pathParts) != 3 {
			http.Error(w, "expected /tile/{z}/{x}/{y}", http.StatusBadRequest)
			return
		}
		var zxy [3]int
		for i, p := range pathParts {
			v, err := strconv.Atoi(p)
			if err != nil {
				http.Error(w, "invalid tile coordinate", http.StatusBadRequest)
				return
			}
			zxy[i] = v
		}

		payload, err := rt.GetTile(r.Context(), uri,
			raster.TileCoordinate{Z: zxy[0], X: zxy[1], Y: zxy[2]})
		if err != nil {
			writeTileError(w, err)
			return
		}
		writePayload(w, payload)
	}
}

// getChunkHandler serves GET /chunk/{i.j.k}?dataset=<uri>.
func getChunkHandler(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uri := r.URL.Query().Get("dataset")
		if uri == "" {
			http.Error(w, "missing dataset parameter", http.StatusBadRequest)
			return
		}
		spec := strings.TrimPrefix(r.URL.Path, "/chunk/")
		parts := strings.Split(spec, ".")
		indices := make([]int, len(parts))
		for i, p := range parts {
			v, err := strconv.Atoi(p)
			if err != nil {
				http.Error(w, "invalid chunk index", http.StatusBadRequest)
				return
			}
			indices[i] = v
		}

		payload, err := rt.GetTile(r.Context(), uri, raster.TileCoordinate{Indices: indices})
		if err != nil {
			writeTileError(w, err)
			return
		}
		writePayload(w, payload)
	}
}

// invalidateHandler serves POST /invalidate?dataset=<uri>, the "dataset
// changed" signal.
func invalidateHandler(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		uri := r.URL.Query().Get("dataset")
		if uri == "" {
			http.Error(w, "missing dataset parameter", http.StatusBadRequest)
			return
		}
		rt.InvalidateDataset(r.Context(), uri)
		w.WriteHeader(http.StatusNoContent)
	}
}

func writePayload(w http.ResponseWriter, p *raster.TilePayload) {
	shape := make([]string, len(p.Shape))
	for i, s := range p.Shape {
		shape[i] = strconv.Itoa(s)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Raster-Type", p.Type.String())
	w.Header().Set("X-Raster-Shape", strings.Join(shape, "x"))
	if p.NoData != nil {
		w.Header().Set("X-Raster-Nodata", strconv.FormatFloat(*p.NoData, 'g', -1, 64))
	}
	w.Write(p.Bytes)
}

func writeTileError(w http.ResponseWriter, err error) {
	var (
		invalidCoord *raster.InvalidTileCoordinateError
		unsupported  *raster.UnsupportedFormatError
		badCodec     *raster.UnsupportedCodecError
		badMeta      *raster.MetadataParseError
		fetchErr     *raster.RangeFetchError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &invalidCoord):
		status = http.StatusBadRequest
	case errors.As(err, &unsupported), errors.As(err, &badCodec):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &badMeta):
		status = http.StatusBadGateway
	case errors.As(err, &fetchErr):
		if fetchErr.Permanent {
			status = http.StatusNotFound
		} else {
			status = http.StatusBadGateway
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}
