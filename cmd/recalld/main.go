// Command recalld serves the customer memory engine over WebSocket and gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/lifecycle"
	"github.com/becomeliminal/nim-recall/logging"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/cached"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/embedder/openai"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
	"github.com/becomeliminal/nim-recall/server"
	"github.com/becomeliminal/nim-recall/server/rpc"
	"github.com/becomeliminal/nim-recall/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "recall.yaml", "path to the YAML config file")
	flag.Parse()

	// A .env file is optional.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recalld: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("recalld stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	emb, err := newEmbedder(cfg.Embedder, log)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	if c, ok := emb.(io.Closer); ok {
		defer c.Close()
	}
	if cfg.Embedder.CacheSize > 0 {
		c, err := cached.New(emb, cached.Config{MaxEntries: cfg.Embedder.CacheSize})
		if err != nil {
			return fmt.Errorf("create embedding cache: %w", err)
		}
		defer c.Close()
		emb = c
	}

	index, err := chromem.New(chromem.Config{
		Path:       cfg.Index.Path,
		Compress:   cfg.Index.Compress,
		Collection: cfg.Index.Collection,
		Version:    emb.Version(),
		Dimensions: emb.Dimensions(),
	}, chromem.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer index.Close()

	stores, closeStores, err := openStores(cfg.Storage, index, emb)
	if err != nil {
		return err
	}
	defer closeStores()

	e, err := engine.New(stores, engine.Config{
		Identity:  cfg.Identity,
		Ranking:   cfg.Retrieval,
		Profile:   cfg.Profile,
		Lifecycle: lifecycle.Config{BatchSize: cfg.Lifecycle.BatchSize},
		Retry:     engine.DefaultConfig().Retry,
		PageSize:  engine.DefaultConfig().PageSize,
	}, engine.WithLogger(log))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer e.Close()

	log.Info("recalld starting",
		"storage", cfg.Storage.Driver,
		"embedder", emb.Version(),
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	serve := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	if addr := cfg.Server.HTTPAddr; addr != "" {
		ws := server.New(e, server.WithLogger(log))
		serve("websocket", func() error { return ws.Run(ctx, addr) })
	}
	if addr := cfg.Server.GRPCAddr; addr != "" {
		srv := rpc.NewServer(rpc.NewService(e, rpc.WithLogger(log)))
		serve("grpc", func() error { return rpc.Serve(ctx, srv, addr) })
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		e.Lifecycle().Run(ctx, cfg.Lifecycle.SweepInterval, cfg.Lifecycle.Retention)
	}()
	go func() {
		defer wg.Done()
		reembed(ctx, e, cfg.Lifecycle.SweepInterval, cfg.Lifecycle.PendingLimit, log)
	}()

	wg.Wait()
	close(errs)

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	if err := e.Flush(flushCtx); err != nil {
		log.Warn("flush profile observations", "error", err)
	}

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

func openStores(cfg config.StorageConfig, index memory.Index, emb memory.Embedder) (engine.Stores, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.Path)
		if err != nil {
			return engine.Stores{}, nil, fmt.Errorf("open sqlite: %w", err)
		}
		stores := engine.Stores{
			Identities:   db.Identities(),
			Interactions: db.Interactions(),
			Evidence:     db.Evidence(),
			Lifecycle:    db.Lifecycle(),
			Index:        index,
			Embedder:     emb,
		}
		return stores, func() { db.Close() }, nil
	default:
		return engine.MemoryStores(index, emb), func() {}, nil
	}
}

// reembed retries records stored while the embedding function was down.
func reembed(ctx context.Context, e *engine.Engine, interval time.Duration, limit int, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := e.RetryPendingEmbeddings(ctx, limit)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("retry pending embeddings failed", "error", err)
		case n > 0:
			log.Info("embedded pending interactions", "count", n)
		}
	}
}

func newEmbedder(cfg config.EmbedderConfig, log *slog.Logger) (memory.Embedder, error) {
	switch cfg.Type {
	case "openai":
		return openai.New(openai.Config{
			APIKey:     os.Getenv(cfg.APIKeyEnv),
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			MaxRetries: 2,
		})
	case "onnx":
		return newONNXEmbedder(cfg, log)
	case "", "mock":
		if cfg.Dimensions <= 0 {
			return mock.New(), nil
		}
		return mock.NewWithDimensions(cfg.Dimensions), nil
	}
	return nil, fmt.Errorf("unknown embedder type %q", cfg.Type)
}
