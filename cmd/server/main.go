package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fabfab/firefly-match/internal/config"
	"github.com/fabfab/firefly-match/internal/embeddings"
	"github.com/fabfab/firefly-match/internal/judge"
	"github.com/fabfab/firefly-match/internal/localcache"
	"github.com/fabfab/firefly-match/internal/matchcache"
	"github.com/fabfab/firefly-match/internal/matcher"
	"github.com/fabfab/firefly-match/internal/notify"
	"github.com/fabfab/firefly-match/internal/server"
	"github.com/fabfab/firefly-match/internal/store"
	"github.com/fabfab/firefly-match/internal/vectorindex"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("firefly-match dev build")
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := connectDatabase(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()

	cache, err := matchcache.New(context.Background(), db.Pool())
	if err != nil {
		log.Fatalf("failed to prepare match cache: %v", err)
	}

	embedder := embeddings.NewOllamaEmbedder(cfg.Ollama.Host, cfg.Embed.Model, cfg.Embed.Dimension, 90*time.Second)
	embedStore, err := embeddings.NewStore(filepath.Join(cfg.DataDir, "embeddings"), embedder)
	if err != nil {
		log.Fatalf("failed to set up embedding store: %v", err)
	}
	index := vectorindex.New(embedStore)

	relevanceJudge, err := judge.New(cfg.Judge.AnthropicAPIKey, cfg.Judge.Model, cache, cfg.Judge.RequestTimeout, cfg.Judge.MaxRetries)
	if err != nil {
		log.Fatalf("failed to set up relevance judge: %v", err)
	}

	m := matcher.New(db, index, embedStore, relevanceJudge, cache)
	pool := matcher.NewPool(m, cfg.Matcher.WorkerCount, cfg.Matcher.WorkerCount*4)

	notifier, err := buildNotifier(cfg, db, embedStore)
	if err != nil {
		log.Fatalf("failed to set up push notifier: %v", err)
	}

	localCache, err := localcache.NewManager(filepath.Join(cfg.DataDir, "searchcache"))
	if err != nil {
		log.Fatalf("failed to set up local search cache: %v", err)
	}

	srv := server.New(cfg, server.Deps{
		Store:      db,
		Cache:      cache,
		Embed:      embedStore,
		Index:      index,
		Matcher:    m,
		Pool:       pool,
		Notifier:   notifier,
		LocalCache: localCache,
	})

	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: srv,
	}

	log.Printf("starting server on %s (data dir: %s, embedding model: %s)", cfg.Address, cfg.DataDir, cfg.Embed.Model)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer, cfg.DataDir)
}

// connectDatabase verifies Postgres is reachable before building the
// store, attempting one automatic restart of a local instance if
// configured, per spec.md section 5's startup sequence.
func connectDatabase(cfg config.Config) (*store.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := store.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Embed.Dimension)
	if err == nil {
		return db, nil
	}
	if cfg.Database.PGAutoRestartCmd == "" {
		return nil, err
	}

	log.Printf("database unreachable, attempting configured restart command: %v", err)
	restart := exec.CommandContext(ctx, "sh", "-c", cfg.Database.PGAutoRestartCmd)
	if restartErr := restart.Run(); restartErr != nil {
		return nil, fmt.Errorf("database unreachable and restart command failed: %w (original: %v)", restartErr, err)
	}

	time.Sleep(2 * time.Second)
	retryCtx, retryCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer retryCancel()
	return store.New(retryCtx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Embed.Dimension)
}

// buildNotifier wires the APNs provider-token client when credentials are
// configured. Push delivery is optional: without a key path the server
// still runs, and every push alert goes to a no-op pusher and is dropped.
func buildNotifier(cfg config.Config, db *store.Store, embedStore *embeddings.Store) (*notify.Notifier, error) {
	if cfg.Push.KeyPath == "" {
		log.Printf("APNS_KEY_PATH not set, push notifications disabled")
		return notify.New(db, embedStore, noopPusher{}), nil
	}

	pemKey, err := os.ReadFile(cfg.Push.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read apns key: %w", err)
	}
	tokens, err := notify.NewProviderTokenSource(pemKey, cfg.Push.KeyID, cfg.Push.TeamID)
	if err != nil {
		return nil, fmt.Errorf("build apns token source: %w", err)
	}

	endpoint := "https://api.push.apple.com"
	if cfg.Push.UseSandbox {
		endpoint = "https://api.sandbox.push.apple.com"
	}
	client := notify.NewClient(tokens, cfg.Push.BundleID, endpoint, cfg.Push.RequestTimeout)
	return notify.New(db, embedStore, client), nil
}

type noopPusher struct{}

func (noopPusher) Send(ctx context.Context, deviceToken string, payload notify.Payload) error {
	return nil
}

func waitForShutdown(srv *http.Server, dataDir string) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := writeShutdownMarker(dataDir); err != nil {
		log.Printf("failed to write shutdown marker: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		if err := srv.Close(); err != nil {
			log.Printf("forced close failed: %v", err)
		}
	}

	log.Println("server stopped")
}

// writeShutdownMarker records that termination was requested rather than
// crashed into, per spec.md section 5(iv); a future startup can use its
// presence/absence to distinguish a clean stop from a crash.
func writeShutdownMarker(dataDir string) error {
	path := filepath.Join(dataDir, "shutdown.marker")
	return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}
