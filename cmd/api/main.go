package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zhouzirui/relaychat/backend/internal/config"
	"github.com/zhouzirui/relaychat/backend/internal/handler"
	"github.com/zhouzirui/relaychat/backend/internal/middleware"
	chatModel "github.com/zhouzirui/relaychat/backend/internal/model/chat"
	"github.com/zhouzirui/relaychat/backend/internal/service/ai"
	"github.com/zhouzirui/relaychat/backend/internal/service/chat"
	"github.com/zhouzirui/relaychat/backend/internal/service/relay"
	"github.com/zhouzirui/relaychat/backend/internal/storage/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer closeStore()

	generator, err := newGenerator(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize upstream: %v", err)
	}

	var (
		gatherer prometheus.Gatherer
		metrics  *relay.Metrics
	)
	if cfg.Relay.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = relay.NewMetrics(reg)
		gatherer = reg
	}

	chatService := chat.NewService(store)
	relayService := relay.New(store, generator, relay.NewRegistry(), relay.Options{
		TurnTimeout: cfg.Relay.TurnTimeout,
		Metrics:     metrics,
	})

	router := handler.NewRouter(chatService, relayService, handler.Options{
		AllowedOrigin: cfg.Relay.AllowedOrigin,
		Limiter:       middleware.NewRateLimiter(cfg.Relay.RateLimitPerMinute, cfg.Relay.RateLimitBurst),
		Gatherer:      gatherer,
	})

	startServer(ctx, cfg.Server, router)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (chatModel.Store, func(), error) {
	if cfg.Driver == config.DriverMemory {
		log.Println("using in-memory store, chats are lost on restart")
		return chatModel.NewMemoryStore(), func() {}, nil
	}

	store, err := sqlite.Open(ctx, cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("sqlite store opened at %s", cfg.Path)
	return store, func() {
		if err := store.Close(); err != nil {
			log.Printf("warning: failed to close store: %v", err)
		}
	}, nil
}

func newGenerator(ctx context.Context, cfg *config.Config) (ai.Generator, error) {
	if cfg.Upstream.Provider == config.ProviderArk {
		arkModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			return nil, err
		}
		log.Printf("Ark model %s initialized successfully", cfg.AI.Model)
		return ai.NewArkGenerator(arkModel, cfg.AI.Model), nil
	}

	client := ai.NewOllamaClient(cfg.Upstream.Endpoint, cfg.Upstream.Model, cfg.Upstream.AcceptTimeout)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		log.Printf("warning: ollama not reachable at %s: %v", cfg.Upstream.Endpoint, err)
		log.Println("continuing; message posts will fail until the model server is up")
	} else {
		log.Printf("ollama reachable at %s, model %s", cfg.Upstream.Endpoint, cfg.Upstream.Model)
	}
	return client, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("relaychat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
