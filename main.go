package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meridianhq/researchkit/internal/backend"
	cfg "github.com/meridianhq/researchkit/internal/config"
	"github.com/meridianhq/researchkit/internal/events"
	"github.com/meridianhq/researchkit/internal/history"
	"github.com/meridianhq/researchkit/internal/models"
	"github.com/meridianhq/researchkit/internal/orchestrator"
	"github.com/meridianhq/researchkit/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	mode := flag.String("mode", models.ModeRAG, "research mode: rag, deep, or auto")
	project := flag.Int("project", 0, "project id")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	conf, err := cfg.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()
	shutdownTracing, err := tracing.Initialize(ctx, tracing.Config{
		Enabled:      conf.Observability.TracingOn,
		ServiceName:  conf.Observability.ServiceName,
		OTLPEndpoint: conf.Observability.TracingOTLP,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing(ctx)

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", conf.Observability.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	router := events.NewRouter(conf.Push.RingCapacity, logger)
	transport, err := dialTransport(ctx, conf, router, logger)
	if err != nil {
		logger.Fatal("failed to connect push transport", zap.Error(err))
	}
	defer transport.Close()
	router.SetTransport(transport)

	client := backend.New(conf.Backend.BaseURL, conf.Backend.Timeout, logger)

	opts := []orchestrator.Option{
		orchestrator.WithRateLimit(conf.RateLimit.QueriesPerSecond, conf.RateLimit.Burst),
	}
	if conf.History.Enabled {
		store, err := history.Open(conf.History.Path, logger)
		if err != nil {
			logger.Fatal("failed to open history store", zap.Error(err))
		}
		defer store.Close()
		opts = append(opts, orchestrator.WithHistoryStore(store))
	}
	orch := orchestrator.New(client, client, router, logger, opts...)

	query := flag.Arg(0)
	if query == "" {
		logger.Fatal("usage: researchkit [-mode rag|deep|auto] [-project N] \"query\"")
	}
	if err := orch.Submit(ctx, query, *mode, *project); err != nil {
		logger.Fatal("query failed", zap.Error(err))
	}

	for _, res := range orch.Results() {
		fmt.Printf("[%s] %s\n%s\n", res.Mode, res.Question, res.Answer)
	}
	if card := orch.CurrentCard(); card != nil {
		fmt.Printf("clarification needed: %s\n", card.Question)
		for _, opt := range card.Options {
			marker := " "
			if opt.IsRecommended {
				marker = "*"
			}
			fmt.Printf("  %s %s: %s\n", marker, opt.ID, opt.Title)
		}
	}

	// Stay up to receive push updates for background tasks.
	if len(orch.ActiveTasks()) > 0 || orch.CurrentCard() != nil {
		logger.Info("waiting for background updates; Ctrl-C to exit")
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-sig:
				break loop
			case <-ticker.C:
				for _, t := range orch.ActiveTasks() {
					logger.Info("task",
						zap.String("id", t.ID),
						zap.String("status", t.Status),
						zap.Float64("progress", t.Progress),
					)
				}
			}
		}
	}

	orch.Reset()
}

func dialTransport(ctx context.Context, conf *cfg.Config, router *events.Router, logger *zap.Logger) (events.Transport, error) {
	switch conf.Push.Transport {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     conf.Push.RedisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       conf.Push.RedisDB,
		})
		return events.NewRedisTransport(ctx, client, router, logger)
	default:
		return events.DialWS(ctx, conf.Push.WebSocketURL, router, logger)
	}
}
