// Command core wires one instance of every capability this module
// provides — metastore, vectorstore, embeddings, quota, pubsub, scheduler,
// and the in-process workflow runtime and search pipeline — and runs the
// scheduler's tick loop until signaled to stop. There is no HTTP surface
// here: spec.md treats the REST API as an external collaborator, so
// go-chi/chi and go-chi/cors stay unwired (see DESIGN.md).
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/airweave-sub003/ingestion-core/internal/authprovider"
	"github.com/airweave-sub003/ingestion-core/internal/config"
	"github.com/airweave-sub003/ingestion-core/internal/connector"
	"github.com/airweave-sub003/ingestion-core/internal/embeddings"
	"github.com/airweave-sub003/ingestion-core/internal/logging"
	"github.com/airweave-sub003/ingestion-core/internal/metastore"
	"github.com/airweave-sub003/ingestion-core/internal/metrics"
	"github.com/airweave-sub003/ingestion-core/internal/pubsub"
	"github.com/airweave-sub003/ingestion-core/internal/quota"
	"github.com/airweave-sub003/ingestion-core/internal/router"
	"github.com/airweave-sub003/ingestion-core/internal/scheduler"
	"github.com/airweave-sub003/ingestion-core/internal/search"
	"github.com/airweave-sub003/ingestion-core/internal/sparse"
	"github.com/airweave-sub003/ingestion-core/internal/telemetry"
	"github.com/airweave-sub003/ingestion-core/internal/tokenmanager"
	"github.com/airweave-sub003/ingestion-core/internal/transform"
	"github.com/airweave-sub003/ingestion-core/internal/vectorstore"
	"github.com/airweave-sub003/ingestion-core/internal/workflow"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

func main() {
	development := os.Getenv("ENV") != "production"
	logging.Init(development)

	cfg := config.Load()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.New()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	refreshLock := tokenmanager.NewRedisLock(redisClient, 15*time.Second)
	_ = refreshLock // attached per-Manager by whatever constructs a SourceConnection's TokenManager

	store, err := metastore.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to metadata store")
	}

	dense := embeddings.NewOpenAIDriver(os.Getenv("OPENAI_API_KEY"), envOr("EMBEDDING_MODEL", "text-embedding-3-small"))
	sparseEncoder, err := sparse.NewBleveEncoder()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sparse encoder")
	}
	llm := embeddings.NewOpenAILLMProvider(os.Getenv("OPENAI_API_KEY"), envOr("COMPLETION_MODEL", "gpt-4o-mini"))

	var vs contracts.VectorStore
	switch cfg.VectorStore.Backend {
	case "milvus":
		vs, err = vectorstore.NewMilvusStore(ctx, os.Getenv("MILVUS_ADDR"), dense.Dimensions())
	default:
		vs, err = vectorstore.NewPgvectorStore(ctx, cfg.Database.URL, dense.Dimensions())
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to vector store")
	}

	authProviders := map[string]contracts.AuthProvider{
		"direct": authprovider.NewDirectProvider(),
		"pipedream": authprovider.NewPipedreamProvider(
			os.Getenv("PIPEDREAM_CLIENT_ID"),
			os.Getenv("PIPEDREAM_CLIENT_SECRET"),
			os.Getenv("PIPEDREAM_PROJECT_ID"),
			os.Getenv("PIPEDREAM_ACCOUNT_ID"),
		),
	}

	connectors := connector.NewRegistry()
	// Individual source descriptors register themselves here at init time
	// from their own packages in a full deployment; none ship in this core.

	routerOpts := router.Options{
		FileChunker:    transform.NewFileChunker(envOrInt("FILE_CHUNK_TOKEN_BUDGET", 512), true),
		CodeChunker:    transform.NewCodeChunker(envOrInt("CODE_CHUNK_MAX_LINES", 200)),
		CodeSummarizer: transform.NewCodeSummarizer(llm),
		FieldChunker:   transform.NewFieldChunker(envOrInt("FIELD_CHUNK_TOKEN_BUDGET", 512)),
	}

	lookup := workflow.NewStaticLookup()
	lookup.Register(transform.NewEmbedder(dense, sparseEncoder, cfg.Connector.DefaultBatchSize))

	guard := quota.New(store, store, cfg.Quota.UsageCacheTTL, map[models.UsageAction]int64{
		models.ActionEntities:          cfg.Quota.FlushThresholdEntities,
		models.ActionQueries:           cfg.Quota.FlushThresholdQueries,
		models.ActionSourceConnections: cfg.Quota.FlushThresholdConns,
	})
	guard.Metrics = collector

	broker := pubsub.NewBroker()

	runtimeLogger := logging.WithDimensions("workflow", nil)
	runtime := workflow.NewRuntime(store, vs, guard, broker, connectors, lookup, routerOpts, authProviders, runtimeLogger)

	sched := scheduler.New(store, runtime, logging.WithDimensions("scheduler", nil), cfg.Scheduler.CheckInterval)

	pipeline := search.New(search.Deps{
		VectorStore: vs,
		Dense:       dense,
		Sparse:      sparseEncoder,
		LLM:         llm,
		Logger:      logging.WithDimensions("search", nil),
		Metrics:     collector,
	})
	_ = pipeline // exposed to whatever process embeds this core as the search entry point

	log.Info().Msg("ingestion core started")
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("scheduler stopped unexpectedly")
	}
	log.Info().Msg("ingestion core shutting down")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
