package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"course-tutor/handler"
	"course-tutor/internal/config"
	"course-tutor/internal/contextcache"
	"course-tutor/internal/integrations/gemini"
	"course-tutor/internal/integrations/kvrest"
	"course-tutor/internal/integrations/paramstore"
	"course-tutor/internal/integrations/valkey"
	"course-tutor/internal/repository"
	"course-tutor/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		logger.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	store, err := newStore(cfg, func() *awsdynamodb.Client { return awsdynamodb.NewFromConfig(awsCfg) })
	if err != nil {
		logger.Error("failed to create key-value store", "backend", cfg.StoreBackend, "err", err)
		os.Exit(1)
	}
	if store == nil {
		logger.Warn("no key-value store configured; context cache and profile sync are disabled")
	}

	var gen usecase.Generator
	apiKey, err := resolveAPIKey(ctx, cfg, ssmClient)
	if err != nil {
		logger.Error("generation credential unavailable; chat requests will fail", "err", err)
	} else {
		client, err := gemini.New(ctx, apiKey,
			gemini.WithCacheModel(cfg.CacheModel),
			gemini.WithChatModel(cfg.ChatModel),
			gemini.WithScope(cfg.CourseID),
		)
		if err != nil {
			logger.Error("failed to create Gemini client", "err", err)
			os.Exit(1)
		}
		gen = client
	}

	cacheOpts := []contextcache.Option{
		contextcache.WithSafetyMargin(cfg.SafetyMargin),
		contextcache.WithLogger(logger),
	}
	if cfg.SingleFlight {
		cacheOpts = append(cacheOpts, contextcache.WithSingleFlight())
	}
	coordinator := contextcache.New(store, cacheOpts...)

	// ---- Handler ----
	chatService, err := usecase.NewChatService(ssmClient, gen, coordinator, logger, usecase.ChatOptions{
		Scope:           cfg.CourseID,
		ParamPrefix:     cfg.ParamPrefix,
		WindowSize:      cfg.WindowSize,
		CacheTTL:        cfg.CacheTTL,
		Deadline:        cfg.RequestDeadline,
		PipelineCeiling: cfg.PipelineCeiling,
	})
	if err != nil {
		logger.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	syncService := usecase.NewSyncService(store, cfg.CourseID, logger)

	h, err := handler.NewHandler(chatService, syncService, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

// newStore returns nil when no backend is configured.
func newStore(cfg config.Config, dynamo func() *awsdynamodb.Client) (usecase.KVStore, error) {
	switch cfg.StoreBackend {
	case config.BackendREST:
		return kvrest.NewClient(cfg.KVRestURL, cfg.KVRestToken)
	case config.BackendValkey:
		return valkey.NewStore(valkey.Config{
			Address:   cfg.ValkeyAddress,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyPrefix,
		})
	case config.BackendDynamoDB:
		return repository.New(dynamo(), cfg.KVTable)
	case config.BackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func resolveAPIKey(ctx context.Context, cfg config.Config, getter paramstore.Getter) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	return paramstore.GetToken(ctx, getter, cfg.ParamPrefix+"/gemini-api-key")
}
