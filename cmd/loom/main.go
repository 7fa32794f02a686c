package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ha1tch/loom/pkg/cache"
	"github.com/ha1tch/loom/pkg/config"
	"github.com/ha1tch/loom/pkg/datagraph"
	"github.com/ha1tch/loom/pkg/edm"
	"github.com/ha1tch/loom/pkg/graph"
	"github.com/ha1tch/loom/pkg/identity"
	"github.com/ha1tch/loom/pkg/indexer"
	"github.com/ha1tch/loom/pkg/propstore"
	"github.com/ha1tch/loom/pkg/server"
	"github.com/ha1tch/loom/pkg/storage"
)

func main() {
	// Setup logger
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Logger().
		Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	// Load configuration
	cfg := config.Default()
	config.LoadFromEnv(cfg)

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	printBanner(cfg)

	if err := os.MkdirAll(cfg.SchemaDir, 0755); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create schema directory")
	}

	// Initialize storage
	store, err := storage.NewStore(cfg.StorageType, map[string]interface{}{
		"db_path": cfg.DBPath,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer store.Close()

	if infoProvider, ok := store.(storage.InfoProvider); ok {
		info := infoProvider.Info()
		logger.Info().
			Str("type", info.Type).
			Str("version", info.Version).
			Bool("supports_linking", info.SupportsLinking).
			Bool("supports_transaction", info.SupportsTransaction).
			Msg("Storage initialized")
	}

	// Initialize ranking cache
	var rankings cache.RankingCache
	if cfg.CacheType == "redis" {
		redisCache, err := cache.NewRedisCache(
			cfg.RedisHost,
			cfg.RedisPort,
			time.Duration(cfg.CacheTTL)*time.Second,
		)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to connect to Redis, falling back to memory cache")
			rankings = cache.NewMemoryCache(cfg.CacheSize, time.Duration(cfg.CacheTTL)*time.Second)
		} else {
			rankings = redisCache
			logger.Info().Msg("Using Redis ranking cache")
		}
	} else {
		rankings = cache.NewMemoryCache(cfg.CacheSize, time.Duration(cfg.CacheTTL)*time.Second)
		logger.Info().Msg("Using in-memory ranking cache")
	}
	defer rankings.Close()

	// Load property type definitions
	registry := edm.NewRegistry(cfg.SchemaDir)
	if err := registry.LoadFromDir(); err != nil {
		logger.Warn().Err(err).Msg("Failed to load property type definitions")
	}
	logger.Info().Int("property_types", len(registry.All())).Msg("Schema loaded")

	// Load the entity set to entity type mapping used for edge typing
	setTypes, err := loadEntitySetTypes(cfg.SchemaDir)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load entity set types")
	}
	resolveType := func(ctx context.Context, entitySetID uuid.UUID) (uuid.UUID, error) {
		typeID, ok := setTypes[entitySetID]
		if !ok {
			return uuid.Nil, fmt.Errorf("unknown entity set %s", entitySetID)
		}
		return typeID, nil
	}

	// Wire services
	identitySvc := identity.NewService(store, logger)
	props := propstore.NewService(store, logger)
	graphSvc := graph.NewService(store, logger)
	idx := indexer.NewLogIndexer(logger)

	orchestrator := datagraph.NewService(
		identitySvc, props, graphSvc, idx, rankings, resolveType,
		datagraph.Options{
			Workers:       cfg.Workers,
			TypeCacheSize: cfg.TypeCacheSize,
			TypeCacheTTL:  time.Duration(cfg.TypeCacheTTL) * time.Second,
		},
		logger,
	)

	srv := server.New(cfg, identitySvc, props, graphSvc, orchestrator, registry, logger)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info().Msg("Shutting down gracefully...")
		store.Close()
		rankings.Close()
		os.Exit(0)
	}()

	logger.Info().Msg("Server ready to accept requests")
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// loadEntitySetTypes reads entity_sets.json from the schema directory: a
// JSON object mapping entity set ids to entity type ids. A missing file
// just yields an empty mapping.
func loadEntitySetTypes(schemaDir string) (map[uuid.UUID]uuid.UUID, error) {
	setTypes := make(map[uuid.UUID]uuid.UUID)

	data, err := os.ReadFile(filepath.Join(schemaDir, "entity_sets.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return setTypes, nil
		}
		return setTypes, err
	}

	if err := json.Unmarshal(data, &setTypes); err != nil {
		return setTypes, fmt.Errorf("parse entity_sets.json: %w", err)
	}
	return setTypes, nil
}

func printBanner(cfg *config.Config) {
	fmt.Println("//////////////////////////// loom " + config.Version + " ////////////////////////////")
	fmt.Println("----------------------------------------------------------------------")
	fmt.Println("Server Configuration:")
	fmt.Printf("  Host: %s\n", cfg.Host)
	fmt.Printf("  Port: %d\n", cfg.Port)
	fmt.Printf("  Storage: %s (%s)\n", cfg.StorageType, cfg.DBPath)
	fmt.Printf("  Schema dir: %s\n", cfg.SchemaDir)
	fmt.Println()
	fmt.Println("Cache Configuration:")
	fmt.Printf("  Type: %s\n", cfg.CacheType)
	fmt.Printf("  TTL: %d seconds\n", cfg.CacheTTL)
	if cfg.CacheType == "redis" {
		fmt.Printf("  Redis: %s:%d\n", cfg.RedisHost, cfg.RedisPort)
	}
	fmt.Println()
	fmt.Println("Orchestrator Configuration:")
	fmt.Printf("  Workers: %d\n", cfg.Workers)
	fmt.Printf("  Type cache: %d entries, %d second TTL\n", cfg.TypeCacheSize, cfg.TypeCacheTTL)
	fmt.Println("----------------------------------------------------------------------")
	fmt.Println()
}
