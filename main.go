package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/rowforge/rowforge-engine/pkg/config"
	"github.com/rowforge/rowforge-engine/pkg/database"
	"github.com/rowforge/rowforge-engine/pkg/handlers"
	"github.com/rowforge/rowforge-engine/pkg/logging"
	"github.com/rowforge/rowforge-engine/pkg/repositories"
	"github.com/rowforge/rowforge-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.Int("chunk_size", cfg.Import.ChunkSize),
		zap.Int("check_workers", cfg.Import.CheckWorkers()))

	ctx := context.Background()
	db, err := database.Connect(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, "migrations", logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	_ = migrationDB.Close()

	importRepo := repositories.NewImportRepository(db)
	mappingErrorRepo := repositories.NewMappingErrorRepository(db)
	rowUpdateRepo := repositories.NewRowUpdateRepository(db)
	tableRepo := repositories.NewTargetTableRepository(db, logger)

	resolver := services.NewSchemaResolver(tableRepo, logger)
	coordinator := services.NewChunkCoordinator(tableRepo, rowUpdateRepo, &cfg.Import, logger)
	cache := services.NewRecordCache(&cfg.Import)
	importService := services.NewImportService(importRepo, mappingErrorRepo, tableRepo,
		resolver, coordinator, cache, &cfg.Import, logger)
	rollbackService := services.NewRollbackService(importRepo, rowUpdateRepo, tableRepo, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewImportsHandler(importService, rollbackService, logger).RegisterRoutes(mux)

	addr := net.JoinHostPort(cfg.BindAddr, cfg.Port)
	logger.Info("Starting rowforge-engine",
		zap.String("addr", addr),
		zap.String("version", cfg.Version))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
