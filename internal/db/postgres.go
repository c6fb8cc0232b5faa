package db

import (
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"github.com/reelsmith/reelsmith-backend/internal/types"
	"github.com/reelsmith/reelsmith-backend/internal/utils"
	"github.com/reelsmith/reelsmith-backend/internal/logger"
)

type PostgresService struct {
	db *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	log.Info("Loading environment variables...")
	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "reelsmith", log)
	log.Debug("Environment variables loaded")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	log.Info("Connecting to Postgres...")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		log.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("Failed to connect to Postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		log.Error("Failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("Failed to enable uuid-ossp extension: %w", err)
	}
	log.Info("uuid-ossp extension enabled")

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&types.Project{},
		&types.Scene{},
		&types.ConversationMessage{},
		&types.Asset{},
		&types.MemoryRecord{},
		&types.GenerationRun{},
		&types.AICallLog{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}
	s.log.Info("Configuring foreign key relationships for postgres tables...")
	for name, stmt := range map[string]string{
		"fk_scene_project_id": `
      ALTER TABLE "scene"
      ADD CONSTRAINT "fk_scene_project_id"
      FOREIGN KEY ("project_id") REFERENCES "project"("id")
      ON DELETE CASCADE`,
		"fk_conversation_message_project_id": `
      ALTER TABLE "conversation_message"
      ADD CONSTRAINT "fk_conversation_message_project_id"
      FOREIGN KEY ("project_id") REFERENCES "project"("id")
      ON DELETE CASCADE`,
		"fk_asset_project_id": `
      ALTER TABLE "asset"
      ADD CONSTRAINT "fk_asset_project_id"
      FOREIGN KEY ("project_id") REFERENCES "project"("id")
      ON DELETE CASCADE`,
		"fk_memory_record_project_id": `
      ALTER TABLE "memory_record"
      ADD CONSTRAINT "fk_memory_record_project_id"
      FOREIGN KEY ("project_id") REFERENCES "project"("id")
      ON DELETE CASCADE`,
		"fk_generation_run_project_id": `
      ALTER TABLE "generation_run"
      ADD CONSTRAINT "fk_generation_run_project_id"
      FOREIGN KEY ("project_id") REFERENCES "project"("id")
      ON DELETE CASCADE`,
	} {
		if err := s.db.Exec(stmt).Error; err != nil {
			// constraint may already exist from a previous migration
			s.log.Debug("Skipping foreign key constraint", "constraint", name, "error", err)
		}
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
