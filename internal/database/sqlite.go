package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/scanforge/scanforge/internal/identity"
	"github.com/scanforge/scanforge/internal/scans"
	"github.com/scanforge/scanforge/internal/vault"
	"github.com/scanforge/scanforge/internal/workspace"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, tokenVault *vault.Vault, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&identity.User{},
		&workspace.Team{},
		&workspace.TeamMember{},
		&workspace.TeamInvitation{},
		&workspace.TeamRepository{},
		&scans.Repository{},
		&scans.Scan{},
		&scans.Vulnerability{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, tokenVault, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
