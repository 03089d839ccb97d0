package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/scanforge/scanforge/internal/identity"
	"github.com/scanforge/scanforge/internal/vault"
)

const migrationEncryptProviderTokens = "2026-07-14_encrypt_provider_tokens"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *vault.Vault) error
}

func applyMigrations(db *gorm.DB, tokenVault *vault.Vault, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationEncryptProviderTokens, apply: encryptProviderTokens},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db, tokenVault); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// encryptProviderTokens backfills rows written before tokens were encrypted
// at rest. The prefix heuristic keeps the migration from double-encrypting
// values that already went through the vault.
func encryptProviderTokens(db *gorm.DB, tokenVault *vault.Vault) error {
	if tokenVault == nil {
		return nil
	}

	var users []identity.User
	if err := db.Find(&users).Error; err != nil {
		return err
	}

	for i := range users {
		user := &users[i]
		updates := map[string]interface{}{}
		for column, value := range map[string]string{
			"github_token":    user.GithubToken,
			"gitlab_token":    user.GitlabToken,
			"google_token":    user.GoogleToken,
			"bitbucket_token": user.BitbucketToken,
		} {
			if value == "" || vault.IsProbablyEncrypted(value) {
				continue
			}
			encrypted, err := tokenVault.Encrypt(value)
			if err != nil {
				return err
			}
			updates[column] = encrypted
		}
		if len(updates) == 0 {
			continue
		}
		if err := db.Model(&identity.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
			return err
		}
	}
	return nil
}
