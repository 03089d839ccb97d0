package scans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/scanforge/scanforge/internal/identity"
)

var (
	// ErrRepositoryNotFound indicates the referenced repository is missing.
	ErrRepositoryNotFound = errors.New("scans: repository not found")
	// ErrScanNotFound indicates the referenced scan is missing.
	ErrScanNotFound = errors.New("scans: scan not found")
	// ErrNoActiveWorkspace indicates the user has not selected a workspace.
	ErrNoActiveWorkspace = errors.New("scans: no active workspace selected")

	errMissingDatabase = errors.New("scans: database handle required")
)

// StoreConfig describes the dependencies of the scan record store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists repositories, scan runs, and their vulnerabilities.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the scan record store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CreateRepository registers provider repository metadata for a user.
func (s *Store) CreateRepository(ctx context.Context, repository *Repository) error {
	return s.db.WithContext(ctx).Create(repository).Error
}

// RepositoryByID loads one repository.
func (s *Store) RepositoryByID(ctx context.Context, id uint) (*Repository, error) {
	var repository Repository
	err := s.db.WithContext(ctx).First(&repository, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRepositoryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repository, nil
}

// RepositoriesForUser lists the repositories a user owns.
func (s *Store) RepositoriesForUser(ctx context.Context, userID uint) ([]Repository, error) {
	var repositories []Repository
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", userID).
		Order("created_at").
		Find(&repositories).Error
	if err != nil {
		return nil, err
	}
	return repositories, nil
}

// CreateScan records a new scan run in the pending state.
func (s *Store) CreateScan(ctx context.Context, scan *Scan) error {
	if scan.Status == "" {
		scan.Status = ScanStatusPending
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Repository{}).Where("id = ?", scan.RepositoryID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrRepositoryNotFound
		}
		return tx.Create(scan).Error
	})
}

// ScansForRepository lists a repository's scan runs, most recent first.
func (s *Store) ScansForRepository(ctx context.Context, repositoryID uint) ([]Scan, error) {
	var runs []Scan
	err := s.db.WithContext(ctx).
		Where("repository_id = ?", repositoryID).
		Order("COALESCE(started_at, created_at) DESC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// ScanByID loads one scan run.
func (s *Store) ScanByID(ctx context.Context, id uint) (*Scan, error) {
	var scan Scan
	err := s.db.WithContext(ctx).First(&scan, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// VulnerabilitiesForScan lists the findings of one scan.
func (s *Store) VulnerabilitiesForScan(ctx context.Context, scanID uint) ([]Vulnerability, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Scan{}).Where("id = ?", scanID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrScanNotFound
	}

	var findings []Vulnerability
	err := s.db.WithContext(ctx).
		Where("scan_id = ?", scanID).
		Order("severity, file_path, line").
		Find(&findings).Error
	if err != nil {
		return nil, err
	}
	return findings, nil
}

// ActiveWorkspaceProjects lists the repositories linked to the user's active
// team. A user with no workspace selected sees none.
func (s *Store) ActiveWorkspaceProjects(ctx context.Context, user *identity.User) ([]Repository, error) {
	if user == nil || user.ActiveTeamID == nil {
		return nil, ErrNoActiveWorkspace
	}

	var repositories []Repository
	err := s.db.WithContext(ctx).
		Joins("JOIN team_repositories ON team_repositories.repository_id = repositories.id").
		Where("team_repositories.team_id = ?", *user.ActiveTeamID).
		Order("team_repositories.created_at").
		Find(&repositories).Error
	if err != nil {
		return nil, err
	}
	return repositories, nil
}

// FailStuckScans force-fails scans left pending or running beyond the
// threshold. Operational tooling only; the scan engine owns normal status
// transitions.
func (s *Store) FailStuckScans(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("scans: threshold must be positive")
	}
	now := s.clock().UTC()
	cutoff := now.Add(-olderThan)

	result := s.db.WithContext(ctx).Model(&Scan{}).
		Where("status IN ?", []ScanStatus{ScanStatusPending, ScanStatusRunning}).
		Where("COALESCE(started_at, created_at) < ?", cutoff).
		Updates(map[string]interface{}{
			"status":        ScanStatusFailed,
			"completed_at":  now,
			"error_message": fmt.Sprintf("scan exceeded %s without completing", olderThan),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.logger.Warn("force-failed stuck scans",
			zap.Int64("count", result.RowsAffected),
			zap.Duration("older_than", olderThan))
	}
	return result.RowsAffected, nil
}
