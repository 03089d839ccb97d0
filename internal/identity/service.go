package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/scanforge/scanforge/internal/oauth"
	"github.com/scanforge/scanforge/internal/vault"
)

var (
	// ErrUnknownProvider indicates a provider name outside the supported set.
	ErrUnknownProvider = errors.New("identity: unknown provider")
	// ErrUserNotFound indicates no user exists for the given id.
	ErrUserNotFound = errors.New("identity: user not found")

	errMissingDatabase = errors.New("identity: database handle required")
	errMissingVault    = errors.New("identity: vault required")
)

// ServiceConfig describes the dependencies of the identity store.
type ServiceConfig struct {
	Database *gorm.DB
	Vault    *vault.Vault
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves provider profiles to canonical user rows.
type Service struct {
	db     *gorm.DB
	vault  *vault.Vault
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Vault == nil {
		return nil, errMissingVault
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, vault: cfg.Vault, clock: clock, logger: logger}, nil
}

// UpsertFromProfile finds the user linked to (provider, profile.ID) and
// refreshes its provider fields, or creates a new user when the identity has
// not been seen before. The access token is encrypted before it touches the
// database. Two concurrent first logins for the same identity race on the
// provider-id unique index; the loser retries as an update, so exactly one
// row exists afterwards either way.
func (s *Service) UpsertFromProfile(ctx context.Context, provider string, profile oauth.Profile, accessToken string) (*User, error) {
	column := providerIDColumn(provider)
	if column == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if profile.ID == "" || profile.Username == "" {
		return nil, fmt.Errorf("%w: incomplete profile", oauth.ErrAuthFailure)
	}

	encryptedToken, err := s.vault.Encrypt(accessToken)
	if err != nil {
		return nil, err
	}

	var user User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.findByProviderID(tx, column, profile.ID)
		if err != nil {
			return err
		}
		if found != nil {
			user = *found
			return s.refresh(tx, &user, provider, profile, encryptedToken)
		}

		user = s.newUser(provider, profile, encryptedToken)
		if err := tx.Create(&user).Error; err != nil {
			if !isDuplicateKey(err) {
				return err
			}
			// Lost a race against a concurrent first login, or the email is
			// already held by another account. The provider id decides which.
			s.logger.Debug("identity insert hit unique constraint, resolving",
				zap.String("provider", provider))
			found, err := s.findByProviderID(tx, column, profile.ID)
			if err != nil {
				return err
			}
			if found != nil {
				user = *found
				return s.refresh(tx, &user, provider, profile, encryptedToken)
			}
			if user.Email == nil {
				return fmt.Errorf("identity: duplicate insert but no row for %s id", provider)
			}
			// Email is unique but never a linking key: a different account
			// already using this email keeps it, the new identity stores none.
			user.Email = nil
			user.ID = 0
			return tx.Create(&user).Error
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &user, nil
}

// ByID loads a user by its canonical id.
func (s *Service) ByID(ctx context.Context, id uint) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// AccessToken decrypts and returns the stored provider token for the user.
func (s *Service) AccessToken(user *User, provider string) (string, error) {
	if !KnownProvider(provider) {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return s.vault.Decrypt(user.ProviderToken(provider))
}

func (s *Service) findByProviderID(tx *gorm.DB, column, providerID string) (*User, error) {
	var user User
	err := tx.Where(column+" = ?", providerID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) newUser(provider string, profile oauth.Profile, encryptedToken string) User {
	user := User{
		FullName:    profile.FullName,
		AvatarURL:   profile.AvatarURL,
		IsActive:    true,
		LastLoginAt: s.clock().UTC(),
	}
	if email := strings.TrimSpace(profile.Email); email != "" {
		user.Email = &email
	}
	providerID := profile.ID
	switch provider {
	case ProviderGitHub:
		user.GithubID = &providerID
		user.GithubUsername = profile.Username
		user.GithubToken = encryptedToken
	case ProviderGitLab:
		user.GitlabID = &providerID
		user.GitlabUsername = profile.Username
		user.GitlabToken = encryptedToken
	case ProviderGoogle:
		user.GoogleID = &providerID
		user.GoogleUsername = profile.Username
		user.GoogleToken = encryptedToken
	case ProviderBitbucket:
		user.BitbucketID = &providerID
		user.BitbucketUsername = profile.Username
		user.BitbucketToken = encryptedToken
	}
	return user
}

func (s *Service) refresh(tx *gorm.DB, user *User, provider string, profile oauth.Profile, encryptedToken string) error {
	usernameColumn, tokenColumn := providerColumns(provider)
	updates := map[string]interface{}{
		usernameColumn:  profile.Username,
		tokenColumn:     encryptedToken,
		"last_login_at": s.clock().UTC(),
	}
	if profile.FullName != "" {
		updates["full_name"] = profile.FullName
	}
	if profile.AvatarURL != "" {
		updates["avatar_url"] = profile.AvatarURL
	}
	if user.Email == nil {
		if email := strings.TrimSpace(profile.Email); email != "" {
			updates["email"] = email
		}
	}
	if err := tx.Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		return err
	}
	return tx.First(user, user.ID).Error
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
