package workspace

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scanforge/scanforge/internal/identity"
)

const (
	invitationTokenBytes = 32
	defaultInvitationTTL = 7 * 24 * time.Hour
)

var (
	// ErrTeamNotFound indicates the referenced team does not exist.
	ErrTeamNotFound = errors.New("workspace: team not found")
	// ErrNotAMember is an authorization failure: the user has no active
	// membership in the team it is acting on.
	ErrNotAMember = errors.New("workspace: not an active team member")
	// ErrForbidden is an authorization failure: the member's role does not
	// permit the operation.
	ErrForbidden = errors.New("workspace: role does not permit this operation")
	// ErrConflict indicates a uniqueness violation, such as linking the same
	// repository to a team twice or re-inviting a pending email.
	ErrConflict = errors.New("workspace: conflict")
	// ErrInvalidRole indicates a role outside the defined set.
	ErrInvalidRole = errors.New("workspace: invalid role")

	// ErrInvitationNotFound indicates no invitation matches the token.
	ErrInvitationNotFound = errors.New("workspace: invitation not found")
	// ErrInvitationExpired indicates the invitation is past its expiry.
	ErrInvitationExpired = errors.New("workspace: invitation expired")
	// ErrInvitationAlreadyUsed indicates the token was accepted before.
	ErrInvitationAlreadyUsed = errors.New("workspace: invitation already used")

	errMissingDatabase = errors.New("workspace: database handle required")
)

// ServiceConfig describes the dependencies of the workspace service.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	InvitationTTL time.Duration
	Logger        *zap.Logger
}

// Service manages teams, memberships, invitations, and repository links.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	invitationTTL time.Duration
	logger        *zap.Logger
}

// NewService constructs the workspace service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.InvitationTTL
	if ttl <= 0 {
		ttl = defaultInvitationTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, invitationTTL: ttl, logger: logger}, nil
}

// CreateTeam creates a team and enrolls the creator as its active owner, in
// one transaction.
func (s *Service) CreateTeam(ctx context.Context, creatorID uint, name, description string) (*Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: team name required", ErrConflict)
	}

	team := Team{Name: name, Description: strings.TrimSpace(description), CreatorID: creatorID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&team).Error; err != nil {
			return err
		}
		member := TeamMember{
			TeamID: team.ID,
			UserID: creatorID,
			Role:   RoleOwner,
			Status: MemberStatusActive,
		}
		return tx.Create(&member).Error
	})
	if err != nil {
		return nil, err
	}
	return &team, nil
}

// TeamsForUser lists the teams the user is an active member of.
func (s *Service) TeamsForUser(ctx context.Context, userID uint) ([]Team, error) {
	var teams []Team
	err := s.db.WithContext(ctx).
		Joins("JOIN team_members ON team_members.team_id = teams.id").
		Where("team_members.user_id = ? AND team_members.status = ?", userID, MemberStatusActive).
		Order("teams.created_at").
		Find(&teams).Error
	if err != nil {
		return nil, err
	}
	return teams, nil
}

// Membership returns the user's membership row in the team, if any.
func (s *Service) Membership(ctx context.Context, teamID, userID uint) (*TeamMember, error) {
	var member TeamMember
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND user_id = ?", teamID, userID).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotAMember
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// requireRole loads the acting user's membership and checks it is active with
// at least the given role.
func (s *Service) requireRole(tx *gorm.DB, teamID, userID uint, role Role) (*TeamMember, error) {
	var member TeamMember
	err := tx.Where("team_id = ? AND user_id = ?", teamID, userID).First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotAMember
	}
	if err != nil {
		return nil, err
	}
	if member.Status != MemberStatusActive {
		return nil, ErrNotAMember
	}
	if !member.Role.AtLeast(role) {
		return nil, ErrForbidden
	}
	return &member, nil
}

// Invite creates a pending invitation for the email. Admins and owners may
// invite; a pending unexpired invitation for the same (team, email) is a
// conflict. Owner is never grantable through an invitation.
func (s *Service) Invite(ctx context.Context, teamID, inviterID uint, email string, role Role) (*TeamInvitation, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email required", ErrConflict)
	}
	if !role.Valid() || role == RoleOwner {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	token, err := newInvitationToken()
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	invitation := TeamInvitation{
		TeamID:    teamID,
		Email:     email,
		Role:      role,
		Token:     token,
		InviterID: inviterID,
		ExpiresAt: now.Add(s.invitationTTL),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.teamExists(tx, teamID); err != nil {
			return err
		}
		if _, err := s.requireRole(tx, teamID, inviterID, RoleAdmin); err != nil {
			return err
		}

		var pending int64
		err := tx.Model(&TeamInvitation{}).
			Where("team_id = ? AND email = ? AND is_used = ? AND expires_at > ?", teamID, email, false, now).
			Count(&pending).Error
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: invitation already pending for %s", ErrConflict, email)
		}

		return tx.Create(&invitation).Error
	})
	if txErr != nil {
		return nil, txErr
	}

	s.logger.Info("team invitation created",
		zap.Uint("team_id", teamID),
		zap.String("role", string(role)))
	return &invitation, nil
}

// AcceptInvitation redeems an invitation token for the accepting user. The
// token works exactly once: the row is locked, checked, and flipped to used
// inside one transaction, so a replay fails with ErrInvitationAlreadyUsed.
// An existing inactive membership is reactivated with the invited role.
func (s *Service) AcceptInvitation(ctx context.Context, token string, userID uint) (*TeamMember, error) {
	var member TeamMember
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invitation TeamInvitation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ?", token).
			First(&invitation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvitationNotFound
		}
		if err != nil {
			return err
		}

		now := s.clock().UTC()
		if invitation.IsUsed {
			return ErrInvitationAlreadyUsed
		}
		if !now.Before(invitation.ExpiresAt) {
			return ErrInvitationExpired
		}

		usedAt := now
		err = tx.Model(&TeamInvitation{}).
			Where("id = ?", invitation.ID).
			Updates(map[string]interface{}{
				"is_used":    true,
				"used_at":    usedAt,
				"used_by_id": userID,
			}).Error
		if err != nil {
			return err
		}

		var existing TeamMember
		err = tx.Where("team_id = ? AND user_id = ?", invitation.TeamID, userID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			member = TeamMember{
				TeamID:      invitation.TeamID,
				UserID:      userID,
				Role:        invitation.Role,
				Status:      MemberStatusActive,
				InvitedByID: &invitation.InviterID,
			}
			return tx.Create(&member).Error
		case err != nil:
			return err
		default:
			err = tx.Model(&TeamMember{}).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{
					"status":        MemberStatusActive,
					"role":          invitation.Role,
					"invited_by_id": invitation.InviterID,
				}).Error
			if err != nil {
				return err
			}
			return tx.First(&member, existing.ID).Error
		}
	})
	if txErr != nil {
		return nil, txErr
	}
	return &member, nil
}

// SetActiveWorkspace selects the team the user is currently acting within.
// The user must hold an active membership; calling it again with the same
// team is a no-op.
func (s *Service) SetActiveWorkspace(ctx context.Context, userID, teamID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.teamExists(tx, teamID); err != nil {
			return err
		}
		if _, err := s.requireRole(tx, teamID, userID, RoleViewer); err != nil {
			return err
		}
		return tx.Model(&identity.User{}).
			Where("id = ?", userID).
			Update("active_team_id", teamID).Error
	})
}

// ClearActiveWorkspace resets the user to "no workspace selected".
func (s *Service) ClearActiveWorkspace(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Model(&identity.User{}).
		Where("id = ?", userID).
		Update("active_team_id", nil).Error
}

// LinkRepository adds a repository to the team. Linking the same repository
// twice is a conflict; the unique (team, repository) index backstops the
// check under races.
func (s *Service) LinkRepository(ctx context.Context, teamID, repositoryID, actorID uint) (*TeamRepository, error) {
	link := TeamRepository{TeamID: teamID, RepositoryID: repositoryID, AddedByID: &actorID}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.teamExists(tx, teamID); err != nil {
			return err
		}
		if _, err := s.requireRole(tx, teamID, actorID, RoleMember); err != nil {
			return err
		}

		if err := tx.Create(&link).Error; err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: repository already linked to team", ErrConflict)
			}
			return err
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &link, nil
}

// RepositoryIDsForTeam lists the repository ids linked to the team.
func (s *Service) RepositoryIDsForTeam(ctx context.Context, teamID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&TeamRepository{}).
		Where("team_id = ?", teamID).
		Order("created_at").
		Pluck("repository_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RepositoryVisibleToUser reports whether the repository is linked to at
// least one team the user holds an active membership in.
func (s *Service) RepositoryVisibleToUser(ctx context.Context, userID, repositoryID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TeamRepository{}).
		Joins("JOIN team_members ON team_members.team_id = team_repositories.team_id").
		Where("team_repositories.repository_id = ?", repositoryID).
		Where("team_members.user_id = ? AND team_members.status = ?", userID, MemberStatusActive).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RemoveMember deactivates a membership. Owners cannot be removed; admins may
// remove members and viewers.
func (s *Service) RemoveMember(ctx context.Context, teamID, actorID, userID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.requireRole(tx, teamID, actorID, RoleAdmin); err != nil {
			return err
		}
		var member TeamMember
		err := tx.Where("team_id = ? AND user_id = ?", teamID, userID).First(&member).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotAMember
		}
		if err != nil {
			return err
		}
		if member.Role == RoleOwner {
			return fmt.Errorf("%w: owners cannot be removed", ErrForbidden)
		}
		if err := tx.Model(&TeamMember{}).
			Where("id = ?", member.ID).
			Update("status", MemberStatusInactive).Error; err != nil {
			return err
		}
		// A removed member loses the team as active workspace.
		return tx.Model(&identity.User{}).
			Where("id = ? AND active_team_id = ?", userID, teamID).
			Update("active_team_id", nil).Error
	})
}

// DeleteTeam removes a team and everything it owns. Dependents go first: the
// cascade is an explicit transaction, not an object-graph walk.
func (s *Service) DeleteTeam(ctx context.Context, teamID, actorID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.teamExists(tx, teamID); err != nil {
			return err
		}
		if _, err := s.requireRole(tx, teamID, actorID, RoleOwner); err != nil {
			return err
		}

		if err := tx.Model(&identity.User{}).
			Where("active_team_id = ?", teamID).
			Update("active_team_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Where("team_id = ?", teamID).Delete(&TeamRepository{}).Error; err != nil {
			return err
		}
		if err := tx.Where("team_id = ?", teamID).Delete(&TeamInvitation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("team_id = ?", teamID).Delete(&TeamMember{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Team{}, teamID).Error
	})
}

func (s *Service) teamExists(tx *gorm.DB, teamID uint) error {
	var count int64
	if err := tx.Model(&Team{}).Where("id = ?", teamID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrTeamNotFound
	}
	return nil
}

func newInvitationToken() (string, error) {
	raw := make([]byte, invitationTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
