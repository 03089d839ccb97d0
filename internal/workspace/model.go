package workspace

import (
	"time"

	"github.com/scanforge/scanforge/internal/identity"
)

// Role orders team permissions. Higher roles inherit everything below them.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

// Valid reports whether the role is one of the defined set.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether the role grants at least the permissions of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// MemberStatus tracks a membership's lifecycle.
type MemberStatus string

const (
	MemberStatusActive   MemberStatus = "active"
	MemberStatusPending  MemberStatus = "pending"
	MemberStatusInactive MemberStatus = "inactive"
)

// Team is a workspace: the unit a user acts within. A team owns its members
// and invitations; deleting a team removes both.
type Team struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"size:190;not null"`
	Description string `gorm:"size:1024"`

	CreatorID uint           `gorm:"not null;index"`
	Creator   *identity.User `gorm:"foreignKey:CreatorID"`

	Members     []TeamMember     `gorm:"foreignKey:TeamID;constraint:OnDelete:CASCADE"`
	Invitations []TeamInvitation `gorm:"foreignKey:TeamID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName exposes the table backing teams.
func (Team) TableName() string {
	return "teams"
}

// TeamMember joins a user to a team with a role. A user appears at most once
// per team.
type TeamMember struct {
	ID     uint `gorm:"primaryKey"`
	TeamID uint `gorm:"not null;uniqueIndex:idx_team_user,priority:1"`
	UserID uint `gorm:"not null;uniqueIndex:idx_team_user,priority:2"`

	Role   Role         `gorm:"size:32;not null"`
	Status MemberStatus `gorm:"size:32;not null"`

	InvitedByID *uint `gorm:"index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName exposes the table backing team memberships.
func (TeamMember) TableName() string {
	return "team_members"
}

// TeamInvitation is a pending grant of membership. The token is single-use
// and unusable past ExpiresAt.
type TeamInvitation struct {
	ID     uint `gorm:"primaryKey"`
	TeamID uint `gorm:"not null;index"`

	Email string `gorm:"size:320;not null;index"`
	Role  Role   `gorm:"size:32;not null"`
	Token string `gorm:"size:64;not null;uniqueIndex"`

	InviterID uint `gorm:"not null"`

	IsUsed   bool       `gorm:"not null;default:false"`
	UsedAt   *time.Time
	UsedByID *uint

	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName exposes the table backing team invitations.
func (TeamInvitation) TableName() string {
	return "team_invitations"
}

// TeamRepository links a repository into a team. A repository may be shared
// across teams but added to each team only once.
type TeamRepository struct {
	ID           uint `gorm:"primaryKey"`
	TeamID       uint `gorm:"not null;uniqueIndex:idx_team_repo,priority:1"`
	RepositoryID uint `gorm:"not null;uniqueIndex:idx_team_repo,priority:2"`

	AddedByID *uint

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName exposes the table backing team-repository links.
func (TeamRepository) TableName() string {
	return "team_repositories"
}
