package identity

import "time"

// Provider names accepted by the identity store. They double as the route
// segments used by the HTTP layer.
const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderGoogle    = "google"
	ProviderBitbucket = "bitbucket"
)

// KnownProvider reports whether the name is one of the supported providers.
func KnownProvider(name string) bool {
	switch name {
	case ProviderGitHub, ProviderGitLab, ProviderGoogle, ProviderBitbucket:
		return true
	}
	return false
}

// User is one human account. Each provider contributes an optional identity
// triple: the provider's stable account id, the username there, and the
// encrypted access token. A provider id maps to at most one user; linking a
// second provider to an existing account fills in its triple rather than
// creating a new row.
type User struct {
	ID    uint    `gorm:"primaryKey"`
	Email *string `gorm:"size:320;uniqueIndex"`

	FullName  string `gorm:"size:320"`
	AvatarURL string `gorm:"size:512"`

	GithubID       *string `gorm:"size:190;uniqueIndex"`
	GithubUsername string  `gorm:"size:190"`
	GithubToken    string  `gorm:"size:1024"`

	GitlabID       *string `gorm:"size:190;uniqueIndex"`
	GitlabUsername string  `gorm:"size:190"`
	GitlabToken    string  `gorm:"size:1024"`

	GoogleID       *string `gorm:"size:190;uniqueIndex"`
	GoogleUsername string  `gorm:"size:190"`
	GoogleToken    string  `gorm:"size:1024"`

	BitbucketID       *string `gorm:"size:190;uniqueIndex"`
	BitbucketUsername string  `gorm:"size:190"`
	BitbucketToken    string  `gorm:"size:1024"`

	ActiveTeamID *uint `gorm:"index"`
	IsActive     bool  `gorm:"not null;default:true"`

	LastLoginAt time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// ProviderID returns the stored account id for the given provider, or nil
// when that provider is not linked.
func (u *User) ProviderID(provider string) *string {
	switch provider {
	case ProviderGitHub:
		return u.GithubID
	case ProviderGitLab:
		return u.GitlabID
	case ProviderGoogle:
		return u.GoogleID
	case ProviderBitbucket:
		return u.BitbucketID
	}
	return nil
}

// ProviderToken returns the stored (encrypted) access token for the provider.
func (u *User) ProviderToken(provider string) string {
	switch provider {
	case ProviderGitHub:
		return u.GithubToken
	case ProviderGitLab:
		return u.GitlabToken
	case ProviderGoogle:
		return u.GoogleToken
	case ProviderBitbucket:
		return u.BitbucketToken
	}
	return ""
}

func providerIDColumn(provider string) string {
	switch provider {
	case ProviderGitHub:
		return "github_id"
	case ProviderGitLab:
		return "gitlab_id"
	case ProviderGoogle:
		return "google_id"
	case ProviderBitbucket:
		return "bitbucket_id"
	}
	return ""
}

func providerColumns(provider string) (usernameColumn, tokenColumn string) {
	switch provider {
	case ProviderGitHub:
		return "github_username", "github_token"
	case ProviderGitLab:
		return "gitlab_username", "gitlab_token"
	case ProviderGoogle:
		return "google_username", "google_token"
	case ProviderBitbucket:
		return "bitbucket_username", "bitbucket_token"
	}
	return "", ""
}
