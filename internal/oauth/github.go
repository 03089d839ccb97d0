package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/scanforge/scanforge/internal/config"
)

const (
	githubUserURL   = "https://api.github.com/user"
	githubEmailsURL = "https://api.github.com/user/emails"
)

// GitHubProvider drives the GitHub authorization-code flow.
type GitHubProvider struct {
	config     *oauth2.Config
	httpClient *http.Client
	userURL    string
	emailsURL  string
}

// NewGitHubProvider constructs a provider from the configured OAuth app
// credentials.
func NewGitHubProvider(cfg config.OAuthProviderConfig, httpClient *http.Client) *GitHubProvider {
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		httpClient: defaultClient(httpClient),
		userURL:    githubUserURL,
		emailsURL:  githubEmailsURL,
	}
}

// Name identifies the provider for registry dispatch.
func (p *GitHubProvider) Name() string { return "github" }

// AuthCodeURL returns the GitHub authorization URL for the given CSRF state.
func (p *GitHubProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// ExchangeCode trades the authorization code for an access token.
func (p *GitHubProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%w: exchanging code: %v", ErrAuthFailure, err)
	}
	return token.AccessToken, nil
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// FetchProfile loads the authenticated user from the GitHub API.
func (p *GitHubProvider) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	var user githubUser
	if err := getJSON(ctx, p.httpClient, p.userURL, accessToken, &user); err != nil {
		return Profile{}, err
	}
	if user.ID == 0 {
		return Profile{}, fmt.Errorf("%w: github returned an invalid user", ErrAuthFailure)
	}

	profile := Profile{
		ID:        strconv.FormatInt(user.ID, 10),
		Username:  user.Login,
		FullName:  user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
	}
	if err := profile.validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// FetchPrimaryEmail lists the account's emails and selects the primary
// verified address. Accounts hiding their email from the profile still expose
// it here when the user:email scope is granted.
func (p *GitHubProvider) FetchPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	var emails []githubEmail
	if err := getJSON(ctx, p.httpClient, p.emailsURL, accessToken, &emails); err != nil {
		return "", err
	}
	for _, email := range emails {
		if email.Primary && email.Verified {
			return email.Email, nil
		}
	}
	for _, email := range emails {
		if email.Verified {
			return email.Email, nil
		}
	}
	return "", nil
}
