package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/gitlab"

	"github.com/scanforge/scanforge/internal/config"
)

const gitlabUserURL = "https://gitlab.com/api/v4/user"

// GitLabProvider drives the gitlab.com authorization-code flow.
type GitLabProvider struct {
	config     *oauth2.Config
	httpClient *http.Client
	userURL    string
}

// NewGitLabProvider constructs a provider from the configured application
// credentials.
func NewGitLabProvider(cfg config.OAuthProviderConfig, httpClient *http.Client) *GitLabProvider {
	return &GitLabProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"read_user"},
			Endpoint:     gitlab.Endpoint,
		},
		httpClient: defaultClient(httpClient),
		userURL:    gitlabUserURL,
	}
}

// Name identifies the provider for registry dispatch.
func (p *GitLabProvider) Name() string { return "gitlab" }

// AuthCodeURL returns the GitLab authorization URL for the given CSRF state.
func (p *GitLabProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// ExchangeCode trades the authorization code for an access token.
func (p *GitLabProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%w: exchanging code: %v", ErrAuthFailure, err)
	}
	return token.AccessToken, nil
}

type gitlabUser struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	PublicEmail string `json:"public_email"`
	AvatarURL   string `json:"avatar_url"`
}

// FetchProfile loads the authenticated user from the GitLab API.
func (p *GitLabProvider) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	var user gitlabUser
	if err := getJSON(ctx, p.httpClient, p.userURL, accessToken, &user); err != nil {
		return Profile{}, err
	}
	if user.ID == 0 {
		return Profile{}, fmt.Errorf("%w: gitlab returned an invalid user", ErrAuthFailure)
	}

	email := user.Email
	if email == "" {
		email = user.PublicEmail
	}
	profile := Profile{
		ID:        strconv.FormatInt(user.ID, 10),
		Username:  user.Username,
		FullName:  user.Name,
		Email:     email,
		AvatarURL: user.AvatarURL,
	}
	if err := profile.validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// FetchPrimaryEmail re-reads the profile; the read_user scope already exposes
// the account email there, so GitLab needs no secondary endpoint.
func (p *GitLabProvider) FetchPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	profile, err := p.FetchProfile(ctx, accessToken)
	if err != nil {
		return "", err
	}
	return profile.Email, nil
}
