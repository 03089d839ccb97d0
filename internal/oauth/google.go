package oauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/scanforge/scanforge/internal/config"
)

const googleUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// GoogleProvider drives the Google authorization-code flow.
type GoogleProvider struct {
	config      *oauth2.Config
	httpClient  *http.Client
	userinfoURL string
}

// NewGoogleProvider constructs a provider from the configured client
// credentials.
func NewGoogleProvider(cfg config.OAuthProviderConfig, httpClient *http.Client) *GoogleProvider {
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		httpClient:  defaultClient(httpClient),
		userinfoURL: googleUserinfoURL,
	}
}

// Name identifies the provider for registry dispatch.
func (p *GoogleProvider) Name() string { return "google" }

// AuthCodeURL returns the Google authorization URL for the given CSRF state.
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// ExchangeCode trades the authorization code for an access token.
func (p *GoogleProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%w: exchanging code: %v", ErrAuthFailure, err)
	}
	return token.AccessToken, nil
}

type googleUser struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// FetchProfile loads the authenticated user from the userinfo endpoint.
// Google accounts have no separate username; the email doubles as one.
func (p *GoogleProvider) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	var user googleUser
	if err := getJSON(ctx, p.httpClient, p.userinfoURL, accessToken, &user); err != nil {
		return Profile{}, err
	}
	if user.ID == "" {
		return Profile{}, fmt.Errorf("%w: google returned an invalid user", ErrAuthFailure)
	}

	profile := Profile{
		ID:        user.ID,
		Username:  user.Email,
		FullName:  user.Name,
		Email:     user.Email,
		AvatarURL: user.Picture,
	}
	if err := profile.validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// FetchPrimaryEmail re-reads the userinfo endpoint; the email scope already
// exposes the primary address there.
func (p *GoogleProvider) FetchPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	profile, err := p.FetchProfile(ctx, accessToken)
	if err != nil {
		return "", err
	}
	return profile.Email, nil
}
