package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/bitbucket"

	"github.com/scanforge/scanforge/internal/config"
)

const (
	bitbucketUserURL   = "https://api.bitbucket.org/2.0/user"
	bitbucketEmailsURL = "https://api.bitbucket.org/2.0/user/emails"
)

// BitbucketProvider drives the Bitbucket Cloud authorization-code flow.
type BitbucketProvider struct {
	config     *oauth2.Config
	httpClient *http.Client
	userURL    string
	emailsURL  string
}

// NewBitbucketProvider constructs a provider from the configured consumer
// credentials.
func NewBitbucketProvider(cfg config.OAuthProviderConfig, httpClient *http.Client) *BitbucketProvider {
	return &BitbucketProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"account", "email"},
			Endpoint:     bitbucket.Endpoint,
		},
		httpClient: defaultClient(httpClient),
		userURL:    bitbucketUserURL,
		emailsURL:  bitbucketEmailsURL,
	}
}

// Name identifies the provider for registry dispatch.
func (p *BitbucketProvider) Name() string { return "bitbucket" }

// AuthCodeURL returns the Bitbucket authorization URL for the given CSRF state.
func (p *BitbucketProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// ExchangeCode trades the authorization code for an access token.
func (p *BitbucketProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%w: exchanging code: %v", ErrAuthFailure, err)
	}
	return token.AccessToken, nil
}

type bitbucketUser struct {
	UUID        string `json:"uuid"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Links       struct {
		Avatar struct {
			Href string `json:"href"`
		} `json:"avatar"`
	} `json:"links"`
}

// FetchProfile loads the authenticated user from the Bitbucket API. The
// account UUID arrives brace-wrapped and is stored without the braces.
func (p *BitbucketProvider) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	var user bitbucketUser
	if err := getJSON(ctx, p.httpClient, p.userURL, accessToken, &user); err != nil {
		return Profile{}, err
	}
	if user.UUID == "" {
		return Profile{}, fmt.Errorf("%w: bitbucket returned an invalid user", ErrAuthFailure)
	}

	profile := Profile{
		ID:        strings.Trim(user.UUID, "{}"),
		Username:  user.Username,
		FullName:  user.DisplayName,
		AvatarURL: user.Links.Avatar.Href,
	}
	if err := profile.validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

type bitbucketEmailPage struct {
	Values []struct {
		Email       string `json:"email"`
		IsPrimary   bool   `json:"is_primary"`
		IsConfirmed bool   `json:"is_confirmed"`
	} `json:"values"`
}

// FetchPrimaryEmail lists the account's emails and selects the confirmed
// primary. Bitbucket never exposes email on the profile object itself.
func (p *BitbucketProvider) FetchPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	var page bitbucketEmailPage
	if err := getJSON(ctx, p.httpClient, p.emailsURL, accessToken, &page); err != nil {
		return "", err
	}
	for _, email := range page.Values {
		if email.IsPrimary && email.IsConfirmed {
			return email.Email, nil
		}
	}
	for _, email := range page.Values {
		if email.IsConfirmed {
			return email.Email, nil
		}
	}
	return "", nil
}
