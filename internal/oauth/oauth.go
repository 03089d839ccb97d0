package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

const defaultHTTPTimeout = 10 * time.Second

var (
	// ErrAuthFailure covers every expected provider-side failure: a rejected
	// authorization code, a provider outage, or a profile missing required
	// fields. Callers surface it as a generic authentication error.
	ErrAuthFailure = errors.New("oauth: authentication failed")
	// ErrUnknownProvider indicates the requested provider is not registered.
	ErrUnknownProvider = errors.New("oauth: unknown provider")
)

// Profile is the normalized identity returned by every provider.
type Profile struct {
	// ID is the provider's stable account identifier, string-normalized.
	ID        string
	Username  string
	FullName  string
	Email     string
	AvatarURL string
}

func (p Profile) validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: profile missing id", ErrAuthFailure)
	}
	if p.Username == "" {
		return fmt.Errorf("%w: profile missing username", ErrAuthFailure)
	}
	return nil
}

// Provider implements the three-step authorization-code flow for one OAuth
// provider. Implementations are selected by name; callers never depend on a
// concrete provider type.
type Provider interface {
	Name() string
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (string, error)
	FetchProfile(ctx context.Context, accessToken string) (Profile, error)
	// FetchPrimaryEmail returns the account's primary email when the profile
	// itself does not expose one. An empty string with a nil error means the
	// account has no usable email.
	FetchPrimaryEmail(ctx context.Context, accessToken string) (string, error)
}

// Registry maps provider names to their implementations.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	byName := make(map[string]Provider, len(providers))
	for _, provider := range providers {
		byName[provider.Name()] = provider
	}
	return &Registry{providers: byName}
}

// Lookup returns the provider registered under the given name.
func (r *Registry) Lookup(name string) (Provider, error) {
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return provider, nil
}

// Names lists the registered provider names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func defaultClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// getJSON performs an authenticated GET against a provider API and decodes
// the JSON response into target. Any transport error or non-2xx status is an
// auth failure: the flow aborts rather than persisting a partial identity.
func getJSON(ctx context.Context, client *http.Client, url, accessToken string, target interface{}) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned status %d", ErrAuthFailure, url, response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrAuthFailure, url, err)
	}
	return nil
}
