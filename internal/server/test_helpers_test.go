package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/scanforge/scanforge/internal/aifix"
	"github.com/scanforge/scanforge/internal/auth"
	"github.com/scanforge/scanforge/internal/identity"
	"github.com/scanforge/scanforge/internal/oauth"
	"github.com/scanforge/scanforge/internal/scans"
	"github.com/scanforge/scanforge/internal/vault"
	"github.com/scanforge/scanforge/internal/workspace"
)

const testSigningSecret = "router-test-signing-secret"

type testEnvironment struct {
	db         *gorm.DB
	identity   *identity.Service
	workspaces *workspace.Service
	scans      *scans.Store
	issuer     *auth.TokenIssuer
}

func newTestEnvironment(t *testing.T, clock func() time.Time) *testEnvironment {
	t.Helper()
	if clock == nil {
		clock = time.Now
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&identity.User{},
		&workspace.Team{},
		&workspace.TeamMember{},
		&workspace.TeamInvitation{},
		&workspace.TeamRepository{},
		&scans.Repository{},
		&scans.Scan{},
		&scans.Vulnerability{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	tokenVault, err := vault.New(vault.Config{Secret: testSigningSecret, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build vault: %v", err)
	}
	identityService, err := identity.NewService(identity.ServiceConfig{Database: db, Vault: tokenVault, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build identity service: %v", err)
	}
	workspaceService, err := workspace.NewService(workspace.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build workspace service: %v", err)
	}
	scanStore, err := scans.NewStore(scans.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build scan store: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	return &testEnvironment{
		db:         db,
		identity:   identityService,
		workspaces: workspaceService,
		scans:      scanStore,
		issuer:     issuer,
	}
}

func (e *testEnvironment) dependencies(registry *oauth.Registry, fixer FixSuggester) Dependencies {
	if registry == nil {
		registry = oauth.NewRegistry()
	}
	return Dependencies{
		Providers:  registry,
		Identity:   e.identity,
		Tokens:     e.issuer,
		Workspaces: e.workspaces,
		Scans:      e.scans,
		Fixer:      fixer,
	}
}

// registerUser creates an account directly through the identity service and
// returns its bearer token, mirroring what a completed callback produces.
func (e *testEnvironment) registerUser(t *testing.T, providerID, username, email string) (*identity.User, string) {
	t.Helper()
	user, err := e.identity.UpsertFromProfile(context.Background(), identity.ProviderGitHub, oauth.Profile{
		ID:       providerID,
		Username: username,
		Email:    email,
	}, "provider-access-token")
	if err != nil {
		t.Fatalf("failed to register user: %v", err)
	}
	token, _, err := e.issuer.Issue(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return user, token
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func jsonBody(t *testing.T, payload interface{}) io.Reader {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return bytes.NewReader(body)
}

type stubProvider struct {
	name        string
	profile     oauth.Profile
	email       string
	exchangeErr error
	profileErr  error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) AuthCodeURL(state string) string {
	return "https://provider.example.com/authorize?state=" + state
}

func (s *stubProvider) ExchangeCode(_ context.Context, code string) (string, error) {
	if s.exchangeErr != nil {
		return "", s.exchangeErr
	}
	return "access-token-for-" + code, nil
}

func (s *stubProvider) FetchProfile(context.Context, string) (oauth.Profile, error) {
	if s.profileErr != nil {
		return oauth.Profile{}, s.profileErr
	}
	return s.profile, nil
}

func (s *stubProvider) FetchPrimaryEmail(context.Context, string) (string, error) {
	return s.email, nil
}

type stubFixSuggester struct {
	response aifix.FixResponse
	err      error
}

func (s *stubFixSuggester) SuggestFix(_ context.Context, request aifix.FixRequest) (aifix.FixResponse, error) {
	if s.err != nil {
		return aifix.FixResponse{}, s.err
	}
	response := s.response
	if response.FilePath == "" {
		response.FilePath = request.FilePath
	}
	return response, nil
}
