package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanforge/scanforge/internal/identity"
)

type loginResponsePayload struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// handleLogin starts the authorization-code flow: the client redirects the
// user to the returned URL and holds on to the state nonce for the callback.
func (h *httpHandler) handleLogin(c *gin.Context) {
	provider, err := h.providers.Lookup(c.Param("provider"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	state := uuid.NewString()
	c.JSON(http.StatusOK, loginResponsePayload{
		AuthorizationURL: provider.AuthCodeURL(state),
		State:            state,
	})
}

// callbackRequestPayload carries the authorization code back from the client.
// The state nonce is accepted for symmetry with the login response; comparing
// it against the value handed out by handleLogin is the client's job, since
// the server keeps no per-login state to check it against.
type callbackRequestPayload struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type userPayload struct {
	ID           uint     `json:"id"`
	Email        *string  `json:"email"`
	FullName     string   `json:"full_name"`
	AvatarURL    string   `json:"avatar_url"`
	ActiveTeamID *uint    `json:"active_team_id"`
	Providers    []string `json:"providers"`
}

type callbackResponsePayload struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int64       `json:"expires_in"`
	User        userPayload `json:"user"`
}

// handleCallback completes the flow: code for token, token for profile,
// profile into the identity store, then a bearer credential back to the
// client. No user row is touched until every required field resolved, and
// every provider-side failure collapses into one generic response.
func (h *httpHandler) handleCallback(c *gin.Context) {
	providerName := c.Param("provider")
	provider, err := h.providers.Lookup(providerName)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var request callbackRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	accessToken, err := provider.ExchangeCode(ctx, request.Code)
	if err != nil {
		h.logger.Warn("oauth code exchange failed", zap.String("provider", providerName), zap.Error(err))
		h.respondError(c, err)
		return
	}

	profile, err := provider.FetchProfile(ctx, accessToken)
	if err != nil {
		h.logger.Warn("oauth profile fetch failed", zap.String("provider", providerName), zap.Error(err))
		h.respondError(c, err)
		return
	}
	if profile.Email == "" {
		email, err := provider.FetchPrimaryEmail(ctx, accessToken)
		if err != nil {
			h.logger.Warn("oauth email fetch failed", zap.String("provider", providerName), zap.Error(err))
			h.respondError(c, err)
			return
		}
		profile.Email = email
	}

	user, err := h.identity.UpsertFromProfile(ctx, providerName, profile, accessToken)
	if err != nil {
		h.respondError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.Issue(ctx, user.ID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, callbackResponsePayload{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		User:        toUserPayload(user),
	})
}

func (h *httpHandler) handleCurrentUser(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, toUserPayload(user))
}

func toUserPayload(user *identity.User) userPayload {
	providers := make([]string, 0, 4)
	for _, name := range []string{
		identity.ProviderGitHub,
		identity.ProviderGitLab,
		identity.ProviderGoogle,
		identity.ProviderBitbucket,
	} {
		if user.ProviderID(name) != nil {
			providers = append(providers, name)
		}
	}
	return userPayload{
		ID:           user.ID,
		Email:        user.Email,
		FullName:     user.FullName,
		AvatarURL:    user.AvatarURL,
		ActiveTeamID: user.ActiveTeamID,
		Providers:    providers,
	}
}
