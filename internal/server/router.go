package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scanforge/scanforge/internal/aifix"
	"github.com/scanforge/scanforge/internal/auth"
	"github.com/scanforge/scanforge/internal/identity"
	"github.com/scanforge/scanforge/internal/oauth"
	"github.com/scanforge/scanforge/internal/scans"
	"github.com/scanforge/scanforge/internal/workspace"
)

const (
	userIDContextKey = "scanforge_user_id"
	userContextKey   = "scanforge_user"
)

var (
	errMissingProviders        = errors.New("oauth provider registry dependency required")
	errMissingIdentityService  = errors.New("identity service dependency required")
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingWorkspaceService = errors.New("workspace service dependency required")
	errMissingScanStore        = errors.New("scan store dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// TokenManager issues and verifies bearer credentials.
type TokenManager interface {
	Issue(ctx context.Context, userID uint) (string, int64, error)
	Verify(token string) (uint, error)
}

// FixSuggester proxies remediation prompts to the LLM backend.
type FixSuggester interface {
	SuggestFix(ctx context.Context, request aifix.FixRequest) (aifix.FixResponse, error)
}

// Dependencies wires the HTTP layer to its collaborators.
type Dependencies struct {
	Providers      *oauth.Registry
	Identity       *identity.Service
	Tokens         TokenManager
	Workspaces     *workspace.Service
	Scans          *scans.Store
	Fixer          FixSuggester
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Providers == nil {
		return nil, errMissingProviders
	}
	if deps.Identity == nil {
		return nil, errMissingIdentityService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Workspaces == nil {
		return nil, errMissingWorkspaceService
	}
	if deps.Scans == nil {
		return nil, errMissingScanStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		providers:  deps.Providers,
		identity:   deps.Identity,
		tokens:     deps.Tokens,
		workspaces: deps.Workspaces,
		scans:      deps.Scans,
		fixer:      deps.Fixer,
		logger:     logger,
	}

	router.GET("/auth/:provider/login", handler.handleLogin)
	router.POST("/auth/:provider/callback", handler.handleCallback)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/users/me", handler.handleCurrentUser)
	protected.PUT("/users/me/active-team", handler.handleSetActiveTeam)
	protected.DELETE("/users/me/active-team", handler.handleClearActiveTeam)

	protected.POST("/teams", handler.handleCreateTeam)
	protected.GET("/teams", handler.handleListTeams)
	protected.DELETE("/teams/:id", handler.handleDeleteTeam)
	protected.DELETE("/teams/:id/members/:user_id", handler.handleRemoveMember)
	protected.POST("/teams/:id/invitations", handler.handleInvite)
	protected.POST("/teams/:id/repositories", handler.handleLinkRepository)
	protected.POST("/invitations/accept", handler.handleAcceptInvitation)

	protected.POST("/repositories", handler.handleCreateRepository)
	protected.GET("/repositories", handler.handleListRepositories)
	protected.GET("/repositories/:id/scans", handler.handleListScans)
	protected.GET("/scans/:id/vulnerabilities", handler.handleListVulnerabilities)
	protected.GET("/projects", handler.handleActiveWorkspaceProjects)

	protected.POST("/ai/fix", handler.handleAIFix)

	return router, nil
}

type httpHandler struct {
	providers  *oauth.Registry
	identity   *identity.Service
	tokens     TokenManager
	workspaces *workspace.Service
	scans      *scans.Store
	fixer      FixSuggester
	logger     *zap.Logger
}

// authorizeRequest resolves the bearer credential to a user and stores both
// the id and the loaded row in the request context. Verification failures
// never distinguish their cause to the client.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	userID, err := h.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.identity.ByID(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !user.IsActive {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account_disabled"})
		return
	}

	c.Set(userIDContextKey, userID)
	c.Set(userContextKey, user)
	c.Next()
}

func (h *httpHandler) currentUser(c *gin.Context) *identity.User {
	value, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	user, ok := value.(*identity.User)
	if !ok {
		return nil
	}
	return user
}

// respondError maps service failures to HTTP semantics. Authorization
// failures (acting outside one's team) are 403s, distinct from the 401s the
// middleware produces; invitation variants each get their own status so the
// client can explain what happened.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, oauth.ErrAuthFailure), errors.Is(err, oauth.ErrUnknownProvider):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "could not sign in"})
	case errors.Is(err, workspace.ErrNotAMember), errors.Is(err, workspace.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, workspace.ErrTeamNotFound),
		errors.Is(err, workspace.ErrInvitationNotFound),
		errors.Is(err, scans.ErrRepositoryNotFound),
		errors.Is(err, scans.ErrScanNotFound),
		errors.Is(err, identity.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, workspace.ErrInvitationExpired):
		c.JSON(http.StatusGone, gin.H{"error": "invitation expired"})
	case errors.Is(err, workspace.ErrInvitationAlreadyUsed):
		c.JSON(http.StatusConflict, gin.H{"error": "invitation already used"})
	case errors.Is(err, workspace.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, workspace.ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
	case errors.Is(err, scans.ErrNoActiveWorkspace):
		c.JSON(http.StatusBadRequest, gin.H{"error": "no active workspace selected"})
	case errors.Is(err, aifix.ErrNotConfigured), errors.Is(err, aifix.ErrUpstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": "fix suggestion unavailable"})
	default:
		// Unexpected: log the detail, return nothing sensitive.
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
