package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scanforge/scanforge/internal/workspace"
)

type teamPayload struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatorID   uint      `json:"creator_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func toTeamPayload(team *workspace.Team) teamPayload {
	return teamPayload{
		ID:          team.ID,
		Name:        team.Name,
		Description: team.Description,
		CreatorID:   team.CreatorID,
		CreatedAt:   team.CreatedAt,
	}
}

type createTeamRequestPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *httpHandler) handleCreateTeam(c *gin.Context) {
	user := h.currentUser(c)
	var request createTeamRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	team, err := h.workspaces.CreateTeam(c.Request.Context(), user.ID, request.Name, request.Description)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTeamPayload(team))
}

func (h *httpHandler) handleListTeams(c *gin.Context) {
	user := h.currentUser(c)
	teams, err := h.workspaces.TeamsForUser(c.Request.Context(), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]teamPayload, 0, len(teams))
	for i := range teams {
		payload = append(payload, toTeamPayload(&teams[i]))
	}
	c.JSON(http.StatusOK, gin.H{"teams": payload})
}

func (h *httpHandler) handleDeleteTeam(c *gin.Context) {
	user := h.currentUser(c)
	teamID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := h.workspaces.DeleteTeam(c.Request.Context(), teamID, user.ID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type inviteRequestPayload struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type invitationPayload struct {
	ID        uint      `json:"id"`
	TeamID    uint      `json:"team_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	user := h.currentUser(c)
	teamID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var request inviteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role := workspace.Role(strings.ToLower(strings.TrimSpace(request.Role)))
	if request.Role == "" {
		role = workspace.RoleMember
	}

	invitation, err := h.workspaces.Invite(c.Request.Context(), teamID, user.ID, request.Email, role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	// The token is returned once, for delivery to the invitee out of band.
	c.JSON(http.StatusCreated, invitationPayload{
		ID:        invitation.ID,
		TeamID:    invitation.TeamID,
		Email:     invitation.Email,
		Role:      string(invitation.Role),
		Token:     invitation.Token,
		ExpiresAt: invitation.ExpiresAt,
	})
}

type acceptInvitationRequestPayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleAcceptInvitation(c *gin.Context) {
	user := h.currentUser(c)
	var request acceptInvitationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	member, err := h.workspaces.AcceptInvitation(c.Request.Context(), strings.TrimSpace(request.Token), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"team_id": member.TeamID,
		"role":    string(member.Role),
		"status":  string(member.Status),
	})
}

type setActiveTeamRequestPayload struct {
	TeamID uint `json:"team_id"`
}

func (h *httpHandler) handleSetActiveTeam(c *gin.Context) {
	user := h.currentUser(c)
	var request setActiveTeamRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.TeamID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.workspaces.SetActiveWorkspace(c.Request.Context(), user.ID, request.TeamID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_team_id": request.TeamID})
}

func (h *httpHandler) handleClearActiveTeam(c *gin.Context) {
	user := h.currentUser(c)
	if err := h.workspaces.ClearActiveWorkspace(c.Request.Context(), user.ID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	user := h.currentUser(c)
	teamID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	memberUserID, ok := parseIDParam(c, "user_id")
	if !ok {
		return
	}

	if err := h.workspaces.RemoveMember(c.Request.Context(), teamID, user.ID, memberUserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type linkRepositoryRequestPayload struct {
	RepositoryID uint `json:"repository_id"`
}

func (h *httpHandler) handleLinkRepository(c *gin.Context) {
	user := h.currentUser(c)
	teamID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var request linkRepositoryRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.RepositoryID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if _, err := h.scans.RepositoryByID(c.Request.Context(), request.RepositoryID); err != nil {
		h.respondError(c, err)
		return
	}
	link, err := h.workspaces.LinkRepository(c.Request.Context(), teamID, request.RepositoryID, user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"team_id":       link.TeamID,
		"repository_id": link.RepositoryID,
	})
}

func parseIDParam(c *gin.Context, name string) (uint, bool) {
	raw, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || raw == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(raw), true
}
