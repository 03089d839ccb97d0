package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scanforge/scanforge/internal/aifix"
	"github.com/scanforge/scanforge/internal/identity"
	"github.com/scanforge/scanforge/internal/scans"
	"github.com/scanforge/scanforge/internal/workspace"
)

type repositoryPayload struct {
	ID            uint   `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description"`
	URL           string `json:"url"`
	Language      string `json:"language"`
	IsPrivate     bool   `json:"is_private"`
	DefaultBranch string `json:"default_branch"`
	Provider      string `json:"provider"`
}

func toRepositoryPayload(repository *scans.Repository) repositoryPayload {
	return repositoryPayload{
		ID:            repository.ID,
		Name:          repository.Name,
		FullName:      repository.FullName,
		Description:   repository.Description,
		URL:           repository.URL,
		Language:      repository.Language,
		IsPrivate:     repository.IsPrivate,
		DefaultBranch: repository.DefaultBranch,
		Provider:      repository.Provider,
	}
}

type createRepositoryRequestPayload struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description"`
	URL           string `json:"url"`
	Language      string `json:"language"`
	IsPrivate     bool   `json:"is_private"`
	DefaultBranch string `json:"default_branch"`
	Provider      string `json:"provider"`
}

func (h *httpHandler) handleCreateRepository(c *gin.Context) {
	user := h.currentUser(c)
	var request createRepositoryRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Name) == "" ||
		strings.TrimSpace(request.FullName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Provider != "" && !identity.KnownProvider(request.Provider) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid provider"})
		return
	}

	repository := scans.Repository{
		Name:          request.Name,
		FullName:      request.FullName,
		Description:   request.Description,
		URL:           request.URL,
		Language:      request.Language,
		IsPrivate:     request.IsPrivate,
		DefaultBranch: request.DefaultBranch,
		Provider:      request.Provider,
		OwnerID:       user.ID,
	}
	if err := h.scans.CreateRepository(c.Request.Context(), &repository); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toRepositoryPayload(&repository))
}

func (h *httpHandler) handleListRepositories(c *gin.Context) {
	user := h.currentUser(c)
	repositories, err := h.scans.RepositoriesForUser(c.Request.Context(), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]repositoryPayload, 0, len(repositories))
	for i := range repositories {
		payload = append(payload, toRepositoryPayload(&repositories[i]))
	}
	c.JSON(http.StatusOK, gin.H{"repositories": payload})
}

// authorizeRepository loads the repository and checks the caller may read its
// scan data: either the caller owns it, or it is linked to a team the caller
// is an active member of. Anything else is an authorization failure.
func (h *httpHandler) authorizeRepository(c *gin.Context, repositoryID uint) (*scans.Repository, bool) {
	user := h.currentUser(c)
	repository, err := h.scans.RepositoryByID(c.Request.Context(), repositoryID)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	if repository.OwnerID == user.ID {
		return repository, true
	}
	visible, err := h.workspaces.RepositoryVisibleToUser(c.Request.Context(), user.ID, repositoryID)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	if !visible {
		h.respondError(c, workspace.ErrNotAMember)
		return nil, false
	}
	return repository, true
}

type scanPayload struct {
	ID           uint       `json:"id"`
	RepositoryID uint       `json:"repository_id"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func (h *httpHandler) handleListScans(c *gin.Context) {
	repositoryID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if _, ok := h.authorizeRepository(c, repositoryID); !ok {
		return
	}

	runs, err := h.scans.ScansForRepository(c.Request.Context(), repositoryID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]scanPayload, 0, len(runs))
	for _, run := range runs {
		payload = append(payload, scanPayload{
			ID:           run.ID,
			RepositoryID: run.RepositoryID,
			Status:       string(run.Status),
			StartedAt:    run.StartedAt,
			CompletedAt:  run.CompletedAt,
			ErrorMessage: run.ErrorMessage,
		})
	}
	c.JSON(http.StatusOK, gin.H{"scans": payload})
}

type vulnerabilityPayload struct {
	ID             uint   `json:"id"`
	Title          string `json:"title"`
	Severity       string `json:"severity"`
	FilePath       string `json:"file_path"`
	Line           int    `json:"line"`
	Description    string `json:"description,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

func (h *httpHandler) handleListVulnerabilities(c *gin.Context) {
	scanID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	scan, err := h.scans.ScanByID(c.Request.Context(), scanID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, ok := h.authorizeRepository(c, scan.RepositoryID); !ok {
		return
	}

	findings, err := h.scans.VulnerabilitiesForScan(c.Request.Context(), scanID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]vulnerabilityPayload, 0, len(findings))
	for _, finding := range findings {
		payload = append(payload, vulnerabilityPayload{
			ID:             finding.ID,
			Title:          finding.Title,
			Severity:       string(finding.Severity),
			FilePath:       finding.FilePath,
			Line:           finding.Line,
			Description:    finding.Description,
			Recommendation: finding.Recommendation,
		})
	}
	c.JSON(http.StatusOK, gin.H{"vulnerabilities": payload})
}

func (h *httpHandler) handleActiveWorkspaceProjects(c *gin.Context) {
	user := h.currentUser(c)
	repositories, err := h.scans.ActiveWorkspaceProjects(c.Request.Context(), user)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]repositoryPayload, 0, len(repositories))
	for i := range repositories {
		payload = append(payload, toRepositoryPayload(&repositories[i]))
	}
	c.JSON(http.StatusOK, gin.H{"projects": payload})
}

func (h *httpHandler) handleAIFix(c *gin.Context) {
	if h.fixer == nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "fix suggestion unavailable"})
		return
	}

	var request aifix.FixRequest
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.FilePath) == "" ||
		request.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response, err := h.fixer.SuggestFix(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}
