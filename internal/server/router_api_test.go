package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/scanforge/scanforge/internal/aifix"
	"github.com/scanforge/scanforge/internal/scans"
)

func newAPIRouter(t *testing.T) (http.Handler, *testEnvironment) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	environment := newTestEnvironment(t, nil)
	router, err := NewHTTPHandler(environment.dependencies(nil, &stubFixSuggester{
		response: aifix.FixResponse{FixedContent: "patched()"},
	}))
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	return router, environment
}

func getJSONResponse(t *testing.T, router http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	router, _ := newAPIRouter(t)

	recorder := getJSONResponse(t, router, "/teams", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
}

func TestTeamLifecycleOverHTTP(t *testing.T) {
	router, environment := newAPIRouter(t)
	_, ownerToken := environment.registerUser(t, "42", "alice", "alice@example.com")
	_, inviteeToken := environment.registerUser(t, "77", "bob", "bob@example.com")

	createRecorder := postJSON(t, router, "/teams", ownerToken, map[string]string{
		"name":        "security",
		"description": "appsec review",
	})
	if createRecorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status code creating team: got %d, body %s", createRecorder.Code, createRecorder.Body.String())
	}
	var team teamPayload
	if err := json.Unmarshal(createRecorder.Body.Bytes(), &team); err != nil {
		t.Fatalf("failed to decode team: %v", err)
	}
	if team.Name != "security" || team.ID == 0 {
		t.Fatalf("unexpected team payload: %+v", team)
	}

	listRecorder := getJSONResponse(t, router, "/teams", ownerToken)
	if listRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code listing teams: got %d", listRecorder.Code)
	}
	var listPayload struct {
		Teams []teamPayload `json:"teams"`
	}
	if err := json.Unmarshal(listRecorder.Body.Bytes(), &listPayload); err != nil {
		t.Fatalf("failed to decode team list: %v", err)
	}
	if len(listPayload.Teams) != 1 || listPayload.Teams[0].ID != team.ID {
		t.Fatalf("unexpected team list: %+v", listPayload.Teams)
	}

	inviteRecorder := postJSON(t, router, "/teams/"+itoa(team.ID)+"/invitations", ownerToken, map[string]string{
		"email": "bob@example.com",
		"role":  "member",
	})
	if inviteRecorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status code inviting: got %d, body %s", inviteRecorder.Code, inviteRecorder.Body.String())
	}
	var invitation invitationPayload
	if err := json.Unmarshal(inviteRecorder.Body.Bytes(), &invitation); err != nil {
		t.Fatalf("failed to decode invitation: %v", err)
	}
	if invitation.Token == "" {
		t.Fatalf("expected the invitation token to be returned on creation")
	}

	acceptRecorder := postJSON(t, router, "/invitations/accept", inviteeToken, map[string]string{
		"token": invitation.Token,
	})
	if acceptRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code accepting: got %d, body %s", acceptRecorder.Code, acceptRecorder.Body.String())
	}

	replayRecorder := postJSON(t, router, "/invitations/accept", inviteeToken, map[string]string{
		"token": invitation.Token,
	})
	if replayRecorder.Code != http.StatusConflict {
		t.Fatalf("unexpected status code replaying invitation: got %d, want %d", replayRecorder.Code, http.StatusConflict)
	}

	outsiderRecorder := postJSON(t, router, "/teams/"+itoa(team.ID)+"/invitations", inviteeToken, map[string]string{
		"email": "carol@example.com",
	})
	if outsiderRecorder.Code != http.StatusForbidden {
		t.Fatalf("expected a plain member to be forbidden from inviting, got %d", outsiderRecorder.Code)
	}
}

func TestActiveWorkspaceProjectsOverHTTP(t *testing.T) {
	router, environment := newAPIRouter(t)
	_, token := environment.registerUser(t, "42", "alice", "alice@example.com")

	teamRecorder := postJSON(t, router, "/teams", token, map[string]string{"name": "security"})
	if teamRecorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status code creating team: got %d", teamRecorder.Code)
	}
	var team teamPayload
	if err := json.Unmarshal(teamRecorder.Body.Bytes(), &team); err != nil {
		t.Fatalf("failed to decode team: %v", err)
	}

	repoRecorder := postJSON(t, router, "/repositories", token, map[string]interface{}{
		"name":      "vault",
		"full_name": "acme/vault",
		"provider":  "github",
	})
	if repoRecorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status code creating repository: got %d, body %s", repoRecorder.Code, repoRecorder.Body.String())
	}
	var repository repositoryPayload
	if err := json.Unmarshal(repoRecorder.Body.Bytes(), &repository); err != nil {
		t.Fatalf("failed to decode repository: %v", err)
	}

	linkRecorder := postJSON(t, router, "/teams/"+itoa(team.ID)+"/repositories", token, map[string]uint{
		"repository_id": repository.ID,
	})
	if linkRecorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status code linking repository: got %d, body %s", linkRecorder.Code, linkRecorder.Body.String())
	}

	// No workspace selected yet.
	noWorkspace := getJSONResponse(t, router, "/projects", token)
	if noWorkspace.Code != http.StatusBadRequest {
		t.Fatalf("expected a bad request without an active workspace, got %d", noWorkspace.Code)
	}

	activateRequest := httptest.NewRequest(http.MethodPut, "/users/me/active-team", jsonBody(t, map[string]uint{"team_id": team.ID}))
	activateRequest.Header.Set("Content-Type", "application/json")
	activateRequest.Header.Set("Authorization", "Bearer "+token)
	activateRecorder := httptest.NewRecorder()
	router.ServeHTTP(activateRecorder, activateRequest)
	if activateRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code activating workspace: got %d, body %s", activateRecorder.Code, activateRecorder.Body.String())
	}

	projectsRecorder := getJSONResponse(t, router, "/projects", token)
	if projectsRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code listing projects: got %d, body %s", projectsRecorder.Code, projectsRecorder.Body.String())
	}
	var projectsPayload struct {
		Projects []repositoryPayload `json:"projects"`
	}
	if err := json.Unmarshal(projectsRecorder.Body.Bytes(), &projectsPayload); err != nil {
		t.Fatalf("failed to decode projects: %v", err)
	}
	if len(projectsPayload.Projects) != 1 || projectsPayload.Projects[0].ID != repository.ID {
		t.Fatalf("unexpected projects: %+v", projectsPayload.Projects)
	}
}

func TestRemoveMemberOverHTTP(t *testing.T) {
	router, environment := newAPIRouter(t)
	owner, ownerToken := environment.registerUser(t, "42", "alice", "alice@example.com")
	member, memberToken := environment.registerUser(t, "77", "bob", "bob@example.com")

	teamRecorder := postJSON(t, router, "/teams", ownerToken, map[string]string{"name": "security"})
	if teamRecorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status code creating team: got %d", teamRecorder.Code)
	}
	var team teamPayload
	if err := json.Unmarshal(teamRecorder.Body.Bytes(), &team); err != nil {
		t.Fatalf("failed to decode team: %v", err)
	}

	inviteRecorder := postJSON(t, router, "/teams/"+itoa(team.ID)+"/invitations", ownerToken, map[string]string{
		"email": "bob@example.com",
	})
	var invitation invitationPayload
	if err := json.Unmarshal(inviteRecorder.Body.Bytes(), &invitation); err != nil {
		t.Fatalf("failed to decode invitation: %v", err)
	}
	if recorder := postJSON(t, router, "/invitations/accept", memberToken, map[string]string{"token": invitation.Token}); recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code accepting: got %d", recorder.Code)
	}

	removeRequest := httptest.NewRequest(http.MethodDelete, "/teams/"+itoa(team.ID)+"/members/"+itoa(member.ID), http.NoBody)
	removeRequest.Header.Set("Authorization", "Bearer "+ownerToken)
	removeRecorder := httptest.NewRecorder()
	router.ServeHTTP(removeRecorder, removeRequest)
	if removeRecorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected status code removing member: got %d, body %s", removeRecorder.Code, removeRecorder.Body.String())
	}

	// The owner is not removable, not even by themselves.
	selfRequest := httptest.NewRequest(http.MethodDelete, "/teams/"+itoa(team.ID)+"/members/"+itoa(owner.ID), http.NoBody)
	selfRequest.Header.Set("Authorization", "Bearer "+ownerToken)
	selfRecorder := httptest.NewRecorder()
	router.ServeHTTP(selfRecorder, selfRequest)
	if selfRecorder.Code != http.StatusForbidden {
		t.Fatalf("expected owner removal to be forbidden, got %d", selfRecorder.Code)
	}
}

func TestClearActiveTeamOverHTTP(t *testing.T) {
	router, environment := newAPIRouter(t)
	_, token := environment.registerUser(t, "42", "alice", "alice@example.com")

	teamRecorder := postJSON(t, router, "/teams", token, map[string]string{"name": "security"})
	var team teamPayload
	if err := json.Unmarshal(teamRecorder.Body.Bytes(), &team); err != nil {
		t.Fatalf("failed to decode team: %v", err)
	}

	activateRequest := httptest.NewRequest(http.MethodPut, "/users/me/active-team", jsonBody(t, map[string]uint{"team_id": team.ID}))
	activateRequest.Header.Set("Content-Type", "application/json")
	activateRequest.Header.Set("Authorization", "Bearer "+token)
	activateRecorder := httptest.NewRecorder()
	router.ServeHTTP(activateRecorder, activateRequest)
	if activateRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code activating workspace: got %d", activateRecorder.Code)
	}

	clearRequest := httptest.NewRequest(http.MethodDelete, "/users/me/active-team", http.NoBody)
	clearRequest.Header.Set("Authorization", "Bearer "+token)
	clearRecorder := httptest.NewRecorder()
	router.ServeHTTP(clearRecorder, clearRequest)
	if clearRecorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected status code clearing workspace: got %d", clearRecorder.Code)
	}

	projectsRecorder := getJSONResponse(t, router, "/projects", token)
	if projectsRecorder.Code != http.StatusBadRequest {
		t.Fatalf("expected no active workspace after clearing, got %d", projectsRecorder.Code)
	}
}

func TestCreateRepositoryRejectsUnknownProvider(t *testing.T) {
	router, environment := newAPIRouter(t)
	_, token := environment.registerUser(t, "42", "alice", "alice@example.com")

	recorder := postJSON(t, router, "/repositories", token, map[string]interface{}{
		"name":      "vault",
		"full_name": "acme/vault",
		"provider":  "sourcehut",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}

func TestListScansForUnknownRepository(t *testing.T) {
	router, environment := newAPIRouter(t)
	_, token := environment.registerUser(t, "42", "alice", "alice@example.com")

	recorder := getJSONResponse(t, router, "/repositories/999/scans", token)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusNotFound)
	}
}

func TestScanReadsRequireRepositoryAccess(t *testing.T) {
	router, environment := newAPIRouter(t)
	_, ownerToken := environment.registerUser(t, "42", "alice", "alice@example.com")
	_, outsiderToken := environment.registerUser(t, "77", "mallory", "mallory@example.com")

	repoRecorder := postJSON(t, router, "/repositories", ownerToken, map[string]interface{}{
		"name":      "vault",
		"full_name": "acme/vault",
		"provider":  "github",
	})
	if repoRecorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status code creating repository: got %d", repoRecorder.Code)
	}
	var repository repositoryPayload
	if err := json.Unmarshal(repoRecorder.Body.Bytes(), &repository); err != nil {
		t.Fatalf("failed to decode repository: %v", err)
	}

	scan := scans.Scan{RepositoryID: repository.ID, Status: scans.ScanStatusCompleted}
	if err := environment.scans.CreateScan(context.Background(), &scan); err != nil {
		t.Fatalf("failed to seed scan: %v", err)
	}

	// Holding a valid token for some account grants nothing on repositories
	// the account has no relationship with.
	if recorder := getJSONResponse(t, router, "/repositories/"+itoa(repository.ID)+"/scans", outsiderToken); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected an outsider to be forbidden from listing scans, got %d, body %s", recorder.Code, recorder.Body.String())
	}
	if recorder := getJSONResponse(t, router, "/scans/"+itoa(scan.ID)+"/vulnerabilities", outsiderToken); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected an outsider to be forbidden from listing vulnerabilities, got %d, body %s", recorder.Code, recorder.Body.String())
	}

	if recorder := getJSONResponse(t, router, "/repositories/"+itoa(repository.ID)+"/scans", ownerToken); recorder.Code != http.StatusOK {
		t.Fatalf("expected the owner to list scans, got %d, body %s", recorder.Code, recorder.Body.String())
	}
	if recorder := getJSONResponse(t, router, "/scans/"+itoa(scan.ID)+"/vulnerabilities", ownerToken); recorder.Code != http.StatusOK {
		t.Fatalf("expected the owner to list vulnerabilities, got %d, body %s", recorder.Code, recorder.Body.String())
	}
}

func TestLinkedRepositoryScansVisibleToTeamMembers(t *testing.T) {
	router, environment := newAPIRouter(t)
	_, ownerToken := environment.registerUser(t, "42", "alice", "alice@example.com")
	_, memberToken := environment.registerUser(t, "77", "bob", "bob@example.com")

	teamRecorder := postJSON(t, router, "/teams", ownerToken, map[string]string{"name": "security"})
	var team teamPayload
	if err := json.Unmarshal(teamRecorder.Body.Bytes(), &team); err != nil {
		t.Fatalf("failed to decode team: %v", err)
	}

	repoRecorder := postJSON(t, router, "/repositories", ownerToken, map[string]interface{}{
		"name":      "vault",
		"full_name": "acme/vault",
		"provider":  "github",
	})
	var repository repositoryPayload
	if err := json.Unmarshal(repoRecorder.Body.Bytes(), &repository); err != nil {
		t.Fatalf("failed to decode repository: %v", err)
	}
	if recorder := postJSON(t, router, "/teams/"+itoa(team.ID)+"/repositories", ownerToken, map[string]uint{
		"repository_id": repository.ID,
	}); recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status code linking repository: got %d", recorder.Code)
	}

	// Linking alone grants nothing to users outside the team.
	if recorder := getJSONResponse(t, router, "/repositories/"+itoa(repository.ID)+"/scans", memberToken); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected a non-member to be forbidden, got %d", recorder.Code)
	}

	inviteRecorder := postJSON(t, router, "/teams/"+itoa(team.ID)+"/invitations", ownerToken, map[string]string{
		"email": "bob@example.com",
	})
	var invitation invitationPayload
	if err := json.Unmarshal(inviteRecorder.Body.Bytes(), &invitation); err != nil {
		t.Fatalf("failed to decode invitation: %v", err)
	}
	if recorder := postJSON(t, router, "/invitations/accept", memberToken, map[string]string{"token": invitation.Token}); recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code accepting: got %d", recorder.Code)
	}

	if recorder := getJSONResponse(t, router, "/repositories/"+itoa(repository.ID)+"/scans", memberToken); recorder.Code != http.StatusOK {
		t.Fatalf("expected a team member to list scans of a linked repository, got %d, body %s", recorder.Code, recorder.Body.String())
	}
}

func TestListRepositoriesReturnsOwnRepositoriesOnly(t *testing.T) {
	router, environment := newAPIRouter(t)
	_, aliceToken := environment.registerUser(t, "42", "alice", "alice@example.com")
	_, bobToken := environment.registerUser(t, "77", "bob", "bob@example.com")

	for _, name := range []string{"vault", "gateway"} {
		if recorder := postJSON(t, router, "/repositories", aliceToken, map[string]interface{}{
			"name":      name,
			"full_name": "acme/" + name,
			"provider":  "github",
		}); recorder.Code != http.StatusCreated {
			t.Fatalf("unexpected status code creating repository %q: got %d", name, recorder.Code)
		}
	}

	recorder := getJSONResponse(t, router, "/repositories", aliceToken)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code listing repositories: got %d", recorder.Code)
	}
	var payload struct {
		Repositories []repositoryPayload `json:"repositories"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode repositories: %v", err)
	}
	if len(payload.Repositories) != 2 || payload.Repositories[0].Name != "vault" {
		t.Fatalf("unexpected repositories: %+v", payload.Repositories)
	}

	bobRecorder := getJSONResponse(t, router, "/repositories", bobToken)
	if bobRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code listing repositories: got %d", bobRecorder.Code)
	}
	var bobPayload struct {
		Repositories []repositoryPayload `json:"repositories"`
	}
	if err := json.Unmarshal(bobRecorder.Body.Bytes(), &bobPayload); err != nil {
		t.Fatalf("failed to decode repositories: %v", err)
	}
	if len(bobPayload.Repositories) != 0 {
		t.Fatalf("expected no repositories for a user who created none, got %+v", bobPayload.Repositories)
	}
}

func TestAIFixEndpoint(t *testing.T) {
	router, environment := newAPIRouter(t)
	_, token := environment.registerUser(t, "42", "alice", "alice@example.com")

	recorder := postJSON(t, router, "/ai/fix", token, map[string]interface{}{
		"file_path": "app/db.py",
		"content":   "query = build(user_input)",
		"vulnerabilities": []map[string]interface{}{
			{"line": 1, "title": "SQL injection", "severity": "critical"},
		},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d, body %s", recorder.Code, recorder.Body.String())
	}
	var payload aifix.FixResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.FixedContent != "patched()" || payload.FilePath != "app/db.py" {
		t.Fatalf("unexpected fix response: %+v", payload)
	}

	missing := postJSON(t, router, "/ai/fix", token, map[string]string{"file_path": "app/db.py"})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code for missing content: got %d", missing.Code)
	}
}

func TestAIFixUpstreamFailureIsBadGateway(t *testing.T) {
	gin.SetMode(gin.TestMode)
	environment := newTestEnvironment(t, nil)
	router, err := NewHTTPHandler(environment.dependencies(nil, &stubFixSuggester{err: aifix.ErrUpstream}))
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	_, token := environment.registerUser(t, "42", "alice", "alice@example.com")

	recorder := postJSON(t, router, "/ai/fix", token, map[string]string{
		"file_path": "app/db.py",
		"content":   "x",
	})
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusBadGateway)
	}
}
