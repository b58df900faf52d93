package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lychee-technology/orma"
	"github.com/lychee-technology/orma/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, seedMembers int) (*Server, orma.SessionFactory) {
	t.Helper()
	config := orma.DefaultConfig()
	config.Database.Driver = orma.DriverSQLite
	config.Database.Database = ":memory:"
	config.Query.DefaultPageSize = 5

	sessions, closeFn, err := openSessions(context.Background(), config, true, seedMembers)
	require.NoError(t, err)
	t.Cleanup(closeFn)

	server, err := NewServer(sessions)
	require.NoError(t, err)
	server.RegisterRoutes()
	return server, sessions
}

func TestHandleGetMember(t *testing.T) {
	server, _ := newTestServer(t, 3)

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/members/2", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var username string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &username))
	assert.Equal(t, "user1", username)

	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/members/99", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/members/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, orma.ErrCodeInvalidEntityArgument, resp.Code)
}

func TestHandleListMembers(t *testing.T) {
	server, _ := newTestServer(t, 12)

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/members?page=1&size=3&sort=age,desc", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var page struct {
		Content       []domain.MemberDto `json:"content"`
		TotalElements int64              `json:"totalElements"`
		TotalPages    int                `json:"totalPages"`
		Number        int                `json:"number"`
		Size          int                `json:"size"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	assert.Equal(t, int64(12), page.TotalElements)
	assert.Equal(t, 4, page.TotalPages)
	assert.Equal(t, 1, page.Number)
	require.Len(t, page.Content, 3)
	assert.Equal(t, []string{"user8", "user7", "user6"},
		[]string{page.Content[0].Username, page.Content[1].Username, page.Content[2].Username})

	// default size
	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/members", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	assert.Len(t, page.Content, 5)
	assert.Equal(t, 5, page.Size)

	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/members?sort=nickname,asc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/members?size=0", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleCreateMemberAndGetTeam(t *testing.T) {
	server, sessions := newTestServer(t, 0)
	teams := domain.NewTeamSessionRepository(sessions)
	team, err := teams.Save(context.Background(), domain.NewTeam("teamA"))
	require.NoError(t, err)

	for _, name := range []string{"member1", "member2"} {
		body, _ := json.Marshal(createMemberRequest{Username: name, Age: 20, TeamID: team.ID})
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/members", bytes.NewReader(body)))
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		var dto domain.MemberDto
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dto))
		assert.NotZero(t, dto.ID)
		assert.Equal(t, name, dto.Username)
		assert.Equal(t, "teamA", dto.TeamName)
	}

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/teams/1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var resp teamResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "teamA", resp.Name)
	require.Len(t, resp.Members, 2)
	for _, m := range resp.Members {
		assert.Equal(t, "teamA", m.TeamName)
	}

	body, _ := json.Marshal(createMemberRequest{Username: "", Age: 1})
	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/members", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	body, _ = json.Marshal(createMemberRequest{Username: "lost", TeamID: 42})
	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/members", bytes.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/teams/42", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
