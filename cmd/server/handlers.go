package main

import (
	"context"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/lychee-technology/orma"
	"github.com/lychee-technology/orma/internal/domain"
	"go.uber.org/zap"
)

type createMemberRequest struct {
	Username string `json:"username"`
	Age      int    `json:"age"`
	TeamID   int64  `json:"teamId,omitempty"`
}

func (r createMemberRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Age, validation.Min(0)),
	)
}

type teamResponse struct {
	ID      int64              `json:"id"`
	Name    string             `json:"name"`
	Members []domain.MemberDto `json:"members"`
}

// handleGetMember handles GET /members/{id} and answers with the username.
func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	member, err := s.members.FindByID(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if member == nil {
		writeFailure(w, orma.NewEntityNotFoundError("Member", id))
		return
	}
	writeSuccess(w, http.StatusOK, member.Username)
}

// handleListMembers handles GET /members?page=&size=&sort=prop,dir
func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	req, err := parsePageRequest(r.URL.Query(), s.query)
	if err != nil {
		writeFailure(w, err)
		return
	}

	page, err := s.members.FindAllWithTeamPage(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, orma.MapPage(page, domain.MemberDtoOf))
}

// handleCreateMember handles POST /members
func (s *Server) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	var body createMemberRequest
	if err := readJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	if err := body.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var created *domain.Member
	err := s.members.Run(r.Context(), func(ctx context.Context, sess orma.Session) error {
		var team *domain.Team
		if body.TeamID != 0 {
			found, err := s.teams.FindByID(ctx, body.TeamID)
			if err != nil {
				return err
			}
			if found == nil {
				return orma.NewEntityNotFoundError("Team", body.TeamID)
			}
			team = found
		}
		created = domain.NewMember(body.Username, body.Age, team)
		if err := sess.Persist(ctx, created); err != nil {
			return err
		}
		return sess.Flush(ctx)
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	zap.S().Infow("member created", "id", created.ID, "username", created.Username)
	writeSuccess(w, http.StatusCreated, domain.MemberDtoOf(created))
}

// handleGetTeam handles GET /teams/{id} with the members fetched in the same statement.
func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	team, err := s.teams.FindWithMembers(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if team == nil {
		writeFailure(w, orma.NewEntityNotFoundError("Team", id))
		return
	}

	resp := teamResponse{ID: team.ID, Name: team.Name, Members: []domain.MemberDto{}}
	for _, m := range team.Members.Peek() {
		resp.Members = append(resp.Members, domain.MemberDtoOf(m))
	}
	writeSuccess(w, http.StatusOK, resp)
}
