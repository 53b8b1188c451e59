package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"edbase/team"
)

type membershipView struct {
	TeamID   string `json:"team_id"`
	TeamName string `json:"team_name"`
	Role     string `json:"role"`
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	memberships, err := s.teams.TeamsFor(r.Context(), p.UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]membershipView, 0, len(memberships))
	for _, m := range memberships {
		out = append(out, membershipView{TeamID: m.TeamID, TeamName: m.TeamName, Role: string(m.Role)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": out})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil || req.UserID == "" {
		writeAPIError(w, r, badRequest("user_id and role are required"))
		return
	}
	role, err := team.ParseRole(req.Role)
	if err != nil {
		writeAPIError(w, r, &apiError{
			Status: http.StatusBadRequest, Code: CodeValidation,
			Message: err.Error(),
			Details: map[string]any{"field": "role"},
		})
		return
	}
	authz := TeamFrom(r.Context())
	if err := s.teams.AddMember(r.Context(), authz, req.UserID, role); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"team_id": authz.TeamID,
		"user_id": req.UserID,
		"role":    string(role),
	})
}

func (s *Server) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, r, badRequest("malformed request body"))
		return
	}
	role, err := team.ParseRole(req.Role)
	if err != nil {
		writeAPIError(w, r, &apiError{
			Status: http.StatusBadRequest, Code: CodeValidation,
			Message: err.Error(),
			Details: map[string]any{"field": "role"},
		})
		return
	}
	authz := TeamFrom(r.Context())
	userID := chi.URLParam(r, "userID")
	if err := s.teams.ChangeRole(r.Context(), authz, userID, role); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"team_id": authz.TeamID,
		"user_id": userID,
		"role":    string(role),
	})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	authz := TeamFrom(r.Context())
	userID := chi.URLParam(r, "userID")
	if err := s.teams.RemoveMember(r.Context(), authz, userID); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true, "user_id": userID})
}
