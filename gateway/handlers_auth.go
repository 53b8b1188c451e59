package gateway

import (
	"net/http"
	"time"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	Code     string `json:"code,omitempty"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	SessionID    string `json:"session_id"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, r, badRequest("malformed request body"))
		return
	}
	if req.Email == "" || req.Password == "" {
		writeAPIError(w, r, &apiError{
			Status: http.StatusBadRequest, Code: CodeValidation,
			Message: "email and password are required",
		})
		return
	}
	res, err := s.auth.LoginPassword(r.Context(), req.Email, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		ExpiresAt:    res.Tokens.ExpiresAt.UTC().Format(time.RFC3339),
		SessionID:    res.Session.ID,
	})
}

func (s *Server) handleLoginOTP(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, r, badRequest("malformed request body"))
		return
	}
	if req.Email == "" || req.Code == "" {
		writeAPIError(w, r, &apiError{
			Status: http.StatusBadRequest, Code: CodeValidation,
			Message: "email and code are required",
		})
		return
	}
	res, err := s.auth.LoginOTP(r.Context(), req.Email, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		ExpiresAt:    res.Tokens.ExpiresAt.UTC().Format(time.RFC3339),
		SessionID:    res.Session.ID,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &req); err != nil || req.RefreshToken == "" {
		writeAPIError(w, r, badRequest("refresh_token is required"))
		return
	}
	res, err := s.auth.Refresh(r.Context(), req.RefreshToken, clientIP(r), r.UserAgent())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		ExpiresAt:    res.Tokens.ExpiresAt.UTC().Format(time.RFC3339),
		SessionID:    res.Session.ID,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		All bool `json:"all"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeAPIError(w, r, badRequest("malformed request body"))
			return
		}
	}
	p := PrincipalFrom(r.Context())
	if err := s.auth.Logout(r.Context(), p.UserID, p.Session.ID, req.All); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logged_out": true, "all": req.All})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewPassword string `json:"new_password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, r, badRequest("malformed request body"))
		return
	}
	p := PrincipalFrom(r.Context())
	if err := s.auth.ChangePassword(r.Context(), p.UserID, req.NewPassword); err != nil {
		s.respondError(w, r, err)
		return
	}
	// Every session is revoked, including this one; the client must log in
	// again.
	writeJSON(w, http.StatusOK, map[string]any{"changed": true})
}
