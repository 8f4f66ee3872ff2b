package server

import (
	"errors"
	"net/http"

	"github.com/minglu/stockintel/internal/domain"
)

type loginRequest struct {
	Password string `json:"password"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	configured := false
	if s.cfg.AuthEnabled && s.deps.Auth != nil {
		if ok, err := s.deps.Auth.IsConfigured(); err == nil {
			configured = ok
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"enabled":       s.cfg.AuthEnabled,
		"configured":    configured,
		"authenticated": !s.cfg.AuthEnabled || s.authenticated(r),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AuthEnabled || s.deps.Auth == nil {
		writeError(w, http.StatusNotFound, "not_found", "admin auth is disabled")
		return
	}
	ip := clientIP(r)
	if s.limiter.blocked(ip) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many failed login attempts, try again later")
		return
	}

	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	configured, err := s.deps.Auth.IsConfigured()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !configured {
		// First login sets the password.
		if req.Password == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "password is required")
			return
		}
		if err := s.deps.Auth.SetPassword(req.Password); err != nil {
			writeDomainError(w, err)
			return
		}
	} else if err := s.deps.Auth.Verify(req.Password); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			s.limiter.recordFailure(ip)
			writeError(w, http.StatusUnauthorized, "unauthorized", "wrong password")
			return
		}
		writeDomainError(w, err)
		return
	}

	s.limiter.reset(ip)
	token := s.sessions.create()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.revoke(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AuthEnabled || s.deps.Auth == nil {
		writeError(w, http.StatusNotFound, "not_found", "admin auth is disabled")
		return
	}
	if !s.authenticated(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	var req changePasswordRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "new_password is required")
		return
	}

	if err := s.deps.Auth.Verify(req.OldPassword); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "wrong password")
			return
		}
		writeDomainError(w, err)
		return
	}
	if err := s.deps.Auth.SetPassword(req.NewPassword); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
