package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hjanuschka/go-projections/internal/auth"
	"github.com/hjanuschka/go-projections/internal/logging"
)

type contextKey string

const claimsKey contextKey = "claims"

// LoginRequest represents the login request payload
type LoginRequest struct {
	MasterKey string `json:"masterKey"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
	IsAdmin   bool   `json:"isAdmin"`
}

func (s *Server) setupAuthRoutes() {
	s.httpMux.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	s.httpMux.HandleFunc("/auth/validate", s.requireToken(s.handleTokenValidation)).Methods("GET")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if req.MasterKey == "" {
		writeError(w, http.StatusBadRequest, "masterKey required", nil)
		return
	}
	if !s.securityConfig.ValidateMasterKey(req.MasterKey) {
		s.logger.Warn("Rejected login", logging.Fields{"remote": r.RemoteAddr})
		writeError(w, http.StatusUnauthorized, "invalid master key", nil)
		return
	}

	token, expiresAt, err := s.jwtManager.GenerateToken("master", auth.RoleAdmin)
	if err != nil {
		s.logger.Error("Failed to generate JWT token", logging.Fields{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to generate token", nil)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt.Unix(),
		IsAdmin:   true,
	})
}

func (s *Server) handleTokenValidation(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"subject": claims.Subject,
		"role":    claims.Role,
		"isAdmin": claims.IsAdmin(),
		"exp":     claims.ExpiresAt.Unix(),
	})
}

// requireToken rejects requests without a valid bearer token.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.jwtManager.FromRequest(r)
		if err != nil {
			msg := "invalid token"
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				msg = "bearer token required"
			case errors.Is(err, auth.ErrTokenExpired):
				msg = "token expired"
			}
			writeError(w, http.StatusUnauthorized, msg, nil)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

// requireAdmin additionally demands the admin role.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireToken(func(w http.ResponseWriter, r *http.Request) {
		if !claimsFrom(r).IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required", nil)
			return
		}
		next(w, r)
	})
}

func claimsFrom(r *http.Request) *auth.JWTClaims {
	claims, _ := r.Context().Value(claimsKey).(*auth.JWTClaims)
	return claims
}
