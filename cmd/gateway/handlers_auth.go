package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/iodzaMonk/acquisitions/pkg/audit"
	"github.com/iodzaMonk/acquisitions/pkg/auth"
	"github.com/iodzaMonk/acquisitions/pkg/httpx"
	"github.com/iodzaMonk/acquisitions/pkg/store"
	"github.com/iodzaMonk/acquisitions/pkg/stream"
)

const bcryptCost = 10

type signUpRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	name, err := validateName(req.Name)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	email, err := validateEmail(req.Email)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validatePassword(req.Password); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = auth.RoleUser
	}
	if role != auth.RoleUser && role != auth.RoleAdmin {
		httpx.Error(w, http.StatusBadRequest, "role must be user or admin")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	user, err := s.Users.Create(r.Context(), name, email, string(hash), role)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			httpx.Error(w, http.StatusConflict, "email already registered")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	if !s.issueSession(w, r, user.ID, user.Role) {
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"message": "user created", "user": user})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	email, err := validateEmail(req.Email)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Password == "" {
		httpx.Error(w, http.StatusBadRequest, "password is required")
		return
	}
	// Unknown email and wrong password produce the same response.
	user, err := s.Users.GetByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.recordAuthFailure(r)
			httpx.Error(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "failed to sign in")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		s.recordAuthFailure(r)
		httpx.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !s.issueSession(w, r, user.ID, user.Role) {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "signed in", "user": user})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	auth.ClearTokenCookie(w, s.CookieSecure)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "signed out"})
}

func (s *Server) issueSession(w http.ResponseWriter, r *http.Request, userID int, role string) bool {
	token, err := auth.Sign(userID, role, s.AuthSecret, time.Now().UTC(), s.TokenTTL)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to issue session")
		return false
	}
	auth.SetTokenCookie(w, token, s.TokenTTL, s.CookieSecure)
	return true
}

func (s *Server) recordAuthFailure(r *http.Request) {
	s.Metrics.IncAuthFailure()
	rec := audit.Record{
		Kind:      audit.KindAuthFailed,
		ClientKey: s.clientIP(r),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	if s.Audit != nil {
		if err := s.Audit.Append(r.Context(), rec); err != nil {
			log.Printf("audit append failed: %v", err)
		}
	}
	s.publishSecurityEvent(r, stream.NewEvent(audit.KindAuthFailed, rec))
}

func validateName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if len(name) < 2 || len(name) > 255 {
		return "", errors.New("name must be 2 to 255 characters")
	}
	return name, nil
}

func validateEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || len(email) > 255 {
		return "", errors.New("a valid email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", errors.New("a valid email is required")
	}
	return email, nil
}

func validatePassword(password string) error {
	if len(password) < 6 || len(password) > 128 {
		return errors.New("password must be 6 to 128 characters")
	}
	return nil
}
