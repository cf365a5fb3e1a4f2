package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/iodzaMonk/acquisitions/pkg/audit"
	"github.com/iodzaMonk/acquisitions/pkg/auth"
	"github.com/iodzaMonk/acquisitions/pkg/authz"
	"github.com/iodzaMonk/acquisitions/pkg/httpx"
	"github.com/iodzaMonk/acquisitions/pkg/models"
	"github.com/iodzaMonk/acquisitions/pkg/store"
	"github.com/iodzaMonk/acquisitions/pkg/stream"
)

type updateUserRequest struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Role     *string `json:"role"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.ResolveRequest(r, s.AuthSecret, time.Now().UTC()); err != nil {
		s.Metrics.IncAuthFailure()
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	users, err := s.Users.List(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := auth.ResolveRequest(r, s.AuthSecret, time.Now().UTC()); err != nil {
		s.Metrics.IncAuthFailure()
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := s.Users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "user not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "failed to fetch user")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": user})
}

// handleUpdateUser validates in a fixed order: path id, body shape,
// identity, authorization, and only then the row lookup. The verdict is
// decided before touching storage, so it cannot depend on whether the
// target exists.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	upd, err := buildUserUpdate(req)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	claims, resolveErr := s.resolveClaims(r)
	verdict := authz.CanUpdate(claims, id, upd.Fields())
	if !verdict.Allowed {
		s.denyMutation(w, r, claims, id, verdict, resolveErr)
		return
	}
	if upd.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*upd.Password), bcryptCost)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, "failed to update user")
			return
		}
		hashed := string(hash)
		upd.Password = &hashed
	}
	user, err := s.Users.Update(r.Context(), id, upd)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			httpx.Error(w, http.StatusNotFound, "user not found")
		case errors.Is(err, store.ErrDuplicateEmail):
			httpx.Error(w, http.StatusConflict, "email already registered")
		default:
			httpx.Error(w, http.StatusInternalServerError, "failed to update user")
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "user updated", "user": user})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	claims, resolveErr := s.resolveClaims(r)
	verdict := authz.CanDelete(claims, id)
	if !verdict.Allowed {
		s.denyMutation(w, r, claims, id, verdict, resolveErr)
		return
	}
	if err := s.Users.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "user not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "user deleted"})
}

func (s *Server) resolveClaims(r *http.Request) (*auth.Claims, error) {
	claims, err := auth.ResolveRequest(r, s.AuthSecret, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// denyMutation answers a failed mutation check: 401 when the caller had
// no valid credential at all, 403 with the deny reason otherwise.
func (s *Server) denyMutation(w http.ResponseWriter, r *http.Request, claims *auth.Claims, targetID int, verdict authz.Verdict, resolveErr error) {
	if resolveErr != nil {
		s.Metrics.IncAuthFailure()
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.Metrics.IncAuthzDenied(verdict.Reason)
	rec := audit.Record{
		Kind:      audit.KindAuthzDenied,
		Reason:    verdict.Reason,
		ClientKey: s.clientIP(r),
		Subject:   claims.Sub,
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	if s.Audit != nil {
		if err := s.Audit.Append(r.Context(), rec); err != nil {
			log.Printf("audit append failed: %v", err)
		}
	}
	s.publishSecurityEvent(r, stream.NewEvent(audit.KindAuthzDenied, rec))
	httpx.Forbidden(w, verdict.Reason)
}

func pathID(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, errors.New("id must be a positive integer")
	}
	return id, nil
}

func buildUserUpdate(req updateUserRequest) (models.UserUpdate, error) {
	var upd models.UserUpdate
	if req.Name != nil {
		name, err := validateName(*req.Name)
		if err != nil {
			return models.UserUpdate{}, err
		}
		upd.Name = &name
	}
	if req.Email != nil {
		email, err := validateEmail(*req.Email)
		if err != nil {
			return models.UserUpdate{}, err
		}
		upd.Email = &email
	}
	if req.Password != nil {
		if err := validatePassword(*req.Password); err != nil {
			return models.UserUpdate{}, err
		}
		upd.Password = req.Password
	}
	if req.Role != nil {
		role := strings.TrimSpace(*req.Role)
		if role != auth.RoleUser && role != auth.RoleAdmin {
			return models.UserUpdate{}, errors.New("role must be user or admin")
		}
		upd.Role = &role
	}
	if upd.Empty() {
		return models.UserUpdate{}, errors.New("at least one field is required")
	}
	return upd, nil
}
