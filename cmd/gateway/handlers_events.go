package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/iodzaMonk/acquisitions/pkg/auth"
	"github.com/iodzaMonk/acquisitions/pkg/httpx"
	"github.com/iodzaMonk/acquisitions/pkg/stream"
)

// handleListSecurityEvents returns the recent audit trail. Admin only.
func (s *Server) handleListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.ResolveRequest(r, s.AuthSecret, time.Now().UTC())
	if err != nil {
		s.Metrics.IncAuthFailure()
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if claims.Role != auth.RoleAdmin {
		httpx.Forbidden(w, "admin_required")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	records, err := s.Audit.Recent(r.Context(), limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to list security events")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": records, "count": len(records)})
}

// streamEvents upgrades to a websocket and forwards security events as
// they happen. Admin only, same as the list endpoint.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.ResolveRequest(r, s.AuthSecret, time.Now().UTC())
	if err != nil {
		s.Metrics.IncAuthFailure()
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if claims.Role != auth.RoleAdmin {
		httpx.Forbidden(w, "admin_required")
		return
	}
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
