// Package httpapi exposes the key services over HTTP.  Bodies are JSON or,
// when negotiated, a protobuf google.protobuf.Struct with the same fields.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doguSXFR/KeymanServer/internal/keyman/service"
	"github.com/doguSXFR/KeymanServer/internal/metrics"
)

const codeRateLimited = "RATE_LIMITED"

type Dependencies struct {
	Logger *zap.Logger
	Addr   string

	Auth   *service.AuthService
	Keys   *service.KeyService
	Unlock *service.UnlockService

	Metrics *metrics.Metrics // optional; nil disables /metrics

	// AuthPerMinute and AuthBurst limit login and register per client IP.
	// AuthPerMinute 0 disables the limit.
	AuthPerMinute int
	AuthBurst     int
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux

	auth   *service.AuthService
	keys   *service.KeyService
	unlock *service.UnlockService
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		logger: d.Logger,
		mux:    mux,
		auth:   d.Auth,
		keys:   d.Keys,
		unlock: d.Unlock,
	}

	limiter := newIPLimiter(d.AuthPerMinute, d.AuthBurst)
	mux.Handle("POST /v1/auth/register", limiter.wrap(s.handleRegister))
	mux.Handle("POST /v1/auth/login", limiter.wrap(s.handleLogin))
	mux.HandleFunc("GET /v1/auth/profile", s.handleProfile)

	mux.HandleFunc("GET /v1/keys", s.handleListKeys)
	mux.HandleFunc("POST /v1/keys", s.handleCreateKey)
	mux.HandleFunc("PUT /v1/keys/{id}", s.handleUpdateKey)
	mux.HandleFunc("DELETE /v1/keys/{id}", s.handleDeleteKey)
	mux.HandleFunc("POST /v1/keys/{id}/shares", s.handleShareKey)
	mux.HandleFunc("PUT /v1/keys/{id}/shares/{username}", s.handleSetTickets)
	mux.HandleFunc("DELETE /v1/keys/{id}/shares/{username}", s.handleRevokeKey)

	mux.HandleFunc("POST /v1/unlock", s.handleUnlock)
	mux.HandleFunc("GET /v1/audit", s.handleAudit)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	handler := requestIDMiddleware(loggingMiddleware(d.Logger, d.Metrics, mux))

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ── Auth ─────────────────────────────────────────────────────────────────────

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusCreated, tokenResponse{Token: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, tokenResponse{Token: token})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	u, err := s.auth.Profile(r.Context(), bearerToken(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, profileResponse{ID: u.ID, Username: u.Username})
}

// ── Keys ─────────────────────────────────────────────────────────────────────

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.ListMyKeys(r.Context(), bearerToken(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, keysToResponse(keys))
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !s.decode(w, r, &req) {
		return
	}
	k, err := s.keys.CreateKey(r.Context(), bearerToken(r), service.KeyInput(req))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusCreated, ownedKeyToResponse(k))
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.keyID(w, r)
	if !ok {
		return
	}
	var req keyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.keys.UpdateKey(r.Context(), bearerToken(r), id, service.KeyInput(req)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusNoContent, nil)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.keyID(w, r)
	if !ok {
		return
	}
	if err := s.keys.DeleteKey(r.Context(), bearerToken(r), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusNoContent, nil)
}

func (s *Server) handleShareKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.keyID(w, r)
	if !ok {
		return
	}
	var req shareRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.keys.ShareKey(r.Context(), bearerToken(r), id, req.Username, req.Tickets); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusCreated, nil)
}

func (s *Server) handleSetTickets(w http.ResponseWriter, r *http.Request) {
	id, ok := s.keyID(w, r)
	if !ok {
		return
	}
	var req ticketsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Tickets == nil {
		s.writeServiceError(w, r, &service.Error{Code: service.CodeValidation, Message: "tickets is required"})
		return
	}
	err := s.keys.SetTickets(r.Context(), bearerToken(r), id, r.PathValue("username"), *req.Tickets)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusNoContent, nil)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.keyID(w, r)
	if !ok {
		return
	}
	if err := s.keys.RevokeKey(r.Context(), bearerToken(r), id, r.PathValue("username")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusNoContent, nil)
}

// ── Unlock / audit ───────────────────────────────────────────────────────────

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.unlock.Unlock(r.Context(), bearerToken(r), req.KeyID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, unlockResponse{Success: res.Success, RemainingTickets: res.RemainingTickets})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeServiceError(w, r, &service.Error{Code: service.CodeValidation, Message: "since must be RFC3339"})
			return
		}
		since = t
	}
	entries, err := s.keys.History(r.Context(), bearerToken(r), since)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, auditToResponse(entries))
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *Server) keyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeServiceError(w, r, &service.Error{Code: service.CodeValidation, Message: "key id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeBody(r, dst); err != nil {
		msg := "invalid JSON body"
		switch {
		case errors.Is(err, errBodyTooLarge):
			msg = errBodyTooLarge.Error()
		case isProtobuf(r):
			msg = "invalid protobuf body"
		}
		writeBody(w, r, http.StatusBadRequest, errorResponse{Error: string(service.CodeValidation), Message: msg})
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := service.CodeOf(err)
	status := statusFor(code)

	msg := "unexpected server error"
	var se *service.Error
	if errors.As(err, &se) && code != service.CodeStorage {
		msg = se.Message
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("code", string(code)),
			zap.Error(err),
		)
	}
	writeBody(w, r, status, errorResponse{Error: string(code), Message: msg})
}

func statusFor(code service.Code) int {
	switch code {
	case service.CodeInvalidSession, service.CodeInvalidCredentials:
		return http.StatusUnauthorized
	case service.CodeUnallowedUnlock, service.CodeNotKeyOwner:
		return http.StatusForbidden
	case service.CodeNotEnoughTickets, service.CodeConflict:
		return http.StatusConflict
	case service.CodeKeyNotFound, service.CodeUserNotFound, service.CodeGrantNotFound:
		return http.StatusNotFound
	case service.CodeValidation:
		return http.StatusBadRequest
	case service.CodeActuatorTimeout:
		return http.StatusGatewayTimeout
	case service.CodeActuatorFault:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
