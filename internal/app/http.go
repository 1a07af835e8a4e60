package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"lattice/api/internal/crdt"
	"lattice/api/internal/store"
)

const serviceSecretHeader = "x-lattice-service-secret"

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"backends": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["backends"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{"ok": status == "ready", "status": status, "checks": checks})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		s.handleLogin(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		s.handleRefresh(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		s.handleLogout(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/internal/... is for trusted machine callers only.
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "internal" {
		secret := strings.TrimSpace(r.Header.Get(serviceSecretHeader))
		if !s.service.VerifyServiceSecret(secret) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		s.handleInternal(w, r, parts[2:])
		return
	}

	// /api/shared/{code}/document: anonymous share-code access.
	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "shared" && parts[3] == "document" {
		s.handleSharedDocument(w, r, parts[2])
		return
	}

	// /api/nodes/{uuid}/...
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "nodes" {
		nodeUUID := parts[2]
		switch {
		case r.Method == http.MethodGet && parts[3] == "document":
			s.handleGetDocument(w, r, nodeUUID)
			return
		case r.Method == http.MethodPost && parts[3] == "changes":
			s.handleApplyChange(w, r, nodeUUID)
			return
		case r.Method == http.MethodPost && parts[3] == "share":
			s.handleCreateShareCode(w, r, nodeUUID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleInternal(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "nodes" {
		var input CreateNodeInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		manifest, err := s.service.CreateNode(r.Context(), input)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"uuid": input.UUID, "manifest": manifest})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "users" {
		var input CreateUserInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.CreateUser(r.Context(), input)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": user.ID, "email": user.Email})
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "shares" {
		if err := s.service.RevokeShareCode(r.Context(), parts[1]); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 4 && parts[0] == "nodes" && parts[2] == "collaborators" && r.Method == http.MethodDelete {
		if err := s.service.RevokeCollaborator(r.Context(), parts[1], parts[3]); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 3 && parts[0] == "nodes" {
		nodeUUID := parts[1]
		switch {
		case r.Method == http.MethodPut && parts[2] == "collaborators":
			var input GrantCollaboratorInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.GrantCollaborator(r.Context(), nodeUUID, input); err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case r.Method == http.MethodPost && parts[2] == "compact":
			remaining, err := s.service.CompactNode(r.Context(), nodeUUID)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "chunks": remaining})
			return
		case r.Method == http.MethodGet && parts[2] == "chunks":
			chunks, err := s.service.ExportNodeChunks(r.Context(), nodeUUID)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			items := make([]map[string]any, 0, len(chunks))
			for _, chunk := range chunks {
				items = append(items, map[string]any{
					"key":     chunk.Key,
					"payload": base64.StdEncoding.EncodeToString(chunk.Payload),
				})
			}
			writeJSON(w, http.StatusOK, map[string]any{"uuid": nodeUUID, "chunks": items})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeSession(w, session)
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeSession(w, session)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Logout(r.Context(), body.RefreshToken); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, nodeUUID string) {
	identity := s.identity(r)
	manifest, err := s.service.GetNodeDocument(r.Context(), identity, nodeUUID)
	if errors.Is(err, ErrDenied) || errors.Is(err, store.ErrNotFound) {
		// Deny masks existence on the read path.
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No such document", nil)
		return
	}
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uuid": nodeUUID, "manifest": manifest})
}

func (s *HTTPServer) handleSharedDocument(w http.ResponseWriter, r *http.Request, code string) {
	password := strings.TrimSpace(r.Header.Get("x-lattice-share-password"))
	manifest, err := s.service.GetSharedDocument(r.Context(), code, password)
	if errors.Is(err, ErrDenied) || errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No such document", nil)
		return
	}
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"manifest": manifest})
}

func (s *HTTPServer) handleApplyChange(w http.ResponseWriter, r *http.Request, nodeUUID string) {
	identity := s.identity(r)
	if identity == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var payload json.RawMessage
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	manifest, err := s.service.ApplyNodeChange(r.Context(), identity, nodeUUID, payload)
	if errors.Is(err, ErrDenied) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uuid": nodeUUID, "manifest": manifest})
}

func (s *HTTPServer) handleCreateShareCode(w http.ResponseWriter, r *http.Request, nodeUUID string) {
	identity := s.identity(r)
	if identity == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var input CreateShareCodeInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	code, err := s.service.CreateShareCode(r.Context(), identity, nodeUUID, input)
	if errors.Is(err, ErrDenied) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"code": code})
}

// identity extracts the caller's user ID from a bearer token, or "" for
// anonymous callers. Invalid tokens count as anonymous on read paths;
// write handlers reject empty identities before the guard runs.
func (s *HTTPServer) identity(r *http.Request) string {
	token := bearerToken(r)
	if token == "" {
		return ""
	}
	claims, err := s.service.SessionFromToken(token)
	if err != nil {
		return ""
	}
	return claims.Sub
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain.Status, domain.Code, domain.Message, domain.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Already exists", nil
	case errors.Is(err, ErrDenied):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, crdt.ErrMalformedChange):
		return http.StatusUnprocessableEntity, "INVALID_CHANGE", err.Error(), nil
	case errors.Is(err, store.ErrTimeout):
		return http.StatusServiceUnavailable, "TIMEOUT", "Backend timed out, retry later", map[string]any{"retryable": true}
	default:
		var backend *store.BackendError
		if errors.As(err, &backend) {
			return http.StatusServiceUnavailable, "BACKEND_FAILURE", "Backend unavailable, retry later", map[string]any{"retryable": true}
		}
		return http.StatusInternalServerError, "INTERNAL", "Internal error", nil
	}
}

func writeSession(w http.ResponseWriter, session Session) {
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
