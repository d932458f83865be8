package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"easel/engine/internal/engine"
	"easel/engine/internal/export"
	"easel/engine/internal/lock"
	"easel/engine/internal/realtime"
	"easel/engine/internal/search"
	"easel/engine/internal/store"
)

type HTTPServer struct {
	service    *Service
	hub        *realtime.Hub
	corsOrigin string
}

func NewHTTPServer(service *Service, hub *realtime.Hub, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, hub: hub, corsOrigin: corsOrigin}
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
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/canvases" {
		canvases, err := s.service.ListCanvases(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"canvases": canvases})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/canvases" {
		var body CreateCanvasInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		canvas, err := s.service.CreateCanvas(r.Context(), body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, canvas)
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) >= 3 && segments[0] == "api" && segments[1] == "shared" && r.Method == http.MethodGet {
		password := r.Header.Get("X-Share-Password")
		if password == "" {
			password = r.URL.Query().Get("password")
		}
		shared, err := s.service.ResolveShareLink(r.Context(), segments[2], password)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, shared)
		return
	}

	if len(segments) == 3 && segments[0] == "api" && segments[1] == "shares" && r.Method == http.MethodDelete {
		if err := s.service.RevokeShareLink(r.Context(), segments[2]); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(segments) >= 3 && segments[0] == "api" && segments[1] == "canvases" {
		s.handleCanvas(w, r, segments[2], segments[3:])
		return
	}

	if len(segments) >= 3 && segments[0] == "api" && segments[1] == "objects" {
		s.handleObject(w, r, segments[2], segments[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCanvas(w http.ResponseWriter, r *http.Request, canvasID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		canvas, err := s.service.GetCanvas(r.Context(), canvasID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, canvas)

	case len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.service.DeleteCanvas(r.Context(), canvasID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "objects" && r.Method == http.MethodGet:
		objects, err := s.service.CanvasObjects(r.Context(), canvasID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"objects": objects})

	case len(rest) == 1 && rest[0] == "objects" && r.Method == http.MethodPost:
		sessionID, ok := requireSession(w, r)
		if !ok {
			return
		}
		var body CreateObjectInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		obj, err := s.service.CreateObject(r.Context(), sessionID, canvasID, body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, obj)

	case len(rest) == 1 && rest[0] == "presence" && r.Method == http.MethodGet:
		entries, err := s.service.Presence(r.Context(), canvasID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"presence": entries})

	case len(rest) == 1 && rest[0] == "artifacts" && r.Method == http.MethodGet:
		if key := r.URL.Query().Get("key"); key != "" {
			data, err := s.service.FetchArtifact(r.Context(), canvasID, key)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}
		artifacts, err := s.service.ListArtifacts(r.Context(), canvasID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})

	case len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodGet:
		format := export.Format(r.URL.Query().Get("format"))
		if format == "" {
			format = export.FormatSVG
		}
		result, err := s.service.Export(r.Context(), canvasID, format)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	case len(rest) == 1 && rest[0] == "snapshots" && r.Method == http.MethodGet:
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		history, err := s.service.SnapshotHistory(r.Context(), canvasID, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": history})

	case len(rest) == 1 && rest[0] == "snapshots" && r.Method == http.MethodPost:
		var body SnapshotInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		info, err := s.service.CreateSnapshot(r.Context(), canvasID, body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, info)

	case len(rest) == 2 && rest[0] == "snapshots" && r.Method == http.MethodGet:
		objects, err := s.service.SnapshotObjects(r.Context(), canvasID, rest[1])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"objects": objects})

	case len(rest) == 3 && rest[0] == "snapshots" && rest[2] == "restore" && r.Method == http.MethodPost:
		sessionID, ok := requireSession(w, r)
		if !ok {
			return
		}
		var body SnapshotInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		info, err := s.service.RestoreSnapshot(r.Context(), sessionID, canvasID, rest[1], body.Author)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)

	case len(rest) == 3 && rest[0] == "snapshots" && rest[2] == "tag" && r.Method == http.MethodPost:
		var body TagInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.TagSnapshot(r.Context(), canvasID, rest[1], body); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "shares" && r.Method == http.MethodPost:
		var body CreateShareInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		link, err := s.service.CreateShareLink(r.Context(), canvasID, body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, link)

	case len(rest) == 1 && rest[0] == "undo" && r.Method == http.MethodPost:
		sessionID, ok := requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.Undo(r.Context(), sessionID, canvasID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "redo" && r.Method == http.MethodPost:
		sessionID, ok := requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.Redo(r.Context(), sessionID, canvasID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "duplicate" && r.Method == http.MethodPost:
		sessionID, ok := requireSession(w, r)
		if !ok {
			return
		}
		var body DuplicateInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		copies, err := s.service.DuplicateObjects(r.Context(), sessionID, canvasID, body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"objects": copies})

	case len(rest) == 1 && rest[0] == "align" && r.Method == http.MethodPost:
		sessionID, ok := requireSession(w, r)
		if !ok {
			return
		}
		var body AlignInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.AlignObjects(r.Context(), sessionID, canvasID, body); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "ws" && r.Method == http.MethodGet:
		s.handleWS(w, r, canvasID)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleObject(w http.ResponseWriter, r *http.Request, objectID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPatch:
		sessionID, ok := requireSession(w, r)
		if !ok {
			return
		}
		var patch map[string]any
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		obj, err := s.service.UpdateObject(r.Context(), sessionID, objectID, patch)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, obj)

	case len(rest) == 0 && r.Method == http.MethodDelete:
		sessionID, ok := requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.DeleteObject(r.Context(), sessionID, objectID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "lock" && r.Method == http.MethodPost:
		sessionID, ok := requireSession(w, r)
		if !ok {
			return
		}
		state, err := s.service.AcquireLock(r.Context(), sessionID, objectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)

	case len(rest) == 1 && rest[0] == "lock" && r.Method == http.MethodDelete:
		sessionID, ok := requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.ReleaseLock(r.Context(), sessionID, objectID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 20
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	response, err := s.service.Search(r.Context(), search.Query{
		Text:           q.Get("q"),
		FilterType:     search.ResultType(q.Get("type")),
		FilterCanvasID: q.Get("canvas"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request, canvasID string) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "REALTIME_DISABLED", "Realtime is not configured", nil)
		return
	}
	if _, err := s.service.GetCanvas(r.Context(), canvasID); err != nil {
		writeServiceError(w, err)
		return
	}
	q := r.URL.Query()
	identity := realtime.Identity{
		UserID:      q.Get("user"),
		DisplayName: q.Get("name"),
		Color:       q.Get("color"),
	}
	if identity.UserID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_IDENTITY", "user query parameter is required", nil)
		return
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.UserID
	}
	s.hub.ServeWS(w, r, canvasID, identity)
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

// Hijack exposes the underlying connection for the websocket upgrade, which
// happens inside the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Session-ID, X-Share-Password")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

func writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := strings.TrimSpace(r.Header.Get("X-Session-ID"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "SESSION_REQUIRED", "X-Session-ID header is required", nil)
		return "", false
	}
	return sessionID, true
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) || errors.Is(err, engine.ErrObjectMissing) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, lock.ErrLocked) {
		return http.StatusLocked, "LOCKED", "Object is locked by another session", nil
	}
	if errors.Is(err, store.ErrInvalidPatch) {
		return http.StatusUnprocessableEntity, "INVALID_PATCH", "Patch touches a field that cannot be changed", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
