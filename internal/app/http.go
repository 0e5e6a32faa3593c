package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"bugbase/api/internal/auth"
	"bugbase/api/internal/authpw"
	"bugbase/api/internal/store"
)

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
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "email": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "email": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"email":         session.Email,
			"displayName":   session.UserName,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid refresh token", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionJSON(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		session := Session{}
		if token := bearerToken(r); token != "" {
			session, _ = s.service.SessionFromToken(r.Context(), token)
		}
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/issues/stream" {
		s.handleIssueStream(w, r)
		return
	}

	segments := splitPath(r.URL.Path)

	if len(segments) == 2 && segments[0] == "api" && segments[1] == "issues" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.handleListIssues(w, r)
		case http.MethodPost:
			s.handleCreateIssue(w, r, session)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(segments) >= 3 && segments[0] == "api" && segments[1] == "issues" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		issueID := segments[2]

		if len(segments) == 3 && r.Method == http.MethodGet {
			s.handleGetIssue(w, r, issueID)
			return
		}

		if len(segments) == 4 {
			switch {
			case segments[3] == "comments" && r.Method == http.MethodGet:
				s.handleListComments(w, r, issueID)
				return
			case segments[3] == "comments" && r.Method == http.MethodPost:
				s.handleAddComment(w, r, session, issueID)
				return
			case segments[3] == "status" && r.Method == http.MethodPost:
				s.handleChangeStatus(w, r, session, issueID)
				return
			case segments[3] == "archive" && r.Method == http.MethodPost:
				s.handleArchive(w, r, session, issueID)
				return
			case segments[3] == "assignee" && r.Method == http.MethodPost:
				s.handleReassign(w, r, session, issueID)
				return
			case segments[3] == "priority" && r.Method == http.MethodPost:
				s.handleSetPriority(w, r, session, issueID)
				return
			}
		}
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/notifications" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		notifications, err := s.service.Notifications(r.Context(), session)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(notifications))
		for _, n := range notifications {
			items = append(items, notificationJSON(n))
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
		return
	}

	if len(segments) == 4 && segments[0] == "api" && segments[1] == "notifications" && segments[3] == "read" && r.Method == http.MethodPost {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.MarkNotificationRead(r.Context(), session, segments[2]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/summary" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		summary, err := s.service.Summary(r.Context(), session)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/analytics" {
		if _, ok := s.requireSession(w, r); !ok {
			return
		}
		report, err := s.service.Analytics(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/users" {
		if _, ok := s.requireSession(w, r); !ok {
			return
		}
		users, err := s.service.ListUsers(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/profile" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			DisplayName string `json:"displayName"`
			PhotoURL    string `json:"photoUrl"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.UpdateProfile(r.Context(), session, body.DisplayName, body.PhotoURL)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":          user.ID,
			"email":       user.Email,
			"displayName": user.DisplayName,
			"photoUrl":    user.PhotoURL,
			"role":        user.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/export/issues" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			Format string `json:"format"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ExportIssues(r.Context(), session, body.Format)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"key":         result.Key,
			"contentType": result.ContentType,
			"count":       result.Count,
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
		Role        string `json:"role"`
		AdminToken  string `json:"adminToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
		Role:        body.Role,
		AdminToken:  body.AdminToken,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionJSON(session))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(session))
}

func (s *HTTPServer) handleListIssues(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	issues, err := s.service.ListIssues(r.Context(), IssueFilter{
		View:     query.Get("view"),
		Status:   query.Get("status"),
		Priority: query.Get("priority"),
		Search:   query.Get("search"),
		SortBy:   query.Get("sortBy"),
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		items = append(items, issueJSON(issue))
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": items})
}

func (s *HTTPServer) handleCreateIssue(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateIssueInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.CreateIssue(r.Context(), session, body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if result.Duplicate != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":      "DUPLICATE_SUSPECTED",
			"duplicate": result.Duplicate,
		})
		return
	}
	writeJSON(w, http.StatusCreated, issueJSON(*result.Issue))
}

func (s *HTTPServer) handleGetIssue(w http.ResponseWriter, r *http.Request, issueID string) {
	issue, err := s.service.GetIssue(r.Context(), issueID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueJSON(issue))
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request, issueID string) {
	comments, err := s.service.Comments(r.Context(), issueID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentJSON(comment))
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": items})
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request, session Session, issueID string) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.service.AddComment(r.Context(), session, issueID, body.Text)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commentJSON(comment))
}

func (s *HTTPServer) handleChangeStatus(w http.ResponseWriter, r *http.Request, session Session, issueID string) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.service.ChangeStatus(r.Context(), session, issueID, body.Status)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueJSON(issue))
}

func (s *HTTPServer) handleArchive(w http.ResponseWriter, r *http.Request, session Session, issueID string) {
	issue, err := s.service.Archive(r.Context(), session, issueID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueJSON(issue))
}

func (s *HTTPServer) handleReassign(w http.ResponseWriter, r *http.Request, session Session, issueID string) {
	var body struct {
		AssignedTo string `json:"assignedTo"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.service.Reassign(r.Context(), session, issueID, body.AssignedTo)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueJSON(issue))
}

func (s *HTTPServer) handleSetPriority(w http.ResponseWriter, r *http.Request, session Session, issueID string) {
	var body struct {
		Priority string `json:"priority"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.service.SetPriority(r.Context(), session, issueID, body.Priority)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueJSON(issue))
}

// handleIssueStream pushes issue IDs over server-sent events as they change.
// The token rides the query string because EventSource cannot set headers.
func (s *HTTPServer) handleIssueStream(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	if _, err := s.service.SessionFromToken(r.Context(), token); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	changes, cancel, err := s.service.SubscribeChanges(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case issueID, open := <-changes:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: issue\ndata: %s\n\n", issueID)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
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

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
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

func sessionJSON(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"email":        session.Email,
		"displayName":  session.UserName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func issueJSON(issue store.Issue) map[string]any {
	history := make([]map[string]any, 0, len(issue.History))
	for _, record := range issue.History {
		history = append(history, map[string]any{
			"field": record.Field,
			"from":  record.From,
			"to":    record.To,
			"by":    record.By,
			"at":    record.At.UTC().Format(time.RFC3339),
		})
	}
	payload := map[string]any{
		"id":            issue.ID,
		"title":         issue.Title,
		"description":   issue.Description,
		"priority":      issue.Priority,
		"status":        issue.Status,
		"assignedTo":    issue.AssignedTo,
		"createdBy":     issue.CreatedBy,
		"isArchived":    issue.IsArchived,
		"createdAt":     issue.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":     issue.UpdatedAt.UTC().Format(time.RFC3339),
		"lastUpdatedBy": issue.LastUpdatedBy,
		"version":       issue.Version,
		"history":       history,
	}
	if issue.IsArchived {
		payload["archivedBy"] = issue.ArchivedBy
		payload["archiveReason"] = issue.ArchiveReason
		if issue.ArchivedAt != nil {
			payload["archivedAt"] = issue.ArchivedAt.UTC().Format(time.RFC3339)
		}
	}
	return payload
}

func commentJSON(comment store.Comment) map[string]any {
	return map[string]any{
		"id":        comment.ID,
		"issueId":   comment.IssueID,
		"text":      comment.Text,
		"createdBy": comment.CreatedBy,
		"createdAt": comment.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func notificationJSON(notification store.Notification) map[string]any {
	return map[string]any{
		"id":        notification.ID,
		"message":   notification.Message,
		"issueId":   notification.IssueID,
		"read":      notification.Read,
		"createdAt": notification.CreatedAt.UTC().Format(time.RFC3339),
	}
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

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
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
