package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"bugbase/api/internal/notify"
)

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	ms := newMemStore()
	service := newTestService(ms, notify.NewDispatcher(ms, nil))
	server := httptest.NewServer(NewHTTPServer(service, "*").Handler())
	t.Cleanup(server.Close)
	return server, ms
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func signUpOverHTTP(t *testing.T, baseURL, email, role string) string {
	t.Helper()
	body := map[string]any{
		"email":    email,
		"password": "hunter2hunter2",
		"role":     role,
	}
	if role == "super_admin" {
		body["adminToken"] = "admin-token"
	}
	resp, decoded := doJSON(t, http.MethodPost, baseURL+"/api/auth/signup", "", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup %s: status %d body %v", email, resp.StatusCode, decoded)
	}
	token, _ := decoded["token"].(string)
	if token == "" {
		t.Fatalf("signup %s: missing token in %v", email, decoded)
	}
	return token
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	resp, decoded := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if decoded["ok"] != true {
		t.Fatalf("body = %v", decoded)
	}
}

func TestIssueEndpointsRequireAuth(t *testing.T) {
	server, _ := newTestServer(t)
	resp, decoded := doJSON(t, http.MethodGet, server.URL+"/api/issues", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d body %v", resp.StatusCode, decoded)
	}
	if decoded["code"] != "UNAUTHORIZED" {
		t.Fatalf("code = %v", decoded["code"])
	}
}

func TestIssueLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	aliceToken := signUpOverHTTP(t, server.URL, "alice@acme.dev", "Reporter")
	bobToken := signUpOverHTTP(t, server.URL, "bob@acme.dev", "Developer")

	resp, created := doJSON(t, http.MethodPost, server.URL+"/api/issues", aliceToken, map[string]any{
		"title":      "Login button broken",
		"priority":   "High",
		"assignedTo": "bob@acme.dev",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d body %v", resp.StatusCode, created)
	}
	issueID, _ := created["id"].(string)
	if issueID == "" || created["status"] != "Open" || created["version"] != float64(1) {
		t.Fatalf("created = %v", created)
	}

	// Open -> Done must be rejected with the transition error envelope.
	resp, rejected := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/issues/%s/status", server.URL, issueID), bobToken, map[string]any{"status": "Done"})
	if resp.StatusCode != http.StatusConflict || rejected["code"] != "INVALID_TRANSITION" {
		t.Fatalf("open->done: status %d body %v", resp.StatusCode, rejected)
	}

	resp, moved := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/issues/%s/status", server.URL, issueID), bobToken, map[string]any{"status": "In Progress"})
	if resp.StatusCode != http.StatusOK || moved["status"] != "In Progress" {
		t.Fatalf("start progress: status %d body %v", resp.StatusCode, moved)
	}

	resp, closed := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/issues/%s/status", server.URL, issueID), bobToken, map[string]any{"status": "Done"})
	if resp.StatusCode != http.StatusOK || closed["status"] != "Done" {
		t.Fatalf("close: status %d body %v", resp.StatusCode, closed)
	}
	if closed["version"] != float64(3) {
		t.Fatalf("version = %v, want 3", closed["version"])
	}
	history, _ := closed["history"].([]any)
	if len(history) != 2 {
		t.Fatalf("history = %v", closed["history"])
	}
}

func TestDuplicateCreateReturnsConflictEnvelope(t *testing.T) {
	server, _ := newTestServer(t)
	aliceToken := signUpOverHTTP(t, server.URL, "alice@acme.dev", "Reporter")
	signUpOverHTTP(t, server.URL, "bob@acme.dev", "Developer")

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/issues", aliceToken, map[string]any{
		"title":      "Login button broken",
		"assignedTo": "bob@acme.dev",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: status %d", resp.StatusCode)
	}

	resp, dup := doJSON(t, http.MethodPost, server.URL+"/api/issues", aliceToken, map[string]any{
		"title":      "login",
		"assignedTo": "bob@acme.dev",
	})
	if resp.StatusCode != http.StatusConflict || dup["code"] != "DUPLICATE_SUSPECTED" {
		t.Fatalf("duplicate: status %d body %v", resp.StatusCode, dup)
	}
	warning, _ := dup["duplicate"].(map[string]any)
	if warning["kind"] != "active" {
		t.Fatalf("duplicate payload = %v", dup)
	}

	resp, created := doJSON(t, http.MethodPost, server.URL+"/api/issues", aliceToken, map[string]any{
		"title":      "login",
		"assignedTo": "bob@acme.dev",
		"override":   true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("override create: status %d body %v", resp.StatusCode, created)
	}
}

func TestReassignForbiddenForDeveloperOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	aliceToken := signUpOverHTTP(t, server.URL, "alice@acme.dev", "Developer")
	signUpOverHTTP(t, server.URL, "carol@acme.dev", "Developer")

	resp, created := doJSON(t, http.MethodPost, server.URL+"/api/issues", aliceToken, map[string]any{
		"title":      "Mine for now",
		"assignedTo": "alice@acme.dev",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	issueID := created["id"].(string)

	resp, denied := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/issues/%s/assignee", server.URL, issueID), aliceToken, map[string]any{
		"assignedTo": "carol@acme.dev",
	})
	if resp.StatusCode != http.StatusForbidden || denied["code"] != "UNAUTHORIZED" {
		t.Fatalf("reassign: status %d body %v", resp.StatusCode, denied)
	}
}

func TestNotificationsFlowOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	aliceToken := signUpOverHTTP(t, server.URL, "alice@acme.dev", "Reporter")
	bobToken := signUpOverHTTP(t, server.URL, "bob@acme.dev", "Developer")

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/issues", aliceToken, map[string]any{
		"title":      "Needs attention",
		"assignedTo": "bob@acme.dev",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}

	resp, listed := doJSON(t, http.MethodGet, server.URL+"/api/notifications", bobToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list notifications: status %d", resp.StatusCode)
	}
	notifications, _ := listed["notifications"].([]any)
	if len(notifications) != 1 {
		t.Fatalf("notifications = %v", listed)
	}
	first := notifications[0].(map[string]any)
	if first["read"] != false {
		t.Fatalf("notification = %v, want unread", first)
	}
	id := first["id"].(string)

	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/notifications/%s/read", server.URL, id), aliceToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign mark-read: status %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/notifications/%s/read", server.URL, id), bobToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read: status %d", resp.StatusCode)
	}
}

func TestSummaryEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	aliceToken := signUpOverHTTP(t, server.URL, "alice@acme.dev", "Developer")

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/issues", aliceToken, map[string]any{
		"title":      "Only issue",
		"assignedTo": "alice@acme.dev",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}

	resp, summary := doJSON(t, http.MethodGet, server.URL+"/api/summary", aliceToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary: status %d", resp.StatusCode)
	}
	if summary["total"] != float64(1) || summary["open"] != float64(1) || summary["activeLoad"] != float64(1) {
		t.Fatalf("summary = %v", summary)
	}
	if summary["avgCloseTime"] != float64(0) {
		t.Fatalf("avgCloseTime = %v, want 0 with no closed issues", summary["avgCloseTime"])
	}
}

func TestExportDisabledReturns503(t *testing.T) {
	server, _ := newTestServer(t)
	managerToken := signUpOverHTTP(t, server.URL, "mia@acme.dev", "Manager")
	devToken := signUpOverHTTP(t, server.URL, "bob@acme.dev", "Developer")

	resp, denied := doJSON(t, http.MethodPost, server.URL+"/api/export/issues", devToken, map[string]any{"format": "csv"})
	if resp.StatusCode != http.StatusForbidden || denied["code"] != "UNAUTHORIZED" {
		t.Fatalf("developer export: status %d body %v", resp.StatusCode, denied)
	}

	resp, disabled := doJSON(t, http.MethodPost, server.URL+"/api/export/issues", managerToken, map[string]any{"format": "csv"})
	if resp.StatusCode != http.StatusServiceUnavailable || disabled["code"] != "EXPORTS_DISABLED" {
		t.Fatalf("manager export without storage: status %d body %v", resp.StatusCode, disabled)
	}
}
