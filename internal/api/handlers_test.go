package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"apologize/internal/auth"
	"apologize/internal/config"
	"apologize/internal/llm"
	"apologize/internal/storage"
	"apologize/internal/store"
)

// stubGenerator fakes the LLM boundary with a canned apology.
type stubGenerator struct {
	reply string
	fail  error
	calls int
}

func (g *stubGenerator) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	g.calls++
	if g.fail != nil {
		return nil, g.fail
	}
	style := req.Style
	if !style.Valid() {
		style = llm.StyleGentle
	}
	return &llm.Response{
		Reply:      g.reply,
		Emotion:    "sincere",
		Style:      style,
		TokensUsed: 12,
	}, nil
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *stubGenerator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	cfg.BasicConfig.JWTSecret = "test-secret"
	cfg.BasicConfig.InviteCodes = []string{"welcome"}
	cfg.BasicConfig.AccessPassword = "letmein"

	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	st := store.New(db)
	tokens := auth.NewService(cfg.BasicConfig.JWTSecret, time.Hour)
	generator := &stubGenerator{reply: "I am so sorry, please forgive me."}
	handler := NewHandler(st, tokens, generator, nil, cfg)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, generator
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d (want %d), body: %s", rec.Code, want, rec.Body.String())
	}
}

func registerAndLogin(t *testing.T, router *gin.Engine, username string) (int64, map[string]string) {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"password": "secret123",
	}, nil)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		User struct {
			ID int64 `json:"id"`
		} `json:"user"`
		Token string `json:"token"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.User.ID == 0 || body.Token == "" {
		t.Fatalf("incomplete register response: %s", resp.Body.String())
	}
	return body.User.ID, map[string]string{"Authorization": "Bearer " + body.Token}
}

func sendChatMessage(t *testing.T, router *gin.Engine, headers map[string]string, sessionID, message string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, "/api/chat/message", map[string]string{
		"message":   message,
		"style":     "gentle",
		"sessionId": sessionID,
	}, headers)
}

func TestRegisterLoginFlow(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodPost, "/api/auth/register", map[string]string{
		"username": "ab", "password": "secret123",
	}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	registerAndLogin(t, router, "alice")

	resp = doJSONRequest(t, router, http.MethodPost, "/api/auth/register", map[string]string{
		"username": "alice", "password": "other123",
	}, nil)
	assertStatus(t, resp, http.StatusConflict)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "alice", "password": "wrongpass",
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "alice", "password": "secret123",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	var loginBody struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	}
	decodeJSON(t, resp.Body.Bytes(), &loginBody)
	if loginBody.Token == "" || loginBody.ExpiresIn <= 0 {
		t.Fatalf("incomplete login response: %s", resp.Body.String())
	}
}

func TestChatFlow(t *testing.T) {
	router, db, generator := newTestServer(t)
	defer db.Close()

	_, headers := registerAndLogin(t, router, "alice")

	// No token at all.
	resp := sendChatMessage(t, router, nil, "", "hello")
	assertStatus(t, resp, http.StatusUnauthorized)

	// New conversation: server assigns the session id.
	resp = sendChatMessage(t, router, headers, "", "I broke your mug, I feel terrible")
	assertStatus(t, resp, http.StatusOK)
	var sendBody struct {
		SessionID  string `json:"sessionId"`
		Reply      string `json:"reply"`
		Emotion    string `json:"emotion"`
		Style      string `json:"style"`
		TokensUsed int    `json:"tokensUsed"`
	}
	decodeJSON(t, resp.Body.Bytes(), &sendBody)
	if sendBody.SessionID == "" || sendBody.Reply == "" {
		t.Fatalf("incomplete chat response: %s", resp.Body.String())
	}
	if sendBody.Emotion != "sincere" || sendBody.Style != "gentle" || sendBody.TokensUsed != 12 {
		t.Fatalf("unexpected chat response: %s", resp.Body.String())
	}
	if generator.calls != 1 {
		t.Fatalf("expected 1 llm call, got %d", generator.calls)
	}

	// Follow-up on the same session, then read history back.
	resp = sendChatMessage(t, router, headers, sendBody.SessionID, "it was your favorite")
	assertStatus(t, resp, http.StatusOK)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/chat/history?sessionId="+sendBody.SessionID, nil, headers)
	assertStatus(t, resp, http.StatusOK)
	var histBody struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		MessageCount int `json:"messageCount"`
	}
	decodeJSON(t, resp.Body.Bytes(), &histBody)
	if histBody.MessageCount != 4 || len(histBody.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %s", resp.Body.String())
	}
	if histBody.Messages[0].Role != "user" || histBody.Messages[1].Role != "assistant" {
		t.Fatalf("history out of order: %s", resp.Body.String())
	}

	// Session list shows the titled conversation.
	resp = doJSONRequest(t, router, http.MethodGet, "/api/chat/sessions", nil, headers)
	assertStatus(t, resp, http.StatusOK)
	var listBody struct {
		Sessions []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"sessions"`
		Count int `json:"count"`
	}
	decodeJSON(t, resp.Body.Bytes(), &listBody)
	if listBody.Count != 1 || listBody.Sessions[0].ID != sendBody.SessionID {
		t.Fatalf("unexpected session list: %s", resp.Body.String())
	}
	if listBody.Sessions[0].Title == "" {
		t.Fatalf("first message did not set a title: %s", resp.Body.String())
	}
}

func TestChatIsolationBetweenUsers(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	_, aliceHeaders := registerAndLogin(t, router, "alice")
	_, bobHeaders := registerAndLogin(t, router, "bob")

	resp := sendChatMessage(t, router, aliceHeaders, "s1", "between us only")
	assertStatus(t, resp, http.StatusOK)

	// Bob cannot read, clear, delete or post into alice's session.
	resp = doJSONRequest(t, router, http.MethodGet, "/api/chat/history?sessionId=s1", nil, bobHeaders)
	assertStatus(t, resp, http.StatusForbidden)

	resp = doJSONRequest(t, router, http.MethodDelete, "/api/chat/history?sessionId=s1", nil, bobHeaders)
	assertStatus(t, resp, http.StatusForbidden)

	resp = doJSONRequest(t, router, http.MethodDelete, "/api/chat/session?sessionId=s1", nil, bobHeaders)
	assertStatus(t, resp, http.StatusForbidden)

	resp = sendChatMessage(t, router, bobHeaders, "s1", "mine now")
	assertStatus(t, resp, http.StatusForbidden)

	// Alice still owns exactly her two messages.
	resp = doJSONRequest(t, router, http.MethodGet, "/api/chat/history?sessionId=s1", nil, aliceHeaders)
	assertStatus(t, resp, http.StatusOK)
	var histBody struct {
		MessageCount int `json:"messageCount"`
	}
	decodeJSON(t, resp.Body.Bytes(), &histBody)
	if histBody.MessageCount != 2 {
		t.Fatalf("alice's history changed: %s", resp.Body.String())
	}

	// Bob's own view of the world is empty.
	resp = doJSONRequest(t, router, http.MethodGet, "/api/chat/sessions", nil, bobHeaders)
	assertStatus(t, resp, http.StatusOK)
	var listBody struct {
		Count int `json:"count"`
	}
	decodeJSON(t, resp.Body.Bytes(), &listBody)
	if listBody.Count != 0 {
		t.Fatalf("bob sees foreign sessions: %s", resp.Body.String())
	}
}

func TestChatCollisionRejectedBeforeLLMCall(t *testing.T) {
	router, db, generator := newTestServer(t)
	defer db.Close()

	_, carolHeaders := registerAndLogin(t, router, "carol")
	_, daveHeaders := registerAndLogin(t, router, "dave")

	resp := sendChatMessage(t, router, carolHeaders, "dup", "first binder wins")
	assertStatus(t, resp, http.StatusOK)
	callsAfterFirst := generator.calls

	resp = sendChatMessage(t, router, daveHeaders, "dup", "second binder loses")
	assertStatus(t, resp, http.StatusForbidden)
	if generator.calls != callsAfterFirst {
		t.Fatalf("collision reached the llm: %d calls", generator.calls)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = 'dup'`).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 2 {
		t.Fatalf("collision persisted messages: %d", count)
	}
}

func TestChatLLMFailurePersistsNothing(t *testing.T) {
	router, db, generator := newTestServer(t)
	defer db.Close()

	_, headers := registerAndLogin(t, router, "alice")
	generator.fail = errors.New("upstream down")

	resp := sendChatMessage(t, router, headers, "", "hello?")
	assertStatus(t, resp, http.StatusBadGateway)

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed exchange persisted %d messages", count)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed exchange persisted %d sessions", count)
	}
}

func TestClearAndDeleteSession(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	_, headers := registerAndLogin(t, router, "alice")

	resp := sendChatMessage(t, router, headers, "keep", "first message")
	assertStatus(t, resp, http.StatusOK)

	// Clear keeps the session row.
	resp = doJSONRequest(t, router, http.MethodDelete, "/api/chat/history?sessionId=keep", nil, headers)
	assertStatus(t, resp, http.StatusOK)
	resp = doJSONRequest(t, router, http.MethodGet, "/api/chat/sessions", nil, headers)
	assertStatus(t, resp, http.StatusOK)
	var listBody struct {
		Count int `json:"count"`
	}
	decodeJSON(t, resp.Body.Bytes(), &listBody)
	if listBody.Count != 1 {
		t.Fatalf("clear removed the session: %s", resp.Body.String())
	}

	// Delete removes it; a second delete is a 404.
	resp = doJSONRequest(t, router, http.MethodDelete, "/api/chat/session?sessionId=keep", nil, headers)
	assertStatus(t, resp, http.StatusOK)
	resp = doJSONRequest(t, router, http.MethodDelete, "/api/chat/session?sessionId=keep", nil, headers)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestLegacyVerifyAndGates(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodPost, "/api/auth/verify", map[string]string{
		"inviteCode": "wrong",
	}, nil)
	assertStatus(t, resp, http.StatusForbidden)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/auth/verify", map[string]string{
		"inviteCode": "welcome",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	var verifyBody struct {
		Token string `json:"token"`
	}
	decodeJSON(t, resp.Body.Bytes(), &verifyBody)
	if verifyBody.Token == "" {
		t.Fatalf("no legacy token issued: %s", resp.Body.String())
	}
	legacyHeaders := map[string]string{"Authorization": "Bearer " + verifyBody.Token}

	// The password path works too.
	resp = doJSONRequest(t, router, http.MethodPost, "/api/auth/verify", map[string]string{
		"password": "letmein",
	}, nil)
	assertStatus(t, resp, http.StatusOK)

	// An anonymous token cannot reach per-user conversation routes.
	resp = sendChatMessage(t, router, legacyHeaders, "", "anyone there?")
	assertStatus(t, resp, http.StatusUnauthorized)

	// But it can refresh itself.
	resp = doJSONRequest(t, router, http.MethodPost, "/api/auth/refresh", nil, legacyHeaders)
	assertStatus(t, resp, http.StatusOK)
}

func TestAuthStatus(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodGet, "/api/auth/status", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var statusBody struct {
		AuthEnabled     bool `json:"authEnabled"`
		IsAuthenticated bool `json:"isAuthenticated"`
	}
	decodeJSON(t, resp.Body.Bytes(), &statusBody)
	if !statusBody.AuthEnabled || statusBody.IsAuthenticated {
		t.Fatalf("unexpected anonymous status: %s", resp.Body.String())
	}

	_, headers := registerAndLogin(t, router, "alice")
	resp = doJSONRequest(t, router, http.MethodGet, "/api/auth/status", nil, headers)
	assertStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp.Body.Bytes(), &statusBody)
	if !statusBody.IsAuthenticated {
		t.Fatalf("authenticated caller reported anonymous: %s", resp.Body.String())
	}
}

func TestRefreshRejectsDisabledAccount(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	userID, headers := registerAndLogin(t, router, "erin")

	resp := doJSONRequest(t, router, http.MethodPost, "/api/auth/refresh", nil, headers)
	assertStatus(t, resp, http.StatusOK)

	if _, err := db.Exec(`UPDATE users SET is_active = 0 WHERE id = ?`, userID); err != nil {
		t.Fatalf("disable user: %v", err)
	}
	resp = doJSONRequest(t, router, http.MethodPost, "/api/auth/refresh", nil, headers)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestAdminEndpoints(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	st := store.New(db)
	ctx := context.Background()
	if err := st.BootstrapAdmin(ctx, "admin", "adminpass"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	userID, userHeaders := registerAndLogin(t, router, "alice")
	resp := sendChatMessage(t, router, userHeaders, "a1", "sorry about everything")
	assertStatus(t, resp, http.StatusOK)

	// Role gate: anonymous 401, plain user 403.
	resp = doJSONRequest(t, router, http.MethodGet, "/api/admin/users", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	resp = doJSONRequest(t, router, http.MethodGet, "/api/admin/users", nil, userHeaders)
	assertStatus(t, resp, http.StatusForbidden)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "admin", "password": "adminpass",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		User struct {
			ID int64 `json:"id"`
		} `json:"user"`
		Token string `json:"token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	adminHeaders := map[string]string{"Authorization": "Bearer " + loginBody.Token}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/admin/users", nil, adminHeaders)
	assertStatus(t, resp, http.StatusOK)
	var usersBody struct {
		Count int `json:"count"`
	}
	decodeJSON(t, resp.Body.Bytes(), &usersBody)
	if usersBody.Count != 2 {
		t.Fatalf("expected 2 users, got %s", resp.Body.String())
	}

	resp = doJSONRequest(t, router, http.MethodGet, fmt.Sprintf("/api/admin/users/%d", userID), nil, adminHeaders)
	assertStatus(t, resp, http.StatusOK)
	var userBody struct {
		SessionCount int `json:"sessionCount"`
		MessageCount int `json:"messageCount"`
	}
	decodeJSON(t, resp.Body.Bytes(), &userBody)
	if userBody.SessionCount != 1 || userBody.MessageCount != 2 {
		t.Fatalf("unexpected user stats: %s", resp.Body.String())
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/admin/users/9999", nil, adminHeaders)
	assertStatus(t, resp, http.StatusNotFound)

	// Admin can inspect any session regardless of owner.
	resp = doJSONRequest(t, router, http.MethodGet, "/api/admin/sessions/a1", nil, adminHeaders)
	assertStatus(t, resp, http.StatusOK)
	var sessionBody struct {
		MessageCount int `json:"messageCount"`
	}
	decodeJSON(t, resp.Body.Bytes(), &sessionBody)
	if sessionBody.MessageCount != 2 {
		t.Fatalf("unexpected admin session view: %s", resp.Body.String())
	}
	resp = doJSONRequest(t, router, http.MethodGet, "/api/admin/sessions/missing", nil, adminHeaders)
	assertStatus(t, resp, http.StatusNotFound)

	// Session listing can be filtered to one owner.
	resp = doJSONRequest(t, router, http.MethodGet, fmt.Sprintf("/api/admin/sessions?userId=%d", userID), nil, adminHeaders)
	assertStatus(t, resp, http.StatusOK)
	var sessionsBody struct {
		Count int `json:"count"`
	}
	decodeJSON(t, resp.Body.Bytes(), &sessionsBody)
	if sessionsBody.Count != 1 {
		t.Fatalf("unexpected filtered sessions: %s", resp.Body.String())
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/admin/stats", nil, adminHeaders)
	assertStatus(t, resp, http.StatusOK)
	var statsBody struct {
		Users struct {
			Total  int `json:"total"`
			Admins int `json:"admins"`
		} `json:"users"`
		Sessions struct {
			Total int `json:"total"`
		} `json:"sessions"`
	}
	decodeJSON(t, resp.Body.Bytes(), &statsBody)
	if statsBody.Users.Total != 2 || statsBody.Users.Admins != 1 || statsBody.Sessions.Total != 1 {
		t.Fatalf("unexpected stats: %s", resp.Body.String())
	}
}

func TestAdminUserStatusLifecycle(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	st := store.New(db)
	ctx := context.Background()
	if err := st.BootstrapAdmin(ctx, "admin", "adminpass"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	admin, err := st.Authenticate(ctx, "admin", "adminpass")
	if err != nil {
		t.Fatalf("authenticate admin: %v", err)
	}

	userID, _ := registerAndLogin(t, router, "erin")

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "admin", "password": "adminpass",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		Token string `json:"token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	adminHeaders := map[string]string{"Authorization": "Bearer " + loginBody.Token}

	// Disable erin: her login stops working with a distinct error class.
	resp := doJSONRequest(t, router, http.MethodPatch, fmt.Sprintf("/api/admin/users/%d/status", userID),
		map[string]bool{"isActive": false}, adminHeaders)
	assertStatus(t, resp, http.StatusOK)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "erin", "password": "secret123",
	}, nil)
	assertStatus(t, resp, http.StatusForbidden)

	// Re-enable restores access with unchanged credentials.
	resp = doJSONRequest(t, router, http.MethodPatch, fmt.Sprintf("/api/admin/users/%d/status", userID),
		map[string]bool{"isActive": true}, adminHeaders)
	assertStatus(t, resp, http.StatusOK)
	resp = doJSONRequest(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "erin", "password": "secret123",
	}, nil)
	assertStatus(t, resp, http.StatusOK)

	// Admin accounts cannot be disabled.
	resp = doJSONRequest(t, router, http.MethodPatch, fmt.Sprintf("/api/admin/users/%d/status", admin.ID),
		map[string]bool{"isActive": false}, adminHeaders)
	assertStatus(t, resp, http.StatusForbidden)

	// Malformed requests.
	resp = doJSONRequest(t, router, http.MethodPatch, "/api/admin/users/abc/status",
		map[string]bool{"isActive": false}, adminHeaders)
	assertStatus(t, resp, http.StatusBadRequest)
	resp = doJSONRequest(t, router, http.MethodPatch, fmt.Sprintf("/api/admin/users/%d/status", userID),
		map[string]string{}, adminHeaders)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestHealthEndpoint(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodGet, "/api/health", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Status string `json:"status"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Status != "ok" {
		t.Fatalf("unexpected health body: %s", resp.Body.String())
	}
}
