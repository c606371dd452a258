package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wuwenbin0122/chihaya-ai/internal/auth"
	"github.com/wuwenbin0122/chihaya-ai/internal/controller"
	"github.com/wuwenbin0122/chihaya-ai/internal/conversation"
	"github.com/wuwenbin0122/chihaya-ai/internal/events"
	"github.com/wuwenbin0122/chihaya-ai/internal/models"
	"github.com/wuwenbin0122/chihaya-ai/internal/relay"
	"github.com/wuwenbin0122/chihaya-ai/internal/session"
)

type stubProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	calls []relay.CompletionRequest
}

func (p *stubProvider) Complete(_ context.Context, req relay.CompletionRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	return p.reply, p.err
}

type testEnv struct {
	router   *gin.Engine
	handler  *Handler
	provider *stubProvider
	log      *relay.MemoryMessageLog
	bus      *events.Bus
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authService, err := auth.NewService(auth.NewMemoryUserStore(), "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("failed to create auth service: %v", err)
	}

	provider := &stubProvider{reply: "hello from ai"}
	messageLog := relay.NewMemoryMessageLog()
	relayService := relay.NewService(provider, messageLog, relay.Config{Model: "test-model", Temperature: 0.7}, nil)

	bus := events.NewBus(nil)
	repo := conversation.NewRepository(conversation.NewMemoryBackend(), conversation.WithPublisher(bus))
	ctrl := controller.New(repo, session.NewMemoryStore(), relay.TextRelay{Service: relayService}, controller.WithPublisher(bus))

	handler := NewHandler(authService, relayService, ctrl, bus, nil)
	router := gin.New()
	router.Use(CORS(), RequestLogger(nil))
	handler.RegisterRoutes(router)

	return &testEnv{router: router, handler: handler, provider: provider, log: messageLog, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := newJSONRequest(t, method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestAuthRegisterAndLogin(t *testing.T) {
	env := setupTestRouter(t)

	registerBody := map[string]string{
		"username": "alice",
		"password": "secret123",
	}

	rec := env.do(t, http.MethodPost, "/api/auth/register", registerBody, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}

	var registerResp map[string]any
	decodeBody(t, rec.Body.Bytes(), &registerResp)
	if registerResp["ok"] != true {
		t.Fatalf("expected ok in registration response, got %v", registerResp)
	}

	rec = env.do(t, http.MethodPost, "/api/login", registerBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var loginResp map[string]any
	decodeBody(t, rec.Body.Bytes(), &loginResp)
	if loginResp["token"] == "" || loginResp["ok"] != true {
		t.Fatalf("expected token in login response, got %v", loginResp)
	}
	user, _ := loginResp["user"].(map[string]any)
	if user["username"] != "alice" {
		t.Fatalf("expected user alice, got %v", loginResp["user"])
	}
	if _, leaked := user["passwordHash"]; leaked {
		t.Fatalf("password hash must not be serialised")
	}
}

func TestAuthRegisterErrors(t *testing.T) {
	env := setupTestRouter(t)

	rec := env.do(t, http.MethodPost, "/api/register", map[string]string{"username": "al", "password": "secret123"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short username, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/register", map[string]string{"username": "alice", "password": "123"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for weak password, got %d", rec.Code)
	}

	body := map[string]string{"username": "alice", "password": "secret123"}
	if rec = env.do(t, http.MethodPost, "/api/register", body, nil); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/register", body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}
	var resp map[string]any
	decodeBody(t, rec.Body.Bytes(), &resp)
	if resp["error"] != msgUserExists {
		t.Fatalf("expected %q, got %v", msgUserExists, resp["error"])
	}
}

func TestAuthLoginRejectsBadSecret(t *testing.T) {
	env := setupTestRouter(t)
	env.do(t, http.MethodPost, "/api/register", map[string]string{"username": "alice", "password": "secret123"}, nil)

	rec := env.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "alice", "password": "wrong-secret"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestChatRelaysAndLogs(t *testing.T) {
	env := setupTestRouter(t)

	rec := env.do(t, http.MethodPost, "/api/chat", map[string]any{
		"username": "alice",
		"messages": []map[string]string{
			{"role": "user", "content": "earlier"},
			{"role": "bot", "content": "answer"},
			{"role": "user", "content": "hi"},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	decodeBody(t, rec.Body.Bytes(), &resp)
	if resp["reply"] != "hello from ai" {
		t.Fatalf("unexpected reply %q", resp["reply"])
	}

	if len(env.provider.calls) != 1 || len(env.provider.calls[0].Messages) != 3 {
		t.Fatalf("expected the full context forwarded once, got %+v", env.provider.calls)
	}
	if env.provider.calls[0].Messages[1].Role != models.RoleAssistant {
		t.Fatalf("expected bot role normalised to assistant")
	}

	logged := env.log.Messages()
	if len(logged) != 2 || logged[0].Content != "hi" || logged[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected message log %+v", logged)
	}
}

func TestChatHistoryReturnsCallerMessages(t *testing.T) {
	env := setupTestRouter(t)

	for _, user := range []string{"alice", "bob"} {
		rec := env.do(t, http.MethodPost, "/api/chat", map[string]string{"username": user, "message": "hi from " + user}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec := env.do(t, http.MethodGet, "/api/chat/history?limit=1", nil, map[string]string{usernameHeader: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	decodeBody(t, rec.Body.Bytes(), &resp)
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "hello from ai" || resp.Messages[0].Username != "alice" {
		t.Fatalf("unexpected history %+v", resp.Messages)
	}

	rec = env.do(t, http.MethodGet, "/api/chat/history", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/chat/history?limit=-2", nil, map[string]string{usernameHeader: "alice"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a negative limit, got %d", rec.Code)
	}
}

func TestChatFailureReturnsRelayError(t *testing.T) {
	env := setupTestRouter(t)
	env.provider.err = errors.New("upstream down")

	rec := env.do(t, http.MethodPost, "/api/chat", map[string]string{"username": "alice", "message": "hi"}, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	var resp map[string]any
	decodeBody(t, rec.Body.Bytes(), &resp)
	if resp["error"] != msgRelayFailure {
		t.Fatalf("expected %q, got %v", msgRelayFailure, resp["error"])
	}
}

func TestChatRejectsMismatchedBearer(t *testing.T) {
	env := setupTestRouter(t)
	token := registerAndLogin(t, env, "alice")

	rec := env.do(t, http.MethodPost, "/api/chat",
		map[string]string{"username": "mallory", "message": "hi"},
		map[string]string{"Authorization": "Bearer " + token},
	)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(env.provider.calls) != 0 {
		t.Fatalf("provider must not be called")
	}
}

func TestConversationLifecycle(t *testing.T) {
	env := setupTestRouter(t)
	asAlice := map[string]string{usernameHeader: "alice"}

	rec := env.do(t, http.MethodGet, "/api/conversations", nil, asAlice)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	first := decodeView(t, rec)
	if len(first.Conversations) != 1 || first.ActiveID == "" {
		t.Fatalf("expected a fresh active conversation, got %+v", first)
	}
	if first.Active.Turns[0].Text != models.GreetingText {
		t.Fatalf("expected greeting turn, got %+v", first.Active.Turns)
	}

	rec = env.do(t, http.MethodPost, "/api/conversations/"+first.ActiveID+"/messages", map[string]string{"text": "帮我写一首关于秋天的诗，要有落叶、月亮和远方的思念"}, asAlice)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var exchange controller.Exchange
	decodeBody(t, rec.Body.Bytes(), &exchange)
	if exchange.Failed || exchange.Reply.Text != "hello from ai" {
		t.Fatalf("unexpected exchange %+v", exchange)
	}
	if exchange.Conversation.Title != "帮我写一首关于秋天的诗，要有落叶、月亮和..." {
		t.Fatalf("unexpected title %q", exchange.Conversation.Title)
	}

	rec = env.do(t, http.MethodPost, "/api/conversations", nil, asAlice)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	second := decodeView(t, rec)
	if second.ActiveID == first.ActiveID || len(second.Conversations) != 2 {
		t.Fatalf("expected a second conversation at the front, got %+v", second)
	}

	rec = env.do(t, http.MethodGet, "/api/conversations?limit=1", nil, asAlice)
	limited := decodeView(t, rec)
	if len(limited.Conversations) != 1 || limited.Conversations[0].ID != second.ActiveID {
		t.Fatalf("expected limit to keep the newest conversation, got %+v", limited.Conversations)
	}

	rec = env.do(t, http.MethodGet, "/api/conversations/"+first.ActiveID, nil, asAlice)
	switched := decodeView(t, rec)
	if switched.ActiveID != first.ActiveID || len(switched.Active.Turns) != 3 {
		t.Fatalf("expected switch to the first conversation, got %+v", switched)
	}

	rec = env.do(t, http.MethodDelete, "/api/conversations/"+first.ActiveID, nil, asAlice)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	remaining := decodeView(t, rec)
	if remaining.ActiveID != second.ActiveID || len(remaining.Conversations) != 1 {
		t.Fatalf("expected redirect to the remaining conversation, got %+v", remaining)
	}

	rec = env.do(t, http.MethodDelete, "/api/conversations/"+second.ActiveID, nil, asAlice)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for the last conversation, got %d", rec.Code)
	}
	var resp map[string]any
	decodeBody(t, rec.Body.Bytes(), &resp)
	if resp["error"] != controller.LastConversationNotice {
		t.Fatalf("expected last-conversation notice, got %v", resp["error"])
	}
}

func TestPostMessageTargetsPathConversation(t *testing.T) {
	env := setupTestRouter(t)
	asAlice := map[string]string{usernameHeader: "alice"}

	first := decodeView(t, env.do(t, http.MethodGet, "/api/conversations", nil, asAlice))
	second := decodeView(t, env.do(t, http.MethodPost, "/api/conversations", nil, asAlice))
	if second.ActiveID == first.ActiveID {
		t.Fatalf("expected a second conversation, got %+v", second)
	}

	rec := env.do(t, http.MethodPost, "/api/conversations/"+first.ActiveID+"/messages", map[string]string{"text": "for the first"}, asAlice)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var exchange controller.Exchange
	decodeBody(t, rec.Body.Bytes(), &exchange)
	if exchange.Conversation.ID != first.ActiveID || len(exchange.Conversation.Turns) != 3 {
		t.Fatalf("expected the message in %s, got %+v", first.ActiveID, exchange.Conversation)
	}
	if exchange.UserTurn.Text != "for the first" {
		t.Fatalf("unexpected user turn %+v", exchange.UserTurn)
	}
}

func TestPostMessageRelayFailureBecomesTurn(t *testing.T) {
	env := setupTestRouter(t)
	env.provider.err = errors.New("upstream down")
	asAlice := map[string]string{usernameHeader: "alice"}

	view := decodeView(t, env.do(t, http.MethodGet, "/api/conversations", nil, asAlice))

	rec := env.do(t, http.MethodPost, "/api/conversations/"+view.ActiveID+"/messages", map[string]string{"text": "hi"}, asAlice)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var exchange controller.Exchange
	decodeBody(t, rec.Body.Bytes(), &exchange)
	if !exchange.Failed || exchange.Reply.Text != controller.FailureText {
		t.Fatalf("expected failure turn, got %+v", exchange)
	}
}

func TestConversationRoutesRequireIdentity(t *testing.T) {
	env := setupTestRouter(t)

	rec := env.do(t, http.MethodGet, "/api/conversations", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/conversations", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestConversationRoutesAcceptBearer(t *testing.T) {
	env := setupTestRouter(t)
	token := registerAndLogin(t, env, "alice")

	rec := env.do(t, http.MethodGet, "/api/conversations", nil, map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/conversations", nil, map[string]string{
		"Authorization": "Bearer " + token,
		usernameHeader:  "bob",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for mismatched identity, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestRouter(t)

	rec := env.do(t, http.MethodOptions, "/api/chat", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected open CORS")
	}
}

func TestEventsWebsocketStreamsUserEvents(t *testing.T) {
	env := setupTestRouter(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/conversations/events?username=alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()

	// Publish until the subscription registered by the handler receives it.
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	received := make(chan events.Event, 1)
	go func() {
		var event events.Event
		if err := conn.ReadJSON(&event); err == nil {
			received <- event
		}
		close(received)
	}()

	for time.Now().Before(deadline) {
		env.bus.Publish(events.Event{Kind: events.KindNotice, User: "bob", Notice: "not for alice"})
		env.bus.Publish(events.Event{Kind: events.KindNotice, User: "alice", Notice: controller.LastConversationNotice})
		select {
		case event, ok := <-received:
			if !ok {
				t.Fatalf("websocket closed before an event arrived")
			}
			if event.User != "alice" || event.Notice != controller.LastConversationNotice {
				t.Fatalf("unexpected event %+v", event)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatalf("no event received before deadline")
}

type viewBody struct {
	ActiveID      string                `json:"activeId"`
	Active        *models.Conversation  `json:"active"`
	Conversations []models.Conversation `json:"conversations"`
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) viewBody {
	t.Helper()
	var view viewBody
	decodeBody(t, rec.Body.Bytes(), &view)
	return view
}

func registerAndLogin(t *testing.T, env *testEnv, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "secret123"}
	if rec := env.do(t, http.MethodPost, "/api/register", creds, nil); rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/login", creds, nil)
	var resp map[string]any
	decodeBody(t, rec.Body.Bytes(), &resp)
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatalf("expected token for %s", username)
	}
	return token
}

func newJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}
