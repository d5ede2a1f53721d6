package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	sofiaweb "github.com/ircad-africa/sofia-web"
	"github.com/ircad-africa/sofia-web/internal/gateway"
	"github.com/ircad-africa/sofia-web/internal/handlers"
	"github.com/ircad-africa/sofia-web/internal/identity"
	"github.com/ircad-africa/sofia-web/internal/knowledge"
	"github.com/ircad-africa/sofia-web/internal/models"
)

type mockProvider struct {
	configured bool
	reply      string
	err        error

	mu    sync.Mutex
	calls int
}

type mockIdentity struct {
	mu        sync.Mutex
	passwords map[string]string
	users     map[string]models.User
	loggedOut []string
}

const (
	aliceToken = "token-alice"
	bobToken   = "token-bob"
)

func newMockIdentity() *mockIdentity {
	return &mockIdentity{
		passwords: map[string]string{"alice@ircad.africa": "secret123"},
		users: map[string]models.User{
			aliceToken: {ID: "u-alice", Email: "alice@ircad.africa", FirstName: "Alice", LastName: "Mensah", Avatar: "AM"},
			bobToken:   {ID: "u-bob", Email: "bob@ircad.africa", FirstName: "Bob"},
		},
	}
}

func newTestMain(t *testing.T, p gateway.Provider) handlers.Main {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kb, err := knowledge.Load(sofiaweb.KnowledgeFS, "knowledge")
	if err != nil {
		t.Fatalf("knowledge.Load() error = %v", err)
	}

	m, err := handlers.NewMain(gateway.New(p, logger), newMockIdentity(), kb, handlers.Options{
		SessionTTL:    time.Minute,
		DeviceTimeout: 100 * time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func do(h http.Handler, method, target, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: "sofia_session", Value: token})
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func doJSON(h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return do(h, method, target, token, r, "application/json")
}

func doForm(h http.Handler, target string, form url.Values) *httptest.ResponseRecorder {
	return do(h, http.MethodPost, target, "", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
}

func TestNewMain(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kb, err := knowledge.Load(sofiaweb.KnowledgeFS, "knowledge")
	if err != nil {
		t.Fatal(err)
	}

	main, err := handlers.NewMain(gateway.New(nil, logger), newMockIdentity(), kb, handlers.Options{}, logger)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleGeminiChat(t *testing.T) {
	tests := []struct {
		name         string
		provider     *mockProvider
		method       string
		body         string
		wantStatus   int
		wantResponse string
		wantCalls    int
	}{
		{
			name:       "Preflight",
			provider:   &mockProvider{configured: true},
			method:     http.MethodOptions,
			wantStatus: http.StatusOK,
		},
		{
			name:         "Text message",
			provider:     &mockProvider{configured: true, reply: "Restart the Zen software."},
			method:       http.MethodPost,
			body:         `{"message":"Zen keeps crashing","systemPrompt":"ignored"}`,
			wantStatus:   http.StatusOK,
			wantResponse: "Restart the Zen software.",
			wantCalls:    1,
		},
		{
			name:         "Image only",
			provider:     &mockProvider{configured: true, reply: "The lens cap is on."},
			method:       http.MethodPost,
			body:         `{"message":"","image":"data:image/png;base64,iVBORw0KGgo="}`,
			wantStatus:   http.StatusOK,
			wantResponse: "The lens cap is on.",
			wantCalls:    1,
		},
		{
			name:         "Missing credential",
			provider:     &mockProvider{configured: false, reply: "unused"},
			method:       http.MethodPost,
			body:         `{"message":"hello"}`,
			wantStatus:   http.StatusOK,
			wantResponse: gateway.ConfigurationErrorMessage,
		},
		{
			name:       "Malformed JSON",
			provider:   &mockProvider{configured: true},
			method:     http.MethodPost,
			body:       `{"message":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Empty message",
			provider:   &mockProvider{configured: true},
			method:     http.MethodPost,
			body:       `{"message":"   "}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestMain(t, tt.provider).Router()

			w := doJSON(h, tt.method, "/api/gemini-chat", "", tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
			}
			if tt.wantResponse != "" {
				var res struct {
					Response string `json:"response"`
				}
				if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
					t.Fatal(err)
				}
				if res.Response != tt.wantResponse {
					t.Errorf("response = %q, want %q", res.Response, tt.wantResponse)
				}
			}
			if got := tt.provider.callCount(); got != tt.wantCalls {
				t.Errorf("provider calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestPages(t *testing.T) {
	h := newTestMain(t, &mockProvider{}).Router()

	tests := []struct {
		name         string
		url          string
		token        string
		wantStatus   int
		wantBody     string
		wantLocation string
	}{
		{
			name:       "Landing",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "Equipment Issues",
		},
		{
			name:       "Login page",
			url:        "/login",
			wantStatus: http.StatusOK,
			wantBody:   `action="/login"`,
		},
		{
			name:       "Login page after registration",
			url:        "/login?registered=1",
			wantStatus: http.StatusOK,
			wantBody:   "Account created",
		},
		{
			name:         "Login page when signed in",
			url:          "/login",
			token:        aliceToken,
			wantStatus:   http.StatusSeeOther,
			wantLocation: "/dashboard",
		},
		{
			name:       "Register page",
			url:        "/register",
			wantStatus: http.StatusOK,
			wantBody:   "Surgical Training",
		},
		{
			name:         "Dashboard requires a session",
			url:          "/dashboard",
			wantStatus:   http.StatusSeeOther,
			wantLocation: "/login",
		},
		{
			name:         "Dashboard with expired token",
			url:          "/dashboard",
			token:        "stale",
			wantStatus:   http.StatusSeeOther,
			wantLocation: "/login",
		},
		{
			name:       "Dashboard",
			url:        "/dashboard",
			token:      aliceToken,
			wantStatus: http.StatusOK,
			wantBody:   "Alice Mensah",
		},
		{
			name:       "Dashboard filtered",
			url:        "/dashboard?category=network",
			token:      aliceToken,
			wantStatus: http.StatusOK,
			wantBody:   "Network Configuration for Medical Devices",
		},
		{
			name:       "Dashboard article",
			url:        "/dashboard?article=1",
			token:      aliceToken,
			wantStatus: http.StatusOK,
			wantBody:   "Ask Sofia about this article",
		},
		{
			name:       "Dashboard unknown article",
			url:        "/dashboard?article=404",
			token:      aliceToken,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Static assets",
			url:        "/static/assistant.js",
			wantStatus: http.StatusOK,
			wantBody:   "EventSource",
		},
		{
			name:       "Health check",
			url:        "/healthz",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, http.MethodGet, tt.url, tt.token, nil, "")

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q", tt.wantBody)
			}
			if tt.wantLocation != "" && w.Header().Get("Location") != tt.wantLocation {
				t.Errorf("Location = %q, want %q", w.Header().Get("Location"), tt.wantLocation)
			}
		})
	}
}

func TestHandleLogin(t *testing.T) {
	h := newTestMain(t, &mockProvider{}).Router()

	w := doForm(h, "/login", url.Values{"email": {"alice@ircad.africa"}, "password": {"wrong"}})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(w.Body.String(), "Invalid email or password") {
		t.Error("login failure message is missing")
	}

	w = doForm(h, "/login", url.Values{"email": {"alice@ircad.africa"}, "password": {"secret123"}})
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/dashboard" {
		t.Fatalf("status = %d, Location = %q", w.Code, w.Header().Get("Location"))
	}
	cookie := w.Result().Cookies()
	if len(cookie) != 1 || cookie[0].Value != aliceToken || !cookie[0].HttpOnly {
		t.Errorf("session cookie = %+v", cookie)
	}
}

func TestHandleRegister(t *testing.T) {
	h := newTestMain(t, &mockProvider{}).Router()

	valid := url.Values{
		"firstName":       {"Kofi"},
		"lastName":        {"Asante"},
		"email":           {"kofi@ircad.africa"},
		"department":      {"Research"},
		"role":            {"Surgeon"},
		"password":        {"secret123"},
		"confirmPassword": {"secret123"},
	}
	with := func(kv ...string) url.Values {
		v := url.Values{}
		for k, vs := range valid {
			v[k] = vs
		}
		for i := 0; i+1 < len(kv); i += 2 {
			v.Set(kv[i], kv[i+1])
		}
		return v
	}

	tests := []struct {
		name         string
		form         url.Values
		wantStatus   int
		wantBody     string
		wantLocation string
	}{
		{
			name:       "Passwords do not match",
			form:       with("confirmPassword", "other"),
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   "Passwords do not match",
		},
		{
			name:       "Short password",
			form:       with("password", "abc", "confirmPassword", "abc"),
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "Existing account",
			form:       with("email", "alice@ircad.africa"),
			wantStatus: http.StatusConflict,
			wantBody:   "already exists",
		},
		{
			name:         "Awaiting confirmation",
			form:         valid,
			wantStatus:   http.StatusSeeOther,
			wantLocation: "/login?registered=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doForm(h, "/register", tt.form)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q", tt.wantBody)
			}
			if tt.wantLocation != "" && w.Header().Get("Location") != tt.wantLocation {
				t.Errorf("Location = %q, want %q", w.Header().Get("Location"), tt.wantLocation)
			}
		})
	}
}

func TestHandleLogout(t *testing.T) {
	id := newMockIdentity()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kb, err := knowledge.Load(sofiaweb.KnowledgeFS, "knowledge")
	if err != nil {
		t.Fatal(err)
	}
	m, err := handlers.NewMain(gateway.New(nil, logger), id, kb, handlers.Options{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})

	w := do(m.Router(), http.MethodPost, "/logout", aliceToken, nil, "")
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/" {
		t.Fatalf("status = %d, Location = %q", w.Code, w.Header().Get("Location"))
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Errorf("cookie was not cleared: %+v", cookies)
	}
	if len(id.loggedOut) != 1 || id.loggedOut[0] != aliceToken {
		t.Errorf("logged out tokens = %v", id.loggedOut)
	}
}

func TestHandleKnowledge(t *testing.T) {
	h := newTestMain(t, &mockProvider{}).Router()

	var list struct {
		Articles []struct {
			ID       string `json:"id"`
			Category string `json:"category"`
		} `json:"articles"`
		SearchMessage string `json:"searchMessage"`
	}
	w := do(h, http.MethodGet, "/api/knowledge?category=software&q=zen", "", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Articles) != 1 || list.Articles[0].ID != "2" {
		t.Errorf("articles = %+v", list.Articles)
	}
	if !strings.Contains(list.SearchMessage, `"zen"`) {
		t.Errorf("searchMessage = %q", list.SearchMessage)
	}

	w = do(h, http.MethodGet, "/api/knowledge/3", "", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "askMessage") {
		t.Error("article response has no askMessage")
	}

	w = do(h, http.MethodGet, "/api/knowledge/missing", "", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

type snapshotBody struct {
	ID       string `json:"id"`
	Loading  bool   `json:"loading"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		HTML    string `json:"html"`
	} `json:"messages"`
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) snapshotBody {
	t.Helper()
	var snap snapshotBody
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("error decoding snapshot: %v", err)
	}
	return snap
}

func TestAssistantSession(t *testing.T) {
	p := &mockProvider{configured: true, reply: "Please check that the **camera cable** is connected."}
	h := newTestMain(t, p).Router()

	if w := doJSON(h, http.MethodPost, "/api/assistant/sessions/", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("create without session: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w := doJSON(h, http.MethodPost, "/api/assistant/sessions/", aliceToken, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, want %d", w.Code, http.StatusCreated)
	}
	snap := decodeSnapshot(t, w)
	if snap.ID == "" || len(snap.Messages) != 1 || snap.Messages[0].Role != "assistant" {
		t.Fatalf("initial snapshot = %+v", snap)
	}
	base := "/api/assistant/sessions/" + snap.ID

	if w := doJSON(h, http.MethodGet, base+"/", bobToken, ""); w.Code != http.StatusNotFound {
		t.Errorf("other user's session: status = %d, want %d", w.Code, http.StatusNotFound)
	}

	if w := doJSON(h, http.MethodPost, base+"/messages", aliceToken, `{"text":"   "}`); w.Code != http.StatusNoContent {
		t.Errorf("blank message: status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := doJSON(h, http.MethodPost, base+"/messages", aliceToken, `{"text":"The camera shows a black screen"}`); w.Code != http.StatusAccepted {
		t.Fatalf("submit: status = %d, want %d", w.Code, http.StatusAccepted)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap = decodeSnapshot(t, doJSON(h, http.MethodGet, base+"/", aliceToken, ""))
		if len(snap.Messages) == 3 && !snap.Loading {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reply did not arrive: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if snap.Messages[1].Role != "user" || snap.Messages[1].Content != "The camera shows a black screen" {
		t.Errorf("user message = %+v", snap.Messages[1])
	}
	if !strings.Contains(snap.Messages[2].HTML, "<strong>camera cable</strong>") {
		t.Errorf("reply html = %q", snap.Messages[2].HTML)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"Unknown quick help", http.MethodPost, "/quick-help", `{"title":"Plumbing"}`, http.StatusBadRequest},
		{"Invalid image", http.MethodPost, "/image", `{"image":"not a data url"}`, http.StatusBadRequest},
		{"Not an image", http.MethodPost, "/image", `{"image":"data:text/plain;base64,aGk="}`, http.StatusBadRequest},
		{"Attach image", http.MethodPost, "/image", `{"image":"data:image/png;base64,iVBORw0KGgo="}`, http.StatusAccepted},
		{"Remove image", http.MethodDelete, "/image", "", http.StatusAccepted},
		{"Voice before capabilities", http.MethodPost, "/voice/start", "", http.StatusNotImplemented},
		{"Screen before capabilities", http.MethodPost, "/screen/start", "", http.StatusNotImplemented},
		{"Report capabilities", http.MethodPost, "/device-events", `{"type":"capabilities","capabilities":{"recognition":true}}`, http.StatusNoContent},
		{"Voice after capabilities", http.MethodPost, "/voice/start", "", http.StatusAccepted},
		{"Transcript", http.MethodPost, "/device-events", `{"type":"transcript","text":"hello"}`, http.StatusAccepted},
		{"Unknown device event", http.MethodPost, "/device-events", `{"type":"bogus"}`, http.StatusBadRequest},
		{"Speak unknown message", http.MethodPost, "/speech/missing", "", http.StatusNotFound},
		{"Script without fix", http.MethodGet, "/fix/scripts/0", "", http.StatusNotFound},
		{"Dismiss fix", http.MethodDelete, "/fix", "", http.StatusAccepted},
		{"New chat", http.MethodPost, "/new-chat", "", http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(h, tt.method, base+tt.path, aliceToken, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	w = doJSON(h, http.MethodPost, base+"/voice-output/toggle", aliceToken, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"voiceOutput":false`) {
		t.Errorf("toggle voice output: status = %d, body = %s", w.Code, w.Body.String())
	}

	if w := doJSON(h, http.MethodDelete, base+"/", aliceToken, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := doJSON(h, http.MethodGet, base+"/", aliceToken, ""); w.Code != http.StatusNotFound {
		t.Errorf("deleted session: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func (m *mockProvider) Configured() bool { return m.configured }

func (m *mockProvider) Generate(_ context.Context, _ models.Prompt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.reply, m.err
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockIdentity) Register(_ context.Context, params identity.RegisterParams) (identity.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(params.Password) < 6 {
		return identity.Session{}, identity.ValidationError{Fields: []string{"password"}}
	}
	if _, ok := m.passwords[params.Email]; ok {
		return identity.Session{}, identity.ErrUserExists
	}
	m.passwords[params.Email] = params.Password
	return identity.Session{User: models.User{Email: params.Email}}, nil
}

func (m *mockIdentity) Login(_ context.Context, email, password string) (identity.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.passwords[email] != password || password == "" {
		return identity.Session{}, identity.ErrInvalidCredentials
	}
	for token, u := range m.users {
		if u.Email == email {
			return identity.Session{User: u, AccessToken: token, ExpiresAt: time.Now().Add(time.Hour)}, nil
		}
	}
	return identity.Session{}, errors.New("user record missing")
}

func (m *mockIdentity) Logout(_ context.Context, accessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggedOut = append(m.loggedOut, accessToken)
	return nil
}

func (m *mockIdentity) CurrentUser(_ context.Context, accessToken string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[accessToken]
	if !ok {
		return models.User{}, identity.ErrSessionExpired
	}
	return u, nil
}
