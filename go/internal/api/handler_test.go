package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/subathon/go/internal/auth"
	"github.com/mcdev12/subathon/go/internal/chat"
	"github.com/mcdev12/subathon/go/internal/events"
	"github.com/mcdev12/subathon/go/internal/pipeline"
	"github.com/mcdev12/subathon/go/internal/sessions"
	"github.com/mcdev12/subathon/go/internal/timer"
)

type nopHub struct{}

func (nopHub) Broadcast(any) {}

type fakeChat struct {
	mu        sync.Mutex
	connected bool
	channels  []string
	sent      []string
}

func (c *fakeChat) JoinChannel(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		if ch == name {
			return nil
		}
	}
	c.channels = append(c.channels, name)
	return nil
}

func (c *fakeChat) LeaveChannel(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.channels[:0]
	for _, ch := range c.channels {
		if ch != name {
			kept = append(kept, ch)
		}
	}
	c.channels = kept
	return nil
}

func (c *fakeChat) SendMessage(ctx context.Context, channel, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	joined := false
	for _, ch := range c.channels {
		joined = joined || ch == channel
	}
	if !joined {
		return chat.ErrNotJoined
	}
	if !c.connected {
		return chat.ErrNotConnected
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChat) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.channels...)
}

type fakeAuth struct {
	mu      sync.Mutex
	session *auth.Session
	err     error
}

func (a *fakeAuth) Authorize(ctx context.Context, clientID, redirectURI string, scopes []string) (*auth.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.session, nil
}

func (a *fakeAuth) Current() (auth.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return auth.Session{}, false
	}
	return *a.session, true
}

func (a *fakeAuth) Logout() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = nil
	return nil
}

func (a *fakeAuth) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

type testServer struct {
	*httptest.Server
	engine   *timer.Engine
	store    *sessions.MemoryStore
	pipeline *pipeline.Pipeline
	chat     *fakeChat
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	clock := clockwork.NewFakeClock()
	engine := timer.NewEngine(timer.WithClock(clock))
	store := sessions.NewMemoryStore()
	p := pipeline.New(engine, store, nopHub{}, events.NewBus(), pipeline.WithClock(clock))
	fc := &fakeChat{connected: true}

	opts = append([]Option{WithClock(clock), WithChat(fc)}, opts...)
	h := NewHandler(p, engine, store, opts...)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(LogRequests(mux))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, engine: engine, store: store, pipeline: p, chat: fc}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *testServer) createSession(t *testing.T, initial int) sessionResponse {
	t.Helper()
	var created sessionResponse
	if code := s.do(t, http.MethodPost, "/api/sessions", map[string]int{"initialSeconds": initial}, &created); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	return created
}

func TestSessionRoutes(t *testing.T) {
	s := newTestServer(t)

	var created sessionResponse
	if code := s.do(t, http.MethodPost, "/api/sessions/create", nil, &created); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if created.Timer.RemainingSeconds != DefaultInitialSeconds || created.Code == "" {
		t.Fatalf("created = %+v", created)
	}
	if s.pipeline.Active() != created.ID {
		t.Fatal("new session should become active")
	}

	var joined sessionResponse
	if code := s.do(t, http.MethodPost, "/api/sessions/join", map[string]string{"code": created.Code}, &joined); code != http.StatusOK {
		t.Fatalf("join status = %d", code)
	}
	if joined.ID != created.ID {
		t.Fatalf("joined %s, want %s", joined.ID, created.ID)
	}

	var errBody errorBody
	if code := s.do(t, http.MethodPost, "/api/sessions/join", map[string]string{"code": "ZZZZZZ"}, &errBody); code != http.StatusNotFound {
		t.Fatalf("join unknown status = %d", code)
	}
	if errBody.Error != "Session not found" {
		t.Fatalf("error body = %+v", errBody)
	}

	if code := s.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil, nil); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if code := s.do(t, http.MethodGet, "/api/sessions/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("get unknown status = %d", code)
	}
}

func TestSettingsMerge(t *testing.T) {
	s := newTestServer(t)
	created := s.createSession(t, 0)
	path := "/api/settings/" + created.ID

	var updated timer.Settings
	if code := s.do(t, http.MethodPut, path, map[string]int{"followTime": 90}, &updated); code != http.StatusOK {
		t.Fatalf("put status = %d", code)
	}
	if updated.FollowSeconds != 90 || updated.SubSeconds != timer.DefaultSettings().SubSeconds {
		t.Fatalf("updated = %+v", updated)
	}

	var toggles timer.Toggles
	s.do(t, http.MethodPut, "/api/event-toggles/"+created.ID, map[string]bool{"bits": false}, &toggles)
	if toggles.Bits || !toggles.Follows {
		t.Fatalf("toggles = %+v", toggles)
	}

	if code := s.do(t, http.MethodPut, "/api/settings/nope", map[string]int{"followTime": 1}, nil); code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", code)
	}
}

func TestTimerRoutes(t *testing.T) {
	s := newTestServer(t)
	created := s.createSession(t, 60)
	base := "/api/timer/" + created.ID

	var state timer.State
	s.do(t, http.MethodPost, base+"/start", nil, &state)
	if state.Status != timer.StatusRunning {
		t.Fatalf("start state = %+v", state)
	}

	s.do(t, http.MethodPost, base+"/add", map[string]any{"duration": "1m 30s", "reason": "bonus"}, &state)
	if state.RemainingSeconds != 150 {
		t.Fatalf("remaining after add = %d", state.RemainingSeconds)
	}

	s.do(t, http.MethodPost, base+"/add", map[string]any{"seconds": -50}, &state)
	if state.RemainingSeconds != 100 {
		t.Fatalf("remaining after remove = %d", state.RemainingSeconds)
	}

	s.do(t, http.MethodPost, base+"/pause", nil, &state)
	if state.Status != timer.StatusPaused {
		t.Fatalf("pause state = %+v", state)
	}

	var log []timer.LogEntry
	s.do(t, http.MethodGet, "/api/events/"+created.ID, nil, &log)
	if len(log) != 2 || log[0].AddedSeconds != -50 || log[1].Reason != "bonus" {
		t.Fatalf("log = %+v", log)
	}

	s.do(t, http.MethodPost, base+"/reset", nil, &state)
	if state.Status != timer.StatusStopped {
		t.Fatalf("reset state = %+v", state)
	}

	if code := s.do(t, http.MethodPost, base+"/add", map[string]string{"duration": "soon"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad duration status = %d", code)
	}
	if code := s.do(t, http.MethodPost, "/api/timer/nope/start", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown timer status = %d", code)
	}
}

func TestChannelRoutes(t *testing.T) {
	s := newTestServer(t)
	created := s.createSession(t, 0)
	base := "/api/channels/" + created.ID

	var ch sessions.Channel
	if code := s.do(t, http.MethodPost, base, map[string]string{"channelName": "#Streamer"}, &ch); code != http.StatusCreated {
		t.Fatalf("add status = %d", code)
	}
	if ch.Name != "streamer" {
		t.Fatalf("channel = %+v", ch)
	}
	if got := s.chat.Channels(); len(got) != 1 || got[0] != "streamer" {
		t.Fatalf("chat channels = %v", got)
	}

	if code := s.do(t, http.MethodPost, base+"/add", map[string]string{"channelName": "streamer"}, nil); code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", code)
	}
	if code := s.do(t, http.MethodPost, base, map[string]string{"channelName": ""}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty name status = %d", code)
	}

	if code := s.do(t, http.MethodDelete, base+"/"+ch.ID, nil, nil); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	var list []sessions.Channel
	s.do(t, http.MethodGet, base, nil, &list)
	if len(list) != 0 || len(s.chat.Channels()) != 0 {
		t.Fatalf("after delete: store %v, chat %v", list, s.chat.Channels())
	}
}

func TestChatRoutes(t *testing.T) {
	s := newTestServer(t)

	if code := s.do(t, http.MethodPost, "/api/chat/send", chatRequest{Channel: "alpha", Message: "hi"}, nil); code != http.StatusBadRequest {
		t.Fatalf("send before join status = %d", code)
	}

	s.do(t, http.MethodPost, "/api/chat/join", chatRequest{Channel: "alpha"}, nil)
	if code := s.do(t, http.MethodPost, "/api/chat/send", chatRequest{Channel: "alpha", Message: "hi"}, nil); code != http.StatusOK {
		t.Fatalf("send status = %d", code)
	}

	s.chat.mu.Lock()
	s.chat.connected = false
	s.chat.mu.Unlock()
	if code := s.do(t, http.MethodPost, "/api/chat/send", chatRequest{Channel: "alpha", Message: "hi"}, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("send disconnected status = %d", code)
	}

	var resp struct {
		Channels []string `json:"channels"`
	}
	s.do(t, http.MethodGet, "/api/chat/channels", nil, &resp)
	if len(resp.Channels) != 1 || resp.Channels[0] != "alpha" {
		t.Fatalf("channels = %v", resp.Channels)
	}
}

func TestAuthRoutes(t *testing.T) {
	fa := &fakeAuth{session: &auth.Session{UserID: "42", Login: "streamer", DisplayName: "Streamer"}}
	hooked := make(chan string, 1)
	s := newTestServer(t, WithAuth(fa, AuthConfig{ClientID: "cid"}, func(ctx context.Context, sess auth.Session) error {
		hooked <- sess.UserID
		return nil
	}))

	var user userResponse
	if code := s.do(t, http.MethodPost, "/api/auth/login", nil, &user); code != http.StatusOK {
		t.Fatalf("login status = %d", code)
	}
	if user.Login != "streamer" {
		t.Fatalf("user = %+v", user)
	}
	if id := <-hooked; id != "42" {
		t.Fatalf("login hook got %q", id)
	}

	s.do(t, http.MethodPost, "/api/auth/logout", nil, nil)
	if code := s.do(t, http.MethodGet, "/api/auth/user", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("user after logout status = %d", code)
	}
}

func TestLoginFailure(t *testing.T) {
	fa := &fakeAuth{err: &auth.Error{Kind: auth.ErrInvalidState}}
	s := newTestServer(t, WithAuth(fa, AuthConfig{}, nil))

	if code := s.do(t, http.MethodPost, "/api/auth/login", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("status = %d", code)
	}

	fa.fail(&auth.Error{Kind: auth.ErrTimeout})
	if code := s.do(t, http.MethodPost, "/api/auth/login", nil, nil); code != http.StatusGatewayTimeout {
		t.Fatalf("timeout status = %d", code)
	}

	fa.fail(auth.ErrMissingClientSecret)
	if code := s.do(t, http.MethodPost, "/api/auth/login", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("config error status = %d", code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	var body HealthStatus
	if code := s.do(t, http.MethodGet, "/health", nil, &body); code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("health = %d %+v", code, body)
	}
}

func TestHealthDegraded(t *testing.T) {
	s := newTestServer(t,
		WithProbe("store", func(ctx context.Context) error { return nil }),
		WithProbe("nats", func(ctx context.Context) error { return errors.New("disconnected") }),
	)

	var body HealthStatus
	if code := s.do(t, http.MethodGet, "/api/health", nil, &body); code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", code)
	}
	if body.Status != "degraded" || body.Checks["store"] != "ok" || body.Checks["nats"] != "failing" {
		t.Fatalf("body = %+v", body)
	}
	if len(body.Errors) != 1 || body.Errors[0] != "nats: disconnected" {
		t.Fatalf("errors = %v", body.Errors)
	}
}
