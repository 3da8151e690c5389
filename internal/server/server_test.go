package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"wastesync/internal/config"
	"wastesync/internal/db"
	"wastesync/internal/domain"
	"wastesync/internal/engine"
	"wastesync/internal/feed"
	"wastesync/internal/migrate"
	"wastesync/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Hub    *feed.Hub
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Setup(conn, cfg); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	r := repo.Repo{DB: conn, Config: cfg}
	hub := feed.NewHub(feed.RepoSource{Repo: r}, feed.Options{PollInterval: 20 * time.Millisecond, Config: cfg})
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := hub.Poll(ctx); err != nil {
		t.Fatalf("prime hub: %v", err)
	}
	go hub.Run(ctx)

	handler, err := New(Config{
		Engine:   e,
		Repo:     r,
		Hub:      hub,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Hub:    hub,
		client: &http.Client{},
		close: func() {
			cancel()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor, role string) map[string]string {
	return map[string]string{"X-Actor-Id": actor, "X-Role": role}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	if !strings.Contains(string(data), `"feed":"live"`) {
		t.Fatalf("expected live feed, got %s", data)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/kinds", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %s", code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/kinds", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestDevLoginToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", DevLoginRequest{ActorID: "official-1", Role: "official"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, data)
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "official-1" || me.Role != "official" || len(me.Permissions) == 0 {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", DevLoginRequest{ActorID: "x", Role: "mayor"}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown role, got %d", res.StatusCode)
	}
}

func TestItemLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	resident := as("resident-1", "resident")
	official := as("official-1", "official")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/kinds/report/items", CreateItemRequest{ID: "R1", Payload: map[string]any{"address": "12 Elm"}}, resident)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var created domain.WorkItem
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if created.Status != "Pending" || created.OwnerRef == nil || *created.OwnerRef != "resident-1" {
		t.Fatalf("unexpected item %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/kinds/report/items/R1/transition", TransitionRequest{Status: "InProgress"}, resident)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for resident transition, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/kinds/report/items/R1/transition", TransitionRequest{Status: "Resolved"}, official)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != engine.CodeInvalidTransition {
		t.Fatalf("expected invalid_transition, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/kinds/report/items/R1/transition", TransitionRequest{Status: "InProgress", At: "2099-01-01T00:00:00.000000Z"}, official)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != engine.CodeFutureTimestamp {
		t.Fatalf("expected future_timestamp, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/kinds/report/items/R1/transition", TransitionRequest{Status: "InProgress"}, official)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, data)
	}
	var tr engine.TransitionResult
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if !tr.Applied || tr.Previous != "Pending" || tr.Notification == nil {
		t.Fatalf("unexpected transition %+v", tr)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/kinds/report/items/R1/transition", TransitionRequest{Status: "Resolved"}, official)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != engine.CodeResponseRequired {
		t.Fatalf("expected response_required, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications", nil, resident)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list notifications status %d: %s", res.StatusCode, data)
	}
	var notes notificationList
	if err := json.Unmarshal(data, &notes); err != nil {
		t.Fatalf("unmarshal notifications: %v", err)
	}
	if len(notes.Items) != 1 || notes.Items[0].Read {
		t.Fatalf("expected one unread notification, got %+v", notes.Items)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications", nil, as("resident-2", "resident"))
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"items":[]`) {
		t.Fatalf("other resident should see nothing, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/notifications/"+notes.Items[0].ID+"/read", nil, resident)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"read":true`) {
		t.Fatalf("mark read status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/kinds/report/items/R1/archive", nil, official)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("archive status %d: %s", res.StatusCode, data)
	}
	var moved MoveResponse
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatalf("unmarshal move: %v", err)
	}
	if !moved.SourceRemoved || moved.Archived == nil || moved.Archived.SourceID != "R1" {
		t.Fatalf("unexpected move %+v", moved)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/kinds/report/items/R1", nil, official)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected archived item to be gone, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/kinds/report/items/R1/transition", TransitionRequest{Status: "Resolved", Response: "done"}, official)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("transition of archived item should be 404, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/kinds/report/archive/R1/restore", nil, official)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("restore status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/kinds/report/items/R1", nil, official)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("restored item status %d: %s", res.StatusCode, data)
	}
}

func TestPurgeRequiresDeletableKind(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	official := as("official-1", "official")
	for _, kind := range []string{"report", "feedback"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/kinds/"+kind+"/items", CreateItemRequest{ID: "X1"}, official)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s status %d: %s", kind, res.StatusCode, data)
		}
	}
	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/kinds/report/items/X1", nil, official)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != engine.CodeNotDeletable {
		t.Fatalf("expected not_deletable, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/kinds/feedback/items/X1", nil, official)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("purge status %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/kinds/feedback/items/X1", nil, official)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second purge should be 404, got %d", res.StatusCode)
	}
}

func TestUnknownKind(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/kinds/pothole/items", nil, as("official-1", "official"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != engine.CodeUnknownKind {
		t.Fatalf("expected unknown_kind, got %d: %s", res.StatusCode, data)
	}
}

func TestStreamDeliversOwnRows(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/feed/stream?kinds=report&notifications=false", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Actor-Id", "resident-1")
	req.Header.Set("X-Role", "resident")
	events := make(chan feed.Event, 16)
	go func() {
		res, err := srv.Client().Do(req)
		if err != nil {
			return
		}
		defer res.Body.Close()
		scanner := bufio.NewScanner(res.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var ev feed.Event
			if json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev) == nil {
				events <- ev
			}
		}
	}()

	for srv.Hub.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("stream never subscribed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, err := srv.Engine.CreateItem(ctx, engine.CreateItemOptions{ID: "R-other", Kind: "report", OwnerRef: "resident-2"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := srv.Engine.CreateItem(ctx, engine.CreateItemOptions{ID: "R-mine", Kind: "report", OwnerRef: "resident-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != feed.EventInserted || ev.RowID != "R-mine" || ev.Table != "reports" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("no event received")
	}
}

func TestStreamForbiddenWithoutPermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	cfg := srv.Engine.Config
	cfg.RBAC.Roles["viewer"] = config.RBACRole{Permissions: []string{"item.read"}}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/feed/stream", nil, as("v-1", "viewer"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, data)
	}
}
