package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bfgsync/internal/allocation"
	"bfgsync/internal/clock"
	"bfgsync/internal/collection"
	"bfgsync/internal/model"
	"bfgsync/internal/policy"
	"bfgsync/internal/transport"
)

type fakePlatform struct {
	mu          sync.Mutex
	userID      int64
	memberships string
	logins      int
	paths       []string
	bodies      map[string]map[string]any
}

func (p *fakePlatform) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.paths = append(p.paths, r.Method+" "+r.URL.Path)
		if r.Header.Get("Content-Type") == "application/json" {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			p.bodies[r.URL.Path] = body
		}
		switch r.URL.Path {
		case "/action/login":
			p.logins++
			if p.userID == 0 {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"errors":["denied"]}`))
				return
			}
			_, _ = w.Write([]byte(`{"data":{"id":` + jsonInt(p.userID) + `,"login":"planner"}}`))
		case "/rest/collection/group":
			_, _ = w.Write([]byte(`{"group":[{"id":1,"service":true},{"id":2,"service":false},{"id":3,"service":false}],"meta":{"count":3}}`))
		case "/rest/collection/user_group":
			_, _ = w.Write([]byte(`{"user_group":` + p.memberships + `,"meta":{"count":1}}`))
		case "/rest/collection/specification_item":
			_, _ = w.Write([]byte(`{"specification_item":[{"id":1,"parent_id":10,"child_id":11,"amount":2}],"meta":{"count":1}}`))
		case "/action/upload":
			_, _ = w.Write([]byte(`{"data":"uploads/plan.xlsx"}`))
		case "/action/import/plan":
			_, _ = w.Write([]byte(`{"data":{"plan_id":9}}`))
		case "/rest/static_session":
			_, _ = w.Write([]byte(`{"static_session":{"id":77}}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	})
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newTestClient(t *testing.T, platform *fakePlatform, clk *clock.FakeClock) *Client {
	t.Helper()
	if platform.bodies == nil {
		platform.bodies = map[string]map[string]any{}
	}
	server := httptest.NewServer(platform.handler())
	t.Cleanup(server.Close)

	cfg := policy.Default()
	cfg.Input.URL = server.URL + "/"
	cfg.Input.Login = "planner"
	cfg.Input.Password = "secret"
	cfg.Input.WSURL = "ws://" + server.Listener.Addr().String()
	client, err := New(cfg, Options{Clock: clk})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestUsersOfMyGroup(t *testing.T) {
	platform := &fakePlatform{
		userID:      5,
		memberships: `[{"id":1,"user_id":5,"group_id":2},{"id":2,"user_id":6,"group_id":2},{"id":3,"user_id":7,"group_id":3}]`,
	}
	client := newTestClient(t, platform, clock.Fake(time.Unix(0, 0)))

	users, err := client.UsersOfMyGroup(context.Background())
	if err != nil {
		t.Fatalf("users of my group: %v", err)
	}
	if len(users) != 2 || users[0] != 5 || users[1] != 6 {
		t.Fatalf("unexpected users %v", users)
	}
}

func TestUsersOfMyGroupServiceMemberGetsEmptyList(t *testing.T) {
	platform := &fakePlatform{
		userID:      5,
		memberships: `[{"id":1,"user_id":5,"group_id":1},{"id":2,"user_id":6,"group_id":1}]`,
	}
	client := newTestClient(t, platform, clock.Fake(time.Unix(0, 0)))

	users, err := client.UsersOfMyGroup(context.Background())
	if err != nil {
		t.Fatalf("users of my group: %v", err)
	}
	if users == nil || len(users) != 0 {
		t.Fatalf("expected empty list for service group member, got %v", users)
	}
}

func TestCollectionCallsLogInFirst(t *testing.T) {
	platform := &fakePlatform{userID: 5, memberships: `[]`}
	client := newTestClient(t, platform, clock.Fake(time.Unix(0, 0)))

	if _, err := client.FetchCollection(context.Background(), "group", collection.Query{}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if platform.paths[0] != "POST /action/login" || platform.paths[1] != "GET /rest/collection/group" {
		t.Fatalf("expected login before fetch, got %v", platform.paths)
	}
	spec, err := client.Spec(context.Background(), 10)
	if err != nil || spec[11] != 2 {
		t.Fatalf("unexpected spec %v err=%v", spec, err)
	}
	if _, err := client.Spec(context.Background(), 10); err != nil {
		t.Fatalf("cached spec: %v", err)
	}
	if platform.logins != 2 {
		t.Fatalf("expected one login per network fetch, got %d", platform.logins)
	}
}

func TestLoginRejectionIsAuthError(t *testing.T) {
	platform := &fakePlatform{userID: 0}
	client := newTestClient(t, platform, clock.Fake(time.Unix(0, 0)))

	_, err := client.FetchCollection(context.Background(), "group", collection.Query{})
	var authErr *transport.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	for _, path := range platform.paths {
		if path == "GET /rest/collection/group" {
			t.Fatalf("expected no fetch after a rejected login")
		}
	}
}

func TestImportPlanNamesPlanAfterFileAndTime(t *testing.T) {
	platform := &fakePlatform{userID: 5}
	clk := clock.Fake(time.Date(2024, 3, 1, 8, 30, 15, 0, time.UTC))
	client := newTestClient(t, platform, clk)

	path := filepath.Join(t.TempDir(), "plan.xlsx")
	if err := os.WriteFile(path, []byte("xlsx"), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	result, err := client.ImportPlan(context.Background(), path, 1)
	if err != nil {
		t.Fatalf("import plan: %v", err)
	}
	if string(result) != `{"plan_id":9}` {
		t.Fatalf("unexpected import result %s", result)
	}
	data, _ := platform.bodies["/action/import/plan"]["data"].(map[string]any)
	plan, _ := data["plan"].(map[string]any)
	if plan["name"] != "plan.xlsx (2024-03-01T08:30:15)" {
		t.Fatalf("unexpected plan name %v", plan["name"])
	}
	if data["filepath"] != "uploads/plan.xlsx" || data["time_zone"] != float64(3) {
		t.Fatalf("unexpected import payload %+v", data)
	}
}

func TestCreateStaticCalculationDefaultsToLoggedInUser(t *testing.T) {
	platform := &fakePlatform{userID: 5}
	client := newTestClient(t, platform, clock.Fake(time.Unix(0, 0)))

	result, err := client.CreateStaticCalculation(context.Background(), allocation.Request{PlanID: 3})
	if err != nil {
		t.Fatalf("create static calculation: %v", err)
	}
	if result.SessionID != 77 {
		t.Fatalf("unexpected session id %d", result.SessionID)
	}
	created, _ := platform.bodies["/rest/static_session"]["static_session"].(map[string]any)
	if created["user_id"] != float64(5) || created["plan_id"] != float64(3) {
		t.Fatalf("unexpected static session %+v", created)
	}
	if err := client.DeleteStaticSession(context.Background(), result.SessionID); err != nil {
		t.Fatalf("delete static session: %v", err)
	}
	if last := platform.paths[len(platform.paths)-1]; last != "DELETE /rest/static_session/77" {
		t.Fatalf("unexpected last call %q", last)
	}
}

func TestCreateStaticCalculationLogsInBeforeEveryWorkflowCall(t *testing.T) {
	platform := &fakePlatform{userID: 5}
	client := newTestClient(t, platform, clock.Fake(time.Unix(0, 0)))

	if _, err := client.CreateStaticCalculation(context.Background(), allocation.Request{PlanID: 3}); err != nil {
		t.Fatalf("create static calculation: %v", err)
	}
	platform.mu.Lock()
	defer platform.mu.Unlock()
	calls := 0
	for i, path := range platform.paths {
		if path == "POST /action/login" {
			continue
		}
		calls++
		if i == 0 || platform.paths[i-1] != "POST /action/login" {
			t.Fatalf("expected a login right before %q, got %v", path, platform.paths)
		}
	}
	if calls != 2 || platform.logins != 3 {
		t.Fatalf("expected create and run behind their own logins, got %v", platform.paths)
	}
}

type countingAuth struct {
	calls int
	err   error
}

func (a *countingAuth) Login(context.Context) (model.User, error) {
	a.calls++
	return model.User{ID: 9}, a.err
}

func TestGateLogsInEveryCallWithoutTTL(t *testing.T) {
	auth := &countingAuth{}
	gate := NewGate(auth, clock.Fake(time.Unix(0, 0)), 0, nil)
	for i := 0; i < 3; i++ {
		if _, err := gate.Ensure(context.Background()); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	if auth.calls != 3 {
		t.Fatalf("expected 3 logins, got %d", auth.calls)
	}
}

func TestGateReusesLoginWithinTTL(t *testing.T) {
	auth := &countingAuth{}
	clk := clock.Fake(time.Unix(0, 0))
	gate := NewGate(auth, clk, time.Minute, nil)

	for i := 0; i < 2; i++ {
		user, err := gate.Ensure(context.Background())
		if err != nil || user.ID != 9 {
			t.Fatalf("ensure: user=%+v err=%v", user, err)
		}
	}
	if auth.calls != 1 {
		t.Fatalf("expected a single login within ttl, got %d", auth.calls)
	}
	clk.Advance(time.Minute)
	if _, err := gate.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure after ttl: %v", err)
	}
	if auth.calls != 2 {
		t.Fatalf("expected a new login after ttl, got %d", auth.calls)
	}
	gate.Invalidate()
	if _, err := gate.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure after invalidate: %v", err)
	}
	if auth.calls != 3 {
		t.Fatalf("expected a new login after invalidate, got %d", auth.calls)
	}
}

func TestGateFailureIsNotCached(t *testing.T) {
	auth := &countingAuth{err: errors.New("rejected")}
	gate := NewGate(auth, clock.Fake(time.Unix(0, 0)), time.Hour, nil)
	if _, err := gate.Ensure(context.Background()); err == nil {
		t.Fatalf("expected login error")
	}
	auth.err = nil
	if _, err := gate.Ensure(context.Background()); err != nil {
		t.Fatalf("expected retry to log in: %v", err)
	}
	if auth.calls != 2 {
		t.Fatalf("expected 2 login attempts, got %d", auth.calls)
	}
}
