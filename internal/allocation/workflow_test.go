package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bfgsync/internal/clock"
	"bfgsync/internal/hsm"
	"bfgsync/internal/model"
)

type fakeAPI struct {
	mu sync.Mutex

	stamp        string
	hasStamp     bool
	snapshotBody string
	allocated    []bool
	checkErr     error
	sessionID    int64

	calls          []string
	allocateUUID   string
	temporaryKeys  []string
	createdSession model.StaticSession
	ranSession     int64
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) LastImportStamp(_ context.Context, importType int) (string, bool, error) {
	f.record("last_import")
	if importType != model.ImportTypeWIP {
		return "", false, errors.New("unexpected import type")
	}
	return f.stamp, f.hasStamp, nil
}

func (f *fakeAPI) RequestSnapshot(_ context.Context, stamp string) (json.RawMessage, error) {
	f.record("snapshot " + stamp)
	return json.RawMessage(f.snapshotBody), nil
}

func (f *fakeAPI) CheckAllocation(_ context.Context, _ int64, _ int64) (bool, error) {
	f.record("check")
	if f.checkErr != nil {
		return false, f.checkErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.allocated) == 0 {
		return true, nil
	}
	next := f.allocated[0]
	f.allocated = f.allocated[1:]
	return next, nil
}

func (f *fakeAPI) Allocate(_ context.Context, sessionUUID string, _ int64, _ int64) error {
	f.record("allocate")
	f.allocateUUID = sessionUUID
	return nil
}

func (f *fakeAPI) TemporaryResult(_ context.Context, key string) (json.RawMessage, error) {
	f.record("temporary " + key)
	f.temporaryKeys = append(f.temporaryKeys, key)
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeAPI) CreateStaticSession(_ context.Context, session model.StaticSession) (int64, error) {
	f.record("create_session")
	f.createdSession = session
	if f.sessionID == 0 {
		return 500, nil
	}
	return f.sessionID, nil
}

func (f *fakeAPI) RunStatic(_ context.Context, sessionID int64) error {
	f.record("run_static")
	f.ranSession = sessionID
	return nil
}

type fakeConn struct {
	messages chan model.ChannelMessage
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn(messages ...model.ChannelMessage) *fakeConn {
	conn := &fakeConn{
		messages: make(chan model.ChannelMessage, len(messages)),
		closed:   make(chan struct{}),
	}
	for _, message := range messages {
		conn.messages <- message
	}
	return conn
}

func (c *fakeConn) Next() (model.ChannelMessage, error) {
	select {
	case message := <-c.messages:
		return message, nil
	case <-c.closed:
		return model.ChannelMessage{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	conn  *fakeConn
	dials []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (MessageConn, error) {
	d.dials = append(d.dials, url)
	return d.conn, nil
}

type recordingPublisher struct {
	transitions []model.AllocationTransition
}

func (p *recordingPublisher) PublishTransition(_ context.Context, transition model.AllocationTransition) error {
	p.transitions = append(p.transitions, transition)
	return nil
}

func newTestWorkflow(t *testing.T, api *fakeAPI, dialer Dialer, clk *clock.FakeClock, timeout time.Duration) *Workflow {
	t.Helper()
	workflow, err := New(Config{
		API:               api,
		Dialer:            dialer,
		WSURL:             "wss://bfg.example.local/ws/",
		TimeZone:          "3",
		Clock:             clk,
		SettleDelay:       10 * time.Second,
		AllocationTimeout: timeout,
		NewUUID:           func() string { return "alloc-uuid" },
	})
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}
	return workflow
}

func traceStates(trace []model.AllocationTransition) []model.AllocationState {
	states := make([]model.AllocationState, 0, len(trace))
	for _, transition := range trace {
		states = append(states, transition.To)
	}
	return states
}

func assertStates(t *testing.T, trace []model.AllocationTransition, want ...model.AllocationState) {
	t.Helper()
	got := traceStates(trace)
	if len(got) != len(want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, got)
		}
	}
	for _, transition := range trace {
		if !hsm.CanTransitionAllocation(transition.From, transition.To) {
			t.Fatalf("trace contains illegal transition %s -> %s", transition.From, transition.To)
		}
	}
}

func TestRunWithoutWipSkipsAllocation(t *testing.T) {
	api := &fakeAPI{}
	dialer := &fakeDialer{conn: newFakeConn()}
	workflow := newTestWorkflow(t, api, dialer, clock.Fake(time.Unix(0, 0)), time.Second)

	result, err := workflow.Run(context.Background(), Request{PlanID: 7, UserID: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SessionID != 500 || result.SnapshotID != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if strings.Join(api.calls, ",") != "create_session,run_static" {
		t.Fatalf("unexpected calls %v", api.calls)
	}
	assertStates(t, result.Trace,
		model.AllocationStateCreatingSession,
		model.AllocationStateSessionCreated,
		model.AllocationStateActivated,
	)
	if len(dialer.dials) != 0 {
		t.Fatalf("expected no websocket without wip")
	}
}

func TestRunNoWipImportFallsBackToNullSnapshot(t *testing.T) {
	api := &fakeAPI{hasStamp: false}
	dialer := &fakeDialer{conn: newFakeConn()}
	workflow := newTestWorkflow(t, api, dialer, clock.Fake(time.Unix(0, 0)), time.Second)

	result, err := workflow.Run(context.Background(), Request{PlanID: 7, UserID: 2, WithWIP: true})
	if err != nil {
		t.Fatalf("expected no-wip fallback, got %v", err)
	}
	if api.createdSession.EntityBatchSnapshotID != nil {
		t.Fatalf("expected null snapshot, got %d", *api.createdSession.EntityBatchSnapshotID)
	}
	if api.createdSession.TimeZone != "3" || api.createdSession.UserID != 2 {
		t.Fatalf("unexpected static session %+v", api.createdSession)
	}
	assertStates(t, result.Trace,
		model.AllocationStateCheckingWip,
		model.AllocationStateNoWip,
		model.AllocationStateCreatingSession,
		model.AllocationStateSessionCreated,
		model.AllocationStateActivated,
	)
	if len(dialer.dials) != 0 {
		t.Fatalf("expected no websocket when there is no wip")
	}
}

func TestRunSnapshotMissingIDFallsBackToNoWip(t *testing.T) {
	api := &fakeAPI{hasStamp: true, stamp: "2024-03-01T08:00:00", snapshotBody: `{"data":null}`}
	workflow := newTestWorkflow(t, api, &fakeDialer{conn: newFakeConn()}, clock.Fake(time.Unix(0, 0)), time.Second)

	result, err := workflow.Run(context.Background(), Request{PlanID: 7, UserID: 2, WithWIP: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SnapshotID != nil {
		t.Fatalf("expected no snapshot")
	}
	assertStates(t, result.Trace,
		model.AllocationStateCheckingWip,
		model.AllocationStateResolvingSnapshot,
		model.AllocationStateNoWip,
		model.AllocationStateCreatingSession,
		model.AllocationStateSessionCreated,
		model.AllocationStateActivated,
	)
}

func TestRunUnexpectedSnapshotShapeFails(t *testing.T) {
	api := &fakeAPI{hasStamp: true, stamp: "s", snapshotBody: `{"errors":[]}`}
	workflow := newTestWorkflow(t, api, &fakeDialer{conn: newFakeConn()}, clock.Fake(time.Unix(0, 0)), time.Second)

	result, err := workflow.Run(context.Background(), Request{PlanID: 7, WithWIP: true})
	if !errors.Is(err, ErrUnexpectedSnapshot) {
		t.Fatalf("expected ErrUnexpectedSnapshot, got %v", err)
	}
	states := traceStates(result.Trace)
	if states[len(states)-1] != model.AllocationStateFailed {
		t.Fatalf("expected failed terminal state, got %v", states)
	}
	for _, call := range api.calls {
		if call == "create_session" {
			t.Fatalf("expected no static session after an unexpected snapshot response")
		}
	}
}

func TestRunAlreadyAllocatedNeverOpensChannel(t *testing.T) {
	api := &fakeAPI{hasStamp: true, stamp: "s", snapshotBody: `{"errors":[{"description":{"id":42}}]}`, allocated: []bool{true}}
	dialer := &fakeDialer{conn: newFakeConn()}
	workflow := newTestWorkflow(t, api, dialer, clock.Fake(time.Unix(0, 0)), time.Second)

	result, err := workflow.Run(context.Background(), Request{PlanID: 7, WithWIP: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(dialer.dials) != 0 {
		t.Fatalf("expected no websocket for an allocated plan, got %v", dialer.dials)
	}
	if result.SnapshotID == nil || *result.SnapshotID != 42 {
		t.Fatalf("expected snapshot 42, got %v", result.SnapshotID)
	}
	if *api.createdSession.EntityBatchSnapshotID != 42 {
		t.Fatalf("expected session seeded with snapshot 42")
	}
	assertStates(t, result.Trace,
		model.AllocationStateCheckingWip,
		model.AllocationStateResolvingSnapshot,
		model.AllocationStateCheckingAllocation,
		model.AllocationStateCreatingSession,
		model.AllocationStateSessionCreated,
		model.AllocationStateActivated,
	)
}

func TestRunAllocatesAndWaitsForCompletion(t *testing.T) {
	api := &fakeAPI{hasStamp: true, stamp: "s", snapshotBody: `{"data":{"id":41}}`, allocated: []bool{false, true}}
	conn := newFakeConn(
		model.ChannelMessage{Msg: "PLAN_PROGRESS"},
		model.ChannelMessage{Msg: model.MessageAllocationCompleted, Data: json.RawMessage(`{"result_temporary_key":"tmp-1"}`)},
	)
	dialer := &fakeDialer{conn: conn}
	clk := clock.Fake(time.Unix(0, 0))
	publisher := &recordingPublisher{}
	workflow, err := New(Config{
		API:               api,
		Dialer:            dialer,
		WSURL:             "wss://bfg.example.local/ws",
		Clock:             clk,
		SettleDelay:       10 * time.Second,
		AllocationTimeout: time.Second,
		Publisher:         publisher,
	})
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}

	result, err := workflow.Run(context.Background(), Request{PlanID: 7, WithWIP: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(dialer.dials) != 1 || dialer.dials[0] != "wss://bfg.example.local/ws/message" {
		t.Fatalf("unexpected dials %v", dialer.dials)
	}
	if len(api.allocateUUID) != 36 {
		t.Fatalf("expected a generated uuid, got %q", api.allocateUUID)
	}
	if len(api.temporaryKeys) != 1 || api.temporaryKeys[0] != "tmp-1" {
		t.Fatalf("expected temporary result fetch, got %v", api.temporaryKeys)
	}
	if sleeps := clk.Sleeps(); len(sleeps) != 1 || sleeps[0] != 10*time.Second {
		t.Fatalf("expected settle delay, got %v", sleeps)
	}
	if !conn.isClosed() {
		t.Fatalf("expected message channel to be closed")
	}
	want := "last_import,snapshot s,check,allocate,temporary tmp-1,check,create_session,run_static"
	if strings.Join(api.calls, ",") != want {
		t.Fatalf("unexpected call order %v", api.calls)
	}
	assertStates(t, result.Trace,
		model.AllocationStateCheckingWip,
		model.AllocationStateResolvingSnapshot,
		model.AllocationStateCheckingAllocation,
		model.AllocationStateAllocating,
		model.AllocationStateAwaitingCompletion,
		model.AllocationStateSettling,
		model.AllocationStateCreatingSession,
		model.AllocationStateSessionCreated,
		model.AllocationStateActivated,
	)
	if len(publisher.transitions) != len(result.Trace) {
		t.Fatalf("expected every transition published, got %d of %d", len(publisher.transitions), len(result.Trace))
	}
}

func TestRunAllocationFailedClosesChannel(t *testing.T) {
	api := &fakeAPI{hasStamp: true, stamp: "s", snapshotBody: `{"data":{"id":41}}`, allocated: []bool{false}}
	conn := newFakeConn(model.ChannelMessage{Msg: model.MessageAllocationFailed, Data: json.RawMessage(`{"reason":"capacity"}`)})
	workflow := newTestWorkflow(t, api, &fakeDialer{conn: conn}, clock.Fake(time.Unix(0, 0)), time.Second)

	result, err := workflow.Run(context.Background(), Request{PlanID: 7, WithWIP: true})
	var failed *AllocationFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected AllocationFailedError, got %v", err)
	}
	if failed.SessionUUID != "alloc-uuid" || !strings.Contains(failed.Detail, "capacity") {
		t.Fatalf("unexpected failure detail %+v", failed)
	}
	if !conn.isClosed() {
		t.Fatalf("expected message channel to be closed")
	}
	if result.SessionID != 0 {
		t.Fatalf("expected no static session, got %d", result.SessionID)
	}
	states := traceStates(result.Trace)
	if states[len(states)-1] != model.AllocationStateFailed {
		t.Fatalf("expected failed terminal state, got %v", states)
	}
}

func TestRunAllocationTimeoutRunsOnWorkflowClock(t *testing.T) {
	api := &fakeAPI{hasStamp: true, stamp: "s", snapshotBody: `{"data":{"id":41}}`, allocated: []bool{false}}
	conn := newFakeConn(model.ChannelMessage{Msg: "PLAN_PROGRESS"})
	clk := clock.Fake(time.Unix(0, 0))
	workflow := newTestWorkflow(t, api, &fakeDialer{conn: conn}, clk, 30*time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := workflow.Run(context.Background(), Request{PlanID: 7, WithWIP: true})
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for clk.Timers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("workflow never started waiting for completion")
		}
		time.Sleep(time.Millisecond)
	}
	clk.Advance(29 * time.Minute)
	select {
	case err := <-done:
		t.Fatalf("expected workflow to keep waiting before the timeout, got %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Minute)
	select {
	case err := <-done:
		if !errors.Is(err, ErrAllocationTimeout) {
			t.Fatalf("expected ErrAllocationTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected timeout once the workflow clock passed the deadline")
	}
	if !conn.isClosed() {
		t.Fatalf("expected message channel to be closed after timeout")
	}
}

func TestRunCheckFailurePropagates(t *testing.T) {
	api := &fakeAPI{hasStamp: true, stamp: "s", snapshotBody: `{"data":{"id":41}}`, checkErr: errors.New("transport down")}
	workflow := newTestWorkflow(t, api, &fakeDialer{conn: newFakeConn()}, clock.Fake(time.Unix(0, 0)), time.Second)
	if _, err := workflow.Run(context.Background(), Request{PlanID: 7, WithWIP: true}); err == nil || !strings.Contains(err.Error(), "transport down") {
		t.Fatalf("expected check failure, got %v", err)
	}
}

func TestWebsocketDialerReadsEnvelopes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/message" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteJSON(map[string]any{"msg": model.MessageAllocationCompleted, "data": map[string]any{"result_temporary_key": "k"}})
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	dialer := NewWebsocketDialer(nil)
	wsURL := "wss" + strings.TrimPrefix(server.URL, "https") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx, MessageChannelURL(wsURL))
	if err != nil {
		t.Fatalf("dial self-signed channel: %v", err)
	}
	defer conn.Close()

	message, err := conn.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if message.Msg != model.MessageAllocationCompleted || message.ResultKey() != "k" {
		t.Fatalf("unexpected message %+v", message)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
