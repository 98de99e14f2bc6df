// Package allocation runs the allocate-then-calculate workflow: it resolves
// the WIP snapshot of a plan, makes sure the plan is allocated against it
// (waiting on the platform message channel when it is not), then creates
// and activates a static calculation session.
package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"bfgsync/internal/clock"
	"bfgsync/internal/hsm"
	"bfgsync/internal/model"
)

const (
	DefaultSettleDelay       = 10 * time.Second
	DefaultAllocationTimeout = 30 * time.Minute
)

// API is the subset of platform calls the workflow performs.
type API interface {
	LastImportStamp(ctx context.Context, importType int) (string, bool, error)
	RequestSnapshot(ctx context.Context, stamp string) (json.RawMessage, error)
	CheckAllocation(ctx context.Context, planID int64, snapshotID int64) (bool, error)
	Allocate(ctx context.Context, sessionUUID string, planID int64, snapshotID int64) error
	TemporaryResult(ctx context.Context, key string) (json.RawMessage, error)
	CreateStaticSession(ctx context.Context, session model.StaticSession) (int64, error)
	RunStatic(ctx context.Context, sessionID int64) error
}

// TransitionPublisher receives every workflow step.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, transition model.AllocationTransition) error
}

type Config struct {
	API    API
	Dialer Dialer
	// WSURL is the websocket base; the channel lives at {WSURL}/message.
	WSURL    string
	TimeZone model.TimeZone

	Clock             clock.Clock
	SettleDelay       time.Duration
	AllocationTimeout time.Duration

	Publisher TransitionPublisher
	Logger    *slog.Logger
	// NewUUID overrides the allocation session id generator.
	NewUUID func() string
}

type Request struct {
	Start   time.Time
	Stop    time.Time
	PlanID  int64
	UserID  int64
	WithWIP bool
}

type Result struct {
	RunID      string
	SessionID  int64
	SnapshotID *int64
	Trace      []model.AllocationTransition
}

type stepFunc func(ctx context.Context, r *run) (model.AllocationState, string, error)

type Workflow struct {
	api               API
	dialer            Dialer
	channelURL        string
	timeZone          model.TimeZone
	clock             clock.Clock
	settleDelay       time.Duration
	allocationTimeout time.Duration
	publisher         TransitionPublisher
	logger            *slog.Logger
	newUUID           func() string

	steps map[model.AllocationState]stepFunc
}

func New(cfg Config) (*Workflow, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("allocation: platform API is required")
	}
	w := &Workflow{
		api:               cfg.API,
		dialer:            cfg.Dialer,
		timeZone:          cfg.TimeZone,
		clock:             cfg.Clock,
		settleDelay:       cfg.SettleDelay,
		allocationTimeout: cfg.AllocationTimeout,
		publisher:         cfg.Publisher,
		logger:            cfg.Logger,
		newUUID:           cfg.NewUUID,
	}
	if strings.TrimSpace(cfg.WSURL) != "" {
		w.channelURL = MessageChannelURL(cfg.WSURL)
	}
	if w.clock == nil {
		w.clock = clock.Real()
	}
	if w.settleDelay < 0 {
		w.settleDelay = 0
	}
	if w.allocationTimeout <= 0 {
		w.allocationTimeout = DefaultAllocationTimeout
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.newUUID == nil {
		w.newUUID = func() string { return uuid.NewString() }
	}
	if w.dialer == nil {
		w.dialer = NewWebsocketDialer(w.logger)
	}
	w.steps = map[model.AllocationState]stepFunc{
		model.AllocationStateIdle:               stepIdle,
		model.AllocationStateCheckingWip:        stepCheckingWip,
		model.AllocationStateResolvingSnapshot:  stepResolvingSnapshot,
		model.AllocationStateCheckingAllocation: stepCheckingAllocation,
		model.AllocationStateAllocating:         stepAllocating,
		model.AllocationStateAwaitingCompletion: stepAwaitingCompletion,
		model.AllocationStateSettling:           stepSettling,
		model.AllocationStateNoWip:              stepNoWip,
		model.AllocationStateCreatingSession:    stepCreatingSession,
		model.AllocationStateSessionCreated:     stepSessionCreated,
	}
	return w, nil
}

type run struct {
	w       *Workflow
	request Request
	id      string
	logger  *slog.Logger

	state       model.AllocationState
	stamp       string
	snapshotID  *int64
	sessionUUID string
	conn        MessageConn
	sessionID   int64
	trace       []model.AllocationTransition
}

// Run drives one workflow from idle to activated and returns the static
// session id. The caller deletes the session when done with it.
func (w *Workflow) Run(ctx context.Context, request Request) (Result, error) {
	r := &run{
		w:       w,
		request: request,
		id:      uuid.NewString(),
		state:   model.AllocationStateIdle,
	}
	r.logger = w.logger.With("run_id", r.id, "plan_id", request.PlanID)
	defer r.closeChannel()

	r.logger.Info("static calculation requested",
		"user_id", request.UserID,
		"with_wip", request.WithWIP,
		"start", request.Start.Format(time.DateOnly),
		"stop", request.Stop.Format(time.DateOnly),
	)

	for !r.state.Terminal() {
		step, ok := w.steps[r.state]
		if !ok {
			return r.result(), fmt.Errorf("allocation: no step for state %s", r.state)
		}
		next, detail, err := step(ctx, r)
		if err != nil {
			r.logger.Error("allocation workflow failed", "state", r.state, "error", err)
			if hsm.CanTransitionAllocation(r.state, model.AllocationStateFailed) {
				_ = r.transition(ctx, model.AllocationStateFailed, err.Error())
			}
			return r.result(), err
		}
		if err := r.transition(ctx, next, detail); err != nil {
			return r.result(), err
		}
	}
	return r.result(), nil
}

func (r *run) transition(ctx context.Context, to model.AllocationState, detail string) error {
	if !hsm.CanTransitionAllocation(r.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.state, to)
	}
	transition := model.AllocationTransition{
		RunID:  r.id,
		PlanID: r.request.PlanID,
		From:   r.state,
		To:     to,
		Detail: detail,
		At:     r.w.clock.Now(),
	}
	r.trace = append(r.trace, transition)
	r.state = to
	r.logger.Info("allocation transition", "from", transition.From, "to", transition.To, "detail", detail)
	if r.w.publisher != nil {
		if err := r.w.publisher.PublishTransition(context.WithoutCancel(ctx), transition); err != nil {
			r.logger.Warn("publish allocation transition", "error", err)
		}
	}
	return nil
}

func (r *run) result() Result {
	return Result{
		RunID:      r.id,
		SessionID:  r.sessionID,
		SnapshotID: r.snapshotID,
		Trace:      append([]model.AllocationTransition(nil), r.trace...),
	}
}

func (r *run) closeChannel() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Close(); err != nil {
		r.logger.Debug("close message channel", "error", err)
	}
	r.conn = nil
}

func stepIdle(_ context.Context, r *run) (model.AllocationState, string, error) {
	if !r.request.WithWIP {
		return model.AllocationStateCreatingSession, "calculation without wip", nil
	}
	return model.AllocationStateCheckingWip, "", nil
}

func stepCheckingWip(ctx context.Context, r *run) (model.AllocationState, string, error) {
	stamp, ok, err := r.w.api.LastImportStamp(ctx, model.ImportTypeWIP)
	if err != nil {
		return "", "", fmt.Errorf("allocation: last wip import: %w", err)
	}
	if !ok {
		return model.AllocationStateNoWip, "no wip import session", nil
	}
	r.stamp = stamp
	return model.AllocationStateResolvingSnapshot, "wip stamp " + stamp, nil
}

func stepResolvingSnapshot(ctx context.Context, r *run) (model.AllocationState, string, error) {
	body, err := r.w.api.RequestSnapshot(ctx, r.stamp)
	if err != nil {
		return "", "", fmt.Errorf("allocation: snapshot at %s: %w", r.stamp, err)
	}
	resolution := ResolveSnapshot(body)
	switch resolution.Outcome {
	case model.SnapshotResolved:
		id := resolution.ID
		r.snapshotID = &id
		return model.AllocationStateCheckingAllocation, resolution.String(), nil
	case model.SnapshotNoWipAvailable:
		return model.AllocationStateNoWip, resolution.String(), nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnexpectedSnapshot, resolution.Detail)
	}
}

func stepCheckingAllocation(ctx context.Context, r *run) (model.AllocationState, string, error) {
	allocated, err := r.w.api.CheckAllocation(ctx, r.request.PlanID, *r.snapshotID)
	if err != nil {
		return "", "", fmt.Errorf("allocation: check: %w", err)
	}
	if allocated {
		return model.AllocationStateCreatingSession, "already allocated", nil
	}
	return model.AllocationStateAllocating, "", nil
}

// stepAllocating opens the message channel before submitting so the
// completion message cannot be missed.
func stepAllocating(ctx context.Context, r *run) (model.AllocationState, string, error) {
	if r.w.channelURL == "" {
		return "", "", fmt.Errorf("allocation: websocket url is not configured")
	}
	conn, err := r.w.dialer.Dial(ctx, r.w.channelURL)
	if err != nil {
		return "", "", err
	}
	r.conn = conn

	r.sessionUUID = r.w.newUUID()
	if err := r.w.api.Allocate(ctx, r.sessionUUID, r.request.PlanID, *r.snapshotID); err != nil {
		r.closeChannel()
		return "", "", fmt.Errorf("allocation: allocate: %w", err)
	}
	return model.AllocationStateAwaitingCompletion, "session " + r.sessionUUID, nil
}

type channelEvent struct {
	message model.ChannelMessage
	err     error
}

func stepAwaitingCompletion(ctx context.Context, r *run) (model.AllocationState, string, error) {
	defer r.closeChannel()
	waitCtx, cancel := r.w.clock.WithTimeout(ctx, r.w.allocationTimeout)
	defer cancel()

	events := make(chan channelEvent)
	go pumpMessages(waitCtx, r.conn, events)

	for {
		select {
		case <-waitCtx.Done():
			if errors.Is(context.Cause(waitCtx), context.DeadlineExceeded) && ctx.Err() == nil {
				return "", "", fmt.Errorf("%w (%s, session %s)", ErrAllocationTimeout, r.w.allocationTimeout, r.sessionUUID)
			}
			return "", "", ctx.Err()
		case event := <-events:
			if event.err != nil {
				return "", "", fmt.Errorf("allocation: message channel: %w", event.err)
			}
			r.logger.Debug("channel message", "msg", event.message.Msg)
			switch event.message.Msg {
			case model.MessageAllocationCompleted:
				key := event.message.ResultKey()
				if key != "" {
					result, err := r.w.api.TemporaryResult(ctx, key)
					if err != nil {
						return "", "", fmt.Errorf("allocation: temporary result %s: %w", key, err)
					}
					r.logger.Info("allocation completed", "result_key", key, "result_bytes", len(result))
				}
				return model.AllocationStateSettling, "result " + key, nil
			case model.MessageAllocationFailed:
				return "", "", &AllocationFailedError{
					PlanID:      r.request.PlanID,
					SnapshotID:  *r.snapshotID,
					SessionUUID: r.sessionUUID,
					Detail:      string(event.message.Data),
				}
			}
		}
	}
}

func pumpMessages(ctx context.Context, conn MessageConn, events chan<- channelEvent) {
	for {
		message, err := conn.Next()
		select {
		case events <- channelEvent{message: message, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// stepSettling waits for the platform to persist the allocation, then
// re-checks it. The re-check is reported, not acted upon.
func stepSettling(ctx context.Context, r *run) (model.AllocationState, string, error) {
	if err := r.w.clock.Sleep(ctx, r.w.settleDelay); err != nil {
		return "", "", err
	}
	allocated, err := r.w.api.CheckAllocation(ctx, r.request.PlanID, *r.snapshotID)
	if err != nil {
		return "", "", fmt.Errorf("allocation: re-check: %w", err)
	}
	if !allocated {
		r.logger.Warn("plan not reported allocated after completion", "snapshot_id", *r.snapshotID)
	}
	return model.AllocationStateCreatingSession, fmt.Sprintf("allocated=%t", allocated), nil
}

func stepNoWip(_ context.Context, r *run) (model.AllocationState, string, error) {
	r.logger.Warn("no wip available, calculating without wip")
	r.snapshotID = nil
	return model.AllocationStateCreatingSession, "without wip", nil
}

func stepCreatingSession(ctx context.Context, r *run) (model.AllocationState, string, error) {
	sessionID, err := r.w.api.CreateStaticSession(ctx, model.StaticSession{
		EntityBatchSnapshotID: r.snapshotID,
		PlanID:                r.request.PlanID,
		UserID:                r.request.UserID,
		TimeZone:              r.w.timeZone,
	})
	if err != nil {
		return "", "", fmt.Errorf("allocation: create static session: %w", err)
	}
	r.sessionID = sessionID
	return model.AllocationStateSessionCreated, fmt.Sprintf("static session %d", sessionID), nil
}

func stepSessionCreated(ctx context.Context, r *run) (model.AllocationState, string, error) {
	if err := r.w.api.RunStatic(ctx, r.sessionID); err != nil {
		return "", "", fmt.Errorf("allocation: run static session %d: %w", r.sessionID, err)
	}
	return model.AllocationStateActivated, "", nil
}
