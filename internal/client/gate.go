package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"bfgsync/internal/allocation"
	"bfgsync/internal/clock"
	"bfgsync/internal/model"
	"bfgsync/internal/platform"
)

type Authenticator interface {
	Login(ctx context.Context) (model.User, error)
}

// Gate makes sure a collection or action call runs on a logged-in session.
// With a zero TTL it logs in before every call.
type Gate struct {
	auth   Authenticator
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	user    model.User
	loginAt time.Time
	valid   bool
}

func NewGate(auth Authenticator, clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Gate {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{auth: auth, clock: clk, ttl: ttl, logger: logger}
}

func (g *Gate) Ensure(ctx context.Context) (model.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.valid && g.ttl > 0 && g.clock.Now().Sub(g.loginAt) < g.ttl {
		return g.user, nil
	}
	user, err := g.auth.Login(ctx)
	if err != nil {
		g.valid = false
		return model.User{}, err
	}
	g.user = user
	g.loginAt = g.clock.Now()
	g.valid = true
	g.logger.Debug("session login", "user_id", user.ID)
	return user, nil
}

// Invalidate forces the next Ensure to log in again.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.valid = false
}

// gatedAPI passes every allocation workflow call through the gate.
type gatedAPI struct {
	api  *platform.API
	gate *Gate
}

var _ allocation.API = gatedAPI{}

func (g gatedAPI) LastImportStamp(ctx context.Context, importType int) (string, bool, error) {
	if _, err := g.gate.Ensure(ctx); err != nil {
		return "", false, err
	}
	return g.api.LastImportStamp(ctx, importType)
}

func (g gatedAPI) RequestSnapshot(ctx context.Context, stamp string) (json.RawMessage, error) {
	if _, err := g.gate.Ensure(ctx); err != nil {
		return nil, err
	}
	return g.api.RequestSnapshot(ctx, stamp)
}

func (g gatedAPI) CheckAllocation(ctx context.Context, planID int64, snapshotID int64) (bool, error) {
	if _, err := g.gate.Ensure(ctx); err != nil {
		return false, err
	}
	return g.api.CheckAllocation(ctx, planID, snapshotID)
}

func (g gatedAPI) Allocate(ctx context.Context, sessionUUID string, planID int64, snapshotID int64) error {
	if _, err := g.gate.Ensure(ctx); err != nil {
		return err
	}
	return g.api.Allocate(ctx, sessionUUID, planID, snapshotID)
}

func (g gatedAPI) TemporaryResult(ctx context.Context, key string) (json.RawMessage, error) {
	if _, err := g.gate.Ensure(ctx); err != nil {
		return nil, err
	}
	return g.api.TemporaryResult(ctx, key)
}

func (g gatedAPI) CreateStaticSession(ctx context.Context, session model.StaticSession) (int64, error) {
	if _, err := g.gate.Ensure(ctx); err != nil {
		return 0, err
	}
	return g.api.CreateStaticSession(ctx, session)
}

func (g gatedAPI) RunStatic(ctx context.Context, sessionID int64) error {
	if _, err := g.gate.Ensure(ctx); err != nil {
		return err
	}
	return g.api.RunStatic(ctx, sessionID)
}
