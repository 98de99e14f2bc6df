// Package client is the entry point the CLI uses: one Client owns the
// platform session, the collection cache and the allocation workflow.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"bfgsync/internal/allocation"
	"bfgsync/internal/clock"
	"bfgsync/internal/collection"
	"bfgsync/internal/model"
	"bfgsync/internal/platform"
	"bfgsync/internal/policy"
	"bfgsync/internal/transport"
)

const planNameTimeLayout = "2006-01-02T15:04:05"

type Options struct {
	HTTPClient *http.Client
	Clock      clock.Clock
	Dialer     allocation.Dialer
	Publisher  allocation.TransitionPublisher
	Progress   collection.Progress
	Logger     *slog.Logger
}

type Client struct {
	session  *transport.Session
	api      *platform.API
	gate     *Gate
	fetcher  *collection.Fetcher
	cache    *collection.Cache
	workflow *allocation.Workflow
	timeZone model.TimeZone
	clock    clock.Clock
	logger   *slog.Logger
}

func New(cfg policy.Config, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	session, err := transport.New(transport.Config{
		BaseURL:            cfg.Input.URL,
		Login:              cfg.Input.Login,
		Password:           cfg.Input.Password,
		Verify:             cfg.Input.Verify,
		HTTPClient:         opts.HTTPClient,
		Clock:              clk,
		Logger:             logger.With("component", "transport"),
		Throttle:           cfg.Timing.Throttle,
		DecodeRetryBackoff: cfg.Timing.DecodeRetryBackoff,
		UploadDelay:        cfg.Timing.UploadDelay,
		RequestTimeout:     cfg.Timing.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	api := platform.New(session)
	gate := NewGate(session, clk, cfg.Session.LoginTTL, logger)

	fetcher, err := collection.NewFetcher(collection.FetcherConfig{
		Source:   api,
		PageSize: cfg.Pagination.PageSize,
		Progress: opts.Progress,
		Logger:   logger.With("component", "collection"),
	})
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	cache, err := collection.NewCache(collection.CacheConfig{
		Fetcher: fetcher,
		Gate:    gate,
		Logger:  logger.With("component", "cache"),
	})
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	workflow, err := allocation.New(allocation.Config{
		API:               gatedAPI{api: api, gate: gate},
		Dialer:            opts.Dialer,
		WSURL:             cfg.Input.WSURL,
		TimeZone:          model.TimeZone(cfg.Input.TimeZone),
		Clock:             clk,
		SettleDelay:       cfg.Timing.SettleDelay,
		AllocationTimeout: cfg.Timing.AllocationTimeout,
		Publisher:         opts.Publisher,
		Logger:            logger.With("component", "allocation"),
	})
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	return &Client{
		session:  session,
		api:      api,
		gate:     gate,
		fetcher:  fetcher,
		cache:    cache,
		workflow: workflow,
		timeZone: model.TimeZone(cfg.Input.TimeZone),
		clock:    clk,
		logger:   logger,
	}, nil
}

// Close releases the platform session. It is safe to call more than once.
func (c *Client) Close() error {
	return c.session.Close()
}

// User logs in if needed and returns the current user.
func (c *Client) User(ctx context.Context) (model.User, error) {
	return c.gate.Ensure(ctx)
}

func (c *Client) FetchCollection(ctx context.Context, table string, query collection.Query) (model.Tables, error) {
	if _, err := c.gate.Ensure(ctx); err != nil {
		return nil, err
	}
	return c.fetcher.Fetch(ctx, table, query)
}

// UsersOfMyGroup returns the ids of users sharing a group with the current
// user, the user included. Members of the service group get an empty list.
func (c *Client) UsersOfMyGroup(ctx context.Context) ([]int64, error) {
	groups, err := c.FetchCollection(ctx, "group", collection.Query{})
	if err != nil {
		return nil, err
	}
	serviceGroup, hasServiceGroup := "", false
	for _, group := range groups["group"] {
		if group.Bool("service") {
			serviceGroup, hasServiceGroup = group.ID()
			break
		}
	}

	user, err := c.gate.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	memberships, err := c.FetchCollection(ctx, "user_group", collection.Query{})
	if err != nil {
		return nil, err
	}

	myGroups := map[string]bool{}
	for _, row := range memberships["user_group"] {
		if userID, ok := row.Int("user_id"); ok && userID == user.ID {
			if groupID, ok := row.String("group_id"); ok {
				myGroups[groupID] = true
			}
		}
	}
	if hasServiceGroup && myGroups[serviceGroup] {
		c.logger.Info("service group member, no group filter", "user_id", user.ID)
		return []int64{}, nil
	}

	users := map[int64]bool{user.ID: true}
	for _, row := range memberships["user_group"] {
		groupID, _ := row.String("group_id")
		if !myGroups[groupID] {
			continue
		}
		if userID, ok := row.Int("user_id"); ok {
			users[userID] = true
		}
	}
	out := make([]int64, 0, len(users))
	for userID := range users {
		out = append(out, userID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ImportPlan uploads the file and starts a plan import named after the
// file and the current time.
func (c *Client) ImportPlan(ctx context.Context, path string, planType int) (json.RawMessage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("client: plan file is required")
	}
	// Login throttling and the upload delay must not shift the name.
	name := PlanName(path, c.clock)
	if _, err := c.gate.Ensure(ctx); err != nil {
		return nil, err
	}
	c.logger.Info("plan import started", "path", path, "type", planType, "name", name)
	ref, err := c.session.Upload(ctx, path)
	if err != nil {
		return nil, err
	}
	return c.api.ImportPlan(ctx, platform.PlanImport{
		Type:     planType,
		Name:     name,
		FileRef:  ref,
		TimeZone: c.timeZone,
	})
}

// PlanName is "<file name> (<local time>)".
func PlanName(path string, clk clock.Clock) string {
	return fmt.Sprintf("%s (%s)", filepath.Base(path), clk.Now().Format(planNameTimeLayout))
}

func (c *Client) DeletePlan(ctx context.Context, planID int64) error {
	if _, err := c.gate.Ensure(ctx); err != nil {
		return err
	}
	return c.api.DeletePlan(ctx, planID)
}

func (c *Client) Orders(ctx context.Context, planID int64) ([]model.Record, error) {
	if _, err := c.gate.Ensure(ctx); err != nil {
		return nil, err
	}
	page, err := c.api.Orders(ctx, planID)
	if err != nil {
		return nil, err
	}
	return collection.Deduplicate(page.Rows["order"]), nil
}

// CreateStaticCalculation runs the allocation workflow and returns the
// activated static session. The caller deletes the session when done.
func (c *Client) CreateStaticCalculation(ctx context.Context, request allocation.Request) (allocation.Result, error) {
	user, err := c.gate.Ensure(ctx)
	if err != nil {
		return allocation.Result{}, err
	}
	if request.UserID == 0 {
		request.UserID = user.ID
	}
	return c.workflow.Run(ctx, request)
}

func (c *Client) DeleteStaticSession(ctx context.Context, sessionID int64) error {
	if _, err := c.gate.Ensure(ctx); err != nil {
		return err
	}
	return c.api.DeleteStaticSession(ctx, sessionID)
}

func (c *Client) Spec(ctx context.Context, entityID int64) (map[int64]float64, error) {
	return c.cache.Spec(ctx, entityID)
}

func (c *Client) LastDepartment(ctx context.Context, allowed collection.DepartmentFilter, entityID int64) (string, error) {
	return c.cache.LastDepartment(ctx, allowed, entityID)
}

func (c *Client) Table(ctx context.Context, name string) ([]model.Record, error) {
	return c.cache.Table(ctx, name)
}
