package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"

	"bfgsync/internal/model"
)

// ErrLookup is returned when an entity is absent from a derived index.
var ErrLookup = errors.New("entity not found")

const (
	TableSpecificationItem   = "specification_item"
	TableOperationProfession = "operation_profession"
	TableEntityRoute         = "entity_route"
	TableDepartment          = "department"
	TableOperation           = "operation"
)

// DefaultOrdering returns the order_by columns the cache uses for table.
func DefaultOrdering(table string) []string {
	switch table {
	case TableSpecificationItem:
		return []string{"parent_id", "child_id"}
	case TableOperationProfession:
		return []string{"operation_id", "profession_id"}
	default:
		return []string{"id"}
	}
}

// Gate is consulted before every network fetch.
type Gate interface {
	Ensure(ctx context.Context) (model.User, error)
}

// DepartmentFilter selects the departments LastDepartment may report.
type DepartmentFilter struct {
	all        bool
	identities map[string]struct{}
}

// AllDepartments applies no department filter.
var AllDepartments = DepartmentFilter{all: true}

func Departments(identities ...string) DepartmentFilter {
	filter := DepartmentFilter{identities: make(map[string]struct{}, len(identities))}
	for _, identity := range identities {
		filter.identities[identity] = struct{}{}
	}
	return filter
}

func (f DepartmentFilter) Allows(identity string) bool {
	if f.all {
		return true
	}
	_, ok := f.identities[identity]
	return ok
}

type CacheConfig struct {
	Fetcher *Fetcher
	Gate    Gate
	Logger  *slog.Logger
}

// Cache memoizes whole collections for the lifetime of one client. Derived
// indexes are built on first use and never rebuilt.
type Cache struct {
	fetcher *Fetcher
	gate    Gate
	logger  *slog.Logger

	mu             sync.Mutex
	tables         map[string][]model.Record
	spec           map[int64]map[int64]float64
	lastDepartment map[int64]string
}

func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("collection: cache needs a fetcher")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		fetcher: cfg.Fetcher,
		gate:    cfg.Gate,
		logger:  logger,
		tables:  map[string][]model.Record{},
	}, nil
}

// Table returns a copy of the cached rows of name, fetching them on first
// access. Changing the returned rows leaves the cache untouched.
func (c *Cache) Table(ctx context.Context, name string) ([]model.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.tableLocked(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, len(rows))
	for i, row := range rows {
		out[i] = maps.Clone(row)
	}
	return out, nil
}

func (c *Cache) tableLocked(ctx context.Context, name string) ([]model.Record, error) {
	if rows, ok := c.tables[name]; ok {
		return rows, nil
	}
	if c.gate != nil {
		if _, err := c.gate.Ensure(ctx); err != nil {
			return nil, err
		}
	}
	tables, err := c.fetcher.Fetch(ctx, name, Query{
		OrderBy:            DefaultOrdering(name),
		StopOnMissingTable: true,
	})
	if err != nil {
		return nil, err
	}
	rows := tables[name]
	if rows == nil {
		rows = []model.Record{}
	}
	c.tables[name] = rows
	c.logger.Debug("collection cached", "table", name, "rows", len(rows))
	return rows, nil
}

// Spec returns child id -> amount for parent entityID. An entity without
// children yields an empty map.
func (c *Cache) Spec(ctx context.Context, entityID int64) (map[int64]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spec == nil {
		rows, err := c.tableLocked(ctx, TableSpecificationItem)
		if err != nil {
			return nil, err
		}
		c.spec = buildSpecTree(rows)
	}
	children := c.spec[entityID]
	out := make(map[int64]float64, len(children))
	for child, amount := range children {
		out[child] = amount
	}
	return out, nil
}

func buildSpecTree(rows []model.Record) map[int64]map[int64]float64 {
	tree := map[int64]map[int64]float64{}
	for _, row := range rows {
		parent, okParent := row.Int("parent_id")
		child, okChild := row.Int("child_id")
		if !okParent || !okChild {
			continue
		}
		amount, _ := row.Float("amount")
		if tree[parent] == nil {
			tree[parent] = map[int64]float64{}
		}
		tree[parent][child] = amount
	}
	return tree
}

// LastDepartment returns the identity of the department that handles the
// last operation (by nop) of entityID. The index is built once with the
// first caller's filter.
func (c *Cache) LastDepartment(ctx context.Context, allowed DepartmentFilter, entityID int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastDepartment == nil {
		index, err := c.buildLastDepartmentLocked(ctx, allowed)
		if err != nil {
			return "", err
		}
		c.lastDepartment = index
	}
	identity, ok := c.lastDepartment[entityID]
	if !ok {
		return "", fmt.Errorf("collection: last department of entity %d: %w", entityID, ErrLookup)
	}
	return identity, nil
}

func (c *Cache) buildLastDepartmentLocked(ctx context.Context, allowed DepartmentFilter) (map[int64]string, error) {
	routes, err := c.tableLocked(ctx, TableEntityRoute)
	if err != nil {
		return nil, err
	}
	departments, err := c.tableLocked(ctx, TableDepartment)
	if err != nil {
		return nil, err
	}
	operations, err := c.tableLocked(ctx, TableOperation)
	if err != nil {
		return nil, err
	}

	routeEntity := make(map[string]int64, len(routes))
	for _, route := range routes {
		id, okID := route.ID()
		entity, okEntity := route.Int("entity_id")
		if okID && okEntity {
			routeEntity[id] = entity
		}
	}
	departmentIdentity := make(map[string]string, len(departments))
	for _, department := range departments {
		id, okID := department.ID()
		identity, okIdentity := department.String("identity")
		if okID && okIdentity {
			departmentIdentity[id] = identity
		}
	}

	ordered := append([]model.Record(nil), operations...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return lessNop(ordered[i], ordered[j])
	})

	index := map[int64]string{}
	for _, operation := range ordered {
		departmentID, _ := operation.String("department_id")
		identity, ok := departmentIdentity[departmentID]
		if !ok {
			return nil, fmt.Errorf("collection: operation references department %q: %w", departmentID, ErrLookup)
		}
		if !allowed.Allows(identity) {
			continue
		}
		routeID, _ := operation.String("entity_route_id")
		entity, ok := routeEntity[routeID]
		if !ok {
			return nil, fmt.Errorf("collection: operation references entity route %q: %w", routeID, ErrLookup)
		}
		index[entity] = identity
	}
	c.logger.Debug("last department index built", "entities", len(index), "operations", len(ordered))
	return index, nil
}

// lessNop orders operations by nop, numerically when both values are
// numbers and lexically otherwise.
func lessNop(a model.Record, b model.Record) bool {
	left, _ := a.String("nop")
	right, _ := b.String("nop")
	leftNumber, errLeft := strconv.ParseFloat(strings.TrimSpace(left), 64)
	rightNumber, errRight := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if errLeft == nil && errRight == nil {
		return leftNumber < rightNumber
	}
	return left < right
}
