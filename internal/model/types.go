package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Record is one row of a platform collection. Numbers are kept as
// json.Number so identifiers survive decoding without float rounding.
type Record map[string]any

// Tables maps a collection name to its rows.
type Tables map[string][]Record

type PageMeta struct {
	Count int `json:"count"`
}

// CollectionPage is a single decoded response of rest/collection/{table}.
type CollectionPage struct {
	Rows map[string][]Record
	Meta PageMeta
}

// ID returns the record identity as a string key.
func (r Record) ID() (string, bool) {
	value, ok := r["id"]
	if !ok || value == nil {
		return "", false
	}
	return scalarString(value)
}

func (r Record) Int(field string) (int64, bool) {
	switch value := r[field].(type) {
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return n, true
		}
		f, err := value.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f), true
	case float64:
		return int64(value), true
	case int:
		return int64(value), true
	case int64:
		return value, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func (r Record) Float(field string) (float64, bool) {
	switch value := r[field].(type) {
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func (r Record) String(field string) (string, bool) {
	value, ok := r[field]
	if !ok || value == nil {
		return "", false
	}
	return scalarString(value)
}

func (r Record) Bool(field string) bool {
	value, _ := r[field].(bool)
	return value
}

func scalarString(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		return typed, true
	case json.Number:
		return typed.String(), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case bool:
		return strconv.FormatBool(typed), true
	default:
		return "", false
	}
}

// User is the identity returned by the login action.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login,omitempty"`
	Name  string `json:"name,omitempty"`
}

// ImportTypeWIP is the import session type that carries work-in-progress data.
const ImportTypeWIP = 23

// TimeZone is the configured platform time zone. Integer offsets are sent
// as JSON numbers, anything else as a string.
type TimeZone string

func (z TimeZone) MarshalJSON() ([]byte, error) {
	value := strings.TrimSpace(string(z))
	if value == "" {
		return []byte("null"), nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		return []byte(strconv.Itoa(n)), nil
	}
	return json.Marshal(value)
}

// StaticSession is the payload of rest/static_session.
type StaticSession struct {
	ID                          int64    `json:"id,omitempty"`
	Data                        any      `json:"data"`
	EntityBatchSnapshotID       *int64   `json:"entity_batch_snapshot_id"`
	EntityBatchVariationID      *int64   `json:"entity_batch_variation_id"`
	EntityRouteVariationID      *int64   `json:"entity_route_variation_id"`
	PlanID                      int64    `json:"plan_id"`
	UserID                      int64    `json:"user_id"`
	Type                        int      `json:"type"`
	WorkingTimeRatioVariationID *int64   `json:"working_time_ratio_variation_id"`
	TimeZone                    TimeZone `json:"time_zone"`
}

const (
	MessageAllocationCompleted = "STATE_ALLOCATION_COMPLETED"
	MessageAllocationFailed    = "STATE_ALLOCATION_FAILED"
)

// ChannelMessage is the envelope pushed on the platform message channel.
type ChannelMessage struct {
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ResultKey extracts data.result_temporary_key from a completion message.
func (m ChannelMessage) ResultKey() string {
	var payload struct {
		Key any `json:"result_temporary_key"`
	}
	if len(m.Data) == 0 || json.Unmarshal(m.Data, &payload) != nil || payload.Key == nil {
		return ""
	}
	key, _ := scalarString(payload.Key)
	return key
}

type AllocationState string

const (
	AllocationStateIdle               AllocationState = "idle"
	AllocationStateCheckingWip        AllocationState = "checking_wip"
	AllocationStateResolvingSnapshot  AllocationState = "resolving_snapshot"
	AllocationStateCheckingAllocation AllocationState = "checking_allocation"
	AllocationStateAllocating         AllocationState = "allocating"
	AllocationStateAwaitingCompletion AllocationState = "awaiting_completion"
	AllocationStateSettling           AllocationState = "settling"
	AllocationStateNoWip              AllocationState = "no_wip"
	AllocationStateCreatingSession    AllocationState = "creating_session"
	AllocationStateSessionCreated     AllocationState = "session_created"
	AllocationStateActivated          AllocationState = "activated"
	AllocationStateFailed             AllocationState = "failed"
)

func (s AllocationState) Terminal() bool {
	return s == AllocationStateActivated || s == AllocationStateFailed
}

// AllocationTransition records one step of the allocation workflow.
type AllocationTransition struct {
	RunID  string          `json:"run_id"`
	PlanID int64           `json:"plan_id"`
	From   AllocationState `json:"from"`
	To     AllocationState `json:"to"`
	Detail string          `json:"detail,omitempty"`
	At     time.Time       `json:"at"`
}
