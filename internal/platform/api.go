// Package platform maps the planning platform's REST and action endpoints
// onto typed calls over a transport.Session.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"bfgsync/internal/model"
	"bfgsync/internal/transport"
)

// AllocationTypeEntitySnapshot is the only allocation type the client submits.
const AllocationTypeEntitySnapshot = 0

type API struct {
	session *transport.Session
}

func New(session *transport.Session) *API {
	return &API{session: session}
}

// CollectionPage requests one page of rest/collection/{table}.
func (a *API) CollectionPage(ctx context.Context, table string, query url.Values) (model.CollectionPage, error) {
	path := "rest/collection/" + url.PathEscape(strings.TrimSpace(table))
	var response map[string]json.RawMessage
	if err := a.session.Get(ctx, path, query, &response); err != nil {
		return model.CollectionPage{}, err
	}
	return decodePage(path, response)
}

// Orders lists the orders of a plan through the searchable rest/order view.
func (a *API) Orders(ctx context.Context, planID int64) (model.CollectionPage, error) {
	query := url.Values{
		"column_names": {"plan_id"},
		"search":       {strconv.FormatInt(planID, 10)},
		"search_type":  {"1"},
	}
	var response map[string]json.RawMessage
	if err := a.session.Get(ctx, "rest/order", query, &response); err != nil {
		return model.CollectionPage{}, err
	}
	return decodePage("rest/order", response)
}

func decodePage(path string, response map[string]json.RawMessage) (model.CollectionPage, error) {
	page := model.CollectionPage{Rows: map[string][]model.Record{}}
	for key, raw := range response {
		if key == "meta" {
			if err := json.Unmarshal(raw, &page.Meta); err != nil {
				return model.CollectionPage{}, fmt.Errorf("platform: %s: decode meta: %w", path, err)
			}
			continue
		}
		rows, err := decodeRows(raw)
		if err != nil {
			return model.CollectionPage{}, fmt.Errorf("platform: %s: table %q: %w", path, key, err)
		}
		page.Rows[key] = rows
	}
	return page, nil
}

func decodeRows(raw json.RawMessage) ([]model.Record, error) {
	response := transport.Response{Body: raw}
	var rows []model.Record
	if err := response.Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// LastImportStamp returns stop_stamp of the most recent import session of
// the given type. ok is false when the platform has none.
func (a *API) LastImportStamp(ctx context.Context, importType int) (string, bool, error) {
	query := url.Values{"import_type": {strconv.Itoa(importType)}}
	var response struct {
		Data []model.Record `json:"data"`
	}
	if err := a.session.Get(ctx, "/data/last_import_session", query, &response); err != nil {
		return "", false, err
	}
	if len(response.Data) == 0 {
		return "", false, nil
	}
	stamp, ok := response.Data[0].String("stop_stamp")
	if !ok || strings.TrimSpace(stamp) == "" {
		return "", false, fmt.Errorf("platform: last import session has no stop_stamp")
	}
	return stamp, true, nil
}

// RequestSnapshot asks for the entity batch snapshot at stamp. The raw body
// is returned because an existing snapshot is reported as an error payload.
func (a *API) RequestSnapshot(ctx context.Context, stamp string) (json.RawMessage, error) {
	response, err := a.session.ActionResponse(ctx, "entity_batch_snapshot/"+url.PathEscape(strings.TrimSpace(stamp)), nil)
	if err != nil {
		return nil, err
	}
	return response.Body, nil
}

func allocationTypes(snapshotID int64) []map[string]any {
	return []map[string]any{{
		"type":               AllocationTypeEntitySnapshot,
		"entity_snapshot_id": snapshotID,
	}}
}

// CheckAllocation reports whether plan is already allocated against snapshot.
func (a *API) CheckAllocation(ctx context.Context, planID int64, snapshotID int64) (bool, error) {
	payload := map[string]any{
		"plan_id":          planID,
		"allocation_types": allocationTypes(snapshotID),
	}
	var response struct {
		Data []struct {
			Data *struct {
				Allocated bool `json:"allocated"`
			} `json:"data"`
		} `json:"data"`
	}
	if err := a.session.Action(ctx, "state_allocation/check", payload, &response); err != nil {
		return false, err
	}
	if len(response.Data) == 0 || response.Data[0].Data == nil {
		return false, fmt.Errorf("platform: state_allocation/check: response has no allocation status")
	}
	return response.Data[0].Data.Allocated, nil
}

// Allocate submits an allocation tagged with sessionUUID. Completion is
// reported on the message channel, not in the response.
func (a *API) Allocate(ctx context.Context, sessionUUID string, planID int64, snapshotID int64) error {
	payload := map[string]any{
		"state_allocation_session_uuid": sessionUUID,
		"plan_id":                       planID,
		"allocation_types":              allocationTypes(snapshotID),
	}
	return a.session.Action(ctx, "state_allocation/allocate", payload, nil)
}

func (a *API) TemporaryResult(ctx context.Context, key string) (json.RawMessage, error) {
	var response json.RawMessage
	if err := a.session.Get(ctx, "temporary/"+url.PathEscape(strings.TrimSpace(key)), nil, &response); err != nil {
		return nil, err
	}
	return response, nil
}

func (a *API) CreateStaticSession(ctx context.Context, session model.StaticSession) (int64, error) {
	payload := map[string]any{"static_session": session}
	var response struct {
		StaticSession *struct {
			ID int64 `json:"id"`
		} `json:"static_session"`
	}
	if err := a.session.Post(ctx, "/rest/static_session", payload, &response); err != nil {
		return 0, err
	}
	if response.StaticSession == nil || response.StaticSession.ID == 0 {
		return 0, fmt.Errorf("platform: rest/static_session: response has no session id")
	}
	return response.StaticSession.ID, nil
}

// RunStatic activates a created static session.
func (a *API) RunStatic(ctx context.Context, sessionID int64) error {
	payload := map[string]any{
		"action": nil,
		"data":   sessionID,
	}
	return a.session.Action(ctx, "static", payload, nil)
}

func (a *API) DeleteStaticSession(ctx context.Context, sessionID int64) error {
	return a.session.Delete(ctx, "rest/static_session/"+strconv.FormatInt(sessionID, 10), nil)
}

func (a *API) DeletePlan(ctx context.Context, planID int64) error {
	return a.session.Delete(ctx, "rest/plan/"+strconv.FormatInt(planID, 10), nil)
}

type PlanImport struct {
	Type     int
	Name     string
	FileRef  json.RawMessage
	TimeZone model.TimeZone
}

// ImportPlan starts a plan import from an uploaded file and returns the
// platform's data payload.
func (a *API) ImportPlan(ctx context.Context, request PlanImport) (json.RawMessage, error) {
	payload := map[string]any{
		"plan": map[string]any{
			"type": request.Type,
			"name": request.Name,
		},
		"filepath":                request.FileRef,
		"aggregate_order_entries": true,
		"time_zone":               request.TimeZone,
	}
	var response struct {
		Data json.RawMessage `json:"data"`
	}
	if err := a.session.Action(ctx, "import/plan", payload, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}
