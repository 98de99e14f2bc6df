package allocation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"bfgsync/internal/model"
)

// ResolveSnapshot reads the entity batch snapshot id from a snapshot
// response. A new snapshot reports it under data.id, an existing one under
// errors[0].description.id. A known shape with the id missing means there
// is no WIP to allocate; any other shape is unexpected.
func ResolveSnapshot(body json.RawMessage) model.SnapshotResolution {
	var response map[string]json.RawMessage
	if err := decodeNumbers(body, &response); err != nil || response == nil {
		return model.UnexpectedSnapshotShape("response is not an object: %s", preview(body))
	}

	if data, ok := response["data"]; ok {
		return resolveIDHolder("data", data)
	}

	rawErrors, ok := response["errors"]
	if !ok {
		return model.UnexpectedSnapshotShape("response has neither data nor errors: %s", preview(body))
	}
	var entries []json.RawMessage
	if err := decodeNumbers(rawErrors, &entries); err != nil || len(entries) == 0 {
		return model.UnexpectedSnapshotShape("errors is not a non-empty list: %s", preview(rawErrors))
	}
	var first map[string]json.RawMessage
	if err := decodeNumbers(entries[0], &first); err != nil || first == nil {
		return model.UnexpectedSnapshotShape("errors[0] is not an object: %s", preview(entries[0]))
	}
	description, ok := first["description"]
	if !ok {
		return model.NoWipSnapshot("errors[0] has no description")
	}
	return resolveIDHolder("errors[0].description", description)
}

func resolveIDHolder(field string, raw json.RawMessage) model.SnapshotResolution {
	if isNull(raw) {
		return model.NoWipSnapshot(field + " is null")
	}
	var holder map[string]json.RawMessage
	if err := decodeNumbers(raw, &holder); err != nil {
		return model.UnexpectedSnapshotShape("%s is not an object: %s", field, preview(raw))
	}
	rawID, ok := holder["id"]
	if !ok || isNull(rawID) {
		return model.NoWipSnapshot(field + " has no id")
	}
	var id json.Number
	if err := decodeNumbers(rawID, &id); err != nil {
		return model.UnexpectedSnapshotShape("%s.id is not a number: %s", field, preview(rawID))
	}
	n, err := id.Int64()
	if err != nil {
		return model.UnexpectedSnapshotShape("%s.id is not an integer: %s", field, id)
	}
	return model.ResolvedSnapshot(n)
}

func decodeNumbers(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(out)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func preview(raw json.RawMessage) string {
	const limit = 200
	text := string(bytes.TrimSpace(raw))
	if len(text) > limit {
		return fmt.Sprintf("%s... (%d bytes)", text[:limit], len(text))
	}
	return text
}
