package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func decodeRecord(t *testing.T, raw string) Record {
	t.Helper()
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var record Record
	if err := decoder.Decode(&record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return record
}

func TestRecordIDKeepsLargeIntegers(t *testing.T) {
	record := decodeRecord(t, `{"id": 9007199254740993, "name": "lathe"}`)
	id, ok := record.ID()
	if !ok {
		t.Fatalf("expected record id")
	}
	if id != "9007199254740993" {
		t.Fatalf("unexpected id %q", id)
	}
	n, ok := record.Int("id")
	if !ok || n != 9007199254740993 {
		t.Fatalf("unexpected int id %d (ok=%t)", n, ok)
	}
}

func TestRecordFieldAccessors(t *testing.T) {
	record := decodeRecord(t, `{"id": "a-1", "amount": 2.5, "service": true, "identity": 42}`)
	if id, _ := record.ID(); id != "a-1" {
		t.Fatalf("unexpected string id %q", id)
	}
	if amount, ok := record.Float("amount"); !ok || amount != 2.5 {
		t.Fatalf("unexpected amount %v (ok=%t)", amount, ok)
	}
	if !record.Bool("service") {
		t.Fatalf("expected service flag")
	}
	if identity, ok := record.String("identity"); !ok || identity != "42" {
		t.Fatalf("unexpected identity %q", identity)
	}
	if _, ok := record.Int("missing"); ok {
		t.Fatalf("expected missing field to report !ok")
	}
}

func TestChannelMessageResultKey(t *testing.T) {
	var message ChannelMessage
	if err := json.Unmarshal([]byte(`{"msg":"STATE_ALLOCATION_COMPLETED","data":{"result_temporary_key":"tmp-7"}}`), &message); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if message.ResultKey() != "tmp-7" {
		t.Fatalf("unexpected key %q", message.ResultKey())
	}
	if (ChannelMessage{Msg: MessageAllocationFailed}).ResultKey() != "" {
		t.Fatalf("expected empty key without data")
	}
}

func TestTerminalStates(t *testing.T) {
	if !AllocationStateActivated.Terminal() || !AllocationStateFailed.Terminal() {
		t.Fatalf("expected activated and failed to be terminal")
	}
	if AllocationStateNoWip.Terminal() {
		t.Fatalf("expected no_wip to continue to session creation")
	}
}

func TestTimeZoneMarshalsOffsetsAsNumbers(t *testing.T) {
	cases := map[TimeZone]string{
		"3":             `3`,
		" -2 ":          `-2`,
		"Europe/Moscow": `"Europe/Moscow"`,
		"":              `null`,
	}
	for zone, want := range cases {
		got, err := json.Marshal(zone)
		if err != nil {
			t.Fatalf("marshal %q: %v", zone, err)
		}
		if string(got) != want {
			t.Fatalf("marshal %q: expected %s, got %s", zone, want, got)
		}
	}
}
