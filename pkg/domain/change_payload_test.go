package domain

import (
	"encoding/json"
	"testing"
)

func TestChangePayloadCloneSemantics(t *testing.T) {
	raw := json.RawMessage(`{"id":"c1"}`)
	payload := NewChangePayload(raw)
	raw[2] = 'X'
	if string(payload.Raw()) != `{"id":"c1"}` {
		t.Fatalf("payload should not alias caller bytes, got %s", payload.Raw())
	}
	out := payload.Raw()
	out[0] = '['
	if string(payload.Raw()) != `{"id":"c1"}` {
		t.Fatalf("Raw should return a copy")
	}
}

func TestChangePayloadUndefinedAndEmpty(t *testing.T) {
	undefined := UndefinedChangePayload()
	if undefined.Defined() || !undefined.IsEmpty() || undefined.Raw() != nil {
		t.Fatalf("unexpected undefined payload state")
	}
	empty := NewChangePayload(nil)
	if !empty.Defined() || !empty.IsEmpty() {
		t.Fatalf("expected defined empty payload")
	}
}

func TestDecodePayload(t *testing.T) {
	payload, err := NewChangePayloadFromValue(Cycle{Base: Base{ID: "c1"}, Status: CycleStatusPending})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cycle, ok := DecodePayload[Cycle](payload)
	if !ok || cycle.ID != "c1" || cycle.Status != CycleStatusPending {
		t.Fatalf("unexpected decode: %+v ok=%v", cycle, ok)
	}
	if _, ok := DecodePayload[Cycle](NewChangePayload([]byte("{"))); ok {
		t.Fatalf("expected malformed payload to fail decode")
	}
	if _, ok := DecodePayload[Cycle](UndefinedChangePayload()); ok {
		t.Fatalf("expected undefined payload to fail decode")
	}
}

func TestDecodeChange(t *testing.T) {
	before, _ := NewChangePayloadFromValue(Tool{Barcode: "SC-0001", Status: ToolStatusAvailable})
	after, _ := NewChangePayloadFromValue(Tool{Barcode: "SC-0001", Status: ToolStatusInCycle})

	update := DecodeChange[Tool](Change{Entity: EntityTool, Action: ActionUpdate, Before: before, After: after})
	if !update.Updated() || update.Before.Status != ToolStatusAvailable || update.After.Status != ToolStatusInCycle {
		t.Fatalf("unexpected update transition %+v", update)
	}
	create := DecodeChange[Tool](Change{Entity: EntityTool, Action: ActionCreate, After: after})
	if create.Updated() || create.HasBefore || !create.HasAfter {
		t.Fatalf("unexpected create transition %+v", create)
	}
}
