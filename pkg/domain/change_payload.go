package domain

import "encoding/json"

// ChangePayload is the JSON image of a record on one side of a Change. The
// zero value means the side does not exist (the Before of a create).
type ChangePayload struct {
	set bool
	raw json.RawMessage
}

// NewChangePayload wraps a copy of raw. A nil raw still counts as present.
func NewChangePayload(raw json.RawMessage) ChangePayload {
	return ChangePayload{set: true, raw: copyBytes(raw)}
}

// NewChangePayloadFromValue encodes value as the payload.
func NewChangePayloadFromValue[T any](value T) (ChangePayload, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return ChangePayload{}, err
	}
	return ChangePayload{set: true, raw: raw}, nil
}

// UndefinedChangePayload returns the payload of a missing side.
func UndefinedChangePayload() ChangePayload { return ChangePayload{} }

// Defined reports whether the side exists.
func (p ChangePayload) Defined() bool { return p.set }

// IsEmpty reports whether there are no bytes to decode.
func (p ChangePayload) IsEmpty() bool { return len(p.raw) == 0 }

// Raw returns a copy of the JSON, or nil when empty.
func (p ChangePayload) Raw() json.RawMessage {
	if p.IsEmpty() {
		return nil
	}
	return copyBytes(p.raw)
}

// DecodePayload unmarshals the payload into T. ok is false for missing,
// empty or malformed payloads.
func DecodePayload[T any](payload ChangePayload) (value T, ok bool) {
	if payload.IsEmpty() {
		return value, false
	}
	if err := json.Unmarshal(payload.raw, &value); err != nil {
		var zero T
		return zero, false
	}
	return value, true
}

// Transition is a change decoded on both sides.
type Transition[T any] struct {
	Before    T
	After     T
	HasBefore bool
	HasAfter  bool
}

// Updated reports whether both sides decoded, as for a valid update.
func (t Transition[T]) Updated() bool { return t.HasBefore && t.HasAfter }

// DecodeChange decodes both sides of c into T.
func DecodeChange[T any](c Change) Transition[T] {
	var t Transition[T]
	t.Before, t.HasBefore = DecodePayload[T](c.Before)
	t.After, t.HasAfter = DecodePayload[T](c.After)
	return t
}

func copyBytes(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
