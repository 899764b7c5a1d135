package collab

import (
	"encoding/json"
	"testing"
)

func TestDecodePayloadByType(t *testing.T) {
	env, err := NewEnvelope(TypeContentUpdated, "sub_1", ContentUpdatedPayload{
		Content: "new text",
		Summary: ChangeSummary{WordsAdded: 2},
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	payload, err := DecodePayload(env)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	update, ok := payload.(ContentUpdatedPayload)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	if update.Content != "new text" || update.Summary.WordsAdded != 2 {
		t.Fatalf("payload = %+v", update)
	}
}

func TestDecodePayloadTypesWithoutData(t *testing.T) {
	for _, typ := range []MessageType{
		TypeConnected, TypeUserJoined, TypeUserLeft,
		TypeEditingStarted, TypeEditingStopped,
		TypeTypingStart, TypeTypingStop,
		TypePing, TypePong, TypeSessionExpired,
	} {
		env, _ := NewEnvelope(typ, "sub_1", nil)
		payload, err := DecodePayload(env)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if payload != nil {
			t.Fatalf("%s decoded to %T, want nil", typ, payload)
		}
	}
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	env := Envelope{Type: "totally_new_thing"}
	if _, err := DecodePayload(env); err == nil {
		t.Fatal("unknown type must fail at dispatch time")
	}
}

func TestDecodePayloadRejectsMalformedData(t *testing.T) {
	env := Envelope{Type: TypeRoomState, Data: json.RawMessage(`{"users": "not-an-array"}`)}
	if _, err := DecodePayload(env); err == nil {
		t.Fatal("malformed payload must fail to decode")
	}
}

func TestPositionCollapsed(t *testing.T) {
	a := &Point{NodeID: "n1", Offset: 3}
	b := &Point{NodeID: "n1", Offset: 7}

	if !(Position{Kind: KindCursor}).Collapsed() {
		t.Fatal("plain cursor must be collapsed")
	}
	if !(Position{Kind: KindSelection, Anchor: a, Focus: &Point{NodeID: "n1", Offset: 3}}).Collapsed() {
		t.Fatal("anchor == focus must be collapsed")
	}
	if (Position{Kind: KindSelection, Anchor: a, Focus: b}).Collapsed() {
		t.Fatal("distinct anchor/focus must not be collapsed")
	}
}
