package wire

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeShapes(t *testing.T) {
	t.Run("result envelope carries the request id", func(t *testing.T) {
		env, err := NewResult(NewRequestID("req-1"), map[string]string{"ok": "yes"})
		if err != nil {
			t.Fatalf("NewResult failed: %v", err)
		}
		b, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if want, got := `{"result":{"ok":"yes"},"id":"req-1"}`, string(b); want != got {
			t.Errorf("unexpected wire shape: want %s, got %s", want, got)
		}
	})

	t.Run("error envelope nests message and kind", func(t *testing.T) {
		env := NewError(NewRequestID(7), KindHandlerError, "boom")
		b, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if want, got := `{"error":{"message":"boom","kind":"handler_error"},"id":7}`, string(b); want != got {
			t.Errorf("unexpected wire shape: want %s, got %s", want, got)
		}
	})

	t.Run("bare error is a plain string with no id", func(t *testing.T) {
		b, err := json.Marshal(NewBareError("No method specified"))
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if want, got := `{"error":"No method specified"}`, string(b); want != got {
			t.Errorf("unexpected wire shape: want %s, got %s", want, got)
		}
	})

	t.Run("notification is tagged and id-free", func(t *testing.T) {
		env := NewNotification([]byte(`{"event":"tick"}`))
		b, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if want, got := `{"type":"notification","data":{"event":"tick"}}`, string(b); want != got {
			t.Errorf("unexpected wire shape: want %s, got %s", want, got)
		}
		if !env.IsNotification() {
			t.Error("expected IsNotification to be true")
		}
	})

	t.Run("non-JSON notification payloads are quoted", func(t *testing.T) {
		b, err := json.Marshal(NewNotification([]byte("plain text")))
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if want, got := `{"type":"notification","data":"plain text"}`, string(b); want != got {
			t.Errorf("unexpected wire shape: want %s, got %s", want, got)
		}
	})
}

func TestEnvelopeDecode(t *testing.T) {
	t.Run("bare error round-trips", func(t *testing.T) {
		var env Envelope
		if err := json.Unmarshal([]byte(`{"error":"No method specified"}`), &env); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if env.Err == nil || env.Err.Message != "No method specified" {
			t.Fatalf("unexpected error payload: %+v", env.Err)
		}
		b, _ := json.Marshal(&env)
		if want, got := `{"error":"No method specified"}`, string(b); want != got {
			t.Errorf("round trip changed shape: want %s, got %s", want, got)
		}
	})

	t.Run("structured error decodes kind", func(t *testing.T) {
		var env Envelope
		if err := json.Unmarshal([]byte(`{"error":{"message":"nope","kind":"method_not_found"},"id":3}`), &env); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if env.Err.Kind != KindMethodNotFound {
			t.Errorf("unexpected kind: %q", env.Err.Kind)
		}
		if env.ID.String() != "3" {
			t.Errorf("unexpected id: %q", env.ID.String())
		}
	})
}

func TestRequestID(t *testing.T) {
	t.Run("numeric ids stay numeric on the wire", func(t *testing.T) {
		var msg Message
		if err := json.Unmarshal([]byte(`{"method":"/tools/x","id":42}`), &msg); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		b, err := json.Marshal(msg.ID)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if string(b) != "42" {
			t.Errorf("id lost its numeric type: %s", b)
		}
	})

	t.Run("boolean ids are rejected", func(t *testing.T) {
		var id RequestID
		if err := json.Unmarshal([]byte(`true`), &id); err == nil {
			t.Error("expected an error for boolean id")
		}
	})

	t.Run("nil id is absent", func(t *testing.T) {
		var id *RequestID
		if !id.IsNil() {
			t.Error("nil pointer should report IsNil")
		}
		if id.String() != "" {
			t.Error("nil pointer should render empty")
		}
	})
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"method":"/tools/data/query_data","params":{"query":"sales Q1"},"id":"a"}`))
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if msg.Method != "/tools/data/query_data" {
		t.Errorf("unexpected method: %q", msg.Method)
	}
	if _, err := DecodeMessage([]byte(`{not json`)); err == nil {
		t.Error("expected decode failure for malformed frame")
	}
}
