package p2p

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncodeDecodeFrameRoundtrip(t *testing.T) {
	key, err := NewSessionKey()
	if err != nil {
		t.Fatalf("new session key: %v", err)
	}

	type payload struct {
		Foo string `json:"foo"`
	}
	msg := payload{Foo: "bar"}

	frame, err := EncodeFrame(key, MsgBlockPayload, msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) < LenDeclBytes {
		t.Fatalf("frame shorter than length prefix")
	}

	env, err := ReadFrame(bytes.NewReader(frame), key)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if env.MessageType != MsgBlockPayload {
		t.Fatalf("message type = %x, want %x", env.MessageType, MsgBlockPayload)
	}

	var decoded payload
	if err := json.Unmarshal(env.Message, &decoded); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if decoded.Foo != "bar" {
		t.Fatalf("decoded foo = %q, want bar", decoded.Foo)
	}
}

func TestReadFrameWrongKeyFails(t *testing.T) {
	key, _ := NewSessionKey()
	wrongKey, _ := NewSessionKey()

	frame, err := EncodeFrame(key, MsgHandshake, map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := ReadFrame(bytes.NewReader(frame), wrongKey); err == nil {
		t.Fatalf("expected decrypt failure under the wrong session key")
	}
}
