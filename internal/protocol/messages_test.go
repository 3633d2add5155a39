// ABOUTME: Tests for capture server text messages
// ABOUTME: Verifies snapshot parsing, unknown types and control messages
package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeTextState(t *testing.T) {
	data := []byte(`{"type":"state","isRunning":true,"isRecording":false,"isPrimary":true,
		"deviceId":3,"chL":4,"chR":5,"boost":2.5,
		"storageLocation":"/rec","cloudDriveLocation":"/cloud"}`)

	msg, err := DecodeText(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	snap, ok := msg.(StateSnapshot)
	if !ok {
		t.Fatalf("expected StateSnapshot, got %T", msg)
	}

	want := StateSnapshot{
		Type:               TypeState,
		IsRunning:          true,
		IsPrimary:          true,
		DeviceID:           3,
		ChL:                4,
		ChR:                5,
		Boost:              2.5,
		StorageLocation:    "/rec",
		CloudDriveLocation: "/cloud",
	}
	if snap != want {
		t.Errorf("expected %+v, got %+v", want, snap)
	}
}

func TestDecodeTextUnknownType(t *testing.T) {
	_, err := DecodeText([]byte(`{"type":"levels","value":1}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeTextInvalid(t *testing.T) {
	tests := []string{
		`not json`,
		`[1,2,3]`,
		`{"type":"state","chL":"left"}`,
	}

	for _, input := range tests {
		_, err := DecodeText([]byte(input))
		if !errors.Is(err, ErrInvalidText) {
			t.Errorf("%s: expected ErrInvalidText, got %v", input, err)
		}
	}
}

func TestRequestPrimaryMarshaling(t *testing.T) {
	data, err := json.Marshal(RequestPrimary())
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	if string(data) != `{"type":"requestPrimary"}` {
		t.Errorf("unexpected wire form: %s", data)
	}
}
