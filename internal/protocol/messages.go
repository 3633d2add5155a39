// ABOUTME: Capture server text message definitions
// ABOUTME: Parses state snapshots and builds outbound control messages
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// TypeState is the discriminator of a session state snapshot
	TypeState = "state"

	// TypeRequestPrimary asks the server to make this client the primary controller
	TypeRequestPrimary = "requestPrimary"
)

var (
	// ErrUnknownType is returned for well-formed messages with an unrecognised type
	ErrUnknownType = errors.New("unknown message type")

	// ErrInvalidText is returned when a text frame is not a JSON object
	ErrInvalidText = errors.New("invalid text message")
)

// Envelope carries only the discriminator of a text message
type Envelope struct {
	Type string `json:"type"`
}

// StateSnapshot mirrors the server's session and control state
type StateSnapshot struct {
	Type               string  `json:"type"`
	IsRunning          bool    `json:"isRunning"`
	IsRecording        bool    `json:"isRecording"`
	IsPrimary          bool    `json:"isPrimary"`
	DeviceID           int     `json:"deviceId"`
	ChL                int     `json:"chL"`
	ChR                int     `json:"chR"`
	Boost              float64 `json:"boost"`
	StorageLocation    string  `json:"storageLocation"`
	CloudDriveLocation string  `json:"cloudDriveLocation"`
}

// ControlMessage is a small outbound message addressed to the server
type ControlMessage struct {
	Type string `json:"type"`
}

// RequestPrimary builds the message asking for primary control
func RequestPrimary() ControlMessage {
	return ControlMessage{Type: TypeRequestPrimary}
}

// DecodeText parses a text frame. A recognised message is returned as its
// concrete type; other discriminators yield ErrUnknownType.
func DecodeText(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidText, err)
	}

	switch env.Type {
	case TypeState:
		var snap StateSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("%w: state: %v", ErrInvalidText, err)
		}
		return snap, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
