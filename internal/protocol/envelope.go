// Package protocol defines the JSON envelopes exchanged with RayZ hardware over
// its WebSocket channel. Field names are fixed by the firmware and must not change.
package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType is the value of the "type" field of every envelope
type MessageType string

const (
	// Outbound
	TypeCommand MessageType = "command"
	TypeConfig  MessageType = "config"

	// Inbound
	TypeStatus          MessageType = "status"
	TypeStats           MessageType = "stats"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeHeartbeatAck    MessageType = "heartbeat_ack"
	TypeShotFired       MessageType = "shot_fired"
	TypeHitReport       MessageType = "hit_report"
	TypeRespawn         MessageType = "respawn"
	TypeReloadEvent     MessageType = "reload_event"
	TypeGameOver        MessageType = "game_over"
	TypeGameStateUpdate MessageType = "game_state_update"
	TypeAck             MessageType = "ack"
	TypeUnknown         MessageType = "unknown"
)

// Command names understood by the firmware
const (
	CommandStart        = "start"
	CommandStop         = "stop"
	CommandPause        = "pause"
	CommandUnpause      = "unpause"
	CommandReset        = "reset"
	CommandExtendTime   = "extend_time"
	CommandUpdateTarget = "update_target"
)

// Command parameter keys
const (
	ParamExtendMinutes = "extend_minutes"
	ParamNewTarget     = "new_target"
)

var knownCommands = map[string]bool{
	CommandStart:        true,
	CommandStop:         true,
	CommandPause:        true,
	CommandUnpause:      true,
	CommandReset:        true,
	CommandExtendTime:   true,
	CommandUpdateTarget: true,
}

// IsKnownCommand reports whether name is a firmware command
func IsKnownCommand(name string) bool {
	return knownCommands[name]
}

// Params carries optional command arguments
type Params map[string]interface{}

// CommandEnvelope is the outbound {type:"command"} message
type CommandEnvelope struct {
	Type   MessageType `json:"type"`
	Name   string      `json:"name"`
	Params Params      `json:"params,omitempty"`
}

// NewCommand builds a command envelope, rejecting names the firmware does not know
func NewCommand(name string, params Params) (CommandEnvelope, error) {
	if !IsKnownCommand(name) {
		return CommandEnvelope{}, fmt.Errorf("unknown command %q", name)
	}
	if err := checkCommandParams(name, params); err != nil {
		return CommandEnvelope{}, err
	}
	return CommandEnvelope{Type: TypeCommand, Name: name, Params: params}, nil
}

func checkCommandParams(name string, params Params) error {
	var required string
	switch name {
	case CommandExtendTime:
		required = ParamExtendMinutes
	case CommandUpdateTarget:
		required = ParamNewTarget
	default:
		return nil
	}
	v, ok := params[required]
	if !ok {
		return fmt.Errorf("command %q requires param %q", name, required)
	}
	switch n := v.(type) {
	case int:
		if n <= 0 {
			return fmt.Errorf("param %q must be positive, got %d", required, n)
		}
	case float64:
		if n <= 0 {
			return fmt.Errorf("param %q must be positive, got %v", required, n)
		}
	default:
		return fmt.Errorf("param %q must be a number, got %T", required, v)
	}
	return nil
}

// Encode serializes an envelope for the wire
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
