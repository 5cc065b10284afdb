package protocol

import (
	"fmt"
)

// OpCode is the numeric message identifier used by firmware that predates string types
type OpCode int

const (
	OpStatus          OpCode = 10
	OpHeartbeatAck    OpCode = 11
	OpShotFired       OpCode = 12
	OpHitReport       OpCode = 13
	OpRespawn         OpCode = 14
	OpReloadEvent     OpCode = 15
	OpGameOver        OpCode = 16
	OpGameStateUpdate OpCode = 17
	OpAck             OpCode = 20
)

var opTypes = map[OpCode]MessageType{
	OpStatus:          TypeStatus,
	OpHeartbeatAck:    TypeHeartbeatAck,
	OpShotFired:       TypeShotFired,
	OpHitReport:       TypeHitReport,
	OpRespawn:         TypeRespawn,
	OpReloadEvent:     TypeReloadEvent,
	OpGameOver:        TypeGameOver,
	OpGameStateUpdate: TypeGameStateUpdate,
	OpAck:             TypeAck,
}

// Telemetry is the subset of an inbound device message the bridge interprets.
// Counter fields are nil when the device did not report them.
type Telemetry struct {
	Type   MessageType `json:"type,omitempty"`
	Op     OpCode      `json:"op,omitempty"`
	Kills  *uint32     `json:"kills,omitempty"`
	Deaths *uint32     `json:"deaths,omitempty"`
	Shots  *uint32     `json:"shots,omitempty"`
}

// DecodeTelemetry parses an inbound message. The type is taken from "type" when
// present, otherwise derived from "op"; anything else is TypeUnknown.
func DecodeTelemetry(data []byte) (Telemetry, error) {
	var t Telemetry
	if err := json.Unmarshal(data, &t); err != nil {
		return Telemetry{}, fmt.Errorf("failed to decode telemetry: %w", err)
	}
	if t.Type == "" {
		if mt, ok := opTypes[t.Op]; ok {
			t.Type = mt
		} else {
			t.Type = TypeUnknown
		}
	}
	return t, nil
}

// HasCounters reports whether any stat counter is present
func (t Telemetry) HasCounters() bool {
	return t.Kills != nil || t.Deaths != nil || t.Shots != nil
}

// IsStatUpdate reports whether the message should update a connection's stats
func (t Telemetry) IsStatUpdate() bool {
	switch t.Type {
	case TypeStatus, TypeStats, TypeGameStateUpdate:
		return t.HasCounters()
	case TypeShotFired:
		return true
	}
	return false
}
