package protocol

import (
	"fmt"
)

// SchemaVersion identifies the config field set below. Bump it whenever a wire
// field is added, renamed or removed.
const SchemaVersion = 1

// WinType selects the firmware's win condition
type WinType string

const (
	WinTime            WinType = "time"
	WinScore           WinType = "score"
	WinLastManStanding WinType = "last_man_standing"
)

// Valid reports whether w is a win type the firmware accepts
func (w WinType) Valid() bool {
	switch w {
	case WinTime, WinScore, WinLastManStanding:
		return true
	}
	return false
}

// ConfigPayload is the device configuration sent inside a {type:"config"} envelope.
// A nil field is not transmitted, which is how partial (rules only) updates are
// expressed. Values are built fresh for every send; use Clone before retaining one.
type ConfigPayload struct {
	DeviceID   *int    `json:"device_id,omitempty"`
	PlayerID   *int    `json:"player_id,omitempty"`
	TeamID     *int    `json:"team_id,omitempty"`
	ColorRGB   *uint32 `json:"color_rgb,omitempty"`
	DeviceName *string `json:"device_name,omitempty"`

	WinType       *WinType `json:"win_type,omitempty"`
	TargetScore   *int     `json:"target_score,omitempty"`
	GameDurationS *int     `json:"game_duration_s,omitempty"`
	MaxHearts     *int     `json:"max_hearts,omitempty"`
	SpawnHearts   *int     `json:"spawn_hearts,omitempty"`
	RespawnTimeS  *int     `json:"respawn_time_s,omitempty"`
	DamageIn      *int     `json:"damage_in,omitempty"`
	DamageOut     *int     `json:"damage_out,omitempty"`
	FriendlyFire  *bool    `json:"friendly_fire,omitempty"`
	EnableAmmo    *bool    `json:"enable_ammo,omitempty"`
	MaxAmmo       *int     `json:"max_ammo,omitempty"`
	ReloadTimeMs  *int     `json:"reload_time_ms,omitempty"`

	IRPower        *int  `json:"ir_power,omitempty"`
	Volume         *int  `json:"volume,omitempty"`
	HapticsEnabled *bool `json:"haptics_enabled,omitempty"`

	EspNowPeers *string `json:"espnow_peers,omitempty"`
}

// ConfigEnvelope is the outbound {type:"config", ...fields} message
type ConfigEnvelope struct {
	Type MessageType `json:"type"`
	ConfigPayload
}

// NewConfig wraps a payload in its envelope
func NewConfig(p ConfigPayload) ConfigEnvelope {
	return ConfigEnvelope{Type: TypeConfig, ConfigPayload: p}
}

// IsFull reports whether every identity and rule field is present
func (p ConfigPayload) IsFull() bool {
	return p.DeviceID != nil && p.PlayerID != nil && p.TeamID != nil &&
		p.ColorRGB != nil && p.DeviceName != nil &&
		p.WinType != nil && p.TargetScore != nil && p.GameDurationS != nil &&
		p.MaxHearts != nil && p.SpawnHearts != nil && p.RespawnTimeS != nil &&
		p.DamageIn != nil && p.DamageOut != nil && p.FriendlyFire != nil &&
		p.EnableAmmo != nil && p.MaxAmmo != nil && p.ReloadTimeMs != nil
}

// FieldError reports a config field outside the range the firmware stores
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config field %s: %s", e.Field, e.Reason)
}

type intRange struct {
	field    string
	value    *int
	min, max int
}

// Validate checks every present field against the firmware's storage widths
func (p ConfigPayload) Validate() error {
	ranges := []intRange{
		{"device_id", p.DeviceID, 0, 255},
		{"player_id", p.PlayerID, 0, 255},
		{"team_id", p.TeamID, 0, 255},
		{"target_score", p.TargetScore, 0, 65535},
		{"game_duration_s", p.GameDurationS, 0, 65535},
		{"max_hearts", p.MaxHearts, 1, 255},
		{"spawn_hearts", p.SpawnHearts, 1, 255},
		{"respawn_time_s", p.RespawnTimeS, 0, 3600},
		{"damage_in", p.DamageIn, 0, 255},
		{"damage_out", p.DamageOut, 0, 255},
		{"max_ammo", p.MaxAmmo, 0, 65535},
		{"reload_time_ms", p.ReloadTimeMs, 0, 65535},
		{"ir_power", p.IRPower, 0, 100},
		{"volume", p.Volume, 0, 100},
	}
	for _, r := range ranges {
		if r.value == nil {
			continue
		}
		if *r.value < r.min || *r.value > r.max {
			return &FieldError{Field: r.field, Reason: fmt.Sprintf("%d outside [%d, %d]", *r.value, r.min, r.max)}
		}
	}
	if p.WinType != nil && !p.WinType.Valid() {
		return &FieldError{Field: "win_type", Reason: fmt.Sprintf("unknown value %q", *p.WinType)}
	}
	if p.ColorRGB != nil && *p.ColorRGB > 0xFFFFFF {
		return &FieldError{Field: "color_rgb", Reason: fmt.Sprintf("0x%X exceeds 24 bits", *p.ColorRGB)}
	}
	if p.MaxHearts != nil && p.SpawnHearts != nil && *p.SpawnHearts > *p.MaxHearts {
		return &FieldError{Field: "spawn_hearts", Reason: "greater than max_hearts"}
	}
	return nil
}

// Clone returns a deep copy so the caller's pointers cannot alias the result
func (p ConfigPayload) Clone() ConfigPayload {
	return ConfigPayload{
		DeviceID:       cloneOf(p.DeviceID),
		PlayerID:       cloneOf(p.PlayerID),
		TeamID:         cloneOf(p.TeamID),
		ColorRGB:       cloneOf(p.ColorRGB),
		DeviceName:     cloneOf(p.DeviceName),
		WinType:        cloneOf(p.WinType),
		TargetScore:    cloneOf(p.TargetScore),
		GameDurationS:  cloneOf(p.GameDurationS),
		MaxHearts:      cloneOf(p.MaxHearts),
		SpawnHearts:    cloneOf(p.SpawnHearts),
		RespawnTimeS:   cloneOf(p.RespawnTimeS),
		DamageIn:       cloneOf(p.DamageIn),
		DamageOut:      cloneOf(p.DamageOut),
		FriendlyFire:   cloneOf(p.FriendlyFire),
		EnableAmmo:     cloneOf(p.EnableAmmo),
		MaxAmmo:        cloneOf(p.MaxAmmo),
		ReloadTimeMs:   cloneOf(p.ReloadTimeMs),
		IRPower:        cloneOf(p.IRPower),
		Volume:         cloneOf(p.Volume),
		HapticsEnabled: cloneOf(p.HapticsEnabled),
		EspNowPeers:    cloneOf(p.EspNowPeers),
	}
}

func cloneOf[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Ptr returns a pointer to v, for filling optional payload fields
func Ptr[T any](v T) *T {
	return &v
}
