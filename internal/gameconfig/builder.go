package gameconfig

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rayz/bridge/internal/protocol"
)

// DefaultColor is used for devices without a team colour
const DefaultColor uint32 = 0xFFFFFF

// Defaults applied when the game mode omits a rule
var Defaults = struct {
	WinType         protocol.WinType
	TargetScore     int
	DurationSeconds int
	MaxHearts       int
	SpawnHearts     int
	RespawnTimeSec  int
	DamageIn        int
	DamageOut       int
	FriendlyFire    bool
	EnableAmmo      bool
	MaxAmmo         int
	ReloadTimeMs    int
	IRPower         int
	Volume          int
	HapticsEnabled  bool
}{
	WinType:         protocol.WinScore,
	TargetScore:     100,
	DurationSeconds: 600,
	MaxHearts:       5,
	SpawnHearts:     3,
	RespawnTimeSec:  10,
	DamageIn:        1,
	DamageOut:       1,
	FriendlyFire:    false,
	EnableAmmo:      true,
	MaxAmmo:         30,
	ReloadTimeMs:    2500,
	IRPower:         100,
	Volume:          80,
	HapticsEnabled:  true,
}

var (
	// ErrNoProject is returned when no project snapshot was supplied
	ErrNoProject = errors.New("no project")
	// ErrUnknownDevice is returned when the target device is not in the project
	ErrUnknownDevice = errors.New("device not in project")
)

// BuildError reports malformed or missing project data. It is returned before
// any payload reaches the network.
type BuildError struct {
	DeviceID string
	Err      error
}

func (e *BuildError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("config build: %v", e.Err)
	}
	return fmt.Sprintf("config build for device %s: %v", e.DeviceID, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Build returns the full configuration for one device of the project.
// The result depends only on its arguments.
func Build(p *Project, deviceID string) (protocol.ConfigPayload, error) {
	if p == nil {
		return protocol.ConfigPayload{}, &BuildError{DeviceID: deviceID, Err: ErrNoProject}
	}
	device, ok := p.FindDevice(deviceID)
	if !ok {
		return protocol.ConfigPayload{}, &BuildError{DeviceID: deviceID, Err: ErrUnknownDevice}
	}

	payload, err := identity(p, device)
	if err != nil {
		return protocol.ConfigPayload{}, &BuildError{DeviceID: deviceID, Err: err}
	}
	applyRules(&payload, p.GameMode)
	applyHardware(&payload, device)
	payload.EspNowPeers = protocol.Ptr(PeerList(p, deviceID))

	if err := payload.Validate(); err != nil {
		return protocol.ConfigPayload{}, &BuildError{DeviceID: deviceID, Err: err}
	}
	return payload, nil
}

// BuildForIP builds the configuration of the project device assigned to ip
func BuildForIP(p *Project, ip string) (protocol.ConfigPayload, error) {
	if p == nil {
		return protocol.ConfigPayload{}, &BuildError{Err: ErrNoProject}
	}
	device, ok := p.FindDeviceByIP(ip)
	if !ok {
		return protocol.ConfigPayload{}, &BuildError{Err: fmt.Errorf("%w: no device at %s", ErrUnknownDevice, ip)}
	}
	return Build(p, device.ID)
}

// BuildAll builds every device's configuration, keyed by device ID. The first
// malformed device aborts the whole build.
func BuildAll(p *Project) (map[string]protocol.ConfigPayload, error) {
	if p == nil {
		return nil, &BuildError{Err: ErrNoProject}
	}
	result := make(map[string]protocol.ConfigPayload, len(p.Devices))
	for _, d := range p.Devices {
		payload, err := Build(p, d.ID)
		if err != nil {
			return nil, err
		}
		result[d.ID] = payload
	}
	return result, nil
}

// RulesPayload returns a partial payload carrying only the game rules, used to
// resync rules without touching device identity.
func RulesPayload(mode *GameMode) (protocol.ConfigPayload, error) {
	var payload protocol.ConfigPayload
	applyRules(&payload, mode)
	if err := payload.Validate(); err != nil {
		return protocol.ConfigPayload{}, &BuildError{Err: err}
	}
	return payload, nil
}

// PeerList returns the comma-joined hardware addresses of every other project
// device with a known address, in project order.
func PeerList(p *Project, deviceID string) string {
	var peers []string
	for _, d := range p.Devices {
		if d.ID == deviceID {
			continue
		}
		mac := strings.TrimSpace(d.MACAddress)
		if mac == "" {
			continue
		}
		peers = append(peers, mac)
	}
	return strings.Join(peers, ",")
}

// ParseColor converts "#rrggbb" (leading # optional) to a 24-bit integer.
// An empty string yields DefaultColor.
func ParseColor(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return DefaultColor, nil
	}
	if len(s) != 6 {
		return 0, fmt.Errorf("invalid color %q: want #rrggbb", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return uint32(v), nil
}

func identity(p *Project, device Device) (protocol.ConfigPayload, error) {
	deviceNum, err := parseID("device", device.ID)
	if err != nil {
		return protocol.ConfigPayload{}, err
	}

	playerNum, teamNum := 0, 0
	color := DefaultColor

	if player, ok := p.PlayerForDevice(device.ID); ok {
		if playerNum, err = parseID("player", player.ID); err != nil {
			return protocol.ConfigPayload{}, err
		}
		if player.TeamID != "" {
			team, ok := p.FindTeam(player.TeamID)
			if !ok {
				return protocol.ConfigPayload{}, fmt.Errorf("player %s references unknown team %s", player.ID, player.TeamID)
			}
			if teamNum, err = parseID("team", team.ID); err != nil {
				return protocol.ConfigPayload{}, err
			}
			if color, err = ParseColor(team.Color); err != nil {
				return protocol.ConfigPayload{}, fmt.Errorf("team %s: %w", team.ID, err)
			}
		}
	}

	name := device.Name
	if name == "" {
		name = "Device " + device.ID
	}

	return protocol.ConfigPayload{
		DeviceID:   protocol.Ptr(deviceNum),
		PlayerID:   protocol.Ptr(playerNum),
		TeamID:     protocol.Ptr(teamNum),
		ColorRGB:   protocol.Ptr(color),
		DeviceName: protocol.Ptr(name),
	}, nil
}

func parseID(kind, id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil {
		return 0, fmt.Errorf("%s id %q is not numeric", kind, id)
	}
	return n, nil
}

func applyRules(payload *protocol.ConfigPayload, mode *GameMode) {
	var m GameMode
	if mode != nil {
		m = *mode
	}

	winType := Defaults.WinType
	if m.WinType != "" {
		winType = protocol.WinType(m.WinType)
	}
	duration := Defaults.DurationSeconds
	switch {
	case m.DurationSeconds != nil:
		duration = *m.DurationSeconds
	case m.DurationMinutes != nil:
		duration = *m.DurationMinutes * 60
	}

	payload.WinType = protocol.Ptr(winType)
	payload.TargetScore = protocol.Ptr(intOr(m.TargetScore, Defaults.TargetScore))
	payload.GameDurationS = protocol.Ptr(duration)
	payload.MaxHearts = protocol.Ptr(intOr(m.MaxHearts, Defaults.MaxHearts))
	payload.SpawnHearts = protocol.Ptr(intOr(m.SpawnHearts, Defaults.SpawnHearts))
	payload.RespawnTimeS = protocol.Ptr(intOr(m.RespawnTimeSec, Defaults.RespawnTimeSec))
	payload.DamageIn = protocol.Ptr(intOr(m.DamageIn, Defaults.DamageIn))
	payload.DamageOut = protocol.Ptr(intOr(m.DamageOut, Defaults.DamageOut))
	payload.FriendlyFire = protocol.Ptr(boolOr(m.FriendlyFire, Defaults.FriendlyFire))
	payload.EnableAmmo = protocol.Ptr(boolOr(m.EnableAmmo, Defaults.EnableAmmo))
	payload.MaxAmmo = protocol.Ptr(intOr(m.MaxAmmo, Defaults.MaxAmmo))
	payload.ReloadTimeMs = protocol.Ptr(intOr(m.ReloadTimeMs, Defaults.ReloadTimeMs))
}

func applyHardware(payload *protocol.ConfigPayload, d Device) {
	payload.IRPower = protocol.Ptr(intOr(d.IRPower, Defaults.IRPower))
	payload.Volume = protocol.Ptr(intOr(d.Volume, Defaults.Volume))
	payload.HapticsEnabled = protocol.Ptr(boolOr(d.HapticsEnabled, Defaults.HapticsEnabled))
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
