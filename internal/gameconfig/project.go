// Package gameconfig turns project records supplied by the administration layer
// into the configuration payload each device expects. It performs no I/O.
package gameconfig

// Project is a read-only snapshot of one project's records
type Project struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Devices  []Device  `json:"devices"`
	Players  []Player  `json:"players"`
	Teams    []Team    `json:"teams"`
	GameMode *GameMode `json:"game_mode,omitempty"`
}

// Device is a hardware unit assigned to a project. ID must be the numeric
// identifier the firmware was flashed with.
type Device struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IPAddress  string `json:"ip_address"`
	MACAddress string `json:"mac_address"`

	IRPower        *int  `json:"ir_power,omitempty"`
	Volume         *int  `json:"volume,omitempty"`
	HapticsEnabled *bool `json:"haptics_enabled,omitempty"`
}

// Player owns zero or more devices and optionally belongs to a team
type Player struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Number    int      `json:"number"`
	TeamID    string   `json:"team_id,omitempty"`
	DeviceIDs []string `json:"device_ids"`
}

// Team carries the colour shown on its players' devices, as "#rrggbb"
type Team struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// GameMode holds the game rules. Nil fields fall back to Defaults.
type GameMode struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	WinType         string `json:"win_type,omitempty"`
	TargetScore     *int   `json:"target_score,omitempty"`
	DurationSeconds *int   `json:"duration_seconds,omitempty"`
	DurationMinutes *int   `json:"duration_minutes,omitempty"`
	MaxHearts       *int   `json:"max_hearts,omitempty"`
	SpawnHearts     *int   `json:"spawn_hearts,omitempty"`
	RespawnTimeSec  *int   `json:"respawn_time_sec,omitempty"`
	DamageIn        *int   `json:"damage_in,omitempty"`
	DamageOut       *int   `json:"damage_out,omitempty"`
	FriendlyFire    *bool  `json:"friendly_fire,omitempty"`
	EnableAmmo      *bool  `json:"enable_ammo,omitempty"`
	MaxAmmo         *int   `json:"max_ammo,omitempty"`
	ReloadTimeMs    *int   `json:"reload_time_ms,omitempty"`
}

// Merge returns m with every non-nil field of o applied on top
func (m GameMode) Merge(o GameMode) GameMode {
	if o.WinType != "" {
		m.WinType = o.WinType
	}
	if o.TargetScore != nil {
		m.TargetScore = o.TargetScore
	}
	if o.DurationSeconds != nil {
		m.DurationSeconds = o.DurationSeconds
	}
	if o.DurationMinutes != nil {
		m.DurationMinutes = o.DurationMinutes
		// minutes override an inherited seconds value
		if o.DurationSeconds == nil {
			m.DurationSeconds = nil
		}
	}
	if o.MaxHearts != nil {
		m.MaxHearts = o.MaxHearts
	}
	if o.SpawnHearts != nil {
		m.SpawnHearts = o.SpawnHearts
	}
	if o.RespawnTimeSec != nil {
		m.RespawnTimeSec = o.RespawnTimeSec
	}
	if o.DamageIn != nil {
		m.DamageIn = o.DamageIn
	}
	if o.DamageOut != nil {
		m.DamageOut = o.DamageOut
	}
	if o.FriendlyFire != nil {
		m.FriendlyFire = o.FriendlyFire
	}
	if o.EnableAmmo != nil {
		m.EnableAmmo = o.EnableAmmo
	}
	if o.MaxAmmo != nil {
		m.MaxAmmo = o.MaxAmmo
	}
	if o.ReloadTimeMs != nil {
		m.ReloadTimeMs = o.ReloadTimeMs
	}
	return m
}

// FindDevice returns the device with the given ID
func (p *Project) FindDevice(id string) (Device, bool) {
	for _, d := range p.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// FindDeviceByIP returns the device assigned the given address
func (p *Project) FindDeviceByIP(ip string) (Device, bool) {
	for _, d := range p.Devices {
		if d.IPAddress != "" && d.IPAddress == ip {
			return d, true
		}
	}
	return Device{}, false
}

// PlayerForDevice returns the player whose device list contains deviceID
func (p *Project) PlayerForDevice(deviceID string) (Player, bool) {
	for _, pl := range p.Players {
		for _, id := range pl.DeviceIDs {
			if id == deviceID {
				return pl, true
			}
		}
	}
	return Player{}, false
}

// FindTeam returns the team with the given ID
func (p *Project) FindTeam(id string) (Team, bool) {
	for _, t := range p.Teams {
		if t.ID == id {
			return t, true
		}
	}
	return Team{}, false
}
