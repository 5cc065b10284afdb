package discovery

import (
	"time"
)

const (
	// ServiceType is the DNS-SD service RayZ firmware advertises
	ServiceType = "_rayz._tcp"
	// Domain is the mDNS browsing domain
	Domain = "local."
)

// Role is the declared hardware role of a unit
type Role string

const (
	RoleWeapon  Role = "weapon"
	RoleTarget  Role = "target"
	RoleUnknown Role = "unknown"
)

// ParseRole maps a TXT role value to a Role
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleWeapon, RoleTarget:
		return Role(s)
	}
	return RoleUnknown
}

// DiscoveredDevice is a unit currently advertising on the network
type DiscoveredDevice struct {
	IP              string    `json:"ip"`
	Hostname        string    `json:"hostname"`
	Port            int       `json:"port,omitempty"`
	Role            Role      `json:"role"`
	DeviceID        string    `json:"device_id,omitempty"`
	PlayerID        string    `json:"player_id,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	DiscoveredAt    time.Time `json:"discovered_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// Advertisement is one observation of a service instance. TTL 0 announces the
// instance is going away.
type Advertisement struct {
	Instance  string
	HostName  string
	Port      int
	Addresses []string
	Text      []string
	TTL       uint32
}

// TXT attribute keys
const (
	TxtRole    = "role"
	TxtDevice  = "device"
	TxtPlayer  = "player"
	TxtVersion = "version"
)

// ControlType identifies a discovery control channel message
type ControlType string

const (
	// Requests
	ControlScanNetwork ControlType = "scan_network"
	ControlStopScan    ControlType = "stop_scan"

	// Pushes
	ControlDeviceDiscovered ControlType = "device_discovered"
	ControlDeviceLost       ControlType = "device_lost"
	ControlError            ControlType = "error"
)

// ControlMessage is exchanged on the discovery control channel
type ControlMessage struct {
	Type   ControlType       `json:"type"`
	Device *DiscoveredDevice `json:"device,omitempty"`
	Error  string            `json:"error,omitempty"`
}
