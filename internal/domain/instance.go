package domain

import "time"

type InstanceStatus string

const (
	StatusProvisioning InstanceStatus = "provisioning"
	StatusOnline       InstanceStatus = "online"
	StatusOffline      InstanceStatus = "offline"
)

// StatusFromProvider maps the provider's instance status onto the local
// lifecycle. Only "active" counts as online.
func StatusFromProvider(providerStatus string) InstanceStatus {
	if providerStatus == "active" {
		return StatusOnline
	}
	return StatusOffline
}

type Action string

const (
	ActionListOS  Action = "list-operating-systems"
	ActionCreate  Action = "create"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRefresh Action = "refresh"
	ActionDelete  Action = "delete"
)

// legacyListOS is the action name older clients still send.
const legacyListOS = "get-os-list"

// ParseAction normalises an action string. The second return value is
// false for anything the dispatcher does not handle.
func ParseAction(s string) (Action, bool) {
	switch s {
	case string(ActionListOS), legacyListOS:
		return ActionListOS, true
	case string(ActionCreate):
		return ActionCreate, true
	case string(ActionStart):
		return ActionStart, true
	case string(ActionStop):
		return ActionStop, true
	case string(ActionRefresh):
		return ActionRefresh, true
	case string(ActionDelete):
		return ActionDelete, true
	default:
		return Action(s), false
	}
}

// Default sizing recorded when the provider omits it from the create response.
const (
	DefaultVCPUCount = 1
	DefaultRAMMB     = 1024
	DefaultDiskGB    = 25
)

// Instance is the locally mirrored state of one provisioned machine.
type Instance struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	WalletAddress   string         `json:"wallet_address,omitempty"`
	Name            string         `json:"name"`
	DropletID       string         `json:"droplet_id"`
	Status          InstanceStatus `json:"status"`
	Region          string         `json:"region"`
	OperatingSystem string         `json:"operating_system"`
	VCPUCount       int            `json:"vcpu_count"`
	RAMMB           int            `json:"ram_mb"`
	DiskGB          int            `json:"disk_gb"`
	IPAddress       string         `json:"ip_address,omitempty"`
	ActualIP        string         `json:"actual_ip,omitempty"`
	IPv6Address     string         `json:"ipv6_address,omitempty"`
	RootPassword    string         `json:"root_password,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NetworkUpdate carries the fields a refresh overwrites.
type NetworkUpdate struct {
	Status      InstanceStatus
	IPAddress   string
	ActualIP    string
	IPv6Address string
}

// ServerConfig is the caller-supplied part of a create request.
type ServerConfig struct {
	Region string `json:"region"`
	Plan   string `json:"plan"`
	OSID   int    `json:"os_id"`
	Label  string `json:"label"`
}

// Request is one dispatcher invocation.
type Request struct {
	Action       string        `json:"action"`
	ServerID     string        `json:"serverId,omitempty"`
	ServerConfig *ServerConfig `json:"serverConfig,omitempty"`
}

// Caller is the authenticated identity a request acts on behalf of.
type Caller struct {
	UserID        string
	WalletAddress string
}

type Profile struct {
	UserID        string    `json:"user_id"`
	WalletAddress string    `json:"wallet_address"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
