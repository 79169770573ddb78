package vultr

import "encoding/json"

// CreateInstanceRequest is the body of POST /instances.
type CreateInstanceRequest struct {
	Region          string `json:"region"`
	Plan            string `json:"plan"`
	OSID            int    `json:"os_id"`
	Label           string `json:"label"`
	EnableIPv6      bool   `json:"enable_ipv6"`
	Backups         string `json:"backups"`
	DDoSProtection  bool   `json:"ddos_protection"`
	ActivationEmail bool   `json:"activation_email"`
}

// Instance holds the subset of the provider's instance object we mirror.
type Instance struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	Region          string `json:"region"`
	Plan            string `json:"plan"`
	OSID            int    `json:"os_id"`
	Status          string `json:"status"`
	PowerStatus     string `json:"power_status"`
	VCPUCount       int    `json:"vcpu_count"`
	RAM             int    `json:"ram"`
	Disk            int    `json:"disk"`
	MainIP          string `json:"main_ip"`
	V6MainIP        string `json:"v6_main_ip"`
	DefaultPassword string `json:"default_password,omitempty"`
}

// InstanceResponse keeps the provider payload verbatim next to the
// decoded instance, so callers can pass it through untouched.
type InstanceResponse struct {
	Raw      json.RawMessage
	Instance Instance
}

type instanceEnvelope struct {
	Instance *Instance `json:"instance"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}
