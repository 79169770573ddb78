package storage

import (
	"time"

	"github.com/qudata/provisioner/internal/domain"
	"github.com/uptrace/bun"
)

type instanceModel struct {
	bun.BaseModel `bun:"table:server_instances"`

	ID              string    `bun:"id,pk"`
	UserID          string    `bun:"user_id,notnull"`
	WalletAddress   string    `bun:"wallet_address"`
	Name            string    `bun:"name,notnull"`
	DropletID       string    `bun:"droplet_id,notnull"`
	Status          string    `bun:"status,notnull"`
	Region          string    `bun:"region"`
	OperatingSystem string    `bun:"operating_system"`
	VCPUCount       int       `bun:"vcpu_count"`
	RAMMB           int       `bun:"ram_mb"`
	DiskGB          int       `bun:"disk_gb"`
	IPAddress       string    `bun:"ip_address"`
	ActualIP        string    `bun:"actual_ip"`
	IPv6Address     string    `bun:"ipv6_address"`
	RootPassword    string    `bun:"root_password"`
	CreatedAt       time.Time `bun:"created_at,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
}

type profileModel struct {
	bun.BaseModel `bun:"table:profiles"`

	UserID        string    `bun:"user_id,pk"`
	WalletAddress string    `bun:"wallet_address,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

type sessionModel struct {
	bun.BaseModel `bun:"table:sessions"`

	Token     string    `bun:"token,pk"`
	UserID    string    `bun:"user_id,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
}

func instanceFromDomain(in *domain.Instance) *instanceModel {
	return &instanceModel{
		ID:              in.ID,
		UserID:          in.UserID,
		WalletAddress:   in.WalletAddress,
		Name:            in.Name,
		DropletID:       in.DropletID,
		Status:          string(in.Status),
		Region:          in.Region,
		OperatingSystem: in.OperatingSystem,
		VCPUCount:       in.VCPUCount,
		RAMMB:           in.RAMMB,
		DiskGB:          in.DiskGB,
		IPAddress:       in.IPAddress,
		ActualIP:        in.ActualIP,
		IPv6Address:     in.IPv6Address,
		RootPassword:    in.RootPassword,
		CreatedAt:       in.CreatedAt,
		UpdatedAt:       in.UpdatedAt,
	}
}

func (m *instanceModel) toDomain() domain.Instance {
	return domain.Instance{
		ID:              m.ID,
		UserID:          m.UserID,
		WalletAddress:   m.WalletAddress,
		Name:            m.Name,
		DropletID:       m.DropletID,
		Status:          domain.InstanceStatus(m.Status),
		Region:          m.Region,
		OperatingSystem: m.OperatingSystem,
		VCPUCount:       m.VCPUCount,
		RAMMB:           m.RAMMB,
		DiskGB:          m.DiskGB,
		IPAddress:       m.IPAddress,
		ActualIP:        m.ActualIP,
		IPv6Address:     m.IPv6Address,
		RootPassword:    m.RootPassword,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func (m *profileModel) toDomain() domain.Profile {
	return domain.Profile{
		UserID:        m.UserID,
		WalletAddress: m.WalletAddress,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func (m *sessionModel) toDomain() domain.Session {
	return domain.Session{
		Token:     m.Token,
		UserID:    m.UserID,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}
}
