package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceStatus is the durable lifecycle flag of a display device
type DeviceStatus string

const (
	DeviceStatusPending DeviceStatus = "pending" // Row exists, code live, no organisation yet
	DeviceStatusPaired  DeviceStatus = "paired"  // Claimed by an organisation. Never reverts.
)

// Device represents a display screen that has connected or been registered.
// Convention: Go PascalCase -> DB snake_case (GORM auto) -> JSON camelCase
type Device struct {
	ID               string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrganisationID   *string        `gorm:"index;size:64" json:"organisationId"`
	Name             string         `json:"name"`
	PairingCode      *string        `gorm:"uniqueIndex;size:16" json:"pairingCode,omitempty"`
	RegistrationCode *string        `gorm:"uniqueIndex;size:16" json:"registrationCode,omitempty"`
	CodeExpiresAt    *time.Time     `json:"codeExpiresAt,omitempty"`
	SocketID         *string        `gorm:"size:64" json:"socketId,omitempty"`
	Status           DeviceStatus   `gorm:"size:16;not null;default:'pending';index" json:"status"`
	IsActive         bool           `gorm:"not null;default:false" json:"isActive"`
	CurrentDayPlanID *string        `gorm:"index;size:36" json:"currentDayPlanId"`
	PlanRevision     int64          `gorm:"not null;default:0" json:"planRevision"`
	ClientInfo       datatypes.JSON `json:"clientInfo,omitempty"`
	LastSeenAt       *time.Time     `json:"lastSeenAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// TableName specifies the table name for Device
func (Device) TableName() string {
	return "display_devices"
}

// IsPaired reports whether an organisation has claimed the device
func (d *Device) IsPaired() bool {
	return d.Status == DeviceStatusPaired
}

// CodeExpired reports whether the registration code has lapsed at now.
// A nil expiry never lapses.
func (d *Device) CodeExpired(now time.Time) bool {
	return d.CodeExpiresAt != nil && !now.Before(*d.CodeExpiresAt)
}

// BelongsTo reports whether the device is assigned to orgID
func (d *Device) BelongsTo(orgID string) bool {
	return d.OrganisationID != nil && *d.OrganisationID == orgID
}

// PlaceholderName is the label given to devices before an admin names them
func PlaceholderName(code string) string {
	return "Display " + code
}
