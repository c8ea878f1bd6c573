// Package directory is the durable record of display devices.
//
// It is the single writer of device state. Every mutation is a single
// conditional statement so a row that vanished concurrently produces
// ErrNotFound instead of a partial write.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/xelth-com/eckdisplay/internal/codes"
	"github.com/xelth-com/eckdisplay/internal/models"
)

var (
	// ErrNotFound is returned when the referenced device row does not exist.
	ErrNotFound = errors.New("directory: device not found")

	// ErrAlreadyPaired is returned when a pending-only transition hits a paired row.
	ErrAlreadyPaired = errors.New("directory: device already paired")
)

// PendingDevice describes a freshly connected, unclaimed device
type PendingDevice struct {
	ID          string // optional; generated when empty
	PairingCode string
	SocketID    string
	ClientInfo  []byte // JSON, optional
}

// RegistrationRequest describes a device waiting for manual registration
type RegistrationRequest struct {
	OrganisationID *string // target organisation, nil when the device asked for the code itself
	Name           string
	Code           string
	ExpiresAt      time.Time
}

// DeviceUpdate carries admin edits. Nil fields are left unchanged.
type DeviceUpdate struct {
	Name     *string
	IsActive *bool
}

// Directory is the device record store consumed by the pairing core
type Directory interface {
	codes.Checker

	CreatePending(ctx context.Context, p PendingDevice) (*models.Device, error)
	CreateRegistrationPending(ctx context.Context, r RegistrationRequest) (*models.Device, error)
	CreatePairedDirect(ctx context.Context, orgID, name string) (*models.Device, error)

	FindByPairingCode(ctx context.Context, code string) (*models.Device, error)
	FindByRegistrationCode(ctx context.Context, code string) (*models.Device, error)
	FindByID(ctx context.Context, id string) (*models.Device, error)

	UpdateStatusToPaired(ctx context.Context, id, orgID string, name *string) (*models.Device, error)
	CompleteRegistration(ctx context.Context, id, code, orgID, name string) (*models.Device, error)
	ActivateRegistration(ctx context.Context, id, code string) (*models.Device, error)
	UpdateSocketID(ctx context.Context, id, socketID string) (*models.Device, error)
	AssignDayPlan(ctx context.Context, id, dayPlanID string) (*models.Device, error)
	UpdateDetails(ctx context.Context, id string, u DeviceUpdate) (*models.Device, error)

	DeleteIfPending(ctx context.Context, id, socketID string) (bool, error)
	DeleteOrphanedPending(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id string) error

	ListByOrganisation(ctx context.Context, orgID string) ([]models.Device, error)
	ListByDayPlan(ctx context.Context, dayPlanID string) ([]models.Device, error)

	TouchLastSeen(ctx context.Context, id string) error
}
