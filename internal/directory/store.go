package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/xelth-com/eckdisplay/internal/codes"
	"github.com/xelth-com/eckdisplay/internal/models"
)

// Store implements Directory on gorm
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Directory = (*Store)(nil)

// NewStore wraps db. The schema is expected to be migrated already.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreatePending inserts an unclaimed device holding a pairing code.
// A pairing code collision is reported as codes.ErrCodeTaken.
func (s *Store) CreatePending(ctx context.Context, p PendingDevice) (*models.Device, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	code := p.PairingCode
	socketID := p.SocketID

	dev := &models.Device{
		ID:          id,
		Name:        models.PlaceholderName(code),
		PairingCode: &code,
		SocketID:    &socketID,
		Status:      models.DeviceStatusPending,
		LastSeenAt:  &now,
	}
	if len(p.ClientInfo) > 0 {
		dev.ClientInfo = datatypes.JSON(p.ClientInfo)
	}

	if err := s.db.WithContext(ctx).Create(dev).Error; err != nil {
		return nil, translate(err)
	}
	return dev, nil
}

// CreateRegistrationPending inserts a device that will be claimed by
// registration code. A code collision is reported as codes.ErrCodeTaken.
func (s *Store) CreateRegistrationPending(ctx context.Context, r RegistrationRequest) (*models.Device, error) {
	code := r.Code
	expires := r.ExpiresAt.UTC()
	name := strings.TrimSpace(r.Name)
	if name == "" {
		name = models.PlaceholderName(code)
	}

	dev := &models.Device{
		ID:               uuid.NewString(),
		OrganisationID:   r.OrganisationID,
		Name:             name,
		RegistrationCode: &code,
		CodeExpiresAt:    &expires,
		Status:           models.DeviceStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(dev).Error; err != nil {
		return nil, translate(err)
	}
	return dev, nil
}

// CreatePairedDirect inserts an already paired, active device
func (s *Store) CreatePairedDirect(ctx context.Context, orgID, name string) (*models.Device, error) {
	org := orgID
	dev := &models.Device{
		ID:             uuid.NewString(),
		OrganisationID: &org,
		Name:           strings.TrimSpace(name),
		Status:         models.DeviceStatusPaired,
		IsActive:       true,
	}
	if err := s.db.WithContext(ctx).Create(dev).Error; err != nil {
		return nil, translate(err)
	}
	return dev, nil
}

// FindByPairingCode returns the device holding code in the pairing domain
func (s *Store) FindByPairingCode(ctx context.Context, code string) (*models.Device, error) {
	return s.findBy(ctx, "pairing_code = ?", code)
}

// FindByRegistrationCode returns the device holding code in the registration domain
func (s *Store) FindByRegistrationCode(ctx context.Context, code string) (*models.Device, error) {
	return s.findBy(ctx, "registration_code = ?", code)
}

// FindByID returns the device with id
func (s *Store) FindByID(ctx context.Context, id string) (*models.Device, error) {
	return s.findBy(ctx, "id = ?", id)
}

func (s *Store) findBy(ctx context.Context, cond string, value string) (*models.Device, error) {
	if value == "" {
		return nil, ErrNotFound
	}
	var dev models.Device
	err := s.db.WithContext(ctx).Where(cond, value).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// UpdateStatusToPaired moves a pending device to paired. The status guard in
// the WHERE clause makes a pairing code consumable exactly once.
func (s *Store) UpdateStatusToPaired(ctx context.Context, id, orgID string, name *string) (*models.Device, error) {
	updates := map[string]any{
		"status":          string(models.DeviceStatusPaired),
		"organisation_id": orgID,
		"is_active":       true,
	}
	if name != nil && strings.TrimSpace(*name) != "" {
		updates["name"] = strings.TrimSpace(*name)
	}

	res := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ? AND status = ?", id, string(models.DeviceStatusPending)).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.FindByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyPaired
	}
	return s.FindByID(ctx, id)
}

// CompleteRegistration consumes a registration code: the device is paired to
// orgID, activated and its code fields cleared.
func (s *Store) CompleteRegistration(ctx context.Context, id, code, orgID, name string) (*models.Device, error) {
	updates := map[string]any{
		"status":            string(models.DeviceStatusPaired),
		"organisation_id":   orgID,
		"is_active":         true,
		"registration_code": nil,
		"code_expires_at":   nil,
	}
	if n := strings.TrimSpace(name); n != "" {
		updates["name"] = n
	}
	return s.consumeRegistration(ctx, id, code, updates)
}

// ActivateRegistration consumes a registration code for a device whose
// organisation is already known
func (s *Store) ActivateRegistration(ctx context.Context, id, code string) (*models.Device, error) {
	return s.consumeRegistration(ctx, id, code, map[string]any{
		"status":            string(models.DeviceStatusPaired),
		"is_active":         true,
		"registration_code": nil,
		"code_expires_at":   nil,
	})
}

func (s *Store) consumeRegistration(ctx context.Context, id, code string, updates map[string]any) (*models.Device, error) {
	res := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ? AND registration_code = ?", id, code).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Deleted or consumed by a concurrent request
		return nil, ErrNotFound
	}
	return s.FindByID(ctx, id)
}

// UpdateSocketID records the connection a device was last seen on
func (s *Store) UpdateSocketID(ctx context.Context, id, socketID string) (*models.Device, error) {
	return s.update(ctx, id, map[string]any{
		"socket_id":    socketID,
		"last_seen_at": s.now(),
	})
}

// AssignDayPlan points the device at dayPlanID and bumps its plan revision.
// This is the authoritative assignment regardless of reachability.
func (s *Store) AssignDayPlan(ctx context.Context, id, dayPlanID string) (*models.Device, error) {
	return s.update(ctx, id, map[string]any{
		"current_day_plan_id": dayPlanID,
		"plan_revision":       gorm.Expr("plan_revision + 1"),
	})
}

// UpdateDetails applies admin edits
func (s *Store) UpdateDetails(ctx context.Context, id string, u DeviceUpdate) (*models.Device, error) {
	updates := map[string]any{}
	if u.Name != nil {
		updates["name"] = strings.TrimSpace(*u.Name)
	}
	if u.IsActive != nil {
		updates["is_active"] = *u.IsActive
	}
	if len(updates) == 0 {
		return s.FindByID(ctx, id)
	}
	return s.update(ctx, id, updates)
}

func (s *Store) update(ctx context.Context, id string, updates map[string]any) (*models.Device, error) {
	res := s.db.WithContext(ctx).Model(&models.Device{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.FindByID(ctx, id)
}

// DeleteIfPending removes an abandoned pairing attempt. The row goes only if
// it is still pending and still owned by socketID. A missing row is not an error.
func (s *Store) DeleteIfPending(ctx context.Context, id, socketID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ? AND socket_id = ?", id, string(models.DeviceStatusPending), socketID).
		Delete(&models.Device{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteOrphanedPending removes every pending row created by a pairing
// connection. Only valid at startup, before any connection is accepted.
// Rows waiting on a registration code are kept.
func (s *Store) DeleteOrphanedPending(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND pairing_code IS NOT NULL", string(models.DeviceStatusPending)).
		Delete(&models.Device{})
	return res.RowsAffected, res.Error
}

// Delete removes a device. Unpairing is modelled as deletion.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Device{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOrganisation returns the devices of orgID, oldest first
func (s *Store) ListByOrganisation(ctx context.Context, orgID string) ([]models.Device, error) {
	var devices []models.Device
	err := s.db.WithContext(ctx).
		Where("organisation_id = ?", orgID).
		Order("created_at ASC, id ASC").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// ListByDayPlan returns the devices currently assigned dayPlanID
func (s *Store) ListByDayPlan(ctx context.Context, dayPlanID string) ([]models.Device, error) {
	var devices []models.Device
	err := s.db.WithContext(ctx).
		Where("current_day_plan_id = ?", dayPlanID).
		Order("created_at ASC, id ASC").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// TouchLastSeen stamps lastSeenAt. A missing row is ignored.
func (s *Store) TouchLastSeen(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", id).
		UpdateColumn("last_seen_at", s.now()).Error
}

// CodeInUse implements codes.Checker
func (s *Store) CodeInUse(ctx context.Context, domain codes.Domain, code string) (bool, error) {
	var column string
	switch domain {
	case codes.DomainPairing:
		column = "pairing_code"
	case codes.DomainRegistration:
		column = "registration_code"
	default:
		return false, fmt.Errorf("unknown code domain %q", domain)
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&models.Device{}).Where(column+" = ?", code).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// translate maps unique index violations to codes.ErrCodeTaken
func translate(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", codes.ErrCodeTaken, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
