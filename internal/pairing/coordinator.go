// Package pairing owns the device lifecycle: UNCLAIMED -> PENDING -> PAIRED.
//
// A device becomes PENDING the moment its connection is accepted and it is
// shown a pairing code. An administrator claims the code on behalf of an
// organisation, which moves the device to PAIRED. Pending rows whose
// connection goes away are removed. Paired rows are never reverted; unpairing
// deletes the row.
package pairing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/xelth-com/eckdisplay/internal/codes"
	"github.com/xelth-com/eckdisplay/internal/directory"
	"github.com/xelth-com/eckdisplay/internal/lockout"
	"github.com/xelth-com/eckdisplay/internal/metrics"
	"github.com/xelth-com/eckdisplay/internal/models"
)

var (
	// ErrAlreadyPaired is returned when a pairing code was consumed before
	ErrAlreadyPaired = directory.ErrAlreadyPaired

	// ErrExpired is returned when a registration code lapsed
	ErrExpired = errors.New("pairing: registration code expired")

	// ErrForbidden is returned when a device or plan belongs to another organisation
	ErrForbidden = errors.New("pairing: not owned by this organisation")

	// ErrTooManyAttempts is returned while an organisation is locked out of claiming
	ErrTooManyAttempts = errors.New("pairing: too many failed claim attempts")

	// ErrNotPaired is returned by Resume for devices that cannot be resumed
	ErrNotPaired = errors.New("pairing: device is not paired")
)

// Notifier is the part of the dispatcher the coordinator talks to
type Notifier interface {
	NotifyPaired(dev *models.Device) bool
	Resync(ctx context.Context, dev *models.Device) bool
}

// AttemptGuard counts failed claims per organisation
type AttemptGuard interface {
	Locked(ctx context.Context, key string) (bool, time.Duration, error)
	RegisterFailure(ctx context.Context, key string) error
	Clear(ctx context.Context, key string) error
}

// Coordinator drives pairing state transitions
type Coordinator struct {
	dir      directory.Directory
	codes    *codes.Generator
	notifier Notifier
	guard    AttemptGuard
	log      *slog.Logger

	registrationTTL time.Duration
	now             func() time.Time
}

// Option customises a Coordinator
type Option func(*Coordinator)

// WithRegistrationTTL sets how long issued registration codes stay valid
func WithRegistrationTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.registrationTTL = ttl
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithGuard enables the claim attempt guard
func WithGuard(g AttemptGuard) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.guard = g
		}
	}
}

// New creates a Coordinator
func New(dir directory.Directory, gen *codes.Generator, notifier Notifier, log *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		dir:             dir,
		codes:           gen,
		notifier:        notifier,
		guard:           lockout.Noop{},
		log:             log.With("component", "pairing"),
		registrationTTL: 24 * time.Hour,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect issues a pairing code for a fresh connection and records the
// device as PENDING. deviceID may be empty, in which case one is generated.
// Nothing is written when the code space is exhausted.
func (c *Coordinator) Connect(ctx context.Context, deviceID, connID string, clientInfo []byte) (*models.Device, error) {
	var dev *models.Device
	_, err := c.codes.Allocate(ctx, codes.DomainPairing, func(code string) error {
		d, err := c.dir.CreatePending(ctx, directory.PendingDevice{
			ID:          deviceID,
			PairingCode: code,
			SocketID:    connID,
			ClientInfo:  clientInfo,
		})
		if err != nil {
			return err
		}
		dev = d
		return nil
	})
	if err != nil {
		if errors.Is(err, codes.ErrCodeSpaceExhausted) {
			metrics.CodeExhaustions.WithLabelValues(string(codes.DomainPairing)).Inc()
			c.log.Error("pairing code space exhausted", "socket_id", connID)
		}
		return nil, err
	}

	metrics.CodesIssued.WithLabelValues(string(codes.DomainPairing)).Inc()
	c.log.Info("device connected", "device_id", dev.ID, "socket_id", connID)
	return dev, nil
}

// Resume rebinds a reconnecting paired device to connID, re-sends the
// paired notice and re-pushes its current plan. Unknown or pending devices
// get ErrNotFound or ErrNotPaired and should go through Connect instead.
func (c *Coordinator) Resume(ctx context.Context, deviceID, connID string) (*models.Device, error) {
	dev, err := c.dir.FindByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.IsPaired() {
		return nil, ErrNotPaired
	}

	dev, err = c.dir.UpdateSocketID(ctx, dev.ID, connID)
	if err != nil {
		return nil, err
	}

	c.notifier.NotifyPaired(dev)
	c.notifier.Resync(ctx, dev)
	c.log.Info("device resumed", "device_id", dev.ID, "socket_id", connID)
	return dev, nil
}

// Disconnect removes an abandoned PENDING row owned by connID. Paired
// devices survive and get their lastSeenAt stamped.
func (c *Coordinator) Disconnect(ctx context.Context, deviceID, connID string) error {
	removed, err := c.dir.DeleteIfPending(ctx, deviceID, connID)
	if err != nil {
		return err
	}
	if removed {
		metrics.PendingCleanups.Inc()
		c.log.Debug("pending device removed", "device_id", deviceID, "socket_id", connID)
		return nil
	}
	return c.dir.TouchLastSeen(ctx, deviceID)
}

// PurgeOrphaned drops pending pairing rows left behind by a previous
// process. Connections do not survive a restart, so none of them can be claimed.
func (c *Coordinator) PurgeOrphaned(ctx context.Context) error {
	n, err := c.dir.DeleteOrphanedPending(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.PendingCleanups.Add(float64(n))
		c.log.Info("removed orphaned pending devices", "count", n)
	}
	return nil
}

// Seen records activity on a live connection
func (c *Coordinator) Seen(ctx context.Context, deviceID string) error {
	return c.dir.TouchLastSeen(ctx, deviceID)
}

// RegisterByPairingCode claims the device showing code for orgID. A code is
// consumed exactly once even when several admins race for it.
func (c *Coordinator) RegisterByPairingCode(ctx context.Context, code, orgID string, name *string) (*models.Device, error) {
	if err := c.checkGuard(ctx, orgID); err != nil {
		return nil, err
	}

	code = strings.TrimSpace(code)
	if !codes.Valid(code) {
		c.registerFailure(ctx, orgID)
		return nil, directory.ErrNotFound
	}

	dev, err := c.dir.FindByPairingCode(ctx, code)
	if errors.Is(err, directory.ErrNotFound) {
		c.registerFailure(ctx, orgID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if dev.IsPaired() {
		return nil, ErrAlreadyPaired
	}

	dev, err = c.dir.UpdateStatusToPaired(ctx, dev.ID, orgID, name)
	if err != nil {
		return nil, err
	}

	c.clearGuard(ctx, orgID)
	metrics.DevicesPaired.WithLabelValues("pairing_code").Inc()
	c.log.Info("device paired", "device_id", dev.ID, "organisation_id", orgID)

	c.notifier.NotifyPaired(dev)
	return dev, nil
}

// RegisterByCode pairs the device holding a registration code, or creates an
// already paired device when no row holds it. The connection registry is
// not involved.
func (c *Coordinator) RegisterByCode(ctx context.Context, code, orgID, name string) (*models.Device, error) {
	if err := c.checkGuard(ctx, orgID); err != nil {
		return nil, err
	}

	code = strings.TrimSpace(code)
	name = strings.TrimSpace(name)
	if !codes.Valid(code) {
		c.registerFailure(ctx, orgID)
		return nil, directory.ErrNotFound
	}

	dev, err := c.dir.FindByRegistrationCode(ctx, code)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		// Counted as a miss even though the device is created
		c.registerFailure(ctx, orgID)
		if name == "" {
			name = models.PlaceholderName(code)
		}
		dev, err = c.dir.CreatePairedDirect(ctx, orgID, name)
		if err != nil {
			return nil, err
		}
		metrics.DevicesPaired.WithLabelValues("direct").Inc()
		c.log.Info("device registered directly", "device_id", dev.ID, "organisation_id", orgID)
		return dev, nil
	case err != nil:
		return nil, err
	}

	if dev.CodeExpired(c.now()) {
		return nil, ErrExpired
	}
	if dev.OrganisationID != nil && *dev.OrganisationID != orgID {
		c.registerFailure(ctx, orgID)
		return nil, ErrForbidden
	}

	dev, err = c.dir.CompleteRegistration(ctx, dev.ID, code, orgID, name)
	if err != nil {
		return nil, err
	}
	c.clearGuard(ctx, orgID)
	metrics.DevicesPaired.WithLabelValues("registration_code").Inc()
	c.log.Info("device registered", "device_id", dev.ID, "organisation_id", orgID)
	return dev, nil
}

// ActivateByCode consumes a registration code on behalf of callerOrg
func (c *Coordinator) ActivateByCode(ctx context.Context, callerOrg, code string) (*models.Device, error) {
	if err := c.checkGuard(ctx, callerOrg); err != nil {
		return nil, err
	}

	code = strings.TrimSpace(code)
	if !codes.Valid(code) {
		c.registerFailure(ctx, callerOrg)
		return nil, directory.ErrNotFound
	}

	dev, err := c.dir.FindByRegistrationCode(ctx, code)
	if errors.Is(err, directory.ErrNotFound) {
		c.registerFailure(ctx, callerOrg)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if dev.CodeExpired(c.now()) {
		return nil, ErrExpired
	}
	if dev.OrganisationID != nil && *dev.OrganisationID != callerOrg {
		c.registerFailure(ctx, callerOrg)
		return nil, ErrForbidden
	}

	if dev.OrganisationID == nil {
		// Device asked for the code itself; the activating organisation claims it
		dev, err = c.dir.CompleteRegistration(ctx, dev.ID, code, callerOrg, "")
	} else {
		dev, err = c.dir.ActivateRegistration(ctx, dev.ID, code)
	}
	if err != nil {
		return nil, err
	}
	c.clearGuard(ctx, callerOrg)
	metrics.DevicesPaired.WithLabelValues("activation").Inc()
	c.log.Info("device activated", "device_id", dev.ID, "organisation_id", callerOrg)
	return dev, nil
}

// IssueRegistrationCode pre-creates a PENDING device for orgID holding a
// fresh registration code
func (c *Coordinator) IssueRegistrationCode(ctx context.Context, orgID, name string) (*models.Device, error) {
	return c.issueRegistration(ctx, &orgID, name)
}

// RequestRegistrationCode creates a PENDING device with no organisation for
// a display that cannot keep a pairing connection open. Requests are counted
// per requester (usually the client address) with the same limits as failed
// claims; an empty requester is not limited.
func (c *Coordinator) RequestRegistrationCode(ctx context.Context, requester string) (*models.Device, error) {
	if requester != "" {
		key := requestKey(requester)
		if err := c.checkGuard(ctx, key); err != nil {
			return nil, err
		}
		c.registerFailure(ctx, key)
	}
	return c.issueRegistration(ctx, nil, "")
}

func requestKey(requester string) string { return "request:" + requester }

func (c *Coordinator) issueRegistration(ctx context.Context, orgID *string, name string) (*models.Device, error) {
	expires := c.now().Add(c.registrationTTL)

	var dev *models.Device
	_, err := c.codes.Allocate(ctx, codes.DomainRegistration, func(code string) error {
		d, err := c.dir.CreateRegistrationPending(ctx, directory.RegistrationRequest{
			OrganisationID: orgID,
			Name:           name,
			Code:           code,
			ExpiresAt:      expires,
		})
		if err != nil {
			return err
		}
		dev = d
		return nil
	})
	if err != nil {
		if errors.Is(err, codes.ErrCodeSpaceExhausted) {
			metrics.CodeExhaustions.WithLabelValues(string(codes.DomainRegistration)).Inc()
			c.log.Error("registration code space exhausted")
		}
		return nil, err
	}

	metrics.CodesIssued.WithLabelValues(string(codes.DomainRegistration)).Inc()
	return dev, nil
}

// Device returns a device owned by orgID
func (c *Coordinator) Device(ctx context.Context, orgID, deviceID string) (*models.Device, error) {
	dev, err := c.dir.FindByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.BelongsTo(orgID) {
		return nil, ErrForbidden
	}
	return dev, nil
}

// RegistrationDevice returns the device holding an unconsumed registration
// code issued to orgID
func (c *Coordinator) RegistrationDevice(ctx context.Context, orgID, code string) (*models.Device, error) {
	dev, err := c.dir.FindByRegistrationCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}
	if !dev.BelongsTo(orgID) {
		return nil, ErrForbidden
	}
	return dev, nil
}

// ListDevices returns the devices of orgID
func (c *Coordinator) ListDevices(ctx context.Context, orgID string) ([]models.Device, error) {
	return c.dir.ListByOrganisation(ctx, orgID)
}

// SetActive toggles whether a device may show plans
func (c *Coordinator) SetActive(ctx context.Context, orgID, deviceID string, active bool) (*models.Device, error) {
	if _, err := c.Device(ctx, orgID, deviceID); err != nil {
		return nil, err
	}
	return c.dir.UpdateDetails(ctx, deviceID, directory.DeviceUpdate{IsActive: &active})
}

// Rename changes the display name of a device
func (c *Coordinator) Rename(ctx context.Context, orgID, deviceID, name string) (*models.Device, error) {
	if _, err := c.Device(ctx, orgID, deviceID); err != nil {
		return nil, err
	}
	return c.dir.UpdateDetails(ctx, deviceID, directory.DeviceUpdate{Name: &name})
}

// Remove unpairs a device by deleting it
func (c *Coordinator) Remove(ctx context.Context, orgID, deviceID string) error {
	if _, err := c.Device(ctx, orgID, deviceID); err != nil {
		return err
	}
	if err := c.dir.Delete(ctx, deviceID); err != nil {
		return err
	}
	c.log.Info("device removed", "device_id", deviceID, "organisation_id", orgID)
	return nil
}

func (c *Coordinator) checkGuard(ctx context.Context, orgID string) error {
	locked, ttl, err := c.guard.Locked(ctx, orgID)
	if err != nil {
		// Lockout store unavailable: claims stay possible
		c.log.Warn("claim guard unavailable", "organisation_id", orgID, "error", err)
		return nil
	}
	if locked {
		c.log.Warn("claim attempt while locked", "organisation_id", orgID, "retry_after", ttl)
		return ErrTooManyAttempts
	}
	return nil
}

func (c *Coordinator) clearGuard(ctx context.Context, orgID string) {
	if err := c.guard.Clear(ctx, orgID); err != nil {
		c.log.Warn("failed to clear claim failures", "organisation_id", orgID, "error", err)
	}
}

func (c *Coordinator) registerFailure(ctx context.Context, orgID string) {
	if err := c.guard.RegisterFailure(ctx, orgID); err != nil {
		c.log.Warn("failed to record claim failure", "organisation_id", orgID, "error", err)
	}
}
