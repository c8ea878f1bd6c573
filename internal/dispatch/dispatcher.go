// Package dispatch delivers day plans and pairing notices to displays.
//
// Delivery is two-tiered. The directory assignment is the durable fact and is
// written first; a live push over the device's connection is then attempted
// on a best-effort basis. A device that missed the push recovers the plan by
// pulling its public view, which always resolves the current assignment at
// read time.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xelth-com/eckdisplay/internal/directory"
	"github.com/xelth-com/eckdisplay/internal/metrics"
	"github.com/xelth-com/eckdisplay/internal/models"
	"github.com/xelth-com/eckdisplay/internal/plans"
	"github.com/xelth-com/eckdisplay/internal/registry"
)

// ErrInactive is returned by the pull view for a deactivated device.
var ErrInactive = errors.New("dispatch: device inactive")

// PairedNotice tells a display which organisation claimed it
type PairedNotice struct {
	OrganisationID string
	DeviceID       string
	DeviceName     string
}

// PlanUpdate carries a resolved plan to a display. Revision increases with
// every assignment so a display can drop pushes that arrive out of order.
type PlanUpdate struct {
	DeviceID string
	DayPlan  *models.DayPlan
	Revision int64
}

// Sender is the outbound side of the transport gateway. Both calls are
// fire-and-forget and report whether the message was handed to a live connection.
type Sender interface {
	SendPairedNotice(connID string, n PairedNotice) bool
	SendPlanUpdate(connID string, u PlanUpdate) bool
}

// Result is the outcome of a plan assignment
type Result struct {
	Device    *models.Device `json:"device"`
	Delivered bool           `json:"delivered"`
}

// PublicDevice is the subset of a device exposed to unauthenticated viewers
type PublicDevice struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PlanRevision int64  `json:"planRevision"`
}

// View is what a display pulls. DayPlan is nil when nothing is assigned.
type View struct {
	Device  PublicDevice    `json:"device"`
	DayPlan *models.DayPlan `json:"dayPlan"`
}

// Dispatcher resolves plans and pushes them through the gateway
type Dispatcher struct {
	dir    directory.Directory
	plans  plans.Resolver
	conns  registry.Lookup
	sender Sender
	log    *slog.Logger
}

// New creates a Dispatcher
func New(dir directory.Directory, resolver plans.Resolver, conns registry.Lookup, sender Sender, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		dir:    dir,
		plans:  resolver,
		conns:  conns,
		sender: sender,
		log:    log.With("component", "dispatch"),
	}
}

// PushDayPlan assigns dayPlanID to the device and attempts live delivery.
// A missing device or plan fails before anything is written. Once the
// assignment is stored the call succeeds whatever happens to the push.
func (d *Dispatcher) PushDayPlan(ctx context.Context, deviceID, dayPlanID string) (*Result, error) {
	if _, err := d.dir.FindByID(ctx, deviceID); err != nil {
		return nil, err
	}
	plan, err := d.plans.FindDayPlan(ctx, dayPlanID)
	if err != nil {
		return nil, err
	}

	dev, err := d.dir.AssignDayPlan(ctx, deviceID, dayPlanID)
	if err != nil {
		return nil, err
	}

	return &Result{Device: dev, Delivered: d.deliverPlan(dev, plan)}, nil
}

// NotifyPaired tells a connected device it has been claimed. Unreachable
// devices are skipped silently; pairing is durable without the notice.
func (d *Dispatcher) NotifyPaired(dev *models.Device) bool {
	if !registry.Reachable(d.conns, dev.SocketID, dev.ID) {
		d.log.Debug("paired device not connected", "device_id", dev.ID)
		return false
	}

	notice := PairedNotice{DeviceID: dev.ID, DeviceName: dev.Name}
	if dev.OrganisationID != nil {
		notice.OrganisationID = *dev.OrganisationID
	}
	if !d.sender.SendPairedNotice(*dev.SocketID, notice) {
		d.log.Warn("paired notice not delivered", "device_id", dev.ID, "socket_id", *dev.SocketID)
		return false
	}
	return true
}

// Resync re-pushes the currently assigned plan, used when a device reconnects
func (d *Dispatcher) Resync(ctx context.Context, dev *models.Device) bool {
	if dev.CurrentDayPlanID == nil {
		return false
	}
	plan, err := d.plans.FindDayPlan(ctx, *dev.CurrentDayPlanID)
	if err != nil {
		d.log.Warn("resync skipped", "device_id", dev.ID, "day_plan_id", *dev.CurrentDayPlanID, "error", err)
		return false
	}
	return d.deliverPlan(dev, plan)
}

// RepublishDayPlan pushes an edited plan to every device that shows it.
// It returns how many pushes reached a live connection.
func (d *Dispatcher) RepublishDayPlan(ctx context.Context, dayPlanID string) (delivered, total int, err error) {
	plan, err := d.plans.FindDayPlan(ctx, dayPlanID)
	if err != nil {
		return 0, 0, err
	}
	devices, err := d.dir.ListByDayPlan(ctx, dayPlanID)
	if err != nil {
		return 0, 0, err
	}
	for i := range devices {
		if d.deliverPlan(&devices[i], plan) {
			delivered++
		}
	}
	return delivered, len(devices), nil
}

// PublicView resolves the device's current plan at read time. This is the
// reconciliation path for every push that did not arrive.
func (d *Dispatcher) PublicView(ctx context.Context, deviceID string) (*View, error) {
	dev, err := d.dir.FindByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.IsActive {
		return nil, ErrInactive
	}

	view := &View{Device: PublicDevice{ID: dev.ID, Name: dev.Name, PlanRevision: dev.PlanRevision}}
	if dev.CurrentDayPlanID == nil {
		return view, nil
	}

	plan, err := d.plans.FindDayPlan(ctx, *dev.CurrentDayPlanID)
	switch {
	case errors.Is(err, plans.ErrNotFound):
		// Assigned plan was removed from the store; show nothing
		return view, nil
	case err != nil:
		return nil, err
	}
	view.DayPlan = plan
	return view, nil
}

func (d *Dispatcher) deliverPlan(dev *models.Device, plan *models.DayPlan) bool {
	if !registry.Reachable(d.conns, dev.SocketID, dev.ID) {
		metrics.PlanDeliveries.WithLabelValues(metrics.DeliveryPull).Inc()
		d.log.Debug("device not connected, relying on pull", "device_id", dev.ID, "day_plan_id", plan.ID)
		return false
	}

	ok := d.sender.SendPlanUpdate(*dev.SocketID, PlanUpdate{
		DeviceID: dev.ID,
		DayPlan:  plan,
		Revision: dev.PlanRevision,
	})
	if !ok {
		metrics.PlanDeliveries.WithLabelValues(metrics.DeliveryFailed).Inc()
		d.log.Warn("plan push failed, relying on pull", "device_id", dev.ID, "socket_id", *dev.SocketID)
		return false
	}
	metrics.PlanDeliveries.WithLabelValues(metrics.DeliveryPushed).Inc()
	return true
}
