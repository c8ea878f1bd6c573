package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/xelth-com/eckdisplay/internal/middleware"
	"github.com/xelth-com/eckdisplay/internal/models"
	"github.com/xelth-com/eckdisplay/internal/pairing"
)

// PairRequest claims a device by the code on its screen
type PairRequest struct {
	Code           string  `json:"code"`
	OrganisationID string  `json:"organisationId,omitempty"` // must match the caller when given
	Name           *string `json:"name,omitempty"`
}

// RegisterRequest pairs a device by registration code
type RegisterRequest struct {
	Code           string `json:"code"`
	OrganisationID string `json:"organisationId,omitempty"`
	Name           string `json:"name"`
}

// ActivateRequest consumes a registration code
type ActivateRequest struct {
	Code string `json:"code"`
}

// AssignDayPlanRequest points a device at a plan
type AssignDayPlanRequest struct {
	DayPlanID string `json:"dayPlanId"`
}

// UpdateDeviceRequest carries admin edits. Omitted fields are unchanged.
type UpdateDeviceRequest struct {
	Name     *string `json:"name,omitempty"`
	IsActive *bool   `json:"isActive,omitempty"`
}

// callerOrg returns the caller's organisation, rejecting a body that names another
func callerOrg(req *http.Request, requested string) (string, bool) {
	id, _ := middleware.IdentityFrom(req.Context())
	if requested != "" && requested != id.OrganisationID {
		return "", false
	}
	return id.OrganisationID, true
}

// registerByPairingCode handles POST /api/devices/pair
func (r *Router) registerByPairingCode(w http.ResponseWriter, req *http.Request) {
	var body PairRequest
	if err := decodeJSON(w, req, &body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		respondError(w, http.StatusBadRequest, "code is required")
		return
	}
	org, ok := callerOrg(req, body.OrganisationID)
	if !ok {
		respondError(w, http.StatusForbidden, "organisation mismatch")
		return
	}

	dev, err := r.coord.RegisterByPairingCode(req.Context(), body.Code, org, body.Name)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, dev)
}

// registerByCode handles POST /api/devices/register
func (r *Router) registerByCode(w http.ResponseWriter, req *http.Request) {
	var body RegisterRequest
	if err := decodeJSON(w, req, &body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		respondError(w, http.StatusBadRequest, "code is required")
		return
	}
	org, ok := callerOrg(req, body.OrganisationID)
	if !ok {
		respondError(w, http.StatusForbidden, "organisation mismatch")
		return
	}

	dev, err := r.coord.RegisterByCode(req.Context(), body.Code, org, body.Name)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, dev)
}

// activateByCode handles POST /api/devices/activate
func (r *Router) activateByCode(w http.ResponseWriter, req *http.Request) {
	var body ActivateRequest
	if err := decodeJSON(w, req, &body); err != nil || strings.TrimSpace(body.Code) == "" {
		respondError(w, http.StatusBadRequest, "code is required")
		return
	}
	org, _ := callerOrg(req, "")

	dev, err := r.coord.ActivateByCode(req.Context(), org, body.Code)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, dev)
}

// listDevices handles GET /api/organisations/{orgId}/devices
func (r *Router) listDevices(w http.ResponseWriter, req *http.Request) {
	org, ok := callerOrg(req, mux.Vars(req)["orgId"])
	if !ok {
		respondError(w, http.StatusForbidden, "organisation mismatch")
		return
	}

	devices, err := r.coord.ListDevices(req.Context(), org)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	respondJSON(w, http.StatusOK, devices)
}

// assignDayPlan handles PUT /api/devices/{id}/dayplan
func (r *Router) assignDayPlan(w http.ResponseWriter, req *http.Request) {
	var body AssignDayPlanRequest
	if err := decodeJSON(w, req, &body); err != nil || body.DayPlanID == "" {
		respondError(w, http.StatusBadRequest, "dayPlanId is required")
		return
	}
	org, _ := callerOrg(req, "")
	deviceID := mux.Vars(req)["id"]

	if _, err := r.coord.Device(req.Context(), org, deviceID); err != nil {
		r.fail(w, req, err)
		return
	}
	if _, err := r.ownedPlan(req, org, body.DayPlanID); err != nil {
		r.fail(w, req, err)
		return
	}

	res, err := r.disp.PushDayPlan(req.Context(), deviceID, body.DayPlanID)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// updateDevice handles PATCH /api/devices/{id}
func (r *Router) updateDevice(w http.ResponseWriter, req *http.Request) {
	var body UpdateDeviceRequest
	if err := decodeJSON(w, req, &body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if body.Name != nil && strings.TrimSpace(*body.Name) == "" {
		respondError(w, http.StatusBadRequest, "name must not be empty")
		return
	}
	org, _ := callerOrg(req, "")
	deviceID := mux.Vars(req)["id"]

	dev, err := r.coord.Device(req.Context(), org, deviceID)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	if body.Name != nil {
		if dev, err = r.coord.Rename(req.Context(), org, deviceID, *body.Name); err != nil {
			r.fail(w, req, err)
			return
		}
	}
	if body.IsActive != nil {
		if dev, err = r.coord.SetActive(req.Context(), org, deviceID, *body.IsActive); err != nil {
			r.fail(w, req, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, dev)
}

// deleteDevice handles DELETE /api/devices/{id}
func (r *Router) deleteDevice(w http.ResponseWriter, req *http.Request) {
	org, _ := callerOrg(req, "")
	if err := r.coord.Remove(req.Context(), org, mux.Vars(req)["id"]); err != nil {
		r.fail(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedPlan loads a plan and checks it belongs to org
func (r *Router) ownedPlan(req *http.Request, org, id string) (*models.DayPlan, error) {
	plan, err := r.plans.FindDayPlan(req.Context(), id)
	if err != nil {
		return nil, err
	}
	if plan.OrganisationID != org {
		return nil, pairing.ErrForbidden
	}
	return plan, nil
}
