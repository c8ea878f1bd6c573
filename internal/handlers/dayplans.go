package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xelth-com/eckdisplay/internal/models"
)

// DayPlanRequest is the editable part of a day plan
type DayPlanRequest struct {
	Title string                `json:"title"`
	Date  string                `json:"date"`
	Items []models.ScheduleItem `json:"items"`
}

func (b DayPlanRequest) plan(org string) *models.DayPlan {
	return &models.DayPlan{
		OrganisationID: org,
		Title:          b.Title,
		Date:           b.Date,
		Items:          b.Items,
	}
}

// createDayPlan handles POST /api/dayplans
func (r *Router) createDayPlan(w http.ResponseWriter, req *http.Request) {
	var body DayPlanRequest
	if err := decodeJSON(w, req, &body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	org, _ := callerOrg(req, "")

	plan := body.plan(org)
	if err := r.plans.Create(req.Context(), plan); err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusCreated, plan)
}

// getDayPlan handles GET /api/dayplans/{id}
func (r *Router) getDayPlan(w http.ResponseWriter, req *http.Request) {
	org, _ := callerOrg(req, "")
	plan, err := r.ownedPlan(req, org, mux.Vars(req)["id"])
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

// updateDayPlan handles PUT /api/dayplans/{id}. Devices showing the plan
// receive the new version.
func (r *Router) updateDayPlan(w http.ResponseWriter, req *http.Request) {
	var body DayPlanRequest
	if err := decodeJSON(w, req, &body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	org, _ := callerOrg(req, "")
	id := mux.Vars(req)["id"]

	if _, err := r.ownedPlan(req, org, id); err != nil {
		r.fail(w, req, err)
		return
	}

	plan, err := r.plans.Replace(req.Context(), id, body.plan(org))
	if err != nil {
		r.fail(w, req, err)
		return
	}

	delivered, total, err := r.disp.RepublishDayPlan(req.Context(), id)
	if err != nil {
		// The edit is stored; devices pick it up on their next pull
		r.log.Warn("republish failed", "day_plan_id", id, "error", err)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"dayPlan":   plan,
		"devices":   total,
		"delivered": delivered,
	})
}
