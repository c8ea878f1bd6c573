package handlers

import (
	"net/http"
	"strings"

	"github.com/xelth-com/eckdisplay/internal/models"
	"github.com/xelth-com/eckdisplay/internal/services/printer"
)

// ScanRequest carries the raw payload read by the installer app
type ScanRequest struct {
	Barcode string  `json:"barcode"`
	Name    *string `json:"name,omitempty"`
}

// ScanResponse standardizes the scan result
type ScanResponse struct {
	Type   string         `json:"type"`   // pairing, registration
	Action string         `json:"action"` // paired, activated
	Device *models.Device `json:"device"`
}

// handleScan claims whatever device the scanned card or screen points at.
// Pairing QR codes behave like POST /api/devices/pair, registration cards
// like POST /api/devices/activate.
func (r *Router) handleScan(w http.ResponseWriter, req *http.Request) {
	var body ScanRequest
	if err := decodeJSON(w, req, &body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	barcode := strings.TrimSpace(body.Barcode)
	if barcode == "" {
		respondError(w, http.StatusBadRequest, "Empty barcode")
		return
	}

	kind, code, err := printer.ParseQRContent(barcode)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	org, _ := callerOrg(req, "")

	var resp ScanResponse
	switch kind {
	case printer.KindPairing:
		resp.Type, resp.Action = "pairing", "paired"
		resp.Device, err = r.coord.RegisterByPairingCode(req.Context(), code, org, body.Name)
	case printer.KindRegistration:
		resp.Type, resp.Action = "registration", "activated"
		resp.Device, err = r.coord.ActivateByCode(req.Context(), org, code)
	}
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
