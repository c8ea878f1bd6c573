package handlers

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/xelth-com/eckdisplay/internal/codes"
	"github.com/xelth-com/eckdisplay/internal/models"
	"github.com/xelth-com/eckdisplay/internal/services/printer"
)

// IssueCodeRequest names the device an admin pre-registers
type IssueCodeRequest struct {
	Name string `json:"name"`
}

// RegistrationCodeResponse describes an issued registration code
type RegistrationCodeResponse struct {
	DeviceID  string     `json:"deviceId"`
	Code      string     `json:"code"`
	ExpiresAt *time.Time `json:"expiresAt"`
	CardURL   string     `json:"cardUrl,omitempty"`
}

func registrationResponse(dev *models.Device) RegistrationCodeResponse {
	res := RegistrationCodeResponse{DeviceID: dev.ID, ExpiresAt: dev.CodeExpiresAt}
	if dev.RegistrationCode != nil {
		res.Code = *dev.RegistrationCode
	}
	return res
}

// issueRegistrationCode handles POST /api/registration-codes
func (r *Router) issueRegistrationCode(w http.ResponseWriter, req *http.Request) {
	var body IssueCodeRequest
	if req.ContentLength != 0 {
		if err := decodeJSON(w, req, &body); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request payload")
			return
		}
	}
	org, _ := callerOrg(req, "")

	dev, err := r.coord.IssueRegistrationCode(req.Context(), org, body.Name)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	res := registrationResponse(dev)
	res.CardURL = fmt.Sprintf("/api/registration-codes/%s/card.pdf", res.Code)
	respondJSON(w, http.StatusCreated, res)
}

// requestRegistrationCode handles POST /api/public/registration-codes
func (r *Router) requestRegistrationCode(w http.ResponseWriter, req *http.Request) {
	dev, err := r.coord.RequestRegistrationCode(req.Context(), clientAddr(req))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	respondJSON(w, http.StatusCreated, registrationResponse(dev))
}

// clientAddr is the remote host of req without the port
func clientAddr(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// registrationCard handles GET /api/registration-codes/{code}/card.pdf
func (r *Router) registrationCard(w http.ResponseWriter, req *http.Request) {
	org, _ := callerOrg(req, "")
	code := mux.Vars(req)["code"]

	dev, err := r.coord.RegistrationDevice(req.Context(), org, code)
	if err != nil {
		r.fail(w, req, err)
		return
	}

	pdfBytes, err := printer.GenerateCardsPDF([]printer.Card{{
		Code:       code,
		DeviceName: dev.Name,
		ExpiresAt:  dev.CodeExpiresAt,
	}}, r.baseURL, printer.DefaultSheet)
	if err != nil {
		r.fail(w, req, fmt.Errorf("generate card: %w", err))
		return
	}

	// Set headers for download
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"registration_%s.pdf\"", code))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdfBytes)))
	w.Write(pdfBytes)
}

// pairingQR handles GET /api/public/pairing/{code}/qr.png
func (r *Router) pairingQR(w http.ResponseWriter, req *http.Request) {
	code := mux.Vars(req)["code"]
	if !codes.Valid(code) {
		respondError(w, http.StatusBadRequest, "invalid pairing code")
		return
	}

	size, _ := strconv.Atoi(req.URL.Query().Get("size"))
	if size < 64 || size > 1024 {
		size = 256
	}

	png, err := printer.PairingQR(code, r.baseURL, size)
	if err != nil {
		r.fail(w, req, fmt.Errorf("generate qr: %w", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// publicView handles GET /api/public/devices/{id}/view
func (r *Router) publicView(w http.ResponseWriter, req *http.Request) {
	view, err := r.disp.PublicView(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		r.fail(w, req, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, view)
}
