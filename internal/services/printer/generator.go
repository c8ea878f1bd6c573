package printer

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"
)

// QR payload kinds
const (
	KindPairing      = "P"
	KindRegistration = "R"
)

// Card is one printed registration code
type Card struct {
	Code       string
	DeviceName string
	ExpiresAt  *time.Time
}

// SheetConfig holds the card grid layout on an A4 page
type SheetConfig struct {
	Cols       int     `json:"cols"`
	Rows       int     `json:"rows"`
	MarginTop  float64 `json:"marginTop"`
	MarginLeft float64 `json:"marginLeft"`
	GapX       float64 `json:"gapX"`
	GapY       float64 `json:"gapY"`
}

// DefaultSheet prints two columns of four cards
var DefaultSheet = SheetConfig{Cols: 2, Rows: 4, MarginTop: 12, MarginLeft: 12, GapX: 6, GapY: 6}

// QRContent builds the payload scanned by the installer app.
// Protocol: ECKD$<KIND>$<CODE>$<URL>, uppercase so the QR stays in alphanumeric mode.
func QRContent(kind, code, baseURL string) string {
	return "ECKD$" + kind + "$" + code + "$" + strings.ToUpper(strings.TrimRight(baseURL, "/"))
}

// ErrUnknownPayload is returned for scans that were not produced by QRContent
var ErrUnknownPayload = errors.New("printer: unrecognised qr payload")

// ParseQRContent reverses QRContent. The URL part is ignored.
func ParseQRContent(payload string) (kind, code string, err error) {
	parts := strings.SplitN(strings.TrimSpace(payload), "$", 4)
	if len(parts) < 3 || !strings.EqualFold(parts[0], "ECKD") {
		return "", "", ErrUnknownPayload
	}
	kind = strings.ToUpper(parts[1])
	if kind != KindPairing && kind != KindRegistration {
		return "", "", ErrUnknownPayload
	}
	return kind, parts[2], nil
}

// PairingQR renders the PNG a display shows next to its pairing code
func PairingQR(code, baseURL string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(QRContent(KindPairing, code, baseURL), qrcode.Low, size)
}

// GenerateCardsPDF lays out registration cards with QR codes
func GenerateCardsPDF(cards []Card, baseURL string, cfg SheetConfig) ([]byte, error) {
	if len(cards) == 0 {
		return nil, errors.New("no cards to print")
	}
	if cfg.Cols <= 0 || cfg.Rows <= 0 {
		cfg = DefaultSheet
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetFont("Arial", "B", 10)

	// A4 dimensions
	pageWidth, pageHeight := 210.0, 297.0

	totalGapX := float64(cfg.Cols-1) * cfg.GapX
	totalGapY := float64(cfg.Rows-1) * cfg.GapY
	availW := pageWidth - (cfg.MarginLeft * 2)
	availH := pageHeight - (cfg.MarginTop * 2)
	cardW := (availW - totalGapX) / float64(cfg.Cols)
	cardH := (availH - totalGapY) / float64(cfg.Rows)

	cardsPerPage := cfg.Cols * cfg.Rows
	imgOptions := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: true}

	for i, card := range cards {
		if i%cardsPerPage == 0 {
			pdf.AddPage()
		}

		indexOnPage := i % cardsPerPage
		col := indexOnPage % cfg.Cols
		row := indexOnPage / cfg.Cols
		x := cfg.MarginLeft + float64(col)*(cardW+cfg.GapX)
		y := cfg.MarginTop + float64(row)*(cardH+cfg.GapY)

		qrPng, err := qrcode.Encode(QRContent(KindRegistration, card.Code, baseURL), qrcode.Medium, 256)
		if err != nil {
			return nil, err
		}
		imgName := fmt.Sprintf("qr_%d", i)
		pdf.RegisterImageOptionsReader(imgName, imgOptions, bytes.NewReader(qrPng))

		// Cut line
		pdf.SetDrawColor(180, 180, 180)
		pdf.Rect(x, y, cardW, cardH, "D")

		// QR on the left half, text on the right
		qrSize := cardH * 0.8
		if qrSize > cardW/2 {
			qrSize = cardW / 2
		}
		pdf.ImageOptions(imgName, x+3, y+(cardH-qrSize)/2, qrSize, qrSize, false, imgOptions, 0, "")

		textX := x + qrSize + 6
		textW := cardW - qrSize - 9

		pdf.SetXY(textX, y+6)
		pdf.SetFontSize(8)
		pdf.CellFormat(textW, 4, "Registration code", "", 2, "L", false, 0, "")

		pdf.SetFontSize(20)
		pdf.CellFormat(textW, 10, spaced(card.Code), "", 2, "L", false, 0, "")

		pdf.SetFontSize(9)
		if card.DeviceName != "" {
			pdf.CellFormat(textW, 5, card.DeviceName, "", 2, "L", false, 0, "")
		}
		if card.ExpiresAt != nil {
			pdf.SetFontSize(7)
			pdf.CellFormat(textW, 4, "Valid until "+card.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"), "", 2, "L", false, 0, "")
		}
	}

	if err := pdf.Error(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// spaced splits a 6-digit code into two readable groups
func spaced(code string) string {
	if len(code) != 6 {
		return code
	}
	return code[:3] + " " + code[3:]
}
