package main

import (
	"fmt"
	"os"
	"time"

	"github.com/xelth-com/eckdisplay/internal/config"
	"github.com/xelth-com/eckdisplay/internal/database"
	"github.com/xelth-com/eckdisplay/internal/logging"
	"github.com/xelth-com/eckdisplay/internal/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}

	db, err := database.Connect(cfg.Database, logging.Discard())
	if err != nil {
		fmt.Printf("❌ Failed to connect: %v\n", err)
		fmt.Println("\n💡 Try starting the server first:")
		fmt.Println("   go run ./cmd/api")
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║          📊 eckDisplay Device Report                      ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	var pendingCount, pairedCount, planCount int64
	db.Model(&models.Device{}).Where("status = ?", models.DeviceStatusPending).Count(&pendingCount)
	db.Model(&models.Device{}).Where("status = ?", models.DeviceStatusPaired).Count(&pairedCount)
	db.Model(&models.DayPlan{}).Count(&planCount)

	fmt.Println("📈 DATABASE STATISTICS")
	fmt.Println("──────────────────────────────────────────────────────────")
	fmt.Printf("  Pending devices: %3d\n", pendingCount)
	fmt.Printf("  Paired devices:  %3d\n", pairedCount)
	fmt.Printf("  Day plans:       %3d\n", planCount)
	fmt.Println()

	var paired []models.Device
	db.Where("status = ?", models.DeviceStatusPaired).Order("organisation_id, name").Find(&paired)
	if len(paired) > 0 {
		fmt.Println("🖥️  PAIRED DISPLAYS")
		fmt.Println("──────────────────────────────────────────────────────────")
		org := ""
		for _, d := range paired {
			if d.OrganisationID != nil && *d.OrganisationID != org {
				org = *d.OrganisationID
				fmt.Printf("  Organisation %s\n", org)
			}
			icon := "✅"
			if !d.IsActive {
				icon = "⏸️ "
			}
			plan := "no plan"
			if d.CurrentDayPlanID != nil {
				plan = fmt.Sprintf("plan %s rev %d", *d.CurrentDayPlanID, d.PlanRevision)
			}
			fmt.Printf("    %s %s (%s) %s, last seen %s\n", icon, d.Name, d.ID, plan, ago(d.LastSeenAt))
		}
		fmt.Println()
	}

	var pending []models.Device
	db.Where("status = ?", models.DeviceStatusPending).Order("created_at").Find(&pending)
	if len(pending) > 0 {
		now := time.Now()
		fmt.Println("⏳ PENDING DEVICES")
		fmt.Println("──────────────────────────────────────────────────────────")
		for _, d := range pending {
			switch {
			case d.PairingCode != nil:
				fmt.Printf("  🔢 %s pairing code %s\n", d.ID, *d.PairingCode)
			case d.RegistrationCode != nil && d.CodeExpired(now):
				fmt.Printf("  ⌛ %s registration code %s expired\n", d.ID, *d.RegistrationCode)
			case d.RegistrationCode != nil:
				fmt.Printf("  🔑 %s registration code %s\n", d.ID, *d.RegistrationCode)
			}
		}
		fmt.Println()
	}
}

func ago(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return time.Since(*t).Round(time.Second).String() + " ago"
}
