package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/xelth-com/eckdisplay/internal/codes"
	"github.com/xelth-com/eckdisplay/internal/config"
	"github.com/xelth-com/eckdisplay/internal/database"
	"github.com/xelth-com/eckdisplay/internal/directory"
	"github.com/xelth-com/eckdisplay/internal/logging"
	"github.com/xelth-com/eckdisplay/internal/models"
	"github.com/xelth-com/eckdisplay/internal/pairing"
	"github.com/xelth-com/eckdisplay/internal/plans"
	"github.com/xelth-com/eckdisplay/internal/utils"
)

// noNotifier is enough here: seeded devices have no live connection yet
type noNotifier struct{}

func (noNotifier) NotifyPaired(*models.Device) bool             { return false }
func (noNotifier) Resync(context.Context, *models.Device) bool { return false }

func main() {
	org := flag.String("org", "demo-org", "organisation to seed")
	cards := flag.Int("codes", 2, "registration codes to issue")
	flag.Parse()

	fmt.Println("🌱 eckDisplay Demo Data Seeder")
	fmt.Println(strings.Repeat("=", 60))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Log, "seed")
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("✅ Connected to database")

	fmt.Println("🔨 Running database migrations...")
	if err := database.Migrate(db.DB); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	ctx := context.Background()

	// 1. Day plan
	fmt.Println("📅 Creating demo day plan...")
	room := "Hall A"
	plan := &models.DayPlan{
		OrganisationID: *org,
		Title:          "Demo Conference Day",
		Date:           time.Now().Format("2006-01-02"),
		Items: []models.ScheduleItem{
			{Kind: models.ItemSession, Title: "Opening Keynote", StartsAt: "09:00", EndsAt: "09:45", Location: &room},
			{Kind: models.ItemBreak, Title: "Coffee", StartsAt: "09:45", EndsAt: "10:15"},
			{Kind: models.ItemSession, Title: "Product Roadmap", StartsAt: "10:15", EndsAt: "11:00", Location: &room},
			{Kind: models.ItemAnnouncement, Title: "Lunch is served on level 2", StartsAt: "12:00"},
		},
	}
	if err := plans.NewStore(db.DB).Create(ctx, plan); err != nil {
		log.Fatalf("❌ Failed to create day plan: %v", err)
	}
	fmt.Printf("   ✓ Day plan %s (%d items)\n", plan.ID, len(plan.Items))

	// 2. Registration codes for displays that are not online yet
	fmt.Println("🔑 Issuing registration codes...")
	dir := directory.NewStore(db.DB)
	coord := pairing.New(dir, codes.NewGenerator(dir), noNotifier{}, logger,
		pairing.WithRegistrationTTL(cfg.Pairing.RegistrationCodeTTL))
	for i := 1; i <= *cards; i++ {
		dev, err := coord.IssueRegistrationCode(ctx, *org, fmt.Sprintf("Demo Display %d", i))
		if err != nil {
			log.Printf("⚠️  Failed to issue code %d: %v", i, err)
			continue
		}
		fmt.Printf("   ✓ %s -> %s (expires %s)\n", dev.Name, *dev.RegistrationCode, dev.CodeExpiresAt.Format(time.RFC3339))
	}

	// 3. Admin token for the API
	token, err := utils.GenerateToken(utils.Identity{
		UserID:         "demo-admin",
		Role:           utils.RoleAdmin,
		OrganisationID: *org,
	}, cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		log.Fatalf("❌ Failed to sign admin token: %v", err)
	}

	fmt.Println()
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("✅ Demo data ready")
	fmt.Printf("   Organisation: %s\n", *org)
	fmt.Printf("   Admin token (24h): %s\n", token)
}
