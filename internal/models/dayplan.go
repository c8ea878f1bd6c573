package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidDayPlan is returned when a submitted plan fails validation.
var ErrInvalidDayPlan = errors.New("dayplan: invalid")

// ScheduleItemKind tags what a schedule entry represents on screen
type ScheduleItemKind string

const (
	ItemSession      ScheduleItemKind = "session"
	ItemBreak        ScheduleItemKind = "break"
	ItemAnnouncement ScheduleItemKind = "announcement"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// DayPlan is the ordered schedule assigned to a display for one day.
// The dispatcher moves it as an opaque payload.
type DayPlan struct {
	ID             string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrganisationID string         `gorm:"index;size:64;not null" json:"organisationId"`
	Title          string         `gorm:"not null" json:"title"`
	Date           string         `gorm:"size:10" json:"date"`
	Items          []ScheduleItem `gorm:"foreignKey:DayPlanID;constraint:OnDelete:CASCADE" json:"items"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// TableName specifies the table name for DayPlan
func (DayPlan) TableName() string {
	return "day_plans"
}

// ScheduleItem is one entry of a day plan. Optional fields are named
// explicitly so nothing untyped reaches a display.
type ScheduleItem struct {
	ID          uint             `gorm:"primaryKey" json:"-"`
	DayPlanID   string           `gorm:"index;size:36;not null" json:"-"`
	Position    int              `gorm:"not null" json:"position"`
	Kind        ScheduleItemKind `gorm:"size:16;not null" json:"kind"`
	Title       string           `gorm:"not null" json:"title"`
	StartsAt    string           `gorm:"size:5;not null" json:"startsAt"`
	EndsAt      string           `gorm:"size:5" json:"endsAt,omitempty"`
	Location    *string          `json:"location,omitempty"`
	Speaker     *string          `json:"speaker,omitempty"`
	Description *string          `json:"description,omitempty"`
}

// TableName specifies the table name for ScheduleItem
func (ScheduleItem) TableName() string {
	return "schedule_items"
}

// Normalize trims text fields and renumbers items in submission order.
func (p *DayPlan) Normalize() {
	p.Title = strings.TrimSpace(p.Title)
	p.Date = strings.TrimSpace(p.Date)
	for i := range p.Items {
		it := &p.Items[i]
		it.Position = i
		it.Kind = ScheduleItemKind(strings.ToLower(strings.TrimSpace(string(it.Kind))))
		it.Title = strings.TrimSpace(it.Title)
		it.StartsAt = strings.TrimSpace(it.StartsAt)
		it.EndsAt = strings.TrimSpace(it.EndsAt)
		it.Location = trimOptional(it.Location)
		it.Speaker = trimOptional(it.Speaker)
		it.Description = trimOptional(it.Description)
	}
}

// Validate checks a normalized plan
func (p *DayPlan) Validate() error {
	if p.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidDayPlan)
	}
	if p.Date != "" {
		if _, err := time.Parse(dateLayout, p.Date); err != nil {
			return fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidDayPlan)
		}
	}
	for i, it := range p.Items {
		if err := it.validate(); err != nil {
			return fmt.Errorf("%w: item %d: %s", ErrInvalidDayPlan, i, err.Error())
		}
	}
	return nil
}

func (it ScheduleItem) validate() error {
	switch it.Kind {
	case ItemSession, ItemBreak, ItemAnnouncement:
	default:
		return fmt.Errorf("unknown kind %q", it.Kind)
	}
	if it.Title == "" {
		return errors.New("title is required")
	}
	start, err := time.Parse(clockLayout, it.StartsAt)
	if err != nil {
		return errors.New("startsAt must be HH:MM")
	}
	if it.EndsAt == "" {
		return nil
	}
	end, err := time.Parse(clockLayout, it.EndsAt)
	if err != nil {
		return errors.New("endsAt must be HH:MM")
	}
	if !end.After(start) {
		return errors.New("endsAt must be after startsAt")
	}
	return nil
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
