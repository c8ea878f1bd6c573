// Package plans stores day plans and their ordered schedule items.
package plans

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/xelth-com/eckdisplay/internal/models"
)

// ErrNotFound is returned when a day plan does not exist.
var ErrNotFound = errors.New("plans: day plan not found")

// Resolver loads a complete plan. It is all the dispatcher needs.
type Resolver interface {
	FindDayPlan(ctx context.Context, id string) (*models.DayPlan, error)
}

// Store implements Resolver and plan maintenance on gorm
type Store struct {
	db *gorm.DB
}

var _ Resolver = (*Store)(nil)

// NewStore wraps db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// FindDayPlan returns the plan with its items in display order
func (s *Store) FindDayPlan(ctx context.Context, id string) (*models.DayPlan, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var plan models.DayPlan
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		First(&plan, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// Create validates and inserts plan together with its items
func (s *Store) Create(ctx context.Context, plan *models.DayPlan) error {
	plan.Normalize()
	if err := plan.Validate(); err != nil {
		return err
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	for i := range plan.Items {
		plan.Items[i].ID = 0
		plan.Items[i].DayPlanID = plan.ID
	}
	return s.db.WithContext(ctx).Create(plan).Error
}

// Replace overwrites the title, date and items of an existing plan
func (s *Store) Replace(ctx context.Context, id string, plan *models.DayPlan) (*models.DayPlan, error) {
	plan.Normalize()
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DayPlan{}).Where("id = ?", id).Updates(map[string]any{
			"title": plan.Title,
			"date":  plan.Date,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("day_plan_id = ?", id).Delete(&models.ScheduleItem{}).Error; err != nil {
			return err
		}
		if len(plan.Items) == 0 {
			return nil
		}
		items := make([]models.ScheduleItem, len(plan.Items))
		for i, it := range plan.Items {
			it.ID = 0
			it.DayPlanID = id
			items[i] = it
		}
		return tx.Create(&items).Error
	})
	if err != nil {
		return nil, err
	}
	return s.FindDayPlan(ctx, id)
}
