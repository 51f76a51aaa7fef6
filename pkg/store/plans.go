package store

import (
	"context"
	"fmt"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
)

// PlanCaseFilter narrows plan case set listings. All fields combine
// with AND; zero values are ignored.
type PlanCaseFilter struct {
	GroupPathPrefix string
	Priorities      []string
	Include         *bool
	Keyword         string
}

// --- Plans ---

func (s *store) CreatePlan(ctx context.Context, p *TestPlan) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("creating test plan: %w", err)
	}

	return nil
}

func (s *store) GetPlan(ctx context.Context, id uint) (*TestPlan, error) {
	var p TestPlan
	if err := s.db.WithContext(ctx).
		Where("id = ? AND deleted = ?", id, false).
		First(&p).Error; err != nil {
		return nil, notFound(err, "test plan %d", id)
	}

	return &p, nil
}

func (s *store) ListPlans(
	ctx context.Context, projectID uint,
) ([]TestPlan, error) {
	q := s.db.WithContext(ctx).
		Where("deleted = ?", false).
		Order("created_at DESC")
	if projectID != 0 {
		q = q.Where("project_id = ?", projectID)
	}

	var plans []TestPlan
	if err := q.Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("listing test plans: %w", err)
	}

	return plans, nil
}

func (s *store) UpdatePlan(ctx context.Context, p *TestPlan) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("updating test plan: %w", err)
	}

	return nil
}

// SoftDeletePlan flags the plan as deleted. Snapshots, runs, and
// results stay in place for history; only lookups stop resolving.
func (s *store) SoftDeletePlan(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).
		Model(&TestPlan{}).
		Where("id = ? AND deleted = ?", id, false).
		Update("deleted", true)
	if result.Error != nil {
		return fmt.Errorf("deleting test plan: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return apperr.NotFound("test plan %d", id)
	}

	return nil
}

// --- Plan case snapshots ---

func (s *store) CreatePlanCases(ctx context.Context, cases []PlanCase) error {
	if len(cases) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(&cases).Error; err != nil {
		return fmt.Errorf("creating plan case snapshots: %w", err)
	}

	return nil
}

func (s *store) GetPlanCase(
	ctx context.Context, planID, planCaseID uint,
) (*PlanCase, error) {
	var pc PlanCase
	if err := s.db.WithContext(ctx).
		Where("id = ? AND plan_id = ?", planCaseID, planID).
		First(&pc).Error; err != nil {
		return nil, notFound(err, "plan case %d in plan %d", planCaseID, planID)
	}

	return &pc, nil
}

func (s *store) ListPlanCases(
	ctx context.Context, planID uint, f PlanCaseFilter,
) ([]PlanCase, error) {
	q := s.db.WithContext(ctx).Where("plan_id = ?", planID)

	if f.GroupPathPrefix != "" {
		q = q.Where("group_path_cache = ? OR group_path_cache LIKE ?",
			f.GroupPathPrefix, f.GroupPathPrefix+"/%")
	}

	if len(f.Priorities) > 0 {
		q = q.Where("snapshot_priority IN ?", f.Priorities)
	}

	if f.Include != nil {
		q = q.Where("include = ?", *f.Include)
	}

	if f.Keyword != "" {
		q = q.Where("snapshot_title LIKE ?", "%"+f.Keyword+"%")
	}

	var cases []PlanCase
	if err := q.Order("order_no ASC, id ASC").Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("listing plan cases: %w", err)
	}

	return cases, nil
}

// SetPlanCaseInclude toggles whether a snapshot counts toward
// execution. The snapshot content itself stays immutable.
func (s *store) SetPlanCaseInclude(
	ctx context.Context, planID, planCaseID uint, include bool,
) error {
	result := s.db.WithContext(ctx).
		Model(&PlanCase{}).
		Where("id = ? AND plan_id = ?", planCaseID, planID).
		Update("include", include)
	if result.Error != nil {
		return fmt.Errorf("updating plan case inclusion: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return apperr.NotFound("plan case %d in plan %d", planCaseID, planID)
	}

	return nil
}

// --- Device bindings ---

func (s *store) CreatePlanDeviceModels(
	ctx context.Context, bindings []PlanDeviceModel,
) error {
	if len(bindings) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(&bindings).Error; err != nil {
		return fmt.Errorf("creating plan device bindings: %w", err)
	}

	return nil
}

func (s *store) ListPlanDeviceModels(
	ctx context.Context, planID uint,
) ([]PlanDeviceModel, error) {
	var bindings []PlanDeviceModel
	if err := s.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("id ASC").
		Find(&bindings).Error; err != nil {
		return nil, fmt.Errorf("listing plan device bindings: %w", err)
	}

	return bindings, nil
}
