// Package plan implements the test plan business core: case snapshot
// creation, plan case set queries, execution run coordination, and
// result recording with authenticated timestamps.
package plan

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
	"github.com/a719584032-creator/testtrack/pkg/store"
	"github.com/a719584032-creator/testtrack/pkg/timetoken"
)

// Selection names the cases and/or groups to snapshot into a plan.
// Group IDs expand to every non-deleted, draft-or-approved case in
// their subtree. SingleExecutionCaseIDs marks cases that execute once
// regardless of the plan's device bindings.
type Selection struct {
	CaseIDs                []uint
	GroupIDs               []uint
	SingleExecutionCaseIDs []uint
}

// CreatePlanInput carries everything needed to create a plan with its
// initial snapshots and device bindings.
type CreatePlanInput struct {
	ProjectID      uint
	Name           string
	Description    string
	StartDate      *time.Time
	EndDate        *time.Time
	Selection      Selection
	DeviceModelIDs []uint
	CreatedBy      *uint
}

// UpdatePlanInput carries a partial plan update. Nil fields are left
// unchanged.
type UpdatePlanInput struct {
	Name        *string
	Description *string
	StartDate   *time.Time
	EndDate     *time.Time
	Archived    *bool
}

// RecordResultInput is one outcome submission against a run cell.
// StartToken and EndToken are signed timestamp tokens.
type RecordResultInput struct {
	PlanID        uint
	RunID         uint
	PlanCaseID    uint
	DeviceModelID *uint
	Result        string
	StartToken    string
	EndToken      string
	FailureReason string
	BugRef        string
	Remark        string
	ExecutedBy    *uint
}

// PlanDetail is a plan together with its case set and device bindings.
type PlanDetail struct {
	Plan    store.TestPlan         `json:"plan"`
	Cases   []store.PlanCase       `json:"cases"`
	Devices []store.PlanDeviceModel `json:"devices"`
}

// Service is the plan business core.
type Service interface {
	CreatePlan(ctx context.Context, in CreatePlanInput) (*PlanDetail, error)
	GetPlan(ctx context.Context, planID uint) (*PlanDetail, error)
	ListPlans(ctx context.Context, projectID uint) ([]store.TestPlan, error)
	UpdatePlan(ctx context.Context, planID uint, in UpdatePlanInput) (*store.TestPlan, error)
	DeletePlan(ctx context.Context, planID uint) error

	// Snapshot manager.
	LinkCases(ctx context.Context, planID uint, sel Selection) ([]store.PlanCase, error)

	// Plan case set.
	ListPlanCases(ctx context.Context, planID uint, f CaseSetFilter) ([]PlanCaseView, error)
	SetPlanCaseInclude(ctx context.Context, planID, planCaseID uint, include bool) error

	// Run coordinator.
	OpenRun(ctx context.Context, planID uint, name string, triggeredBy *uint) (*store.ExecutionRun, error)
	GetRun(ctx context.Context, runID uint) (*RunDetail, error)
	ListRuns(ctx context.Context, planID uint) ([]store.ExecutionRun, error)
	FinishRun(ctx context.Context, runID uint) (*store.ExecutionRun, error)
	AbortRun(ctx context.Context, runID uint) (*store.ExecutionRun, error)

	// Result recorder.
	RecordResult(ctx context.Context, in RecordResultInput) (*store.ExecutionResult, error)
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log    logrus.FieldLogger
	store  store.Store
	tokens *timetoken.Codec
}

// NewService creates the plan service.
func NewService(
	log logrus.FieldLogger,
	st store.Store,
	tokens *timetoken.Codec,
) Service {
	return &service{
		log:    log.WithField("component", "plan"),
		store:  st,
		tokens: tokens,
	}
}

// CreatePlan creates a plan, snapshots the selected cases, and binds
// the selected device models.
func (s *service) CreatePlan(
	ctx context.Context, in CreatePlanInput,
) (*PlanDetail, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("plan name is required")
	}

	if in.StartDate != nil && in.EndDate != nil &&
		in.StartDate.After(*in.EndDate) {
		return nil, apperr.Validation("plan start date is after its end date")
	}

	if _, err := s.store.GetProject(ctx, in.ProjectID); err != nil {
		return nil, err
	}

	if len(in.Selection.CaseIDs) == 0 && len(in.Selection.GroupIDs) == 0 {
		return nil, apperr.Validation("a plan needs at least one case or group")
	}

	devices := make([]store.DeviceModel, 0, len(in.DeviceModelIDs))

	for _, id := range dedupe(in.DeviceModelIDs) {
		device, err := s.store.GetDeviceModel(ctx, id)
		if err != nil {
			return nil, err
		}

		devices = append(devices, *device)
	}

	plan := &store.TestPlan{
		ProjectID:   in.ProjectID,
		Name:        name,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
	}

	if err := s.store.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}

	bindings := make([]store.PlanDeviceModel, 0, len(devices))
	for _, d := range devices {
		bindings = append(bindings, store.PlanDeviceModel{
			PlanID:            plan.ID,
			DeviceModelID:     d.ID,
			SnapshotName:      d.Name,
			SnapshotModelCode: d.ModelCode,
			SnapshotCategory:  d.Category,
		})
	}

	if err := s.store.CreatePlanDeviceModels(ctx, bindings); err != nil {
		return nil, err
	}

	hasDevices := len(bindings) > 0

	cases, err := s.createSnapshots(ctx, plan.ID, in.Selection, 0, hasDevices)
	if err != nil {
		return nil, err
	}

	s.log.WithField("plan_id", plan.ID).
		WithField("cases", len(cases)).
		WithField("devices", len(bindings)).
		Info("Test plan created")

	return &PlanDetail{Plan: *plan, Cases: cases, Devices: bindings}, nil
}

// GetPlan returns a plan with its case set and device bindings.
func (s *service) GetPlan(
	ctx context.Context, planID uint,
) (*PlanDetail, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	cases, err := s.store.ListPlanCases(ctx, planID, store.PlanCaseFilter{})
	if err != nil {
		return nil, err
	}

	devices, err := s.store.ListPlanDeviceModels(ctx, planID)
	if err != nil {
		return nil, err
	}

	return &PlanDetail{Plan: *plan, Cases: cases, Devices: devices}, nil
}

func (s *service) ListPlans(
	ctx context.Context, projectID uint,
) ([]store.TestPlan, error) {
	return s.store.ListPlans(ctx, projectID)
}

// UpdatePlan applies a partial update to plan metadata. Setting
// Archived to false is also how an archived plan is reopened, so the
// archive gate applied to other mutations does not apply here.
func (s *service) UpdatePlan(
	ctx context.Context, planID uint, in UpdatePlanInput,
) (*store.TestPlan, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.Validation("plan name is required")
		}

		plan.Name = name
	}

	if in.Description != nil {
		plan.Description = *in.Description
	}

	if in.StartDate != nil {
		plan.StartDate = in.StartDate
	}

	if in.EndDate != nil {
		plan.EndDate = in.EndDate
	}

	if plan.StartDate != nil && plan.EndDate != nil &&
		plan.StartDate.After(*plan.EndDate) {
		return nil, apperr.Validation("plan start date is after its end date")
	}

	if in.Archived != nil {
		plan.Archived = *in.Archived
	}

	if err := s.store.UpdatePlan(ctx, plan); err != nil {
		return nil, err
	}

	s.log.WithField("plan_id", plan.ID).
		WithField("archived", plan.Archived).
		Info("Test plan updated")

	return plan, nil
}

// DeletePlan soft-deletes a plan. Its snapshots, runs, and results are
// kept for history but the plan stops resolving through lookups.
func (s *service) DeletePlan(ctx context.Context, planID uint) error {
	if err := s.store.SoftDeletePlan(ctx, planID); err != nil {
		return err
	}

	s.log.WithField("plan_id", planID).Info("Test plan deleted")

	return nil
}

// SetPlanCaseInclude toggles a snapshot's inclusion flag.
func (s *service) SetPlanCaseInclude(
	ctx context.Context, planID, planCaseID uint, include bool,
) error {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}

	if plan.Archived {
		return apperr.InvalidState(
			"plan %d is archived; its case set is read-only", planID)
	}

	return s.store.SetPlanCaseInclude(ctx, planID, planCaseID, include)
}

// dedupe returns ids with duplicates removed, preserving order.
func dedupe(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
