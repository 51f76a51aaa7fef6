package plan

import (
	"context"
	"strings"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
	"github.com/a719584032-creator/testtrack/pkg/store"
)

// RunDetail is a run together with its result rows.
type RunDetail struct {
	Run     store.ExecutionRun      `json:"run"`
	Results []store.ExecutionResult `json:"results"`
}

// OpenRun opens an execution batch over the plan's current case set
// and device bindings.
func (s *service) OpenRun(
	ctx context.Context, planID uint, name string, triggeredBy *uint,
) (*store.ExecutionRun, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}

	return s.store.OpenRun(ctx, planID, name, triggeredBy)
}

// ListRuns returns every run opened against a plan, newest first.
func (s *service) ListRuns(
	ctx context.Context, planID uint,
) ([]store.ExecutionRun, error) {
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}

	return s.store.ListRuns(ctx, planID)
}

func (s *service) GetRun(
	ctx context.Context, runID uint,
) (*RunDetail, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	results, err := s.store.ListResults(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &RunDetail{Run: *run, Results: results}, nil
}

func (s *service) FinishRun(
	ctx context.Context, runID uint,
) (*store.ExecutionRun, error) {
	return s.store.FinishRun(ctx, runID)
}

func (s *service) AbortRun(
	ctx context.Context, runID uint,
) (*store.ExecutionRun, error) {
	return s.store.AbortRun(ctx, runID)
}

// RecordResult validates and persists one outcome submission. The
// execution window is authenticated before anything is written: both
// timestamps must carry valid signatures, and the end must not
// precede the start (equal values are accepted). The upsert and the
// counter adjustment happen atomically in the store.
func (s *service) RecordResult(
	ctx context.Context, in RecordResultInput,
) (*store.ExecutionResult, error) {
	if !store.ValidOutcome(in.Result) {
		return nil, apperr.Validation(
			"result must be one of pass/fail/block/skip, got %q", in.Result)
	}

	plan, err := s.store.GetPlan(ctx, in.PlanID)
	if err != nil {
		return nil, err
	}

	if plan.Archived {
		return nil, apperr.InvalidState(
			"plan %d is archived; results are read-only", plan.ID)
	}

	run, err := s.store.GetRun(ctx, in.RunID)
	if err != nil {
		return nil, err
	}

	if run.PlanID != in.PlanID {
		return nil, apperr.NotFound(
			"run %d does not belong to plan %d", in.RunID, in.PlanID)
	}

	if run.Terminal() {
		return nil, apperr.InvalidState(
			"run %d is %s; results are read-only", run.ID, run.Status)
	}

	planCase, err := s.store.GetPlanCase(ctx, in.PlanID, in.PlanCaseID)
	if err != nil {
		return nil, err
	}

	if planCase.RequireAllDevices && in.DeviceModelID == nil {
		return nil, apperr.Validation(
			"plan case %d requires a device_model_id", planCase.ID)
	}

	startTime, err := s.tokens.Verify(in.StartToken)
	if err != nil {
		return nil, err
	}

	endTime, err := s.tokens.Verify(in.EndToken)
	if err != nil {
		return nil, err
	}

	if endTime.Before(startTime) {
		return nil, apperr.Validation(
			"execution end time precedes its start time")
	}

	result, err := s.store.RecordResult(ctx, store.ResultUpdate{
		RunID:         in.RunID,
		PlanCaseID:    in.PlanCaseID,
		DeviceModelID: in.DeviceModelID,
		Result:        in.Result,
		ExecutedBy:    in.ExecutedBy,
		StartTime:     &startTime,
		EndTime:       &endTime,
		FailureReason: in.FailureReason,
		BugRef:        in.BugRef,
		Remark:        in.Remark,
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("run_id", in.RunID).
		WithField("plan_case_id", in.PlanCaseID).
		WithField("result", in.Result).
		Debug("Result recorded")

	return result, nil
}
