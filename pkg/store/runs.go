package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
)

// ResultUpdate carries one validated outcome submission for a single
// (run, plan_case, device) cell. Timestamps have already been
// authenticated and ordered by the caller.
type ResultUpdate struct {
	RunID         uint
	PlanCaseID    uint
	DeviceModelID *uint
	Result        string
	ExecutedBy    *uint
	StartTime     *time.Time
	EndTime       *time.Time
	FailureReason string
	BugRef        string
	Remark        string
}

// errCellContended signals that a concurrent writer updated the cell
// between the read and the conditional update; the caller retries.
var errCellContended = errors.New("cell contended")

// recordResultAttempts bounds the compare-and-swap retry loop. With
// per-cell contention each loser observes the winner's value on the
// next read, so a handful of attempts is plenty.
const recordResultAttempts = 5

// OpenRun creates a run in the running state over the plan's current
// case set × device bindings, pre-creating a pending result row for
// every cell. Total and not_run are set from the cell count so the
// counter invariant holds from creation.
func (s *store) OpenRun(
	ctx context.Context, planID uint, name string, triggeredBy *uint,
) (*ExecutionRun, error) {
	var run ExecutionRun

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var plan TestPlan
		if err := tx.
			Where("id = ? AND deleted = ?", planID, false).
			First(&plan).Error; err != nil {
			return notFound(err, "test plan %d", planID)
		}

		if plan.Archived {
			return apperr.InvalidState(
				"plan %d is archived; no new runs can be opened", planID)
		}

		var cases []PlanCase
		if err := tx.
			Where("plan_id = ? AND include = ?", planID, true).
			Order("order_no ASC, id ASC").
			Find(&cases).Error; err != nil {
			return fmt.Errorf("loading plan cases: %w", err)
		}

		if len(cases) == 0 {
			return apperr.Validation("plan %d has no included cases", planID)
		}

		var bindings []PlanDeviceModel
		if err := tx.
			Where("plan_id = ?", planID).
			Order("id ASC").
			Find(&bindings).Error; err != nil {
			return fmt.Errorf("loading device bindings: %w", err)
		}

		for _, pc := range cases {
			if pc.RequireAllDevices && len(bindings) == 0 {
				return apperr.Validation(
					"plan %d requires device bindings but has none", planID)
			}
		}

		now := utcNow()
		run = ExecutionRun{
			PlanID:      planID,
			Name:        name,
			Status:      RunStatusRunning,
			TriggeredBy: triggeredBy,
			StartTime:   &now,
		}

		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("creating execution run: %w", err)
		}

		results := make([]ExecutionResult, 0, len(cases)*max(1, len(bindings)))

		for i := range cases {
			pc := &cases[i]

			if pc.RequireAllDevices {
				for j := range bindings {
					b := &bindings[j]
					results = append(results, ExecutionResult{
						RunID:             run.ID,
						PlanCaseID:        pc.ID,
						DeviceModelID:     &b.DeviceModelID,
						PlanDeviceModelID: &b.ID,
						Result:            ResultPending,
					})
				}
			} else {
				results = append(results, ExecutionResult{
					RunID:      run.ID,
					PlanCaseID: pc.ID,
					Result:     ResultPending,
				})
			}
		}

		if err := tx.CreateInBatches(&results, 200).Error; err != nil {
			return fmt.Errorf("creating pending results: %w", err)
		}

		run.Total = len(results)
		run.NotRun = len(results)

		if err := tx.Model(&run).
			Updates(map[string]any{
				"total":   run.Total,
				"not_run": run.NotRun,
			}).Error; err != nil {
			return fmt.Errorf("initializing run counters: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("run_id", run.ID).
		WithField("plan_id", planID).
		WithField("total", run.Total).
		Info("Execution run opened")

	return &run, nil
}

func (s *store) GetRun(ctx context.Context, id uint) (*ExecutionRun, error) {
	var run ExecutionRun
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, notFound(err, "execution run %d", id)
	}

	return &run, nil
}

func (s *store) ListRuns(
	ctx context.Context, planID uint,
) ([]ExecutionRun, error) {
	var runs []ExecutionRun
	if err := s.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("id DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing execution runs: %w", err)
	}

	return runs, nil
}

// LatestRun returns the most recently opened run for a plan, or nil if
// the plan has never been executed.
func (s *store) LatestRun(
	ctx context.Context, planID uint,
) (*ExecutionRun, error) {
	var run ExecutionRun

	err := s.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("id DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading latest run: %w", err)
	}

	return &run, nil
}

// FinishRun transitions a run from running to finished.
func (s *store) FinishRun(
	ctx context.Context, id uint,
) (*ExecutionRun, error) {
	return s.transitionRun(ctx, id, RunStatusFinished)
}

// AbortRun transitions a run from running to aborted.
func (s *store) AbortRun(
	ctx context.Context, id uint,
) (*ExecutionRun, error) {
	return s.transitionRun(ctx, id, RunStatusAborted)
}

// transitionRun applies a terminal transition with a conditional
// update so concurrent transitions cannot both succeed. Zero rows
// affected means the run was already terminal (or absent).
func (s *store) transitionRun(
	ctx context.Context, id uint, target string,
) (*ExecutionRun, error) {
	now := utcNow()

	result := s.db.WithContext(ctx).
		Model(&ExecutionRun{}).
		Where("id = ? AND status = ?", id, RunStatusRunning).
		Updates(map[string]any{
			"status":   target,
			"end_time": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("transitioning run %d: %w", id, result.Error)
	}

	if result.RowsAffected == 0 {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}

		return nil, apperr.InvalidState(
			"run %d is already %s", id, run.Status)
	}

	s.log.WithField("run_id", id).
		WithField("status", target).
		Info("Execution run closed")

	return s.GetRun(ctx, id)
}

// RecordResult upserts the outcome for one cell and adjusts the run's
// counters in the same transaction. The cell row is claimed with a
// compare-and-swap on its previous value so that the read-delta-write
// sequence stays atomic per cell; concurrent writers to the same cell
// serialize and the counters never double-count across the race. Both
// the claim and the counter update are conditional on the run still
// being open, so a concurrent finish or abort makes the submission
// fail instead of landing on a terminal run.
func (s *store) RecordResult(
	ctx context.Context, upd ResultUpdate,
) (*ExecutionResult, error) {
	if !ValidOutcome(upd.Result) {
		return nil, apperr.Validation(
			"result must be one of pass/fail/block/skip, got %q", upd.Result)
	}

	var recorded ExecutionResult

	for attempt := 0; attempt < recordResultAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var run ExecutionRun
			if err := tx.First(&run, upd.RunID).Error; err != nil {
				return notFound(err, "execution run %d", upd.RunID)
			}

			if run.Terminal() {
				return apperr.InvalidState(
					"run %d is %s; results are read-only", run.ID, run.Status)
			}

			cell, err := s.findCell(tx, upd)
			if err != nil {
				return err
			}

			prev := cell.Result
			updates := cellUpdates(upd)

			// The claim re-checks the run status in the same statement:
			// a transition committing after the read above makes the
			// claim miss instead of letting a write land post-terminal.
			claim := tx.Model(&ExecutionResult{}).
				Where("id = ? AND result = ?", cell.ID, prev).
				Where("(SELECT status FROM execution_runs WHERE id = ?) = ?",
					upd.RunID, RunStatusRunning).
				Updates(updates)
			if claim.Error != nil {
				return fmt.Errorf("updating result row: %w", claim.Error)
			}

			if claim.RowsAffected == 0 {
				var current ExecutionRun
				if err := tx.First(&current, upd.RunID).Error; err != nil {
					return notFound(err, "execution run %d", upd.RunID)
				}

				if current.Terminal() {
					return apperr.InvalidState(
						"run %d is %s; results are read-only",
						current.ID, current.Status)
				}

				return errCellContended
			}

			if err := applyCounterDelta(tx, run.ID, prev, upd.Result); err != nil {
				return err
			}

			if err := tx.First(&recorded, cell.ID).Error; err != nil {
				return fmt.Errorf("reloading result row: %w", err)
			}

			return nil
		})

		if errors.Is(err, errCellContended) {
			continue
		}

		if err != nil {
			return nil, err
		}

		return &recorded, nil
	}

	return nil, fmt.Errorf(
		"recording result for run %d case %d: too much contention",
		upd.RunID, upd.PlanCaseID)
}

// findCell resolves the pre-created result row for the submission's
// (plan_case, device) coordinates within the run.
func (s *store) findCell(
	tx *gorm.DB, upd ResultUpdate,
) (*ExecutionResult, error) {
	q := tx.Where("run_id = ? AND plan_case_id = ?", upd.RunID, upd.PlanCaseID)

	if upd.DeviceModelID != nil {
		q = q.Where("device_model_id = ?", *upd.DeviceModelID)
	} else {
		q = q.Where("device_model_id IS NULL")
	}

	var cell ExecutionResult
	if err := q.First(&cell).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(
				"no execution cell for case %d in run %d with the given device",
				upd.PlanCaseID, upd.RunID)
		}

		return nil, fmt.Errorf("loading execution cell: %w", err)
	}

	return &cell, nil
}

// cellUpdates builds the column map for the cell upsert.
func cellUpdates(upd ResultUpdate) map[string]any {
	updates := map[string]any{
		"result":         upd.Result,
		"executed_by":    upd.ExecutedBy,
		"failure_reason": upd.FailureReason,
		"bug_ref":        upd.BugRef,
		"remark":         upd.Remark,
		"start_time":     nil,
		"end_time":       nil,
		"duration_ms":    nil,
	}

	if upd.StartTime != nil {
		updates["start_time"] = *upd.StartTime
	}

	if upd.EndTime != nil {
		updates["end_time"] = *upd.EndTime
	}

	if upd.StartTime != nil && upd.EndTime != nil {
		updates["duration_ms"] = upd.EndTime.Sub(*upd.StartTime).Milliseconds()
	}

	return updates
}

// applyCounterDelta adjusts the run's denormalized counters for a
// prev-to-next outcome transition using SQL-expression increments, so
// the adjustment commits atomically with the cell update. The update
// is conditional on the run still being open: zero rows means a
// transition won the race, and the whole submission rolls back.
func applyCounterDelta(tx *gorm.DB, runID uint, prev, next string) error {
	if prev == next {
		// Same bucket; nothing to move.
		return nil
	}

	updates := make(map[string]any, 4)

	if prev == ResultPending {
		updates["not_run"] = gorm.Expr("not_run - 1")
		updates["executed"] = gorm.Expr("executed + 1")
	} else if col := counterColumn(prev); col != "" {
		updates[col] = gorm.Expr(col + " - 1")
	}

	if col := counterColumn(next); col != "" {
		updates[col] = gorm.Expr(col + " + 1")
	}

	result := tx.Model(&ExecutionRun{}).
		Where("id = ? AND status = ?", runID, RunStatusRunning).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("adjusting run counters: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return apperr.InvalidState(
			"run %d closed while the result was being recorded", runID)
	}

	return nil
}

// counterColumn maps an outcome to its counter column, or "" for
// pending which is tracked by not_run/executed.
func counterColumn(outcome string) string {
	switch outcome {
	case ResultPass:
		return "passed"
	case ResultFail:
		return "failed"
	case ResultBlock:
		return "blocked"
	case ResultSkip:
		return "skipped"
	}

	return ""
}

func (s *store) ListResults(
	ctx context.Context, runID uint,
) ([]ExecutionResult, error) {
	var results []ExecutionResult
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing execution results: %w", err)
	}

	return results, nil
}

// CountResults recomputes the counter aggregate directly from the
// result rows. The auditor compares this against the run's
// denormalized columns.
func (s *store) CountResults(
	ctx context.Context, runID uint,
) (RunCounters, error) {
	type bucket struct {
		Result string
		N      int
	}

	var buckets []bucket
	if err := s.db.WithContext(ctx).
		Model(&ExecutionResult{}).
		Select("result, COUNT(*) AS n").
		Where("run_id = ?", runID).
		Group("result").
		Scan(&buckets).Error; err != nil {
		return RunCounters{}, fmt.Errorf("counting results: %w", err)
	}

	var c RunCounters

	for _, b := range buckets {
		c.Total += b.N

		switch b.Result {
		case ResultPending:
			c.NotRun += b.N
		case ResultPass:
			c.Passed += b.N
		case ResultFail:
			c.Failed += b.N
		case ResultBlock:
			c.Blocked += b.N
		case ResultSkip:
			c.Skipped += b.N
		}
	}

	c.Executed = c.Passed + c.Failed + c.Blocked + c.Skipped

	return c, nil
}

// ListOpenRunIDs returns the IDs of all runs still in the running
// state, for the counter auditor.
func (s *store) ListOpenRunIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).
		Model(&ExecutionRun{}).
		Where("status = ?", RunStatusRunning).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing open runs: %w", err)
	}

	return ids, nil
}
