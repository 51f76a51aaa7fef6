package plan

import (
	"context"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
	"github.com/a719584032-creator/testtrack/pkg/store"
)

// LinkCases snapshots additional cases into an existing plan. Rows are
// appended after the current highest order; re-linking an already
// linked case creates another snapshot, callers pre-filter if they
// want refresh semantics.
func (s *service) LinkCases(
	ctx context.Context, planID uint, sel Selection,
) ([]store.PlanCase, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	if plan.Archived {
		return nil, apperr.InvalidState(
			"plan %d is archived; its case set is read-only", planID)
	}

	existing, err := s.store.ListPlanCases(ctx, planID, store.PlanCaseFilter{})
	if err != nil {
		return nil, err
	}

	orderBase := 0
	for _, pc := range existing {
		if pc.OrderNo > orderBase {
			orderBase = pc.OrderNo
		}
	}

	bindings, err := s.store.ListPlanDeviceModels(ctx, planID)
	if err != nil {
		return nil, err
	}

	cases, err := s.createSnapshots(
		ctx, plan.ID, sel, orderBase, len(bindings) > 0)
	if err != nil {
		return nil, err
	}

	s.log.WithField("plan_id", planID).
		WithField("linked", len(cases)).
		Info("Linked cases into plan")

	return cases, nil
}

// createSnapshots resolves a selection into point-in-time PlanCase
// rows. The copy is verbatim: title, preconditions, steps, expected
// result, and priority are taken from the live case, and the group
// path is cached as a display string so later tree reorganization
// cannot change historical plan content. The source cases are not
// mutated.
func (s *service) createSnapshots(
	ctx context.Context,
	planID uint,
	sel Selection,
	orderBase int,
	hasDevices bool,
) ([]store.PlanCase, error) {
	caseIDs, err := s.resolveSelection(ctx, sel)
	if err != nil {
		return nil, err
	}

	cases, err := s.store.GetTestCasesByIDs(ctx, caseIDs)
	if err != nil {
		return nil, err
	}

	// GetTestCasesByIDs returns cases ordered by ID; restore the
	// selection sequence so order numbers follow it.
	byID := make(map[uint]*store.TestCase, len(cases))
	for i := range cases {
		byID[cases[i].ID] = &cases[i]
	}

	groupPaths, err := s.groupPathsFor(ctx, cases)
	if err != nil {
		return nil, err
	}

	singleExec := make(map[uint]struct{}, len(sel.SingleExecutionCaseIDs))
	for _, id := range sel.SingleExecutionCaseIDs {
		if _, ok := byID[id]; !ok {
			return nil, apperr.Validation(
				"single-execution case %d is not part of the selection", id)
		}

		singleExec[id] = struct{}{}
	}

	snapshots := make([]store.PlanCase, 0, len(caseIDs))

	for i, id := range caseIDs {
		c := byID[id]
		caseID := c.ID
		_, single := singleExec[c.ID]

		snapshots = append(snapshots, store.PlanCase{
			PlanID:            planID,
			CaseID:            &caseID,
			SnapshotTitle:     c.Title,
			SnapshotPrecond:   c.Preconditions,
			SnapshotSteps:     c.Steps,
			SnapshotExpected:  c.ExpectedResult,
			SnapshotPriority:  c.Priority,
			SnapshotWorkload:  c.WorkloadMin,
			Include:           true,
			OrderNo:           orderBase + i + 1,
			GroupPathCache:    groupPaths[c.ID],
			RequireAllDevices: hasDevices && !single,
		})
	}

	if err := s.store.CreatePlanCases(ctx, snapshots); err != nil {
		return nil, err
	}

	return snapshots, nil
}

// resolveSelection expands groups and merges them with the explicit
// case IDs. An explicit case ID listed twice is a conflict; a case
// reached both explicitly and through a group is deduplicated.
func (s *service) resolveSelection(
	ctx context.Context, sel Selection,
) ([]uint, error) {
	seen := make(map[uint]struct{}, len(sel.CaseIDs))

	for _, id := range sel.CaseIDs {
		if _, dup := seen[id]; dup {
			return nil, apperr.Conflict(
				"case %d is selected more than once", id)
		}

		seen[id] = struct{}{}
	}

	groupSeen := make(map[uint]struct{}, len(sel.GroupIDs))

	for _, id := range sel.GroupIDs {
		if _, dup := groupSeen[id]; dup {
			return nil, apperr.Conflict(
				"group %d is selected more than once", id)
		}

		groupSeen[id] = struct{}{}
	}

	ids := append([]uint(nil), sel.CaseIDs...)

	groupCaseIDs, err := s.store.CollectGroupCaseIDs(ctx, sel.GroupIDs)
	if err != nil {
		return nil, err
	}

	for _, id := range groupCaseIDs {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil, apperr.Validation("selection resolves to no cases")
	}

	return ids, nil
}

// groupPathsFor resolves the cached group path string for each case.
func (s *service) groupPathsFor(
	ctx context.Context, cases []store.TestCase,
) (map[uint]string, error) {
	paths := make(map[uint]string, len(cases))
	groups := make(map[uint]string)

	for _, c := range cases {
		if c.GroupID == nil {
			continue
		}

		path, ok := groups[*c.GroupID]
		if !ok {
			g, err := s.store.GetCaseGroup(ctx, *c.GroupID)
			if err != nil {
				return nil, err
			}

			path = g.Path
			groups[*c.GroupID] = path
		}

		paths[c.ID] = path
	}

	return paths, nil
}
