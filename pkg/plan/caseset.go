package plan

import (
	"context"

	"github.com/a719584032-creator/testtrack/pkg/store"
)

// CaseSetFilter narrows plan case set listings. LastResult filters on
// the case's most recent outcome in the latest run ("none" selects
// never-executed cases).
type CaseSetFilter struct {
	GroupPathPrefix string
	Priorities      []string
	Include         *bool
	Keyword         string
	LastResult      string
}

// PlanCaseView is a snapshot row decorated with the outcome of its
// cells in the plan's most recent run. LastResult is the latest
// non-pending outcome across the case's cells, or empty if the case
// has never been executed.
type PlanCaseView struct {
	store.PlanCase
	LastResult string                  `json:"last_result,omitempty"`
	Results    []store.ExecutionResult `json:"results,omitempty"`
}

// GroupedCases nests plan case views under their cached group path,
// preserving the path as captured at snapshot time.
type GroupedCases struct {
	GroupPath string         `json:"group_path"`
	Cases     []PlanCaseView `json:"cases"`
}

// ListPlanCases returns the filtered case set, joined against the
// most recent run's results.
func (s *service) ListPlanCases(
	ctx context.Context, planID uint, f CaseSetFilter,
) ([]PlanCaseView, error) {
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}

	cases, err := s.store.ListPlanCases(ctx, planID, store.PlanCaseFilter{
		GroupPathPrefix: f.GroupPathPrefix,
		Priorities:      f.Priorities,
		Include:         f.Include,
		Keyword:         f.Keyword,
	})
	if err != nil {
		return nil, err
	}

	resultsByCase, err := s.latestRunResults(ctx, planID)
	if err != nil {
		return nil, err
	}

	views := make([]PlanCaseView, 0, len(cases))

	for _, pc := range cases {
		view := PlanCaseView{PlanCase: pc}

		if results, ok := resultsByCase[pc.ID]; ok {
			view.Results = results
			view.LastResult = latestOutcome(results)
		}

		if f.LastResult != "" && !matchesLastResult(view.LastResult, f.LastResult) {
			continue
		}

		views = append(views, view)
	}

	return views, nil
}

// GroupByPath nests views under their cached group path, keeping the
// original case order within each group and first-seen group order.
func GroupByPath(views []PlanCaseView) []GroupedCases {
	index := make(map[string]int)
	grouped := make([]GroupedCases, 0)

	for _, v := range views {
		key := v.GroupPathCache

		i, ok := index[key]
		if !ok {
			i = len(grouped)
			index[key] = i
			grouped = append(grouped, GroupedCases{GroupPath: key})
		}

		grouped[i].Cases = append(grouped[i].Cases, v)
	}

	return grouped
}

// latestRunResults maps plan case IDs to their result rows in the
// plan's most recent run, or an empty map if the plan has never been
// executed.
func (s *service) latestRunResults(
	ctx context.Context, planID uint,
) (map[uint][]store.ExecutionResult, error) {
	run, err := s.store.LatestRun(ctx, planID)
	if err != nil {
		return nil, err
	}

	if run == nil {
		return map[uint][]store.ExecutionResult{}, nil
	}

	results, err := s.store.ListResults(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	byCase := make(map[uint][]store.ExecutionResult, len(results))
	for _, r := range results {
		byCase[r.PlanCaseID] = append(byCase[r.PlanCaseID], r)
	}

	return byCase, nil
}

// latestOutcome picks the most recently updated non-pending outcome
// across a case's cells.
func latestOutcome(results []store.ExecutionResult) string {
	outcome := ""

	var latest int64 = -1

	for _, r := range results {
		if r.Result == store.ResultPending {
			continue
		}

		if ts := r.UpdatedAt.UnixNano(); ts > latest {
			latest = ts
			outcome = r.Result
		}
	}

	return outcome
}

// matchesLastResult applies the last-result filter; "none" selects
// cases with no recorded outcome.
func matchesLastResult(outcome, filter string) bool {
	if filter == "none" {
		return outcome == ""
	}

	return outcome == filter
}
