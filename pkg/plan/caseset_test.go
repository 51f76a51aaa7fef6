package plan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
	"github.com/a719584032-creator/testtrack/pkg/store"
)

// seedCaseSet builds a plan with cases in two groups plus one
// ungrouped case, then opens a run and records one pass and one fail.
func seedCaseSet(t *testing.T, svc Service, st store.Store) *PlanDetail {
	t.Helper()

	ctx := context.Background()
	p := seedProject(t, st)

	login := seedGroup(t, st, p.ID, nil, "login")
	sso := seedGroup(t, st, p.ID, &login.ID, "sso")
	payments := seedGroup(t, st, p.ID, nil, "payments")

	c1 := seedCase(t, st, p.ID, &login.ID, "password accepted")
	c2 := seedCase(t, st, p.ID, &sso.ID, "saml assertion parsed")
	c3 := seedCase(t, st, p.ID, &payments.ID, "checkout completes")
	c4 := seedCase(t, st, p.ID, nil, "smoke check")

	detail, err := svc.CreatePlan(ctx, CreatePlanInput{
		ProjectID: p.ID,
		Name:      "release",
		Selection: Selection{
			CaseIDs: []uint{c1.ID, c2.ID, c3.ID, c4.ID},
		},
	})
	require.NoError(t, err)
	require.Len(t, detail.Cases, 4)

	return detail
}

func recordOutcome(
	t *testing.T, svc Service, detail *PlanDetail, runID, planCaseID uint, outcome string,
) {
	t.Helper()

	codec := newTestCodec()
	now := time.Now().UTC()

	_, err := svc.RecordResult(context.Background(), RecordResultInput{
		PlanID:     detail.Plan.ID,
		RunID:      runID,
		PlanCaseID: planCaseID,
		Result:     outcome,
		StartToken: codec.Sign(now),
		EndToken:   codec.Sign(now.Add(time.Second)),
	})
	require.NoError(t, err)
}

func TestListPlanCases_Filters(t *testing.T) {
	svc, st, _ := setupService(t)
	ctx := context.Background()
	detail := seedCaseSet(t, svc, st)

	t.Run("missing plan", func(t *testing.T) {
		_, err := svc.ListPlanCases(ctx, 9999, CaseSetFilter{})
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("no filter returns everything in order", func(t *testing.T) {
		views, err := svc.ListPlanCases(ctx, detail.Plan.ID, CaseSetFilter{})
		require.NoError(t, err)
		require.Len(t, views, 4)
		assert.Equal(t, "password accepted", views[0].SnapshotTitle)
	})

	t.Run("group path prefix covers the subtree", func(t *testing.T) {
		views, err := svc.ListPlanCases(ctx, detail.Plan.ID, CaseSetFilter{
			GroupPathPrefix: "/login",
		})
		require.NoError(t, err)
		assert.Len(t, views, 2)
	})

	t.Run("keyword", func(t *testing.T) {
		views, err := svc.ListPlanCases(ctx, detail.Plan.ID, CaseSetFilter{
			Keyword: "checkout",
		})
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, "checkout completes", views[0].SnapshotTitle)
	})

	t.Run("include flag", func(t *testing.T) {
		require.NoError(t, svc.SetPlanCaseInclude(
			ctx, detail.Plan.ID, detail.Cases[3].ID, false))

		excluded := false
		views, err := svc.ListPlanCases(ctx, detail.Plan.ID, CaseSetFilter{
			Include: &excluded,
		})
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, "smoke check", views[0].SnapshotTitle)

		require.NoError(t, svc.SetPlanCaseInclude(
			ctx, detail.Plan.ID, detail.Cases[3].ID, true))
	})
}

func TestListPlanCases_LastResult(t *testing.T) {
	svc, st, _ := setupService(t)
	ctx := context.Background()
	detail := seedCaseSet(t, svc, st)

	// Before any run every case reads as never executed.
	views, err := svc.ListPlanCases(ctx, detail.Plan.ID, CaseSetFilter{
		LastResult: "none",
	})
	require.NoError(t, err)
	assert.Len(t, views, 4)

	run, err := svc.OpenRun(ctx, detail.Plan.ID, "", nil)
	require.NoError(t, err)

	recordOutcome(t, svc, detail, run.ID, detail.Cases[0].ID, store.ResultPass)
	recordOutcome(t, svc, detail, run.ID, detail.Cases[1].ID, store.ResultFail)

	views, err = svc.ListPlanCases(ctx, detail.Plan.ID, CaseSetFilter{
		LastResult: store.ResultFail,
	})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, detail.Cases[1].ID, views[0].ID)
	assert.Equal(t, store.ResultFail, views[0].LastResult)

	views, err = svc.ListPlanCases(ctx, detail.Plan.ID, CaseSetFilter{
		LastResult: "none",
	})
	require.NoError(t, err)
	assert.Len(t, views, 2)

	// Unfiltered views carry the joined result rows.
	views, err = svc.ListPlanCases(ctx, detail.Plan.ID, CaseSetFilter{})
	require.NoError(t, err)
	require.Len(t, views, 4)
	assert.Equal(t, store.ResultPass, views[0].LastResult)
	assert.Len(t, views[0].Results, 1)
}

func TestGroupByPath(t *testing.T) {
	svc, st, _ := setupService(t)
	ctx := context.Background()
	detail := seedCaseSet(t, svc, st)

	views, err := svc.ListPlanCases(ctx, detail.Plan.ID, CaseSetFilter{})
	require.NoError(t, err)

	grouped := GroupByPath(views)
	require.Len(t, grouped, 4)

	// First-seen order, with the ungrouped case under the empty path.
	assert.Equal(t, "/login", grouped[0].GroupPath)
	assert.Equal(t, "/login/sso", grouped[1].GroupPath)
	assert.Equal(t, "/payments", grouped[2].GroupPath)
	assert.Equal(t, "", grouped[3].GroupPath)
	assert.Len(t, grouped[0].Cases, 1)
}
