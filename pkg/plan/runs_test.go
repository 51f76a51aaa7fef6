package plan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
	"github.com/a719584032-creator/testtrack/pkg/store"
	"github.com/a719584032-creator/testtrack/pkg/timetoken"
)

// seedPlanWithRun creates a single-case plan and opens a run on it.
func seedPlanWithRun(
	t *testing.T, svc Service, st store.Store,
) (*PlanDetail, *store.ExecutionRun) {
	t.Helper()

	ctx := context.Background()
	p := seedProject(t, st)
	c := seedCase(t, st, p.ID, nil, "case")

	detail, err := svc.CreatePlan(ctx, CreatePlanInput{
		ProjectID: p.ID,
		Name:      "release",
		Selection: Selection{CaseIDs: []uint{c.ID}},
	})
	require.NoError(t, err)

	run, err := svc.OpenRun(ctx, detail.Plan.ID, "nightly", nil)
	require.NoError(t, err)

	return detail, run
}

func signedWindow(codec *timetoken.Codec, d time.Duration) (string, string) {
	start := time.Now().UTC().Truncate(time.Millisecond)

	return codec.Sign(start), codec.Sign(start.Add(d))
}

func TestRecordResult_AcceptsSignedWindow(t *testing.T) {
	svc, st, codec := setupService(t)
	ctx := context.Background()
	detail, run := seedPlanWithRun(t, svc, st)

	startToken, endToken := signedWindow(codec, time.Minute)

	result, err := svc.RecordResult(ctx, RecordResultInput{
		PlanID:     detail.Plan.ID,
		RunID:      run.ID,
		PlanCaseID: detail.Cases[0].ID,
		Result:     store.ResultPass,
		StartToken: startToken,
		EndToken:   endToken,
		Remark:     "looks good",
	})
	require.NoError(t, err)

	assert.Equal(t, store.ResultPass, result.Result)
	assert.Equal(t, "looks good", result.Remark)
	require.NotNil(t, result.DurationMS)
	assert.Equal(t, int64(60_000), *result.DurationMS)
}

func TestRecordResult_EqualTimestampsAccepted(t *testing.T) {
	svc, st, codec := setupService(t)
	ctx := context.Background()
	detail, run := seedPlanWithRun(t, svc, st)

	token := codec.Sign(time.Now())

	result, err := svc.RecordResult(ctx, RecordResultInput{
		PlanID:     detail.Plan.ID,
		RunID:      run.ID,
		PlanCaseID: detail.Cases[0].ID,
		Result:     store.ResultSkip,
		StartToken: token,
		EndToken:   token,
	})
	require.NoError(t, err)
	require.NotNil(t, result.DurationMS)
	assert.Equal(t, int64(0), *result.DurationMS)
}

func TestRecordResult_RejectsForgedTokens(t *testing.T) {
	svc, st, codec := setupService(t)
	ctx := context.Background()
	detail, run := seedPlanWithRun(t, svc, st)

	forged := timetoken.NewCodec("attacker-secret")
	startToken, endToken := signedWindow(forged, time.Minute)
	validStart, validEnd := signedWindow(codec, time.Minute)

	tests := []struct {
		name       string
		startToken string
		endToken   string
	}{
		{"forged start", startToken, validEnd},
		{"forged end", validStart, endToken},
		{"missing start", "", validEnd},
		{"missing end", validStart, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RecordResult(ctx, RecordResultInput{
				PlanID:     detail.Plan.ID,
				RunID:      run.ID,
				PlanCaseID: detail.Cases[0].ID,
				Result:     store.ResultPass,
				StartToken: tt.startToken,
				EndToken:   tt.endToken,
			})
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		})
	}

	// Rejected submissions must leave the run untouched.
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Executed)
	assert.Equal(t, 1, got.NotRun)
}

func TestRecordResult_RejectsInvertedWindow(t *testing.T) {
	svc, st, codec := setupService(t)
	ctx := context.Background()
	detail, run := seedPlanWithRun(t, svc, st)

	now := time.Now().UTC()

	_, err := svc.RecordResult(ctx, RecordResultInput{
		PlanID:     detail.Plan.ID,
		RunID:      run.ID,
		PlanCaseID: detail.Cases[0].ID,
		Result:     store.ResultPass,
		StartToken: codec.Sign(now),
		EndToken:   codec.Sign(now.Add(-time.Minute)),
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestRecordResult_RunMustBelongToPlan(t *testing.T) {
	svc, st, codec := setupService(t)
	ctx := context.Background()
	detail, run := seedPlanWithRun(t, svc, st)
	otherDetail, _ := seedPlanWithRun(t, svc, st)

	startToken, endToken := signedWindow(codec, time.Minute)

	_, err := svc.RecordResult(ctx, RecordResultInput{
		PlanID:     otherDetail.Plan.ID,
		RunID:      run.ID,
		PlanCaseID: detail.Cases[0].ID,
		Result:     store.ResultPass,
		StartToken: startToken,
		EndToken:   endToken,
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestRecordResult_DeviceRequiredOnDeviceAxis(t *testing.T) {
	svc, st, codec := setupService(t)
	ctx := context.Background()
	p := seedProject(t, st)
	c := seedCase(t, st, p.ID, nil, "case")
	d := seedDevice(t, st, "Pixel 9")

	detail, err := svc.CreatePlan(ctx, CreatePlanInput{
		ProjectID:      p.ID,
		Name:           "device plan",
		Selection:      Selection{CaseIDs: []uint{c.ID}},
		DeviceModelIDs: []uint{d.ID},
	})
	require.NoError(t, err)

	run, err := svc.OpenRun(ctx, detail.Plan.ID, "", nil)
	require.NoError(t, err)

	startToken, endToken := signedWindow(codec, time.Minute)

	in := RecordResultInput{
		PlanID:     detail.Plan.ID,
		RunID:      run.ID,
		PlanCaseID: detail.Cases[0].ID,
		Result:     store.ResultPass,
		StartToken: startToken,
		EndToken:   endToken,
	}

	_, err = svc.RecordResult(ctx, in)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	in.DeviceModelID = &d.ID

	result, err := svc.RecordResult(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, result.DeviceModelID)
	assert.Equal(t, d.ID, *result.DeviceModelID)
}

func TestGetRun_IncludesResults(t *testing.T) {
	svc, st, _ := setupService(t)
	_, run := seedPlanWithRun(t, svc, st)

	detail, err := svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, detail.Run.ID)
	assert.Len(t, detail.Results, 1)
}
