package store

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/a719584032-creator/testtrack/pkg/config"
)

// setupTestStore opens an in-memory sqlite store with migrations run.
func setupTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// planFixture is a seeded plan ready to open runs against.
type planFixture struct {
	Project  *Project
	Plan     *TestPlan
	Cases    []PlanCase
	Devices  []DeviceModel
	Bindings []PlanDeviceModel
}

// seedPlan creates a project, numDevices bound device models, and
// numCases plan case snapshots. requireAll sets RequireAllDevices on
// every snapshot.
func seedPlan(
	t *testing.T, s Store, numCases, numDevices int, requireAll bool,
) *planFixture {
	t.Helper()

	ctx := context.Background()

	project := &Project{Name: "proj-" + t.Name()}
	require.NoError(t, s.CreateProject(ctx, project))

	fx := &planFixture{Project: project}

	for i := 0; i < numDevices; i++ {
		d := &DeviceModel{Name: "device", Active: true}
		require.NoError(t, s.CreateDeviceModel(ctx, d))
		fx.Devices = append(fx.Devices, *d)
	}

	plan := &TestPlan{ProjectID: project.ID, Name: "plan"}
	require.NoError(t, s.CreatePlan(ctx, plan))
	fx.Plan = plan

	bindings := make([]PlanDeviceModel, 0, numDevices)
	for _, d := range fx.Devices {
		bindings = append(bindings, PlanDeviceModel{
			PlanID:        plan.ID,
			DeviceModelID: d.ID,
			SnapshotName:  d.Name,
		})
	}

	require.NoError(t, s.CreatePlanDeviceModels(ctx, bindings))

	cases := make([]PlanCase, 0, numCases)
	for i := 0; i < numCases; i++ {
		cases = append(cases, PlanCase{
			PlanID:            plan.ID,
			SnapshotTitle:     "case",
			SnapshotPriority:  PriorityP1,
			Include:           true,
			OrderNo:           i,
			RequireAllDevices: requireAll,
		})
	}

	require.NoError(t, s.CreatePlanCases(ctx, cases))

	loaded, err := s.ListPlanCases(ctx, plan.ID, PlanCaseFilter{})
	require.NoError(t, err)
	fx.Cases = loaded

	reloaded, err := s.ListPlanDeviceModels(ctx, plan.ID)
	require.NoError(t, err)
	fx.Bindings = reloaded

	return fx
}
