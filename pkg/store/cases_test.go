package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
)

func seedProject(t *testing.T, s Store) *Project {
	t.Helper()

	p := &Project{Name: "proj-" + t.Name()}
	require.NoError(t, s.CreateProject(context.Background(), p))

	return p
}

func seedGroup(t *testing.T, s Store, projectID uint, parentID *uint, name string) *CaseGroup {
	t.Helper()

	g := &CaseGroup{ProjectID: projectID, ParentID: parentID, Name: name}
	require.NoError(t, s.CreateCaseGroup(context.Background(), g))

	return g
}

func seedCase(t *testing.T, s Store, projectID uint, groupID *uint, title string) *TestCase {
	t.Helper()

	c := &TestCase{
		ProjectID: projectID,
		GroupID:   groupID,
		Title:     title,
		Priority:  PriorityP1,
		Status:    CaseStatusApproved,
	}
	require.NoError(t, s.CreateTestCase(context.Background(), c))

	return c
}

func TestCreateCaseGroup_PathDerivation(t *testing.T) {
	s := setupTestStore(t)
	p := seedProject(t, s)

	root := seedGroup(t, s, p.ID, nil, "login")
	assert.Equal(t, "/login", root.Path)

	child := seedGroup(t, s, p.ID, &root.ID, "sso")
	assert.Equal(t, "/login/sso", child.Path)

	grandchild := seedGroup(t, s, p.ID, &child.ID, "saml")
	assert.Equal(t, "/login/sso/saml", grandchild.Path)
}

func TestCreateCaseGroup_CrossProjectParent(t *testing.T) {
	s := setupTestStore(t)
	p1 := seedProject(t, s)

	p2 := &Project{Name: "other-" + t.Name()}
	require.NoError(t, s.CreateProject(context.Background(), p2))

	root := seedGroup(t, s, p1.ID, nil, "login")

	err := s.CreateCaseGroup(context.Background(), &CaseGroup{
		ProjectID: p2.ID,
		ParentID:  &root.ID,
		Name:      "stray",
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestCollectGroupCaseIDs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	root := seedGroup(t, s, p.ID, nil, "payments")
	child := seedGroup(t, s, p.ID, &root.ID, "refunds")

	inRoot := seedCase(t, s, p.ID, &root.ID, "checkout works")
	inChild := seedCase(t, s, p.ID, &child.ID, "refund issued")

	// Deleted and deprecated cases never expand into a selection.
	gone := seedCase(t, s, p.ID, &child.ID, "legacy flow")
	require.NoError(t, s.SoftDeleteTestCase(ctx, gone.ID, nil))

	old := seedCase(t, s, p.ID, &root.ID, "deprecated flow")
	old.Status = CaseStatusDeprecated
	require.NoError(t, s.UpdateTestCase(ctx, old, nil))

	ids, err := s.CollectGroupCaseIDs(ctx, []uint{root.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{inRoot.ID, inChild.ID}, ids)

	// Selecting both levels dedupes the shared subtree.
	ids, err = s.CollectGroupCaseIDs(ctx, []uint{root.ID, child.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{inRoot.ID, inChild.ID}, ids)

	_, err = s.CollectGroupCaseIDs(ctx, []uint{9999})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestListTestCases_Filters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	g := seedGroup(t, s, p.ID, nil, "login")

	c1 := seedCase(t, s, p.ID, &g.ID, "valid password accepted")
	c1.Priority = PriorityP0
	require.NoError(t, s.UpdateTestCase(ctx, c1, nil))

	seedCase(t, s, p.ID, &g.ID, "wrong password rejected")
	seedCase(t, s, p.ID, nil, "profile page loads")

	cases, total, err := s.ListTestCases(ctx, TestCaseFilter{ProjectID: p.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, cases, 3)

	cases, total, err = s.ListTestCases(ctx, TestCaseFilter{
		ProjectID: p.ID,
		GroupID:   &g.ID,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	cases, _, err = s.ListTestCases(ctx, TestCaseFilter{
		ProjectID: p.ID,
		Priority:  PriorityP0,
	})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, c1.ID, cases[0].ID)

	cases, _, err = s.ListTestCases(ctx, TestCaseFilter{
		ProjectID: p.ID,
		Keyword:   "password",
	})
	require.NoError(t, err)
	assert.Len(t, cases, 2)

	// Pagination.
	cases, total, err = s.ListTestCases(ctx, TestCaseFilter{
		ProjectID: p.ID,
		Page:      2,
		PageSize:  2,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, cases, 1)
}

func TestUpdateTestCase_RecordsHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	c := seedCase(t, s, p.ID, nil, "original title")

	c.Title = "revised title"
	c.Steps = StringList{"open app", "log in"}
	require.NoError(t, s.UpdateTestCase(ctx, c, nil))

	history, err := s.ListCaseHistory(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ChangeTypeUpdate, history[0].ChangeType)
	assert.Equal(t, "original title", history[0].Title)

	got, err := s.GetTestCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "revised title", got.Title)
	assert.Equal(t, StringList{"open app", "log in"}, got.Steps)
}

func TestSoftDeleteTestCase(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	c := seedCase(t, s, p.ID, nil, "doomed")

	require.NoError(t, s.SoftDeleteTestCase(ctx, c.ID, nil))

	got, err := s.GetTestCase(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	// Deleting twice is an invalid state, not a silent no-op.
	err = s.SoftDeleteTestCase(ctx, c.ID, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	// Deleted cases drop out of plan selection lookups.
	_, err = s.GetTestCasesByIDs(ctx, []uint{c.ID})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestRestoreTestCase(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	c := seedCase(t, s, p.ID, nil, "v1 title")

	c.Title = "v2 title"
	require.NoError(t, s.UpdateTestCase(ctx, c, nil))
	require.NoError(t, s.SoftDeleteTestCase(ctx, c.ID, nil))

	history, err := s.ListCaseHistory(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Newest first: the delete snapshot, then the update snapshot.
	assert.Equal(t, ChangeTypeDelete, history[0].ChangeType)
	assert.Equal(t, ChangeTypeUpdate, history[1].ChangeType)

	// Restore from the oldest record brings back v1 and undeletes.
	restored, err := s.RestoreTestCase(ctx, c.ID, history[1].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1 title", restored.Title)
	assert.False(t, restored.Deleted)

	// The restore itself is also recorded.
	history, err = s.ListCaseHistory(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, ChangeTypeRestore, history[0].ChangeType)

	// A history record from another case is rejected.
	other := seedCase(t, s, p.ID, nil, "other")
	_, err = s.RestoreTestCase(ctx, other.ID, history[0].ID, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestSetPlanCaseInclude_MissingSnapshot(t *testing.T) {
	s := setupTestStore(t)
	fx := seedPlan(t, s, 1, 0, false)

	err := s.SetPlanCaseInclude(context.Background(), fx.Plan.ID, 9999, false)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}
