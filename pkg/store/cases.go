package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
)

// TestCaseFilter narrows test case listings.
type TestCaseFilter struct {
	ProjectID      uint
	GroupID        *uint
	Priority       string
	Status         string
	Keyword        string
	IncludeDeleted bool
	Page           int
	PageSize       int
}

// --- Case groups ---

// CreateCaseGroup creates a group node, deriving its path from the
// parent chain.
func (s *store) CreateCaseGroup(ctx context.Context, g *CaseGroup) error {
	if g.ParentID != nil {
		var parent CaseGroup
		if err := s.db.WithContext(ctx).
			First(&parent, *g.ParentID).Error; err != nil {
			return notFound(err, "parent group %d", *g.ParentID)
		}

		if parent.ProjectID != g.ProjectID {
			return apperr.Validation("parent group belongs to another project")
		}

		g.Path = parent.Path + "/" + g.Name
	} else {
		g.Path = "/" + g.Name
	}

	if err := s.db.WithContext(ctx).Create(g).Error; err != nil {
		return fmt.Errorf("creating case group: %w", err)
	}

	return nil
}

func (s *store) GetCaseGroup(
	ctx context.Context, id uint,
) (*CaseGroup, error) {
	var g CaseGroup
	if err := s.db.WithContext(ctx).First(&g, id).Error; err != nil {
		return nil, notFound(err, "case group %d", id)
	}

	return &g, nil
}

func (s *store) ListCaseGroups(
	ctx context.Context, projectID uint,
) ([]CaseGroup, error) {
	var groups []CaseGroup
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("path ASC").
		Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("listing case groups: %w", err)
	}

	return groups, nil
}

// CollectGroupCaseIDs expands group IDs into the IDs of every
// non-deleted, draft-or-approved case beneath them, recursively via
// the cached path prefix. Missing groups are a NotFound error.
func (s *store) CollectGroupCaseIDs(
	ctx context.Context, groupIDs []uint,
) ([]uint, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}

	var groups []CaseGroup
	if err := s.db.WithContext(ctx).
		Where("id IN ?", groupIDs).
		Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("loading case groups: %w", err)
	}

	if len(groups) != len(dedupeIDs(groupIDs)) {
		found := make(map[uint]struct{}, len(groups))
		for _, g := range groups {
			found[g.ID] = struct{}{}
		}

		for _, id := range groupIDs {
			if _, ok := found[id]; !ok {
				return nil, apperr.NotFound("case group %d does not exist", id)
			}
		}
	}

	// Subtree = every group whose path starts with a selected path.
	ids := make([]uint, 0, len(groups))
	seen := make(map[uint]struct{})

	for _, g := range groups {
		var subtree []CaseGroup
		if err := s.db.WithContext(ctx).
			Where("project_id = ? AND (path = ? OR path LIKE ?)",
				g.ProjectID, g.Path, g.Path+"/%").
			Find(&subtree).Error; err != nil {
			return nil, fmt.Errorf("expanding group %d: %w", g.ID, err)
		}

		groupSet := make([]uint, 0, len(subtree))
		for _, sub := range subtree {
			groupSet = append(groupSet, sub.ID)
		}

		var caseIDs []uint
		if err := s.db.WithContext(ctx).
			Model(&TestCase{}).
			Where("group_id IN ? AND deleted = ? AND status IN ?",
				groupSet, false,
				[]string{CaseStatusDraft, CaseStatusApproved}).
			Order("id ASC").
			Pluck("id", &caseIDs).Error; err != nil {
			return nil, fmt.Errorf("collecting cases for group %d: %w", g.ID, err)
		}

		for _, id := range caseIDs {
			if _, ok := seen[id]; ok {
				continue
			}

			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	return ids, nil
}

// --- Test cases ---

func (s *store) CreateTestCase(ctx context.Context, c *TestCase) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("creating test case: %w", err)
	}

	return nil
}

func (s *store) GetTestCase(ctx context.Context, id uint) (*TestCase, error) {
	var c TestCase
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err, "test case %d", id)
	}

	return &c, nil
}

func (s *store) ListTestCases(
	ctx context.Context, f TestCaseFilter,
) ([]TestCase, int64, error) {
	q := s.db.WithContext(ctx).Model(&TestCase{}).
		Where("project_id = ?", f.ProjectID)

	if !f.IncludeDeleted {
		q = q.Where("deleted = ?", false)
	}

	if f.GroupID != nil {
		q = q.Where("group_id = ?", *f.GroupID)
	}

	if f.Priority != "" {
		q = q.Where("priority = ?", f.Priority)
	}

	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	if f.Keyword != "" {
		q = q.Where("title LIKE ?", "%"+f.Keyword+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting test cases: %w", err)
	}

	if f.Page > 0 && f.PageSize > 0 {
		q = q.Offset((f.Page - 1) * f.PageSize).Limit(f.PageSize)
	}

	var cases []TestCase
	if err := q.Order("id ASC").Find(&cases).Error; err != nil {
		return nil, 0, fmt.Errorf("listing test cases: %w", err)
	}

	return cases, total, nil
}

// GetTestCasesByIDs loads non-deleted cases by ID and fails with
// NotFound if any requested case is missing or soft-deleted.
func (s *store) GetTestCasesByIDs(
	ctx context.Context, ids []uint,
) ([]TestCase, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var cases []TestCase
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND deleted = ?", ids, false).
		Order("id ASC").
		Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("loading test cases: %w", err)
	}

	found := make(map[uint]struct{}, len(cases))
	for _, c := range cases {
		found[c.ID] = struct{}{}
	}

	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return nil, apperr.NotFound("test case %d does not exist or is deleted", id)
		}
	}

	return cases, nil
}

// UpdateTestCase saves the case and appends a history record with the
// previous content in the same transaction.
func (s *store) UpdateTestCase(
	ctx context.Context, c *TestCase, changedBy *uint,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev TestCase
		if err := tx.First(&prev, c.ID).Error; err != nil {
			return notFound(err, "test case %d", c.ID)
		}

		if err := tx.Create(historyOf(&prev, ChangeTypeUpdate, changedBy)).Error; err != nil {
			return fmt.Errorf("recording case history: %w", err)
		}

		if err := tx.Save(c).Error; err != nil {
			return fmt.Errorf("updating test case: %w", err)
		}

		return nil
	})
}

// SoftDeleteTestCase flags the case as deleted. Existing PlanCase
// snapshots keep their content; only their back-reference goes stale.
func (s *store) SoftDeleteTestCase(
	ctx context.Context, id uint, changedBy *uint,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c TestCase
		if err := tx.First(&c, id).Error; err != nil {
			return notFound(err, "test case %d", id)
		}

		if c.Deleted {
			return apperr.InvalidState("test case %d is already deleted", id)
		}

		if err := tx.Create(historyOf(&c, ChangeTypeDelete, changedBy)).Error; err != nil {
			return fmt.Errorf("recording case history: %w", err)
		}

		if err := tx.Model(&c).Update("deleted", true).Error; err != nil {
			return fmt.Errorf("soft-deleting test case: %w", err)
		}

		return nil
	})
}

func (s *store) ListCaseHistory(
	ctx context.Context, caseID uint, limit int,
) ([]TestCaseHistory, error) {
	if limit <= 0 {
		limit = 10
	}

	var history []TestCaseHistory
	if err := s.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("id DESC").
		Limit(limit).
		Find(&history).Error; err != nil {
		return nil, fmt.Errorf("listing case history: %w", err)
	}

	return history, nil
}

// RestoreTestCase rewrites the live case from a history record and
// clears the deleted flag. Plan snapshots are deliberately untouched.
func (s *store) RestoreTestCase(
	ctx context.Context, caseID, historyID uint, changedBy *uint,
) (*TestCase, error) {
	var restored TestCase

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c TestCase
		if err := tx.First(&c, caseID).Error; err != nil {
			return notFound(err, "test case %d", caseID)
		}

		var h TestCaseHistory
		if err := tx.
			Where("id = ? AND case_id = ?", historyID, caseID).
			First(&h).Error; err != nil {
			return notFound(err, "history record %d for case %d", historyID, caseID)
		}

		if err := tx.Create(historyOf(&c, ChangeTypeRestore, changedBy)).Error; err != nil {
			return fmt.Errorf("recording case history: %w", err)
		}

		c.Title = h.Title
		c.Preconditions = h.Preconditions
		c.Steps = h.Steps
		c.ExpectedResult = h.ExpectedResult
		c.Priority = h.Priority
		c.Status = h.Status
		c.Deleted = false

		if err := tx.Save(&c).Error; err != nil {
			return fmt.Errorf("restoring test case: %w", err)
		}

		restored = c

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &restored, nil
}

// historyOf captures a case's current content as a history record.
func historyOf(c *TestCase, changeType string, changedBy *uint) *TestCaseHistory {
	return &TestCaseHistory{
		CaseID:         c.ID,
		ChangeType:     changeType,
		ChangedBy:      changedBy,
		Title:          c.Title,
		Preconditions:  c.Preconditions,
		Steps:          c.Steps,
		ExpectedResult: c.ExpectedResult,
		Priority:       c.Priority,
		Status:         c.Status,
	}
}

// dedupeIDs returns ids with duplicates removed, preserving order.
func dedupeIDs(ids []uint) []uint {
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
