package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Test case priorities.
const (
	PriorityP0 = "P0"
	PriorityP1 = "P1"
	PriorityP2 = "P2"
	PriorityP3 = "P3"
)

// Test case lifecycle statuses.
const (
	CaseStatusDraft      = "draft"
	CaseStatusApproved   = "approved"
	CaseStatusDeprecated = "deprecated"
)

// Execution run statuses. Running is the only non-terminal state.
const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusAborted  = "aborted"
)

// Execution result outcomes. Pending marks a cell that has not been
// executed yet; submissions may only carry the other four.
const (
	ResultPending = "pending"
	ResultPass    = "pass"
	ResultFail    = "fail"
	ResultBlock   = "block"
	ResultSkip    = "skip"
)

// Case history change types.
const (
	ChangeTypeUpdate  = "update"
	ChangeTypeDelete  = "delete"
	ChangeTypeRestore = "restore"
)

// User source constants.
const (
	SourceConfig = "config"
	SourceAdmin  = "admin"
)

// ValidPriority reports whether p is a known case priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
		return true
	}

	return false
}

// ValidCaseStatus reports whether s is a known case lifecycle status.
func ValidCaseStatus(s string) bool {
	switch s {
	case CaseStatusDraft, CaseStatusApproved, CaseStatusDeprecated:
		return true
	}

	return false
}

// ValidOutcome reports whether r is an acceptable submitted outcome.
// Pending is reserved for unexecuted cells and is never accepted.
func ValidOutcome(r string) bool {
	switch r {
	case ResultPass, ResultFail, ResultBlock, ResultSkip:
		return true
	}

	return false
}

// StringList is an ordered list of strings stored as a JSON column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}

	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshaling string list: %w", err)
	}

	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil

		return nil
	}

	var data []byte

	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported string list column type %T", value)
	}

	if err := json.Unmarshal(data, l); err != nil {
		return fmt.Errorf("unmarshaling string list: %w", err)
	}

	return nil
}

// User represents an authenticated user in the system.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null" json:"role"`
	Source       string    `gorm:"not null" json:"source"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Project groups test cases and plans.
type Project struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DeviceModel is a catalog entry for a device type that plans may be
// executed against.
type DeviceModel struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	ModelCode string    `json:"model_code,omitempty"`
	Category  string    `json:"category,omitempty"`
	Active    bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CaseGroup is a node in the hierarchical case tree. Path is the
// slash-joined chain of group names from the root, used for subtree
// queries and for the snapshot path cache.
type CaseGroup struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProjectID uint      `gorm:"index;not null" json:"project_id"`
	ParentID  *uint     `gorm:"index" json:"parent_id,omitempty"`
	Name      string    `gorm:"not null" json:"name"`
	Path      string    `gorm:"index;not null" json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TestCase is the mutable authored case. Runs never reference it by
// value; plan linking copies its content into PlanCase snapshots.
type TestCase struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	ProjectID      uint       `gorm:"index;not null" json:"project_id"`
	GroupID        *uint      `gorm:"index" json:"group_id,omitempty"`
	Title          string     `gorm:"not null" json:"title"`
	Preconditions  string     `json:"preconditions,omitempty"`
	Steps          StringList `gorm:"type:text" json:"steps"`
	ExpectedResult string     `json:"expected_result,omitempty"`
	Priority       string     `gorm:"not null;index" json:"priority"`
	Status         string     `gorm:"not null;default:draft" json:"status"`
	WorkloadMin    *int       `json:"workload_minutes,omitempty"`
	Deleted        bool       `gorm:"not null;default:false;index" json:"deleted"`
	CreatedBy      *uint      `json:"created_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TestCaseHistory records a case's content before each mutation so the
// detail view can show recent changes and support restore. Restoring
// only rewrites the live case; existing PlanCase snapshots are never
// touched.
type TestCaseHistory struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	CaseID         uint       `gorm:"index;not null" json:"case_id"`
	ChangeType     string     `gorm:"not null" json:"change_type"`
	ChangedBy      *uint      `json:"changed_by,omitempty"`
	Title          string     `gorm:"not null" json:"title"`
	Preconditions  string     `json:"preconditions,omitempty"`
	Steps          StringList `gorm:"type:text" json:"steps"`
	ExpectedResult string     `json:"expected_result,omitempty"`
	Priority       string     `gorm:"not null" json:"priority"`
	Status         string     `gorm:"not null" json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TestPlan is an execution plan over a set of case snapshots and
// device bindings. Archived plans keep their history readable but
// refuse every mutation; deleted plans disappear from lookups.
type TestPlan struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	ProjectID   uint       `gorm:"index;not null" json:"project_id"`
	Name        string     `gorm:"not null" json:"name"`
	Description string     `json:"description,omitempty"`
	CreatedBy   *uint      `json:"created_by,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Archived    bool       `gorm:"not null;default:false" json:"archived"`
	Deleted     bool       `gorm:"not null;default:false;index" json:"deleted"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PlanCase is an immutable-at-creation snapshot of a TestCase's
// content, scoped to one plan. CaseID is a back-reference only; the
// snapshot fields never change after creation even if the origin case
// is edited, restored, or deleted.
type PlanCase struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	PlanID            uint       `gorm:"index:ix_plan_case_plan;not null" json:"plan_id"`
	CaseID            *uint      `gorm:"index" json:"case_id,omitempty"`
	SnapshotTitle     string     `gorm:"not null" json:"title"`
	SnapshotPrecond   string     `json:"preconditions,omitempty"`
	SnapshotSteps     StringList `gorm:"type:text" json:"steps"`
	SnapshotExpected  string     `json:"expected_result,omitempty"`
	SnapshotPriority  string     `gorm:"not null" json:"priority"`
	SnapshotWorkload  *int       `json:"workload_minutes,omitempty"`
	Include           bool       `gorm:"not null;default:true" json:"include"`
	OrderNo           int        `gorm:"not null;default:0" json:"order_no"`
	GroupPathCache    string     `gorm:"size:512" json:"group_path,omitempty"`
	RequireAllDevices bool       `gorm:"not null;default:false" json:"require_all_devices"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// PlanDeviceModel binds a device model to a plan, defining the device
// axis of execution. Unique per (plan, device). The snapshot fields
// keep the binding readable if the catalog entry is later renamed.
type PlanDeviceModel struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	PlanID            uint      `gorm:"uniqueIndex:uq_plan_device;not null" json:"plan_id"`
	DeviceModelID     uint      `gorm:"uniqueIndex:uq_plan_device;not null" json:"device_model_id"`
	SnapshotName      string    `gorm:"not null" json:"name"`
	SnapshotModelCode string    `json:"model_code,omitempty"`
	SnapshotCategory  string    `json:"category,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// ExecutionRun is one execution batch over a plan. The denormalized
// counters must equal an aggregate over the run's result rows at every
// observable point.
type ExecutionRun struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	PlanID      uint       `gorm:"index:ix_run_plan_status;not null" json:"plan_id"`
	Name        string     `gorm:"not null" json:"name"`
	Status      string     `gorm:"index:ix_run_plan_status;not null;default:running" json:"status"`
	TriggeredBy *uint      `json:"triggered_by,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`

	Total    int `gorm:"not null;default:0" json:"total"`
	Executed int `gorm:"not null;default:0" json:"executed"`
	Passed   int `gorm:"not null;default:0" json:"passed"`
	Failed   int `gorm:"not null;default:0" json:"failed"`
	Blocked  int `gorm:"not null;default:0" json:"blocked"`
	Skipped  int `gorm:"not null;default:0" json:"skipped"`
	NotRun   int `gorm:"not null;default:0" json:"not_run"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the run has reached a terminal state.
func (r *ExecutionRun) Terminal() bool {
	return r.Status == RunStatusFinished || r.Status == RunStatusAborted
}

// ExecutionResult is the outcome of one PlanCase under one device
// binding within one run. At most one row exists per (run, plan_case,
// device) cell; resubmission updates the row in place.
type ExecutionResult struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	RunID             uint       `gorm:"uniqueIndex:uq_run_case_device;index:ix_result_run_result" json:"run_id"`
	PlanCaseID        uint       `gorm:"uniqueIndex:uq_run_case_device;not null" json:"plan_case_id"`
	DeviceModelID     *uint      `gorm:"uniqueIndex:uq_run_case_device" json:"device_model_id,omitempty"`
	PlanDeviceModelID *uint      `json:"plan_device_model_id,omitempty"`
	Result            string     `gorm:"index:ix_result_run_result;not null;default:pending" json:"result"`
	ExecutedBy        *uint      `json:"executed_by,omitempty"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	DurationMS        *int64     `json:"duration_ms,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	BugRef            string     `gorm:"size:128" json:"bug_ref,omitempty"`
	Remark            string     `json:"remark,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// RunCounters is the aggregate view of a run's result rows, used by
// the counter auditor to cross-check the denormalized columns.
type RunCounters struct {
	Total    int `json:"total"`
	Executed int `json:"executed"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Blocked  int `json:"blocked"`
	Skipped  int `json:"skipped"`
	NotRun   int `json:"not_run"`
}
