package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
	"github.com/a719584032-creator/testtrack/pkg/plan"
	"github.com/a719584032-creator/testtrack/pkg/store"
)

// envelope is the standard response shape.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// writeEnvelope encodes the standard response envelope.
func writeEnvelope(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(envelope{
		Code:    status,
		Message: message,
		Data:    data,
	}); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeOK writes a successful envelope.
func writeOK(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, "ok", data)
}

// writeError maps business errors to their status code with the
// original message; anything else is an internal fault surfaced
// generically so storage details never leak.
func (s *server) writeError(w http.ResponseWriter, err error) {
	if biz := apperr.As(err); biz != nil {
		writeEnvelope(w, biz.HTTPStatus(), biz.Message, nil)

		return
	}

	s.log.WithError(err).Error("Internal error")
	writeEnvelope(w, http.StatusInternalServerError, "internal error", nil)
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid request body")
	}

	return nil
}

// idParam parses a numeric URL parameter.
func idParam(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)

	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, apperr.Validation("invalid %s %q", name, raw)
	}

	return uint(id), nil
}

// queryUint parses an optional numeric query parameter, 0 if absent.
func queryUint(r *http.Request, name string) (uint, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}

	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, apperr.Validation("invalid %s %q", name, raw)
	}

	return uint(id), nil
}

// parseDate parses an optional YYYY-MM-DD value.
func parseDate(value, field string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, apperr.Validation("%s must be formatted YYYY-MM-DD", field)
	}

	return &t, nil
}

// multiQuery collects repeated and comma-separated query values.
func multiQuery(r *http.Request, name string) []string {
	var values []string

	for _, raw := range r.URL.Query()[name] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				values = append(values, part)
			}
		}
	}

	return values
}

// --- Health ---

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

// --- Projects ---

func (s *server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, projects)
}

func (s *server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}

	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, apperr.Validation("project name is required"))

		return
	}

	project := &store.Project{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
	}

	if err := s.store.CreateProject(r.Context(), project); err != nil {
		s.writeError(w, err)

		return
	}

	writeEnvelope(w, http.StatusCreated, "created", project)
}

// --- Device models ---

func (s *server) handleListDeviceModels(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	devices, err := s.store.ListDeviceModels(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, devices)
}

func (s *server) handleCreateDeviceModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		ModelCode string `json:"model_code"`
		Category  string `json:"category"`
	}

	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, apperr.Validation("device model name is required"))

		return
	}

	device := &store.DeviceModel{
		Name:      strings.TrimSpace(req.Name),
		ModelCode: req.ModelCode,
		Category:  req.Category,
		Active:    true,
	}

	if err := s.store.CreateDeviceModel(r.Context(), device); err != nil {
		s.writeError(w, err)

		return
	}

	writeEnvelope(w, http.StatusCreated, "created", device)
}

// --- Case groups ---

func (s *server) handleListCaseGroups(w http.ResponseWriter, r *http.Request) {
	projectID, err := queryUint(r, "project_id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	groups, err := s.store.ListCaseGroups(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, groups)
}

func (s *server) handleCreateCaseGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID uint   `json:"project_id"`
		ParentID  *uint  `json:"parent_id"`
		Name      string `json:"name"`
	}

	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, apperr.Validation("group name is required"))

		return
	}

	group := &store.CaseGroup{
		ProjectID: req.ProjectID,
		ParentID:  req.ParentID,
		Name:      strings.TrimSpace(req.Name),
	}

	if err := s.store.CreateCaseGroup(r.Context(), group); err != nil {
		s.writeError(w, err)

		return
	}

	writeEnvelope(w, http.StatusCreated, "created", group)
}

// --- Test cases ---

type testCaseRequest struct {
	ProjectID      uint     `json:"project_id"`
	GroupID        *uint    `json:"group_id"`
	Title          string   `json:"title"`
	Preconditions  string   `json:"preconditions"`
	Steps          []string `json:"steps"`
	ExpectedResult string   `json:"expected_result"`
	Priority       string   `json:"priority"`
	Status         string   `json:"status"`
	WorkloadMin    *int     `json:"workload_minutes"`
}

func (req *testCaseRequest) validate() error {
	if strings.TrimSpace(req.Title) == "" {
		return apperr.Validation("case title is required")
	}

	if !store.ValidPriority(req.Priority) {
		return apperr.Validation("priority must be one of P0/P1/P2/P3")
	}

	if req.Status != "" && !store.ValidCaseStatus(req.Status) {
		return apperr.Validation("status must be one of draft/approved/deprecated")
	}

	return nil
}

func (s *server) handleListTestCases(w http.ResponseWriter, r *http.Request) {
	projectID, err := queryUint(r, "project_id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	var groupID *uint

	if gid, err := queryUint(r, "group_id"); err != nil {
		s.writeError(w, err)

		return
	} else if gid != 0 {
		groupID = &gid
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	cases, total, err := s.store.ListTestCases(r.Context(), store.TestCaseFilter{
		ProjectID: projectID,
		GroupID:   groupID,
		Priority:  r.URL.Query().Get("priority"),
		Status:    r.URL.Query().Get("status"),
		Keyword:   r.URL.Query().Get("keyword"),
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, map[string]any{"items": cases, "total": total})
}

func (s *server) handleCreateTestCase(w http.ResponseWriter, r *http.Request) {
	var req testCaseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	if err := req.validate(); err != nil {
		s.writeError(w, err)

		return
	}

	status := req.Status
	if status == "" {
		status = store.CaseStatusDraft
	}

	c := &store.TestCase{
		ProjectID:      req.ProjectID,
		GroupID:        req.GroupID,
		Title:          strings.TrimSpace(req.Title),
		Preconditions:  req.Preconditions,
		Steps:          req.Steps,
		ExpectedResult: req.ExpectedResult,
		Priority:       req.Priority,
		Status:         status,
		WorkloadMin:    req.WorkloadMin,
		CreatedBy:      userIDFromContext(r.Context()),
	}

	if err := s.store.CreateTestCase(r.Context(), c); err != nil {
		s.writeError(w, err)

		return
	}

	writeEnvelope(w, http.StatusCreated, "created", c)
}

func (s *server) handleGetTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	c, err := s.store.GetTestCase(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, c)
}

func (s *server) handleUpdateTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	var req testCaseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	if err := req.validate(); err != nil {
		s.writeError(w, err)

		return
	}

	c, err := s.store.GetTestCase(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	c.Title = strings.TrimSpace(req.Title)
	c.Preconditions = req.Preconditions
	c.Steps = req.Steps
	c.ExpectedResult = req.ExpectedResult
	c.Priority = req.Priority

	if req.Status != "" {
		c.Status = req.Status
	}

	if req.GroupID != nil {
		c.GroupID = req.GroupID
	}

	if req.WorkloadMin != nil {
		c.WorkloadMin = req.WorkloadMin
	}

	if err := s.store.UpdateTestCase(
		r.Context(), c, userIDFromContext(r.Context()),
	); err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, c)
}

func (s *server) handleDeleteTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	if err := s.store.SoftDeleteTestCase(
		r.Context(), id, userIDFromContext(r.Context()),
	); err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, nil)
}

func (s *server) handleListCaseHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := s.store.ListCaseHistory(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, history)
}

func (s *server) handleRestoreTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	var req struct {
		HistoryID uint `json:"history_id"`
	}

	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	c, err := s.store.RestoreTestCase(
		r.Context(), id, req.HistoryID, userIDFromContext(r.Context()),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, c)
}

// --- Test plans ---

func (s *server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	projectID, err := queryUint(r, "project_id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	plans, err := s.plans.ListPlans(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, plans)
}

func (s *server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID              uint   `json:"project_id"`
		Name                   string `json:"name"`
		Description            string `json:"description"`
		StartDate              string `json:"start_date"`
		EndDate                string `json:"end_date"`
		LinkedCaseIDs          []uint `json:"linked_case_ids"`
		LinkedGroupIDs         []uint `json:"linked_group_ids"`
		LinkedDeviceModelIDs   []uint `json:"linked_device_model_ids"`
		SingleExecutionCaseIDs []uint `json:"single_execution_case_ids"`
	}

	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	startDate, err := parseDate(req.StartDate, "start_date")
	if err != nil {
		s.writeError(w, err)

		return
	}

	endDate, err := parseDate(req.EndDate, "end_date")
	if err != nil {
		s.writeError(w, err)

		return
	}

	detail, err := s.plans.CreatePlan(r.Context(), plan.CreatePlanInput{
		ProjectID:   req.ProjectID,
		Name:        req.Name,
		Description: req.Description,
		StartDate:   startDate,
		EndDate:     endDate,
		Selection: plan.Selection{
			CaseIDs:                req.LinkedCaseIDs,
			GroupIDs:               req.LinkedGroupIDs,
			SingleExecutionCaseIDs: req.SingleExecutionCaseIDs,
		},
		DeviceModelIDs: req.LinkedDeviceModelIDs,
		CreatedBy:      userIDFromContext(r.Context()),
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeEnvelope(w, http.StatusCreated, "created", detail)
}

func (s *server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	detail, err := s.plans.GetPlan(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, detail)
}

func (s *server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		StartDate   *string `json:"start_date"`
		EndDate     *string `json:"end_date"`
		Archived    *bool   `json:"archived"`
	}

	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	in := plan.UpdatePlanInput{
		Name:        req.Name,
		Description: req.Description,
		Archived:    req.Archived,
	}

	if req.StartDate != nil {
		in.StartDate, err = parseDate(*req.StartDate, "start_date")
		if err != nil {
			s.writeError(w, err)

			return
		}
	}

	if req.EndDate != nil {
		in.EndDate, err = parseDate(*req.EndDate, "end_date")
		if err != nil {
			s.writeError(w, err)

			return
		}
	}

	updated, err := s.plans.UpdatePlan(r.Context(), id, in)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, updated)
}

func (s *server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	if err := s.plans.DeletePlan(r.Context(), id); err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, nil)
}

func (s *server) handleListPlanCases(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	filter := plan.CaseSetFilter{
		GroupPathPrefix: r.URL.Query().Get("group_path"),
		Priorities:      multiQuery(r, "priority"),
		Keyword:         r.URL.Query().Get("keyword"),
		LastResult:      r.URL.Query().Get("last_result"),
	}

	if raw := r.URL.Query().Get("include"); raw != "" {
		include := raw == "true"
		filter.Include = &include
	}

	views, err := s.plans.ListPlanCases(r.Context(), id, filter)
	if err != nil {
		s.writeError(w, err)

		return
	}

	data := map[string]any{"cases": views}

	if groupBy := r.URL.Query().Get("group_by"); groupBy == "group_path" {
		data["grouped_cases"] = plan.GroupByPath(views)
	}

	writeOK(w, data)
}

func (s *server) handleLinkPlanCases(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	var req struct {
		CaseIDs                []uint `json:"case_ids"`
		GroupIDs               []uint `json:"group_ids"`
		SingleExecutionCaseIDs []uint `json:"single_execution_case_ids"`
	}

	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	linked, err := s.plans.LinkCases(r.Context(), id, plan.Selection{
		CaseIDs:                req.CaseIDs,
		GroupIDs:               req.GroupIDs,
		SingleExecutionCaseIDs: req.SingleExecutionCaseIDs,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeEnvelope(w, http.StatusCreated, "created", linked)
}

func (s *server) handleSetPlanCaseInclude(w http.ResponseWriter, r *http.Request) {
	planID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	caseID, err := idParam(r, "caseID")
	if err != nil {
		s.writeError(w, err)

		return
	}

	var req struct {
		Include *bool `json:"include"`
	}

	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	if req.Include == nil {
		s.writeError(w, apperr.Validation("include is required"))

		return
	}

	if err := s.plans.SetPlanCaseInclude(
		r.Context(), planID, caseID, *req.Include,
	); err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, nil)
}

// --- Execution runs and results ---

func (s *server) handleOpenRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	var req struct {
		Name string `json:"name"`
	}

	// An empty body opens a run with the default name.
	_ = json.NewDecoder(r.Body).Decode(&req)

	run, err := s.plans.OpenRun(
		r.Context(), id, req.Name, userIDFromContext(r.Context()),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeEnvelope(w, http.StatusCreated, "created", run)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	runs, err := s.plans.ListRuns(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, runs)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	detail, err := s.plans.GetRun(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, detail)
}

func (s *server) handleFinishRun(w http.ResponseWriter, r *http.Request) {
	s.handleRunTransition(w, r, s.plans.FinishRun)
}

func (s *server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	s.handleRunTransition(w, r, s.plans.AbortRun)
}

func (s *server) handleRunTransition(
	w http.ResponseWriter,
	r *http.Request,
	transition func(ctx context.Context, runID uint) (*store.ExecutionRun, error),
) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	run, err := transition(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, run)
}

func (s *server) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	planID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, err)

		return
	}

	runID, err := idParam(r, "runID")
	if err != nil {
		s.writeError(w, err)

		return
	}

	var req struct {
		PlanCaseID         uint   `json:"plan_case_id"`
		DeviceModelID      *uint  `json:"device_model_id"`
		Result             string `json:"result"`
		ExecutionStartTime string `json:"execution_start_time"`
		ExecutionEndTime   string `json:"execution_end_time"`
		FailureReason      string `json:"failure_reason"`
		BugRef             string `json:"bug_ref"`
		Remark             string `json:"remark"`
	}

	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)

		return
	}

	result, err := s.plans.RecordResult(r.Context(), plan.RecordResultInput{
		PlanID:        planID,
		RunID:         runID,
		PlanCaseID:    req.PlanCaseID,
		DeviceModelID: req.DeviceModelID,
		Result:        req.Result,
		StartToken:    req.ExecutionStartTime,
		EndToken:      req.ExecutionEndTime,
		FailureReason: req.FailureReason,
		BugRef:        req.BugRef,
		Remark:        req.Remark,
		ExecutedBy:    userIDFromContext(r.Context()),
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeOK(w, result)
}
