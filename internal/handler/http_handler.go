package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/middleware"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
	"github.com/pesio-ai/be-budget-transfers/internal/service"
	"github.com/pesio-ai/be-budget-transfers/internal/templates"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	transfers *service.TransferService
	engine    *service.WorkflowEngine
	templates *service.TemplateService
	pivot     *service.PivotFundService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	transfers *service.TransferService,
	engine *service.WorkflowEngine,
	templates *service.TemplateService,
	pivot *service.PivotFundService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		transfers: transfers,
		engine:    engine,
		templates: templates,
		pivot:     pivot,
		log:       log.Component("http_handler"),
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /api/v1/transfers", h.CreateTransfer)
	mux.HandleFunc("GET /api/v1/transfers", h.ListTransfers)
	mux.HandleFunc("GET /api/v1/transfers/{id}", h.GetTransfer)
	mux.HandleFunc("PUT /api/v1/transfers/{id}/lines", h.ReplaceLines)
	mux.HandleFunc("POST /api/v1/transfers/{id}/lines", h.AddLine)
	mux.HandleFunc("PUT /api/v1/transfers/{id}/lines/{lineID}", h.UpdateLine)
	mux.HandleFunc("DELETE /api/v1/transfers/{id}/lines/{lineID}", h.DeleteLine)
	mux.HandleFunc("POST /api/v1/transfers/{id}/submit", h.SubmitTransfer)
	mux.HandleFunc("POST /api/v1/transfers/{id}/actions", h.ProcessAction)
	mux.HandleFunc("POST /api/v1/transfers/{id}/delegate", h.Delegate)
	mux.HandleFunc("POST /api/v1/transfers/{id}/cancel", h.CancelTransfer)
	mux.HandleFunc("POST /api/v1/transfers/{id}/reopen", h.Reopen)
	mux.HandleFunc("GET /api/v1/transfers/{id}/workflow", h.WorkflowStatus)
	mux.HandleFunc("POST /api/v1/transfers/{id}/workflow/check", h.CheckFinishedStage)
	mux.HandleFunc("GET /api/v1/transfers/{id}/reject-reasons", h.RejectReasons)

	mux.HandleFunc("POST /api/v1/workflows/{id}/activate-next", h.ActivateNextStage)
	mux.HandleFunc("GET /api/v1/approvals/pending", h.PendingApprovals)

	mux.HandleFunc("GET /api/v1/templates", h.ListTemplates)
	mux.HandleFunc("POST /api/v1/templates", h.RegisterTemplate)
	mux.HandleFunc("GET /api/v1/templates/{id}", h.GetTemplate)
	mux.HandleFunc("PUT /api/v1/templates/{id}/active", h.SetTemplateActive)

	mux.HandleFunc("GET /api/v1/ledger", h.GetBalance)
	mux.HandleFunc("PUT /api/v1/ledger", h.SetBalance)
	mux.HandleFunc("PUT /api/v1/permissions", h.SetPermission)
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Transfers ────────────────────────────────────────────────────────────────

// CreateTransfer handles create transfer HTTP requests
func (h *HTTPHandler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req service.CreateTransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = user

	detail, err := h.transfers.CreateTransfer(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDetail(detail))
}

// GetTransfer returns a transfer with its lines and approval trail.
func (h *HTTPHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	detail, err := h.transfers.GetTransfer(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetail(detail))
}

// ListTransfers handles list transfers HTTP requests
func (h *HTTPHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	list, err := h.transfers.ListTransfers(r.Context(), q.Get("status"), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]TransferResponse, 0, len(list))
	for _, t := range list {
		out = append(out, toTransfer(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transfers": out,
		"limit":     limit,
		"offset":    offset,
	})
}

type replaceLinesRequest struct {
	Lines []service.LineInput `json:"lines"`
}

// ReplaceLines swaps the whole line set of a draft transfer.
func (h *HTTPHandler) ReplaceLines(w http.ResponseWriter, r *http.Request) {
	var req replaceLinesRequest
	if !h.decode(w, r, &req) {
		return
	}
	lines, err := h.transfers.ReplaceLines(r.Context(), r.PathValue("id"), req.Lines)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": toLines(lines)})
}

// AddLine appends one line to a draft transfer.
func (h *HTTPHandler) AddLine(w http.ResponseWriter, r *http.Request) {
	var in service.LineInput
	if !h.decode(w, r, &in) {
		return
	}
	line, err := h.transfers.AddLine(r.Context(), r.PathValue("id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLine(line))
}

// UpdateLine replaces one line of a draft transfer.
func (h *HTTPHandler) UpdateLine(w http.ResponseWriter, r *http.Request) {
	var in service.LineInput
	if !h.decode(w, r, &in) {
		return
	}
	line, err := h.transfers.UpdateLine(r.Context(), r.PathValue("id"), r.PathValue("lineID"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLine(line))
}

// DeleteLine removes one line from a draft transfer.
func (h *HTTPHandler) DeleteLine(w http.ResponseWriter, r *http.Request) {
	if err := h.transfers.DeleteLine(r.Context(), r.PathValue("id"), r.PathValue("lineID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitTransfer validates the transfer and starts its approval workflow.
func (h *HTTPHandler) SubmitTransfer(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	inst, err := h.transfers.SubmitTransfer(r.Context(), r.PathValue("id"), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstance(inst))
}

type actionRequest struct {
	Action  string  `json:"action"`
	Comment *string `json:"comment,omitempty"`
}

// ProcessAction records an approve, reject or comment by the caller.
func (h *HTTPHandler) ProcessAction(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if !h.decode(w, r, &req) {
		return
	}
	action, valid := repository.ParseActionType(req.Action)
	if !valid {
		h.writeError(w, r, errors.InvalidInput("action", "must be approve, reject or comment"))
		return
	}

	res, err := h.engine.ProcessUserAction(r.Context(), r.PathValue("id"), user, action, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResult(res))
}

type delegateRequest struct {
	ToUserID string  `json:"to_user_id"`
	Comment  *string `json:"comment,omitempty"`
}

// Delegate hands the caller's pending assignment to another user.
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req delegateRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.engine.DelegateApproval(r.Context(), r.PathValue("id"), user, req.ToUserID, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDelegation(d))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelTransfer cancels a pending transfer and its live workflow.
func (h *HTTPHandler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	t, err := h.transfers.CancelTransfer(r.Context(), r.PathValue("id"), user, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransfer(t))
}

// Reopen returns a closed transfer to draft.
func (h *HTTPHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	t, err := h.transfers.Reopen(r.Context(), r.PathValue("id"), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransfer(t))
}

// WorkflowStatus returns the latest workflow of a transfer.
func (h *HTTPHandler) WorkflowStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetWorkflowStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowStatus(view))
}

// CheckFinishedStage re-evaluates the active stage and advances if it is done.
func (h *HTTPHandler) CheckFinishedStage(w http.ResponseWriter, r *http.Request) {
	finished, outcome, err := h.engine.CheckFinishedStage(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"finished": finished, "outcome": string(outcome)})
}

// RejectReasons lists every rejection recorded for a transfer.
func (h *HTTPHandler) RejectReasons(w http.ResponseWriter, r *http.Request) {
	reasons, err := h.transfers.ListRejectReasons(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]RejectReasonResponse, 0, len(reasons))
	for _, rr := range reasons {
		out = append(out, RejectReasonResponse{Reason: rr.Reason, RejectedBy: rr.RejectedBy, RejectedAt: rr.RejectedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reject_reasons": out})
}

// ── Workflows and approvals ─────────────────────────────────────────────────

// ActivateNextStage forces the next stage of a workflow instance active.
func (h *HTTPHandler) ActivateNextStage(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.ActivateNextStage(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstance(inst))
}

// PendingApprovals lists the caller's open assignments.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	rows, err := h.engine.GetUserPendingApprovals(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": toPending(rows)})
}

// ── Templates ────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.templates.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]TemplateResponse, 0, len(list))
	for _, t := range list {
		out = append(out, toTemplate(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": out})
}

// RegisterTemplate stores a new template version. The body uses the same
// layout as one entry of a template YAML file.
func (h *HTTPHandler) RegisterTemplate(w http.ResponseWriter, r *http.Request) {
	var def templates.Definition
	if !h.decode(w, r, &def) {
		return
	}
	tpl, err := h.templates.Register(r.Context(), def.Template())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTemplate(tpl))
}

func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.templates.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTemplate(tpl))
}

func (h *HTTPHandler) SetTemplateActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.templates.SetActive(r.Context(), r.PathValue("id"), req.Active); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Ledger ───────────────────────────────────────────────────────────────────

// GetBalance returns one pivot fund row. Year defaults to the latest.
func (h *HTTPHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := service.LedgerKey{Entity: q.Get("entity_code"), Account: q.Get("account_code")}
	if key.Entity == "" || key.Account == "" {
		h.writeError(w, r, errors.InvalidInput("entity_code", "entity_code and account_code are required"))
		return
	}
	if y := q.Get("year"); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			h.writeError(w, r, errors.InvalidInput("year", "must be a number"))
			return
		}
		key.Year = &year
	}
	pf, err := h.pivot.GetBalance(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPivotFund(pf))
}

type balanceRequest struct {
	EntityCode  string          `json:"entity_code"`
	AccountCode string          `json:"account_code"`
	Year        int             `json:"year"`
	Budget      decimal.Decimal `json:"budget"`
	Actual      decimal.Decimal `json:"actual"`
	Fund        decimal.Decimal `json:"fund"`
	Encumbrance decimal.Decimal `json:"encumbrance"`
}

// SetBalance seeds or overwrites a pivot fund row.
func (h *HTTPHandler) SetBalance(w http.ResponseWriter, r *http.Request) {
	var req balanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	pf := &repository.PivotFund{
		EntityCode:  req.EntityCode,
		AccountCode: req.AccountCode,
		Year:        req.Year,
		Budget:      req.Budget,
		Actual:      req.Actual,
		Fund:        req.Fund,
		Encumbrance: req.Encumbrance,
	}
	if err := h.pivot.SetBalance(r.Context(), pf); err != nil {
		h.writeError(w, r, err)
		return
	}
	key := service.LedgerKey{Entity: pf.EntityCode, Account: pf.AccountCode, Year: &pf.Year}
	stored, err := h.pivot.GetBalance(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPivotFund(stored))
}

type permissionRequest struct {
	EntityCode      string `json:"entity_code"`
	AccountCode     string `json:"account_code"`
	TransferAllowed string `json:"transfer_allowed"`
	SourceAllowed   string `json:"source_allowed"`
	TargetAllowed   string `json:"target_allowed"`
	SourceCount     *int   `json:"source_count,omitempty"`
	TargetCount     *int   `json:"target_count,omitempty"`
}

// SetPermission seeds or overwrites a transfer permission record.
func (h *HTTPHandler) SetPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.pivot.SetPermission(r.Context(), &repository.TransferPermission{
		EntityCode:      req.EntityCode,
		AccountCode:     req.AccountCode,
		TransferAllowed: repository.ParsePermission(req.TransferAllowed),
		SourceAllowed:   repository.ParsePermission(req.SourceAllowed),
		TargetAllowed:   repository.ParsePermission(req.TargetAllowed),
		SourceCount:     req.SourceCount,
		TargetCount:     req.TargetCount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── helpers ──────────────────────────────────────────────────────────────────

// requireUser reads the caller from X-User-ID.
func (h *HTTPHandler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(middleware.HeaderUserID))
	if user == "" {
		h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, "X-User-ID header is required"))
		return "", false
	}
	return user, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return false
	}
	return true
}

type errorResponse struct {
	Code    string                    `json:"code"`
	Message string                    `json:"message"`
	Field   string                    `json:"field,omitempty"`
	Issues  []service.ValidationIssue `json:"issues,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	resp := errorResponse{Code: string(errors.CodeOf(err)), Message: err.Error()}

	var verr *service.ValidationErrors
	var coded *errors.Error
	switch {
	case errors.As(err, &verr):
		resp.Issues = verr.Issues
	case errors.As(err, &coded):
		resp.Message = coded.Message
		resp.Field = coded.Field
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		resp.Message = "internal server error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
