package leadshttp

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/leadflow/internal/leads"
	"github.com/odyssey-erp/leadflow/internal/platform/httpx"
)

type listResponse struct {
	Items  []leads.Summary `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (h *Handler) listLeads(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	filter := leads.ListFilter{
		SetupType: leads.SetupType(strings.TrimSpace(q.Get("setup_type"))),
		Stage:     leads.Stage(strings.TrimSpace(q.Get("stage"))),
		Search:    q.Get("q"),
		Limit:     limit,
		Offset:    offset,
	}
	items, total, err := h.service.ListLeads(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []leads.Summary{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

type stageCount struct {
	Stage    leads.Stage `json:"stage"`
	Status   string      `json:"status"`
	Terminal bool        `json:"terminal"`
	Count    int         `json:"count"`
}

func (h *Handler) stageStats(w http.ResponseWriter, r *http.Request) {
	setup := leads.SetupType(strings.TrimSpace(r.URL.Query().Get("setup_type")))
	if setup != "" && !setup.Valid() {
		httpx.RespondError(w, fmt.Errorf("%w: unknown setup type %q", httpx.ErrValidation, setup))
		return
	}
	counts, err := h.service.StageCounts(r.Context(), setup)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]stageCount, 0, len(counts))
	total := 0
	for _, stage := range leads.Stages() {
		n := counts[stage]
		total += n
		out = append(out, stageCount{Stage: stage, Status: stage.StatusLabel(), Terminal: stage.Terminal(), Count: n})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"stages": out, "total": total})
}

func (h *Handler) showLead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.leadID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.GetDetail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) pollLead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.leadID(w, r)
	if !ok {
		return
	}
	var since int64
	if raw := strings.TrimSpace(r.URL.Query().Get("version")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			httpx.RespondError(w, fmt.Errorf("%w: version must be a non-negative integer", httpx.ErrValidation))
			return
		}
		since = v
	}
	res, err := h.service.Poll(r.Context(), id, since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type notesRequest struct {
	AdminNotes  string             `json:"admin_notes"`
	BankDetails []leads.BankDetail `json:"bank_details"`
}

func (h *Handler) updateNotes(w http.ResponseWriter, r *http.Request) {
	id, ok := h.leadID(w, r)
	if !ok {
		return
	}
	var req notesRequest
	if !h.decode(w, r, &req) {
		return
	}
	lead, err := h.service.UpdateNotes(r.Context(), leads.NotesInput{
		LeadID:      id,
		AdminNotes:  req.AdminNotes,
		BankDetails: req.BankDetails,
		Actor:       actorFrom(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lead)
}

type feasibilityRequest struct {
	Feasible        *bool            `json:"feasible"`
	QuotedAmountAED *decimal.Decimal `json:"quoted_amount_aed"`
}

func (h *Handler) setFeasibility(w http.ResponseWriter, r *http.Request) {
	id, t, ok := h.trackParams(w, r)
	if !ok {
		return
	}
	var req feasibilityRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Feasible == nil {
		httpx.RespondError(w, fmt.Errorf("%w: feasible is required", httpx.ErrValidation))
		return
	}
	res, err := h.service.SetFeasibility(r.Context(), leads.FeasibilityInput{
		LeadID:          id,
		Track:           t,
		Feasible:        *req.Feasible,
		QuotedAmountAED: req.QuotedAmountAED,
		Actor:           actorFrom(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type overrideRequest struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

func (h *Handler) overrideDecision(w http.ResponseWriter, r *http.Request) {
	id, t, ok := h.trackParams(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	outcome, err := leads.ParseOutcome(req.Outcome)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.service.OverrideDecision(r.Context(), leads.OverrideInput{
		LeadID:  id,
		Track:   t,
		Outcome: outcome,
		Reason:  req.Reason,
		Actor:   actorFrom(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type reasonRequest struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

func (h *Handler) resetTrack(w http.ResponseWriter, r *http.Request) {
	id, t, ok := h.trackParams(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.ResetTrack(r.Context(), leads.ResetInput{LeadID: id, Track: t, Reason: req.Reason, Actor: actorFrom(r)})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) declineTrack(w http.ResponseWriter, r *http.Request) {
	id, t, ok := h.trackParams(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Decline(r.Context(), leads.DeclineInput{
		LeadID: id,
		Track:  t,
		Stage:  req.Stage,
		Reason: req.Reason,
		Actor:  actorFrom(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) sendInvoice(w http.ResponseWriter, r *http.Request) {
	id, t, ok := h.trackParams(w, r)
	if !ok {
		return
	}
	var in leads.InvoiceInput
	if !h.decode(w, r, &in) {
		return
	}
	in.LeadID, in.Track, in.Actor = id, t, actorFrom(r)
	res, err := h.service.SendInvoice(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}
