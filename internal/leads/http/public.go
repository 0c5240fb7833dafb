package leadshttp

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/leadflow/internal/leads"
	"github.com/odyssey-erp/leadflow/internal/platform/httpx"
)

type createdLead struct {
	ID        uuid.UUID `json:"id"`
	Reference string    `json:"reference"`
}

func (h *Handler) createLead(w http.ResponseWriter, r *http.Request) {
	var in leads.CreateLeadInput
	if !h.decode(w, r, &in) {
		return
	}
	lead, err := h.service.CreateLead(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, createdLead{ID: lead.ID, Reference: lead.Reference})
}

// publicQuote is the customer's view of a quote. Admin notes and internal
// fields stay out of it.
type publicQuote struct {
	Reference   string              `json:"reference"`
	Name        string              `json:"name"`
	Track       leads.Track         `json:"track"`
	AmountAED   *decimal.Decimal    `json:"amount_aed,omitempty"`
	SentAt      *time.Time          `json:"sent_at,omitempty"`
	Status      string              `json:"status"`
	Decision    leads.DecisionState `json:"decision"`
	CanDecide   bool                `json:"can_decide"`
	InvoiceLink string              `json:"payment_link,omitempty"`
}

func toPublicQuote(res leads.Result, t leads.Track) publicQuote {
	f := res.Lead.Track(t)
	q := publicQuote{
		Reference: res.Lead.Reference,
		Name:      res.Lead.FullName,
		Track:     t,
		AmountAED: f.QuotedAmountAED,
		SentAt:    f.QuoteSentAt,
		Status:    res.View.Status,
		Decision:  res.View.Decision,
		CanDecide: !res.View.Locked && !res.View.Stage.Terminal() && leads.CanTransition(res.View.Decision, leads.DecisionApproved),
	}
	if res.View.Stage == leads.StageAwaitingPayment {
		q.InvoiceLink = f.PaymentLink
	}
	return q
}

func (h *Handler) showQuote(w http.ResponseWriter, r *http.Request) {
	id, t, ok := h.trackParams(w, r)
	if !ok {
		return
	}
	res, err := h.service.RecordQuoteViewed(r.Context(), id, t)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPublicQuote(res, t))
}

type customerDecisionRequest struct {
	Outcome string `json:"outcome"`
	Signal  string `json:"signal"`
	Reason  string `json:"reason"`
}

func (h *Handler) customerDecision(w http.ResponseWriter, r *http.Request) {
	id, t, ok := h.trackParams(w, r)
	if !ok {
		return
	}
	var req customerDecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	outcome, err := leads.ParseOutcome(req.Outcome)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	signal, err := leads.ParseSignal(req.Signal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.service.RecordCustomerDecision(r.Context(), leads.DecisionInput{
		LeadID:  id,
		Track:   t,
		Outcome: outcome,
		Signal:  signal,
		Reason:  req.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPublicQuote(res, t))
}
