package leads

import (
	"github.com/shopspring/decimal"
)

// Stage is the derived position of a track in its workflow. It is never stored.
type Stage string

const (
	StageCompleted               Stage = "completed"
	StageDeclined                Stage = "declined"
	StageWorkInProgress          Stage = "work_in_progress"
	StageAwaitingPayment         Stage = "awaiting_payment"
	StageApprovedAwaitingInvoice Stage = "approved_awaiting_invoice"
	StageCustomerHasQuestions    Stage = "customer_has_questions"
	StageQuoteDeclined           Stage = "quote_declined"
	StageAwaitingDecision        Stage = "awaiting_decision"
	StageReadyToSendQuote        Stage = "ready_to_send_quote"
	StageClosedNotFeasible       Stage = "closed_not_feasible"
	StageFeasibilityInProgress   Stage = "feasibility_in_progress"
	StageNew                     Stage = "new"
)

type stageRule struct {
	stage      Stage
	status     string
	nextAction string
	terminal   bool
	match      func(TrackFields) bool
}

// stageRules is checked top-down; the first matching row wins. The last row
// always matches, so every field combination maps to exactly one stage.
var stageRules = []stageRule{
	{StageCompleted, "Completed", "No further action", true,
		func(f TrackFields) bool { return f.CompletedAt != nil }},
	{StageDeclined, "Declined", "Reopen if the customer comes back", true,
		func(f TrackFields) bool { return f.DeclinedAt != nil }},
	{StageWorkInProgress, "Work In Progress", "Deliver the service and mark it complete", false,
		func(f TrackFields) bool { return f.PaymentReceivedAt != nil }},
	{StageAwaitingPayment, "Awaiting Payment", "Wait for payment or send a reminder", false,
		func(f TrackFields) bool { return f.InvoiceSentAt != nil }},
	{StageApprovedAwaitingInvoice, "Approved, Awaiting Invoice", "Send the invoice", false,
		func(f TrackFields) bool { return f.IsApproved() }},
	{StageCustomerHasQuestions, "Customer Has Questions", "Answer the customer's questions", false,
		func(f TrackFields) bool { return f.QuoteQuestionsAt != nil }},
	{StageQuoteDeclined, "Quote Declined", "Follow up or decline the lead", false,
		func(f TrackFields) bool { return f.QuoteDeclinedAt != nil }},
	{StageAwaitingDecision, "Awaiting Customer Decision", "Wait for customer decision", false,
		func(f TrackFields) bool { return f.QuoteSentAt != nil }},
	{StageReadyToSendQuote, "Ready To Send Quote", "Send the quote to the customer", false,
		func(f TrackFields) bool { return isTrue(f.Feasible) && positive(f.QuotedAmountAED) }},
	{StageClosedNotFeasible, "Closed (Not Feasible)", "None, service not feasible", true,
		func(f TrackFields) bool { return f.Feasible != nil && !*f.Feasible }},
	{StageFeasibilityInProgress, "Feasibility & Quote In Progress", "Determine feasibility and quote amount", false,
		func(f TrackFields) bool { return f.AgentContactedAt != nil || f.Feasible != nil }},
	{StageNew, "New / Awaiting Agent Contact", "Contact the customer", false,
		func(TrackFields) bool { return true }},
}

var rulesByStage = func() map[Stage]stageRule {
	out := make(map[Stage]stageRule, len(stageRules))
	for _, r := range stageRules {
		out[r.stage] = r
	}
	return out
}()

func matchRule(f TrackFields) stageRule {
	for _, r := range stageRules {
		if r.match(f) {
			return r
		}
	}
	// unreachable: the last rule matches everything
	return stageRules[len(stageRules)-1]
}

// DeriveStage returns the workflow stage implied by the track fields.
func DeriveStage(f TrackFields) Stage {
	return matchRule(f).stage
}

// DeriveStatus returns the human-readable status label of a lead's track.
func DeriveStatus(l Lead, t Track) string {
	return matchRule(l.Track(t)).status
}

// DeriveNextAction returns the recommended next action for a lead's track.
func DeriveNextAction(l Lead, t Track) string {
	return matchRule(l.Track(t)).nextAction
}

// StatusLabel returns the label of a stage.
func (s Stage) StatusLabel() string {
	return rulesByStage[s].status
}

// Terminal reports whether the stage can only be left through an explicit operation.
func (s Stage) Terminal() bool {
	return rulesByStage[s].terminal
}

// Valid reports whether the stage is known.
func (s Stage) Valid() bool {
	_, ok := rulesByStage[s]
	return ok
}

// TrackView is the derived, read-only summary of a track.
type TrackView struct {
	Track           Track         `json:"track"`
	Active          bool          `json:"active"`
	Stage           Stage         `json:"stage"`
	Status          string        `json:"status"`
	NextAction      string        `json:"next_action"`
	Decision        DecisionState `json:"decision"`
	QuoteViewed     bool          `json:"quote_viewed"`
	ReminderCount   int           `json:"reminder_count"`
	ReminderWarning bool          `json:"reminder_warning"`
	InvoiceOutdated bool          `json:"invoice_outdated"`
	Locked          bool          `json:"locked"`
	PollForDecision bool          `json:"poll_for_decision"`
}

// DeriveTrackView computes the status, next action and sub-states of a track.
func DeriveTrackView(l Lead, t Track) TrackView {
	f := l.Track(t)
	rule := matchRule(f)
	view := TrackView{
		Track:         t,
		Active:        t == l.EffectiveTrack(),
		Stage:         rule.stage,
		Status:        rule.status,
		NextAction:    rule.nextAction,
		Decision:      DeriveDecision(f),
		QuoteViewed:   f.QuoteViewedAt != nil,
		ReminderCount: f.PaymentReminderCount,
		Locked:        f.PaymentLocked(),
	}
	if rule.stage == StageAwaitingPayment {
		view.ReminderWarning = f.PaymentReminderCount > 0
		view.InvoiceOutdated = IsInvoiceOutdated(f)
	}
	view.PollForDecision = rule.stage == StageAwaitingDecision
	return view
}

// IsInvoiceOutdated reports whether the latest sent invoice no longer matches the quote.
func IsInvoiceOutdated(f TrackFields) bool {
	if f.InvoiceSentAt == nil || f.PaymentReceivedAt != nil {
		return false
	}
	return !amountsEqual(f.InvoiceAmountAED, f.QuotedAmountAED)
}

func amountsEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func positive(d *decimal.Decimal) bool {
	return d != nil && d.IsPositive()
}

func isTrue(b *bool) bool {
	return b != nil && *b
}
