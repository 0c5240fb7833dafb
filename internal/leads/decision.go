package leads

import (
	"strings"
	"time"
)

// DecisionState is the customer's position on a sent quote.
type DecisionState string

const (
	DecisionWaiting      DecisionState = "waiting"
	DecisionViewed       DecisionState = "viewed"
	DecisionApproved     DecisionState = "approved"
	DecisionDeclined     DecisionState = "declined"
	DecisionHasQuestions DecisionState = "has_questions"
)

// DecisionOutcome is a target state that a customer or admin can set.
type DecisionOutcome string

const (
	OutcomeApprove   DecisionOutcome = "approve"
	OutcomeDecline   DecisionOutcome = "decline"
	OutcomeQuestions DecisionOutcome = "questions"
)

// ParseOutcome validates a raw outcome value.
func ParseOutcome(raw string) (DecisionOutcome, error) {
	switch DecisionOutcome(strings.ToLower(strings.TrimSpace(raw))) {
	case OutcomeApprove:
		return OutcomeApprove, nil
	case OutcomeDecline:
		return OutcomeDecline, nil
	case OutcomeQuestions:
		return OutcomeQuestions, nil
	}
	return "", invalid("outcome", "must be one of approve, decline, questions")
}

func (o DecisionOutcome) state() DecisionState {
	switch o {
	case OutcomeApprove:
		return DecisionApproved
	case OutcomeDecline:
		return DecisionDeclined
	default:
		return DecisionHasQuestions
	}
}

// ApprovalSignal names the channel an approval arrived through.
type ApprovalSignal string

const (
	SignalProceed ApprovalSignal = "proceed"
	SignalQuote   ApprovalSignal = "quote"
)

// ParseSignal validates a raw approval signal. An empty value means the quote page.
func ParseSignal(raw string) (ApprovalSignal, error) {
	switch ApprovalSignal(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SignalQuote:
		return SignalQuote, nil
	case SignalProceed:
		return SignalProceed, nil
	}
	return "", invalid("signal", "must be one of proceed, quote")
}

// DeriveDecision returns the decision sub-state. Precedence matches the stage
// table: approval, then questions, then decline.
func DeriveDecision(f TrackFields) DecisionState {
	switch {
	case f.IsApproved():
		return DecisionApproved
	case f.QuoteQuestionsAt != nil:
		return DecisionHasQuestions
	case f.QuoteDeclinedAt != nil:
		return DecisionDeclined
	case f.QuoteViewedAt != nil:
		return DecisionViewed
	default:
		return DecisionWaiting
	}
}

// customerTransitions lists the decision changes a customer may trigger.
var customerTransitions = map[DecisionState]map[DecisionState]bool{
	DecisionWaiting:      {DecisionViewed: true, DecisionApproved: true, DecisionDeclined: true, DecisionHasQuestions: true},
	DecisionViewed:       {DecisionViewed: true, DecisionApproved: true, DecisionDeclined: true, DecisionHasQuestions: true},
	DecisionHasQuestions: {DecisionViewed: true, DecisionApproved: true, DecisionDeclined: true, DecisionHasQuestions: true},
	DecisionApproved:     {DecisionViewed: true, DecisionApproved: true},
	DecisionDeclined:     {DecisionViewed: true},
}

// CanTransition reports whether a customer signal may move the decision from one state to another.
func CanTransition(from, to DecisionState) bool {
	return customerTransitions[from][to]
}

func checkDecisionGuard(f TrackFields, t Track) error {
	if f.PaymentLocked() {
		return conflict(t, "payment received, decision is locked")
	}
	return nil
}

// applyCustomerDecision records a customer's response. Approval mirrors only
// fill in the missing signal field.
func applyCustomerDecision(f TrackFields, t Track, outcome DecisionOutcome, signal ApprovalSignal, reason string, now time.Time) (TrackFields, error) {
	if err := checkDecisionGuard(f, t); err != nil {
		return f, err
	}
	if f.QuoteSentAt == nil {
		return f, conflict(t, "quote has not been sent")
	}
	from := DeriveDecision(f)
	to := outcome.state()
	if !CanTransition(from, to) {
		return f, conflict(t, "cannot move decision from %s to %s", from, to)
	}
	switch outcome {
	case OutcomeApprove:
		switch signal {
		case SignalProceed:
			if f.ProceedConfirmedAt == nil {
				f.ProceedConfirmedAt = ptrTime(now)
			}
		default:
			if f.QuoteApprovedAt == nil {
				f.QuoteApprovedAt = ptrTime(now)
			}
		}
		f.QuoteQuestionsAt, f.QuoteQuestionsReason = nil, ""
	case OutcomeDecline:
		f.QuoteDeclinedAt = ptrTime(now)
		f.QuoteDeclineReason = reason
		f.QuoteQuestionsAt, f.QuoteQuestionsReason = nil, ""
	case OutcomeQuestions:
		f.QuoteQuestionsAt = ptrTime(now)
		f.QuoteQuestionsReason = reason
	}
	return f, nil
}

// applyOverride forces the decision into the outcome's state. The returned flag
// is false when the track already sits in that state.
func applyOverride(f TrackFields, t Track, outcome DecisionOutcome, reason string, now time.Time) (TrackFields, bool, error) {
	if err := checkDecisionGuard(f, t); err != nil {
		return f, false, err
	}
	if DeriveDecision(f) == outcome.state() {
		return f, false, nil
	}
	f = clearDecision(f, false)
	switch outcome {
	case OutcomeApprove:
		f.QuoteApprovedAt = ptrTime(now)
		f.Approved = true
	case OutcomeDecline:
		f.QuoteDeclinedAt = ptrTime(now)
		f.QuoteDeclineReason = reason
	case OutcomeQuestions:
		f.QuoteQuestionsAt = ptrTime(now)
		f.QuoteQuestionsReason = reason
	}
	return f, true, nil
}

// clearDecision removes every decision signal; withViewed also forgets the view.
func clearDecision(f TrackFields, withViewed bool) TrackFields {
	f.ProceedConfirmedAt = nil
	f.QuoteApprovedAt = nil
	f.Approved = false
	f.QuoteDeclinedAt, f.QuoteDeclineReason = nil, ""
	f.QuoteQuestionsAt, f.QuoteQuestionsReason = nil, ""
	if withViewed {
		f.QuoteViewedAt = nil
	}
	return f
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
