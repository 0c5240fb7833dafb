package leads

import (
	"time"

	"github.com/google/uuid"
)

// ActivityAction enumerates the audit log entry kinds.
type ActivityAction string

const (
	ActionLeadCreated       ActivityAction = "lead_created"
	ActionAgentContacted    ActivityAction = "agent_contacted"
	ActionFeasibilitySet    ActivityAction = "feasibility_set"
	ActionQuoteSent         ActivityAction = "quote_sent"
	ActionQuoteViewed       ActivityAction = "quote_viewed"
	ActionCustomerDecision  ActivityAction = "customer_decision"
	ActionDecisionOverride  ActivityAction = "decision_override"
	ActionWorkflowReset     ActivityAction = "workflow_reset"
	ActionTrackDeclined     ActivityAction = "track_declined"
	ActionTrackReopened     ActivityAction = "track_reopened"
	ActionInvoiceSent       ActivityAction = "invoice_sent"
	ActionPaymentReminder   ActivityAction = "payment_reminder_sent"
	ActionPaymentReceived   ActivityAction = "payment_received"
	ActionTrackCompleted    ActivityAction = "track_completed"
	ActionNotesUpdated      ActivityAction = "notes_updated"
	ActionNotificationError ActivityAction = "notification_failed"
)

// Activity is an append-only audit entry for a lead.
type Activity struct {
	ID        uuid.UUID      `json:"id"`
	LeadID    uuid.UUID      `json:"lead_id"`
	Track     Track          `json:"track,omitempty"`
	Action    ActivityAction `json:"action"`
	Message   string         `json:"message"`
	Actor     string         `json:"actor,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func newActivity(leadID uuid.UUID, t Track, action ActivityAction, message, actor string, now time.Time) Activity {
	return Activity{
		ID:        uuid.New(),
		LeadID:    leadID,
		Track:     t,
		Action:    action,
		Message:   message,
		Actor:     actor,
		CreatedAt: now,
	}
}
