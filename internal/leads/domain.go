package leads

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SetupType classifies the service a lead asked for.
type SetupType string

const (
	SetupMainland SetupType = "mainland"
	SetupFreezone SetupType = "freezone"
	SetupOffshore SetupType = "offshore"
	SetupBank     SetupType = "bank"
	SetupNotSure  SetupType = "not_sure"
)

// Valid reports whether the setup type is one of the known values.
func (s SetupType) Valid() bool {
	switch s {
	case SetupMainland, SetupFreezone, SetupOffshore, SetupBank, SetupNotSure:
		return true
	}
	return false
}

// Track identifies one of the two parallel workflows.
type Track string

const (
	TrackCompany Track = "company"
	TrackBank    Track = "bank"
)

// Tracks lists every track in display order.
var Tracks = []Track{TrackCompany, TrackBank}

// ParseTrack converts a path/query value into a Track.
func ParseTrack(raw string) (Track, error) {
	switch Track(strings.ToLower(strings.TrimSpace(raw))) {
	case TrackCompany:
		return TrackCompany, nil
	case TrackBank:
		return TrackBank, nil
	}
	return "", &ValidationError{Field: "track", Message: fmt.Sprintf("unknown track %q", raw)}
}

// Valid reports whether the track is known.
func (t Track) Valid() bool {
	return t == TrackCompany || t == TrackBank
}

// EffectiveTrack returns the single active track for a setup type.
func EffectiveTrack(setup SetupType) Track {
	if setup == SetupBank {
		return TrackBank
	}
	return TrackCompany
}

// TrackFields holds the workflow timestamps and flags of a single track.
// Company and bank tracks share this shape.
type TrackFields struct {
	AgentContactedAt *time.Time       `json:"agent_contacted_at,omitempty"`
	Feasible         *bool            `json:"feasible,omitempty"`
	QuotedAmountAED  *decimal.Decimal `json:"quoted_amount_aed,omitempty"`

	QuoteSentAt     *time.Time `json:"quote_sent_at,omitempty"`
	QuoteMessageRef string     `json:"quote_message_ref,omitempty"`
	QuoteViewedAt   *time.Time `json:"quote_viewed_at,omitempty"`

	ProceedConfirmedAt   *time.Time `json:"proceed_confirmed_at,omitempty"`
	QuoteApprovedAt      *time.Time `json:"quote_approved_at,omitempty"`
	Approved             bool       `json:"approved"`
	QuoteDeclinedAt      *time.Time `json:"quote_declined_at,omitempty"`
	QuoteDeclineReason   string     `json:"quote_decline_reason,omitempty"`
	QuoteQuestionsAt     *time.Time `json:"quote_questions_at,omitempty"`
	QuoteQuestionsReason string     `json:"quote_questions_reason,omitempty"`

	InvoiceNumber    string           `json:"invoice_number,omitempty"`
	InvoiceVersion   int              `json:"invoice_version,omitempty"`
	InvoiceAmountAED *decimal.Decimal `json:"invoice_amount_aed,omitempty"`
	InvoiceSentAt    *time.Time       `json:"invoice_sent_at,omitempty"`
	PaymentLink      string           `json:"payment_link,omitempty"`

	PaymentReceivedAt     *time.Time `json:"payment_received_at,omitempty"`
	PaymentReminderSentAt *time.Time `json:"payment_reminder_sent_at,omitempty"`
	PaymentReminderCount  int        `json:"payment_reminder_count"`

	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ReviewRequestedAt *time.Time `json:"review_requested_at,omitempty"`

	DeclinedAt    *time.Time `json:"declined_at,omitempty"`
	DeclineReason string     `json:"decline_reason,omitempty"`
	DeclineStage  string     `json:"decline_stage,omitempty"`
}

// Touched reports whether any workflow field has been populated.
func (f TrackFields) Touched() bool {
	return f.AgentContactedAt != nil || f.Feasible != nil || f.QuoteSentAt != nil ||
		f.InvoiceSentAt != nil || f.PaymentReceivedAt != nil || f.CompletedAt != nil ||
		f.DeclinedAt != nil || f.hasDecisionSignal()
}

// PaymentLocked reports whether payment has been received for the track.
func (f TrackFields) PaymentLocked() bool {
	return f.PaymentReceivedAt != nil
}

// IsApproved reports whether any of the three approval signals is set.
func (f TrackFields) IsApproved() bool {
	return f.ProceedConfirmedAt != nil || f.QuoteApprovedAt != nil || f.Approved
}

func (f TrackFields) hasDecisionSignal() bool {
	return f.IsApproved() || f.QuoteDeclinedAt != nil || f.QuoteQuestionsAt != nil
}

// BankDetail is a single "key: value" line of bank account details.
type BankDetail struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Lead is the root entity tracked through the company and bank workflows.
type Lead struct {
	ID             uuid.UUID       `json:"id"`
	Reference      string          `json:"reference"`
	SetupType      SetupType       `json:"setup_type"`
	FullName       string          `json:"full_name"`
	WhatsApp       string          `json:"whatsapp"`
	Email          string          `json:"email,omitempty"`
	ServiceDetails json.RawMessage `json:"service_details,omitempty"`

	CustomerNotes string       `json:"customer_notes,omitempty"`
	AdminNotes    string       `json:"admin_notes,omitempty"`
	BankDetails   []BankDetail `json:"bank_details,omitempty"`

	Company TrackFields `json:"company"`
	Bank    TrackFields `json:"bank"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Track returns the fields of the given track.
func (l Lead) Track(t Track) TrackFields {
	if t == TrackBank {
		return l.Bank
	}
	return l.Company
}

// SetTrack replaces the fields of the given track.
func (l *Lead) SetTrack(t Track, f TrackFields) {
	if t == TrackBank {
		l.Bank = f
		return
	}
	l.Company = f
}

// EffectiveTrack returns the track the current UI treats as active.
func (l Lead) EffectiveTrack() Track {
	return EffectiveTrack(l.SetupType)
}

// TrackEnabled reports whether mutations may target the track. The non-effective
// track stays usable only for legacy combined-service leads that already carry data on it.
func (l Lead) TrackEnabled(t Track) bool {
	return t == l.EffectiveTrack() || l.Track(t).Touched()
}

// Notes returns the structured notes of the lead.
func (l Lead) Notes() Notes {
	return Notes{
		Customer:    l.CustomerNotes,
		Admin:       l.AdminNotes,
		BankDetails: append([]BankDetail(nil), l.BankDetails...),
		Reference:   l.Reference,
	}
}

// ReferenceFor derives the human-readable reference code from a lead id.
func ReferenceFor(id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	return "LF-" + strings.ToUpper(hex[:8])
}

// CreateLeadInput carries a public lead capture submission.
type CreateLeadInput struct {
	SetupType      SetupType       `json:"setup_type" validate:"required,setup_type"`
	FullName       string          `json:"full_name" validate:"required,max=200"`
	WhatsApp       string          `json:"whatsapp" validate:"required,phone"`
	Email          string          `json:"email" validate:"omitempty,email"`
	Notes          string          `json:"notes" validate:"max=5000"`
	ServiceDetails json.RawMessage `json:"service_details,omitempty"`
}

// FeasibilityInput records the admin's feasibility decision for a track.
type FeasibilityInput struct {
	LeadID          uuid.UUID
	Track           Track
	Feasible        bool
	QuotedAmountAED *decimal.Decimal
	Actor           string
}

// ResetInput rewinds a track to before the quote was sent.
type ResetInput struct {
	LeadID uuid.UUID
	Track  Track
	Reason string
	Actor  string
}

// DeclineInput marks a track as declined.
type DeclineInput struct {
	LeadID uuid.UUID
	Track  Track
	Stage  string
	Reason string
	Actor  string
}

// InvoiceInput sends (or revises) the invoice of a track.
type InvoiceInput struct {
	LeadID        uuid.UUID       `json:"-"`
	Track         Track           `json:"-"`
	AmountAED     decimal.Decimal `json:"amount_aed"`
	PaymentLink   string          `json:"payment_link" validate:"required,https_url"`
	InvoiceNumber string          `json:"invoice_number" validate:"max=64"`
	Actor         string          `json:"-"`
}

// DecisionInput records a customer's response to a sent quote.
type DecisionInput struct {
	LeadID  uuid.UUID
	Track   Track
	Outcome DecisionOutcome
	Signal  ApprovalSignal
	Reason  string
}

// OverrideInput forces a track's decision state.
type OverrideInput struct {
	LeadID  uuid.UUID
	Track   Track
	Outcome DecisionOutcome
	Reason  string
	Actor   string
}

// NotesInput replaces the admin-managed parts of the lead notes.
type NotesInput struct {
	LeadID      uuid.UUID
	AdminNotes  string
	BankDetails []BankDetail
	Actor       string
}

// ListFilter narrows a lead listing.
type ListFilter struct {
	SetupType SetupType
	Stage     Stage
	Search    string
	Limit     int
	Offset    int
}

// Summary is a list row: the lead plus the derived view of its effective track.
type Summary struct {
	Lead Lead      `json:"lead"`
	View TrackView `json:"view"`
}

// Result is returned by every track mutation.
type Result struct {
	Lead        Lead             `json:"lead"`
	View        TrackView        `json:"view"`
	WhatsAppURL string           `json:"whatsapp_url,omitempty"`
	Revision    *InvoiceRevision `json:"revision,omitempty"`
}

// PollResult answers a UI poll for changes.
type PollResult struct {
	Changed bool                `json:"changed"`
	Version int64               `json:"version"`
	Tracks  map[Track]TrackView `json:"tracks,omitempty"`
}

// Detail bundles everything the admin lead page shows.
type Detail struct {
	Lead        Lead                        `json:"lead"`
	Tracks      map[Track]TrackView         `json:"tracks"`
	Activities  []Activity                  `json:"activities"`
	Revisions   map[Track][]InvoiceRevision `json:"revisions"`
	LegacyNotes string                      `json:"legacy_notes"`
}
