package leads

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	actorCustomer = "customer"
	actorAdmin    = "admin"
)

// Service implements the lead workflow operations.
type Service struct {
	repo     Repository
	notifier Notifier
	feed     ChangeFeed
	observer TransitionObserver
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo Repository, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		validate: newValidator(),
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetChangeFeed wires the poll change feed.
func (s *Service) SetChangeFeed(feed ChangeFeed) {
	s.feed = feed
}

// SetObserver wires transition metrics.
func (s *Service) SetObserver(observer TransitionObserver) {
	s.observer = observer
}

// trackChange is what a track mutation wants persisted.
type trackChange struct {
	fields      TrackFields
	message     string
	noop        bool
	whatsAppURL string
	revision    *InvoiceRevision
	extra       []Activity
	emails      []pendingEmail
}

// pendingEmail is handed to its channel only after the transaction commits.
type pendingEmail struct {
	label    string
	delivery Delivery
}

func (c *trackChange) queueEmail(label string, d Delivery) {
	if d != nil {
		c.emails = append(c.emails, pendingEmail{label: label, delivery: d})
	}
}

type trackMutation func(ctx context.Context, tx Repository, lead Lead, f TrackFields, now time.Time) (trackChange, error)

// mutateTrack loads the lead under lock, applies fn to one track and persists
// the track columns, the activity entry and any ledger row in one transaction.
func (s *Service) mutateTrack(ctx context.Context, id uuid.UUID, t Track, action ActivityAction, actor string, fn trackMutation) (Result, error) {
	if !t.Valid() {
		return Result{}, invalid("track", fmt.Sprintf("unknown track %q", t))
	}
	if actor == "" {
		actor = actorAdmin
	}
	var (
		result  Result
		changed bool
		emails  []pendingEmail
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		lead, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !lead.TrackEnabled(t) {
			return conflict(t, "track is not active for a %s lead", lead.SetupType)
		}
		now := s.now().UTC()
		change, err := fn(ctx, tx, lead, lead.Track(t), now)
		if err != nil {
			return err
		}
		result.WhatsAppURL = change.whatsAppURL
		if change.noop {
			result.Lead = lead
			return nil
		}
		version, err := tx.UpdateTrack(ctx, lead.ID, t, change.fields, now)
		if err != nil {
			return err
		}
		if change.revision != nil {
			if err := tx.AppendInvoiceRevision(ctx, *change.revision); err != nil {
				return err
			}
			result.Revision = change.revision
		}
		if err := tx.AppendActivity(ctx, newActivity(lead.ID, t, action, change.message, actor, now)); err != nil {
			return err
		}
		for _, extra := range change.extra {
			if err := tx.AppendActivity(ctx, extra); err != nil {
				return err
			}
		}
		lead.SetTrack(t, change.fields)
		lead.Version = version
		lead.UpdatedAt = now
		result.Lead = lead
		changed = true
		emails = change.emails
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	result.View = DeriveTrackView(result.Lead, t)
	if changed {
		s.afterCommit(ctx, result.Lead, t, action)
		s.sendEmails(ctx, result.Lead, t, emails)
	}
	return result, nil
}

// sendEmails hands committed messages to the email channel. A failure does not
// undo the workflow step; it is logged and recorded on the activity log.
func (s *Service) sendEmails(ctx context.Context, lead Lead, t Track, emails []pendingEmail) {
	for _, e := range emails {
		logger := s.logger.With(slog.String("lead_id", lead.ID.String()), slog.String("track", string(t)))
		id, err := e.delivery.Deliver(ctx)
		if err == nil {
			logger.Debug("email queued", slog.String("message", e.label), slog.String("message_id", id))
			continue
		}
		logger.Warn("email delivery failed", slog.String("message", e.label), slog.Any("error", err))
		entry := newActivity(lead.ID, t, ActionNotificationError,
			e.label+" email could not be sent: "+err.Error(), actorAdmin, s.now().UTC())
		if err := s.repo.AppendActivity(ctx, entry); err != nil {
			logger.Error("record email failure", slog.Any("error", err))
		}
	}
}

func (s *Service) afterCommit(ctx context.Context, lead Lead, t Track, action ActivityAction) {
	if s.feed != nil {
		if err := s.feed.Publish(ctx, lead); err != nil {
			s.logger.Warn("publish lead change", slog.String("lead_id", lead.ID.String()), slog.Any("error", err))
		}
	}
	if s.observer != nil {
		stage := Stage("")
		if t != "" {
			stage = DeriveStage(lead.Track(t))
		}
		s.observer.ObserveTransition(t, action, stage)
	}
}

// guardOpen rejects mutations on terminal tracks.
func guardOpen(f TrackFields, t Track) error {
	if f.CompletedAt != nil {
		return conflict(t, "track is completed")
	}
	if f.DeclinedAt != nil {
		return conflict(t, "track is declined, reopen it first")
	}
	return nil
}

// CreateLead records a public lead capture submission.
func (s *Service) CreateLead(ctx context.Context, in CreateLeadInput) (Lead, error) {
	in.FullName = strings.TrimSpace(in.FullName)
	in.WhatsApp = strings.TrimSpace(in.WhatsApp)
	in.Email = strings.TrimSpace(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return Lead{}, validationError(err)
	}
	if len(in.ServiceDetails) > 0 {
		if in.SetupType != SetupBank {
			return Lead{}, invalid("service_details", "only accepted for bank setup")
		}
		if !json.Valid(in.ServiceDetails) {
			return Lead{}, invalid("service_details", "must be valid JSON")
		}
	}

	now := s.now().UTC()
	id := uuid.New()
	lead := Lead{
		ID:             id,
		Reference:      ReferenceFor(id),
		SetupType:      in.SetupType,
		FullName:       in.FullName,
		WhatsApp:       in.WhatsApp,
		Email:          in.Email,
		ServiceDetails: in.ServiceDetails,
		CustomerNotes:  in.Notes,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		if err := tx.Create(ctx, lead); err != nil {
			return err
		}
		msg := fmt.Sprintf("Lead %s submitted for %s setup", lead.Reference, lead.SetupType)
		return tx.AppendActivity(ctx, newActivity(lead.ID, "", ActionLeadCreated, msg, actorCustomer, now))
	})
	if err != nil {
		return Lead{}, err
	}
	s.afterCommit(ctx, lead, "", ActionLeadCreated)
	return lead, nil
}

// MarkAgentContacted records that an agent reached the customer. Repeated calls are no-ops.
func (s *Service) MarkAgentContacted(ctx context.Context, id uuid.UUID, t Track, actor string) (Result, error) {
	return s.mutateTrack(ctx, id, t, ActionAgentContacted, actor, func(_ context.Context, _ Repository, _ Lead, f TrackFields, now time.Time) (trackChange, error) {
		if f.AgentContactedAt != nil {
			return trackChange{noop: true}, nil
		}
		if err := guardOpen(f, t); err != nil {
			return trackChange{}, err
		}
		f.AgentContactedAt = ptrTime(now)
		return trackChange{fields: f, message: "Agent contacted the customer"}, nil
	})
}

// SetFeasibility records whether the service can be delivered and at what price.
func (s *Service) SetFeasibility(ctx context.Context, in FeasibilityInput) (Result, error) {
	if in.Feasible && !positive(in.QuotedAmountAED) {
		return Result{}, invalid("quoted_amount_aed", "must be greater than zero when feasible")
	}
	return s.mutateTrack(ctx, in.LeadID, in.Track, ActionFeasibilitySet, in.Actor, func(_ context.Context, _ Repository, _ Lead, f TrackFields, now time.Time) (trackChange, error) {
		if f.PaymentLocked() {
			return trackChange{}, conflict(in.Track, "payment received, feasibility is locked")
		}
		if err := guardOpen(f, in.Track); err != nil {
			return trackChange{}, err
		}
		if !in.Feasible && f.QuoteSentAt != nil {
			return trackChange{}, conflict(in.Track, "quote already sent, reset the workflow before marking not feasible")
		}
		feasible := in.Feasible
		f.Feasible = &feasible
		if in.Feasible {
			amount := in.QuotedAmountAED.Round(2)
			f.QuotedAmountAED = &amount
		} else {
			f.QuotedAmountAED = nil
		}
		if f.AgentContactedAt == nil {
			f.AgentContactedAt = ptrTime(now)
		}
		msg := "Marked not feasible"
		if in.Feasible {
			msg = "Marked feasible at AED " + f.QuotedAmountAED.StringFixed(2)
		}
		return trackChange{fields: f, message: msg}, nil
	})
}

// SendQuote delivers the quote to the customer. A quote can only be sent once per reset.
func (s *Service) SendQuote(ctx context.Context, id uuid.UUID, t Track, actor string) (Result, error) {
	return s.mutateTrack(ctx, id, t, ActionQuoteSent, actor, func(ctx context.Context, _ Repository, lead Lead, f TrackFields, now time.Time) (trackChange, error) {
		if err := guardOpen(f, t); err != nil {
			return trackChange{}, err
		}
		if f.QuoteSentAt != nil {
			return trackChange{}, conflict(t, "quote already sent, reset the workflow to send it again")
		}
		if !isTrue(f.Feasible) || !positive(f.QuotedAmountAED) {
			return trackChange{}, conflict(t, "feasibility and quoted amount must be set before sending a quote")
		}
		receipt, err := s.notifier.SendQuoteMessage(ctx, lead, t)
		if err != nil {
			return trackChange{}, &NotificationError{Op: "send quote", Err: err}
		}
		f.QuoteSentAt = ptrTime(sentAt(receipt.SentAt, now))
		f.QuoteMessageRef = receipt.MessageRef
		if f.QuoteMessageRef == "" {
			f.QuoteMessageRef = "whatsapp"
		}
		change := trackChange{
			fields:      f,
			message:     "Quote sent for AED " + f.QuotedAmountAED.StringFixed(2),
			whatsAppURL: receipt.WhatsAppURL,
		}
		change.queueEmail("Quote", receipt.Email)
		return change, nil
	})
}

// RecordQuoteViewed marks the first customer view of a quote.
func (s *Service) RecordQuoteViewed(ctx context.Context, id uuid.UUID, t Track) (Result, error) {
	return s.mutateTrack(ctx, id, t, ActionQuoteViewed, actorCustomer, func(_ context.Context, _ Repository, _ Lead, f TrackFields, now time.Time) (trackChange, error) {
		if f.QuoteSentAt == nil {
			return trackChange{}, conflict(t, "quote has not been sent")
		}
		if f.QuoteViewedAt != nil || f.PaymentLocked() {
			return trackChange{noop: true}, nil
		}
		f.QuoteViewedAt = ptrTime(now)
		return trackChange{fields: f, message: "Customer viewed the quote"}, nil
	})
}

// RecordCustomerDecision applies a customer's approve, decline or questions response.
func (s *Service) RecordCustomerDecision(ctx context.Context, in DecisionInput) (Result, error) {
	signal, err := ParseSignal(string(in.Signal))
	if err != nil {
		return Result{}, err
	}
	in.Signal = signal
	return s.mutateTrack(ctx, in.LeadID, in.Track, ActionCustomerDecision, actorCustomer, func(_ context.Context, _ Repository, _ Lead, f TrackFields, now time.Time) (trackChange, error) {
		if err := guardOpen(f, in.Track); err != nil {
			return trackChange{}, err
		}
		next, err := applyCustomerDecision(f, in.Track, in.Outcome, in.Signal, strings.TrimSpace(in.Reason), now)
		if err != nil {
			return trackChange{}, err
		}
		if reflect.DeepEqual(next, f) {
			return trackChange{noop: true}, nil
		}
		return trackChange{fields: next, message: decisionMessage("Customer", in.Outcome, in.Reason)}, nil
	})
}

// OverrideDecision forces the decision state of a track. Overriding to the
// current state is a no-op and is not logged.
func (s *Service) OverrideDecision(ctx context.Context, in OverrideInput) (Result, error) {
	return s.mutateTrack(ctx, in.LeadID, in.Track, ActionDecisionOverride, in.Actor, func(_ context.Context, _ Repository, _ Lead, f TrackFields, now time.Time) (trackChange, error) {
		if f.DeclinedAt != nil {
			return trackChange{}, conflict(in.Track, "track is declined, reopen it first")
		}
		next, changed, err := applyOverride(f, in.Track, in.Outcome, strings.TrimSpace(in.Reason), now)
		if err != nil {
			return trackChange{}, err
		}
		if !changed {
			return trackChange{noop: true}, nil
		}
		return trackChange{fields: next, message: decisionMessage("Admin override", in.Outcome, in.Reason)}, nil
	})
}

func decisionMessage(who string, outcome DecisionOutcome, reason string) string {
	var msg string
	switch outcome {
	case OutcomeApprove:
		msg = who + ": quote approved"
	case OutcomeDecline:
		msg = who + ": quote declined"
	default:
		msg = who + ": customer has questions"
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		msg += " (" + reason + ")"
	}
	return msg
}

// ResetTrack rewinds a track to "ready to send quote", keeping feasibility,
// the quoted amount and the invoice ledger. Only payment or completion block a
// reset; a decline is kept and is cleared by Reopen.
func (s *Service) ResetTrack(ctx context.Context, in ResetInput) (Result, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return Result{}, invalid("reason", "is required")
	}
	return s.mutateTrack(ctx, in.LeadID, in.Track, ActionWorkflowReset, in.Actor, func(_ context.Context, _ Repository, _ Lead, f TrackFields, _ time.Time) (trackChange, error) {
		if f.PaymentLocked() {
			return trackChange{}, conflict(in.Track, "payment received, workflow can no longer be reset")
		}
		if f.CompletedAt != nil {
			return trackChange{}, conflict(in.Track, "track is completed")
		}
		return trackChange{fields: resetFields(f), message: "Workflow reset: " + reason}, nil
	})
}

func resetFields(f TrackFields) TrackFields {
	f.QuoteSentAt = nil
	f.QuoteMessageRef = ""
	f = clearDecision(f, true)
	f.InvoiceNumber = ""
	f.InvoiceVersion = 0
	f.InvoiceAmountAED = nil
	f.InvoiceSentAt = nil
	f.PaymentLink = ""
	f.PaymentReminderSentAt = nil
	f.PaymentReminderCount = 0
	return f
}

// Decline closes a track. The company track may still be declined while work
// is in progress after payment; the bank track may not.
func (s *Service) Decline(ctx context.Context, in DeclineInput) (Result, error) {
	return s.mutateTrack(ctx, in.LeadID, in.Track, ActionTrackDeclined, in.Actor, func(_ context.Context, _ Repository, lead Lead, f TrackFields, now time.Time) (trackChange, error) {
		if err := guardOpen(f, in.Track); err != nil {
			return trackChange{}, err
		}
		if f.PaymentLocked() && in.Track == TrackBank {
			return trackChange{}, conflict(in.Track, "payment received, bank track can no longer be declined")
		}
		stage := strings.TrimSpace(in.Stage)
		if stage == "" {
			stage = DeriveStatus(lead, in.Track)
		}
		f.DeclinedAt = ptrTime(now)
		f.DeclineReason = strings.TrimSpace(in.Reason)
		f.DeclineStage = stage
		msg := "Declined at " + stage
		if f.DeclineReason != "" {
			msg += ": " + f.DeclineReason
		}
		return trackChange{fields: f, message: msg}, nil
	})
}

// Reopen clears the decline of a track.
func (s *Service) Reopen(ctx context.Context, id uuid.UUID, t Track, actor string) (Result, error) {
	return s.mutateTrack(ctx, id, t, ActionTrackReopened, actor, func(_ context.Context, _ Repository, _ Lead, f TrackFields, _ time.Time) (trackChange, error) {
		if f.DeclinedAt == nil {
			return trackChange{}, conflict(t, "track is not declined")
		}
		stage := f.DeclineStage
		f.DeclinedAt = nil
		f.DeclineReason = ""
		f.DeclineStage = ""
		return trackChange{fields: f, message: "Reopened (was declined at " + stage + ")"}, nil
	})
}

// SendInvoice sends the first invoice or a revision of it and appends it to the ledger.
func (s *Service) SendInvoice(ctx context.Context, in InvoiceInput) (Result, error) {
	if !in.AmountAED.IsPositive() {
		return Result{}, invalid("amount_aed", "must be greater than zero")
	}
	in.PaymentLink = strings.TrimSpace(in.PaymentLink)
	in.InvoiceNumber = strings.TrimSpace(in.InvoiceNumber)
	if err := s.validate.Struct(in); err != nil {
		return Result{}, validationError(err)
	}
	return s.mutateTrack(ctx, in.LeadID, in.Track, ActionInvoiceSent, in.Actor, func(ctx context.Context, tx Repository, lead Lead, f TrackFields, now time.Time) (trackChange, error) {
		if f.PaymentLocked() {
			return trackChange{}, conflict(in.Track, "payment received, invoice can no longer be revised")
		}
		if err := guardOpen(f, in.Track); err != nil {
			return trackChange{}, err
		}
		if !f.IsApproved() && f.InvoiceSentAt == nil {
			return trackChange{}, conflict(in.Track, "quote must be approved before invoicing")
		}
		latest, err := tx.LatestInvoiceRevision(ctx, lead.ID, in.Track)
		if err != nil {
			return trackChange{}, err
		}
		version := NextVersion(latest)
		number := in.InvoiceNumber
		if number == "" {
			number = DefaultInvoiceNumber(lead.Reference, in.Track, version)
		}
		amount := in.AmountAED.Round(2)
		receipt, err := s.notifier.SendInvoiceMessage(ctx, lead, in.Track, InvoiceMessage{
			Version:       version,
			InvoiceNumber: number,
			AmountAED:     amount,
			PaymentLink:   in.PaymentLink,
		})
		if err != nil {
			return trackChange{}, &NotificationError{Op: "send invoice", Err: err}
		}
		if in.InvoiceNumber == "" && receipt.InvoiceNumber != "" {
			number = receipt.InvoiceNumber
		}
		at := sentAt(receipt.SentAt, now)
		rev := &InvoiceRevision{
			ID:            uuid.New(),
			LeadID:        lead.ID,
			Track:         in.Track,
			Version:       version,
			InvoiceNumber: number,
			AmountAED:     amount,
			PaymentLink:   in.PaymentLink,
			SentAt:        at,
			Actor:         in.Actor,
		}
		f.InvoiceNumber = number
		f.InvoiceVersion = version
		f.InvoiceAmountAED = &amount
		f.InvoiceSentAt = ptrTime(at)
		f.PaymentLink = in.PaymentLink

		msg := fmt.Sprintf("Invoice %s sent for AED %s", number, amount.StringFixed(2))
		if version > 1 {
			msg = fmt.Sprintf("Revised invoice %s (v%d) sent for AED %s", number, version, amount.StringFixed(2))
		}
		change := trackChange{fields: f, message: msg, revision: rev, whatsAppURL: receipt.WhatsAppURL}
		change.queueEmail("Invoice "+number, receipt.Email)
		return change, nil
	})
}

// SendReminder nudges the customer about an unpaid invoice. Only a delivered
// reminder is counted.
func (s *Service) SendReminder(ctx context.Context, id uuid.UUID, t Track, actor string) (Result, error) {
	return s.mutateTrack(ctx, id, t, ActionPaymentReminder, actor, func(ctx context.Context, _ Repository, lead Lead, f TrackFields, now time.Time) (trackChange, error) {
		if f.PaymentLocked() {
			return trackChange{}, conflict(t, "payment received, reminders are no longer valid")
		}
		if err := guardOpen(f, t); err != nil {
			return trackChange{}, err
		}
		if f.InvoiceSentAt == nil {
			return trackChange{}, conflict(t, "no invoice has been sent")
		}
		receipt, err := s.notifier.SendReminderMessage(ctx, lead, t)
		if err != nil {
			return trackChange{}, &NotificationError{Op: "send reminder", Err: err}
		}
		// The count only moves on a confirmed send, so the email is handed off here.
		if receipt.Email != nil {
			if _, err := receipt.Email.Deliver(ctx); err != nil {
				return trackChange{}, &NotificationError{Op: "send reminder", Err: err}
			}
		}
		f.PaymentReminderSentAt = ptrTime(sentAt(receipt.SentAt, now))
		f.PaymentReminderCount++
		return trackChange{
			fields:      f,
			message:     fmt.Sprintf("Payment reminder #%d sent", f.PaymentReminderCount),
			whatsAppURL: receipt.WhatsAppURL,
		}, nil
	})
}

// MarkPaymentReceived locks the track against quote and invoice changes.
func (s *Service) MarkPaymentReceived(ctx context.Context, id uuid.UUID, t Track, actor string) (Result, error) {
	return s.mutateTrack(ctx, id, t, ActionPaymentReceived, actor, func(_ context.Context, _ Repository, _ Lead, f TrackFields, now time.Time) (trackChange, error) {
		if err := guardOpen(f, t); err != nil {
			return trackChange{}, err
		}
		if f.PaymentLocked() {
			return trackChange{}, conflict(t, "payment already recorded")
		}
		if f.InvoiceSentAt == nil {
			return trackChange{}, conflict(t, "no invoice has been sent")
		}
		f.PaymentReceivedAt = ptrTime(now)
		msg := "Payment received"
		if f.InvoiceAmountAED != nil {
			msg += " for AED " + f.InvoiceAmountAED.StringFixed(2)
		}
		return trackChange{fields: f, message: msg}, nil
	})
}

// Complete finishes a paid track. The completion message is best-effort: a
// delivery failure is logged and recorded but does not block completion.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, t Track, actor string) (Result, error) {
	return s.mutateTrack(ctx, id, t, ActionTrackCompleted, actor, func(ctx context.Context, _ Repository, lead Lead, f TrackFields, now time.Time) (trackChange, error) {
		if err := guardOpen(f, t); err != nil {
			return trackChange{}, err
		}
		if !f.PaymentLocked() {
			return trackChange{}, conflict(t, "payment has not been received")
		}
		f.CompletedAt = ptrTime(now)
		change := trackChange{fields: f, message: "Service completed"}

		lead.SetTrack(t, f)
		receipt, err := s.notifier.SendCompletionMessage(ctx, lead, t)
		if err != nil {
			s.logger.Warn("completion message failed",
				slog.String("lead_id", lead.ID.String()),
				slog.String("track", string(t)),
				slog.Any("error", err))
			change.extra = append(change.extra, newActivity(lead.ID, t, ActionNotificationError,
				"Completion message could not be sent: "+err.Error(), actorAdmin, now))
			return change, nil
		}
		if receipt.ReviewRequested {
			change.fields.ReviewRequestedAt = ptrTime(sentAt(receipt.SentAt, now))
			change.message += ", review requested"
		}
		change.whatsAppURL = receipt.WhatsAppURL
		change.queueEmail("Completion", receipt.Email)
		return change, nil
	})
}

func sentAt(reported, fallback time.Time) time.Time {
	if reported.IsZero() {
		return fallback
	}
	return reported.UTC()
}

// UpdateNotes replaces the admin notes and bank account details of a lead.
func (s *Service) UpdateNotes(ctx context.Context, in NotesInput) (Lead, error) {
	details := make([]BankDetail, 0, len(in.BankDetails))
	for i, d := range in.BankDetails {
		d.Key = strings.TrimSpace(d.Key)
		d.Value = strings.TrimSpace(d.Value)
		if d.Key == "" {
			return Lead{}, invalid(fmt.Sprintf("bank_details[%d].key", i), "is required")
		}
		if strings.Contains(d.Key, "\n") || strings.Contains(d.Value, "\n") {
			return Lead{}, invalid(fmt.Sprintf("bank_details[%d]", i), "must be a single line")
		}
		details = append(details, d)
	}
	actor := in.Actor
	if actor == "" {
		actor = actorAdmin
	}

	var lead Lead
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		current, err := tx.GetForUpdate(ctx, in.LeadID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		version, err := tx.UpdateNotes(ctx, current.ID, in.AdminNotes, details, now)
		if err != nil {
			return err
		}
		msg := fmt.Sprintf("Notes updated (%d bank detail lines)", len(details))
		if err := tx.AppendActivity(ctx, newActivity(current.ID, "", ActionNotesUpdated, msg, actor, now)); err != nil {
			return err
		}
		current.AdminNotes = in.AdminNotes
		current.BankDetails = details
		current.Version = version
		current.UpdatedAt = now
		lead = current
		return nil
	})
	if err != nil {
		return Lead{}, err
	}
	s.afterCommit(ctx, lead, "", ActionNotesUpdated)
	return lead, nil
}

// GetLead loads a single lead.
func (s *Service) GetLead(ctx context.Context, id uuid.UUID) (Lead, error) {
	return s.repo.Get(ctx, id)
}

// GetDetail loads the lead with its derived track views, activity log and invoice ledgers.
func (s *Service) GetDetail(ctx context.Context, id uuid.UUID) (Detail, error) {
	var (
		lead       Lead
		activities []Activity
		revisions  = make([][]InvoiceRevision, len(Tracks))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lead, err = s.repo.Get(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		activities, err = s.repo.ListActivities(gctx, id)
		return err
	})
	for i, t := range Tracks {
		g.Go(func() error {
			var err error
			revisions[i], err = s.repo.ListInvoiceRevisions(gctx, id, t)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Detail{}, err
	}

	detail := Detail{
		Lead:        lead,
		Tracks:      make(map[Track]TrackView, len(Tracks)),
		Activities:  activities,
		Revisions:   make(map[Track][]InvoiceRevision, len(Tracks)),
		LegacyNotes: EncodeNotes(lead.Notes()),
	}
	for i, t := range Tracks {
		detail.Tracks[t] = DeriveTrackView(lead, t)
		detail.Revisions[t] = revisions[i]
	}
	return detail, nil
}

// ListLeads returns lead summaries for the admin list. The stage filter is
// applied on the derived stage of each lead's effective track.
func (s *Service) ListLeads(ctx context.Context, filter ListFilter) ([]Summary, int, error) {
	if filter.Stage != "" && !filter.Stage.Valid() {
		return nil, 0, invalid("stage", fmt.Sprintf("unknown stage %q", filter.Stage))
	}
	if filter.SetupType != "" && !filter.SetupType.Valid() {
		return nil, 0, invalid("setup_type", fmt.Sprintf("unknown setup type %q", filter.SetupType))
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Search = strings.TrimSpace(filter.Search)

	if filter.Stage == "" {
		leads, total, err := s.repo.List(ctx, filter)
		if err != nil {
			return nil, 0, err
		}
		return summarize(leads), total, nil
	}

	all := filter
	all.Limit, all.Offset = 0, 0
	leads, _, err := s.repo.List(ctx, all)
	if err != nil {
		return nil, 0, err
	}
	matched := leads[:0]
	for _, l := range leads {
		if DeriveStage(l.Track(l.EffectiveTrack())) == filter.Stage {
			matched = append(matched, l)
		}
	}
	total := len(matched)
	start := min(filter.Offset, total)
	end := min(start+filter.Limit, total)
	return summarize(matched[start:end]), total, nil
}

func summarize(leads []Lead) []Summary {
	out := make([]Summary, 0, len(leads))
	for _, l := range leads {
		out = append(out, Summary{Lead: l, View: DeriveTrackView(l, l.EffectiveTrack())})
	}
	return out
}

// Poll reports whether a lead changed after the given version. The database
// version is authoritative; a change feed that is ahead of since saves the
// version lookup, but a feed at or behind since may have missed a publish.
func (s *Service) Poll(ctx context.Context, id uuid.UUID, since int64) (PollResult, error) {
	if since > 0 && !s.feedAhead(ctx, id, since) {
		version, err := s.repo.Version(ctx, id)
		if err != nil {
			return PollResult{}, err
		}
		if version <= since {
			return PollResult{Changed: false, Version: version}, nil
		}
	}
	lead, err := s.repo.Get(ctx, id)
	if err != nil {
		return PollResult{}, err
	}
	if lead.Version <= since {
		return PollResult{Changed: false, Version: lead.Version}, nil
	}
	res := PollResult{Changed: true, Version: lead.Version, Tracks: make(map[Track]TrackView, len(Tracks))}
	for _, t := range Tracks {
		res.Tracks[t] = DeriveTrackView(lead, t)
	}
	return res, nil
}

func (s *Service) feedAhead(ctx context.Context, id uuid.UUID, since int64) bool {
	if s.feed == nil {
		return false
	}
	ver, err := s.feed.Version(ctx, id.String())
	if err != nil {
		s.logger.Warn("read lead change feed", slog.String("lead_id", id.String()), slog.Any("error", err))
		return false
	}
	return ver > since
}

// StageCounts returns how many leads sit in each stage of their effective track.
func (s *Service) StageCounts(ctx context.Context, setup SetupType) (map[Stage]int, error) {
	leads, _, err := s.repo.List(ctx, ListFilter{SetupType: setup})
	if err != nil {
		return nil, err
	}
	counts := make(map[Stage]int, len(stageRules))
	for _, l := range leads {
		counts[DeriveStage(l.Track(l.EffectiveTrack()))]++
	}
	return counts, nil
}

// Stages lists every stage in precedence order.
func Stages() []Stage {
	out := make([]Stage, 0, len(stageRules))
	for _, r := range stageRules {
		out = append(out, r.stage)
	}
	return out
}
