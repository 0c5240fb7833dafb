// Package notify renders customer messages for workflow steps and hands them to
// WhatsApp click-to-chat links and the email queue.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/leadflow/internal/leads"
	"github.com/odyssey-erp/leadflow/jobs"
)

// EmailQueue enqueues outbound email. *jobs.Client satisfies it.
type EmailQueue interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// Config carries the branding and links used in messages.
type Config struct {
	BusinessName  string
	PortalBaseURL string
	ReviewURL     string
}

// Dispatcher implements leads.Notifier.
type Dispatcher struct {
	cfg     Config
	queue   EmailQueue
	printer *message.Printer
	logger  *slog.Logger
	now     func() time.Time
}

var _ leads.Notifier = (*Dispatcher)(nil)

// NewDispatcher constructs a dispatcher. A nil queue disables email.
func NewDispatcher(cfg Config, queue EmailQueue, logger *slog.Logger) *Dispatcher {
	if cfg.BusinessName == "" {
		cfg.BusinessName = "our team"
	}
	cfg.PortalBaseURL = strings.TrimRight(cfg.PortalBaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   queue,
		printer: message.NewPrinter(language.English),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock, mainly for tests.
func (d *Dispatcher) WithNow(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// SendQuoteMessage shares the quote link with the customer.
func (d *Dispatcher) SendQuoteMessage(_ context.Context, lead leads.Lead, t leads.Track) (leads.QuoteReceipt, error) {
	f := lead.Track(t)
	if f.QuotedAmountAED == nil {
		return leads.QuoteReceipt{}, fmt.Errorf("notify: %s quote has no amount", t)
	}
	body := d.printer.Sprintf("Hello %s,\n\nYour %s quote from %s is ready: %s.\n\nReview it and let us know how you would like to proceed: %s\n\nReference: %s",
		greetingName(lead), trackLabel(t), d.cfg.BusinessName, d.amount(*f.QuotedAmountAED), d.QuoteURL(lead, t), lead.Reference)

	return leads.QuoteReceipt{
		Receipt:    d.receipt(lead, body, d.email(lead, fmt.Sprintf("Your %s quote (%s)", trackLabel(t), lead.Reference), body)),
		MessageRef: "whatsapp",
	}, nil
}

// SendInvoiceMessage announces a new or revised invoice.
func (d *Dispatcher) SendInvoiceMessage(_ context.Context, lead leads.Lead, t leads.Track, msg leads.InvoiceMessage) (leads.InvoiceReceipt, error) {
	heading := "Your invoice"
	if msg.Version > 1 {
		heading = "Your updated invoice"
	}
	body := d.printer.Sprintf("Hello %s,\n\n%s %s for your %s is %s.\n\nPay securely here: %s\n\nReference: %s",
		greetingName(lead), heading, msg.InvoiceNumber, trackLabel(t), d.amount(msg.AmountAED), msg.PaymentLink, lead.Reference)

	return leads.InvoiceReceipt{
		Receipt:       d.receipt(lead, body, d.email(lead, fmt.Sprintf("Invoice %s (%s)", msg.InvoiceNumber, lead.Reference), body)),
		InvoiceNumber: msg.InvoiceNumber,
	}, nil
}

// SendReminderMessage nudges the customer about an unpaid invoice.
func (d *Dispatcher) SendReminderMessage(_ context.Context, lead leads.Lead, t leads.Track) (leads.Receipt, error) {
	f := lead.Track(t)
	amount := ""
	if f.InvoiceAmountAED != nil {
		amount = " of " + d.amount(*f.InvoiceAmountAED)
	}
	body := d.printer.Sprintf("Hello %s,\n\nA friendly reminder that invoice %s%s for your %s is still awaiting payment.\n\nPay securely here: %s\n\nReference: %s",
		greetingName(lead), f.InvoiceNumber, amount, trackLabel(t), f.PaymentLink, lead.Reference)

	return d.receipt(lead, body, d.email(lead, fmt.Sprintf("Payment reminder: invoice %s", f.InvoiceNumber), body)), nil
}

// SendCompletionMessage thanks the customer and asks for a review when a
// review link is configured.
func (d *Dispatcher) SendCompletionMessage(_ context.Context, lead leads.Lead, t leads.Track) (leads.CompletionReceipt, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\nGreat news: your %s is complete. Thank you for choosing %s.", greetingName(lead), trackLabel(t), d.cfg.BusinessName)
	review := d.cfg.ReviewURL != ""
	if review {
		fmt.Fprintf(&b, "\n\nWe would appreciate a short review: %s", d.cfg.ReviewURL)
	}
	fmt.Fprintf(&b, "\n\nReference: %s", lead.Reference)
	body := b.String()

	return leads.CompletionReceipt{
		Receipt:         d.receipt(lead, body, d.email(lead, fmt.Sprintf("Your %s is complete", trackLabel(t)), body)),
		ReviewRequested: review,
	}, nil
}

// QuoteURL is the customer-facing page for a track's quote.
func (d *Dispatcher) QuoteURL(lead leads.Lead, t leads.Track) string {
	return fmt.Sprintf("%s/quotes/%s/%s", d.cfg.PortalBaseURL, lead.ID, t)
}

func (d *Dispatcher) receipt(lead leads.Lead, body string, email leads.Delivery) leads.Receipt {
	return leads.Receipt{SentAt: d.now(), WhatsAppURL: WhatsAppURL(lead.WhatsApp, body), Email: email}
}

// email prepares the message for the queue when the lead has an address.
// Nothing is enqueued until the returned delivery runs.
func (d *Dispatcher) email(lead leads.Lead, subject, body string) leads.Delivery {
	if d.queue == nil {
		return nil
	}
	if strings.TrimSpace(lead.Email) == "" {
		d.logger.Debug("lead has no email address, whatsapp only", slog.String("lead_id", lead.ID.String()))
		return nil
	}
	return &emailDelivery{
		queue: d.queue,
		payload: jobs.SendEmailPayload{
			LeadID:  lead.ID.String(),
			To:      lead.Email,
			Name:    lead.FullName,
			Subject: subject,
			Body:    body,
		},
	}
}

// emailDelivery enqueues one customer email.
type emailDelivery struct {
	queue   EmailQueue
	payload jobs.SendEmailPayload
}

func (e *emailDelivery) Deliver(ctx context.Context) (string, error) {
	info, err := e.queue.EnqueueSendEmail(ctx, e.payload)
	if err != nil {
		return "", fmt.Errorf("notify: enqueue email: %w", err)
	}
	return "email:" + info.ID, nil
}

func (d *Dispatcher) amount(v decimal.Decimal) string {
	return d.printer.Sprintf("AED %.2f", v.InexactFloat64())
}

func greetingName(lead leads.Lead) string {
	name := strings.TrimSpace(lead.FullName)
	if name == "" {
		return "there"
	}
	if first, _, ok := strings.Cut(name, " "); ok {
		return first
	}
	return name
}

func trackLabel(t leads.Track) string {
	if t == leads.TrackBank {
		return "bank account opening"
	}
	return "company setup"
}
