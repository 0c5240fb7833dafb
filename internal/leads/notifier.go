package leads

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Notifier renders customer-facing messages for workflow steps. An error means
// the message could not be prepared at all; email hand-off is returned as a
// Delivery so it can run once the change is committed.
type Notifier interface {
	SendQuoteMessage(ctx context.Context, lead Lead, t Track) (QuoteReceipt, error)
	SendInvoiceMessage(ctx context.Context, lead Lead, t Track, msg InvoiceMessage) (InvoiceReceipt, error)
	SendReminderMessage(ctx context.Context, lead Lead, t Track) (Receipt, error)
	SendCompletionMessage(ctx context.Context, lead Lead, t Track) (CompletionReceipt, error)
}

// Delivery hands a rendered message to a secondary channel such as email.
// It returns the channel's message id.
type Delivery interface {
	Deliver(ctx context.Context) (string, error)
}

// Receipt is returned by every successful notification. Email is nil when the
// lead has no address or email is disabled.
type Receipt struct {
	SentAt      time.Time `json:"sent_at"`
	WhatsAppURL string    `json:"whatsapp_url,omitempty"`
	Email       Delivery  `json:"-"`
}

// QuoteReceipt confirms a quote message.
type QuoteReceipt struct {
	Receipt
	MessageRef string `json:"message_ref,omitempty"`
}

// InvoiceMessage carries the invoice being announced.
type InvoiceMessage struct {
	Version       int
	InvoiceNumber string
	AmountAED     decimal.Decimal
	PaymentLink   string
}

// InvoiceReceipt confirms an invoice message. InvoiceNumber is set when the
// delivery channel assigned one.
type InvoiceReceipt struct {
	Receipt
	InvoiceNumber string `json:"invoice_number,omitempty"`
}

// CompletionReceipt confirms a completion message.
type CompletionReceipt struct {
	Receipt
	ReviewRequested bool `json:"review_requested"`
}

// TransitionObserver is notified after a workflow operation commits.
type TransitionObserver interface {
	ObserveTransition(t Track, action ActivityAction, stage Stage)
}

// ChangeFeed announces new lead versions to pollers.
type ChangeFeed interface {
	Publish(ctx context.Context, lead Lead) error
	Version(ctx context.Context, id string) (int64, error)
}
