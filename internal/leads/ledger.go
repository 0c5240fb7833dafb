package leads

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceRevision is an immutable snapshot of an invoice sent for a track.
type InvoiceRevision struct {
	ID            uuid.UUID       `json:"id"`
	LeadID        uuid.UUID       `json:"lead_id"`
	Track         Track           `json:"track"`
	Version       int             `json:"version"`
	InvoiceNumber string          `json:"invoice_number"`
	AmountAED     decimal.Decimal `json:"amount_aed"`
	PaymentLink   string          `json:"payment_link"`
	SentAt        time.Time       `json:"sent_at"`
	Actor         string          `json:"actor,omitempty"`
}

// NextVersion returns the version for the next revision given the latest one.
func NextVersion(latest *InvoiceRevision) int {
	if latest == nil || latest.Version < 1 {
		return 1
	}
	return latest.Version + 1
}

// DefaultInvoiceNumber builds the fallback invoice number for a revision.
func DefaultInvoiceNumber(reference string, t Track, version int) string {
	initial := strings.ToUpper(string(t)[:1])
	return fmt.Sprintf("INV-%s-%s-%d", reference, initial, version)
}
