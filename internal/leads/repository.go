package leads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/leadflow/internal/platform/db"
)

// Repository persists leads, their activity log and invoice ledgers.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Get(ctx context.Context, id uuid.UUID) (Lead, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (Lead, error)
	Version(ctx context.Context, id uuid.UUID) (int64, error)
	Create(ctx context.Context, lead Lead) error
	UpdateTrack(ctx context.Context, id uuid.UUID, t Track, fields TrackFields, at time.Time) (int64, error)
	UpdateNotes(ctx context.Context, id uuid.UUID, admin string, bank []BankDetail, at time.Time) (int64, error)
	List(ctx context.Context, filter ListFilter) ([]Lead, int, error)
	AppendActivity(ctx context.Context, a Activity) error
	ListActivities(ctx context.Context, leadID uuid.UUID) ([]Activity, error)
	AppendInvoiceRevision(ctx context.Context, rev InvoiceRevision) error
	ListInvoiceRevisions(ctx context.Context, leadID uuid.UUID, t Track) ([]InvoiceRevision, error)
	LatestInvoiceRevision(ctx context.Context, leadID uuid.UUID, t Track) (*InvoiceRevision, error)
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

var _ Repository = (*repository)(nil)

type repository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	if _, ok := r.db.(pgx.Tx); ok {
		return fn(ctx, r)
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
	if errors.Is(err, db.ErrSerialization) {
		return &ConflictError{Reason: "lead was changed by another request, reload and retry"}
	}
	return err
}

// trackColumnNames lists the per-track columns without their prefix, in scan order.
var trackColumnNames = []string{
	"agent_contacted_at", "feasible", "quoted_amount_aed",
	"quote_sent_at", "quote_message_ref", "quote_viewed_at",
	"proceed_confirmed_at", "quote_approved_at", "approved",
	"quote_declined_at", "quote_decline_reason", "quote_questions_at", "quote_questions_reason",
	"invoice_number", "invoice_version", "invoice_amount_aed", "invoice_sent_at", "payment_link",
	"payment_received_at", "payment_reminder_sent_at", "payment_reminder_count",
	"completed_at", "review_requested_at",
	"declined_at", "decline_reason", "decline_stage",
}

func trackPrefix(t Track) string {
	return string(t) + "_"
}

func trackColumns(t Track) []string {
	out := make([]string, len(trackColumnNames))
	for i, name := range trackColumnNames {
		out[i] = trackPrefix(t) + name
	}
	return out
}

var leadColumns = strings.Join(append(append([]string{
	"id", "reference", "setup_type", "full_name", "whatsapp", "email", "service_details",
	"customer_notes", "admin_notes", "bank_details", "version", "created_at", "updated_at",
}, trackColumns(TrackCompany)...), trackColumns(TrackBank)...), ", ")

// trackRow holds scan targets for one track's columns.
type trackRow struct {
	f       TrackFields
	quoted  pgtype.Numeric
	invoice pgtype.Numeric
}

func (tr *trackRow) targets() []interface{} {
	f := &tr.f
	return []interface{}{
		&f.AgentContactedAt, &f.Feasible, &tr.quoted,
		&f.QuoteSentAt, &f.QuoteMessageRef, &f.QuoteViewedAt,
		&f.ProceedConfirmedAt, &f.QuoteApprovedAt, &f.Approved,
		&f.QuoteDeclinedAt, &f.QuoteDeclineReason, &f.QuoteQuestionsAt, &f.QuoteQuestionsReason,
		&f.InvoiceNumber, &f.InvoiceVersion, &tr.invoice, &f.InvoiceSentAt, &f.PaymentLink,
		&f.PaymentReceivedAt, &f.PaymentReminderSentAt, &f.PaymentReminderCount,
		&f.CompletedAt, &f.ReviewRequestedAt,
		&f.DeclinedAt, &f.DeclineReason, &f.DeclineStage,
	}
}

func (tr *trackRow) fields() TrackFields {
	f := tr.f
	f.QuotedAmountAED = decimalFromNumeric(tr.quoted)
	f.InvoiceAmountAED = decimalFromNumeric(tr.invoice)
	return f
}

func trackValues(f TrackFields) []interface{} {
	return []interface{}{
		f.AgentContactedAt, f.Feasible, numericFromDecimal(f.QuotedAmountAED),
		f.QuoteSentAt, f.QuoteMessageRef, f.QuoteViewedAt,
		f.ProceedConfirmedAt, f.QuoteApprovedAt, f.Approved,
		f.QuoteDeclinedAt, f.QuoteDeclineReason, f.QuoteQuestionsAt, f.QuoteQuestionsReason,
		f.InvoiceNumber, f.InvoiceVersion, numericFromDecimal(f.InvoiceAmountAED), f.InvoiceSentAt, f.PaymentLink,
		f.PaymentReceivedAt, f.PaymentReminderSentAt, f.PaymentReminderCount,
		f.CompletedAt, f.ReviewRequestedAt,
		f.DeclinedAt, f.DeclineReason, f.DeclineStage,
	}
}

func scanLead(row pgx.Row) (Lead, error) {
	var (
		l        Lead
		email    *string
		details  []byte
		bankJSON []byte
		company  trackRow
		bank     trackRow
	)
	targets := []interface{}{
		&l.ID, &l.Reference, &l.SetupType, &l.FullName, &l.WhatsApp, &email, &details,
		&l.CustomerNotes, &l.AdminNotes, &bankJSON, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	}
	targets = append(targets, company.targets()...)
	targets = append(targets, bank.targets()...)
	if err := row.Scan(targets...); err != nil {
		return Lead{}, err
	}
	if email != nil {
		l.Email = *email
	}
	if len(details) > 0 {
		l.ServiceDetails = json.RawMessage(details)
	}
	if len(bankJSON) > 0 {
		if err := json.Unmarshal(bankJSON, &l.BankDetails); err != nil {
			return Lead{}, fmt.Errorf("leads: decode bank details: %w", err)
		}
	}
	l.Company = company.fields()
	l.Bank = bank.fields()
	return l, nil
}

func (r *repository) get(ctx context.Context, id uuid.UUID, lock bool) (Lead, error) {
	query := fmt.Sprintf(`SELECT %s FROM leads WHERE id = $1`, leadColumns)
	if lock {
		query += ` FOR UPDATE`
	}
	l, err := scanLead(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lead{}, &NotFoundError{ID: id.String()}
		}
		return Lead{}, fmt.Errorf("leads: get lead: %w", err)
	}
	return l, nil
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (Lead, error) {
	return r.get(ctx, id, false)
}

func (r *repository) GetForUpdate(ctx context.Context, id uuid.UUID) (Lead, error) {
	return r.get(ctx, id, true)
}

func (r *repository) Version(ctx context.Context, id uuid.UUID) (int64, error) {
	var version int64
	err := r.db.QueryRow(ctx, `SELECT version FROM leads WHERE id = $1`, id).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &NotFoundError{ID: id.String()}
		}
		return 0, fmt.Errorf("leads: lead version: %w", err)
	}
	return version, nil
}

func (r *repository) Create(ctx context.Context, lead Lead) error {
	bankJSON, err := json.Marshal(lead.BankDetails)
	if err != nil {
		return fmt.Errorf("leads: encode bank details: %w", err)
	}
	var details []byte
	if len(lead.ServiceDetails) > 0 {
		details = lead.ServiceDetails
	}
	var email *string
	if lead.Email != "" {
		email = &lead.Email
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO leads (
			id, reference, setup_type, full_name, whatsapp, email, service_details,
			customer_notes, admin_notes, bank_details, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		lead.ID, lead.Reference, string(lead.SetupType), lead.FullName, lead.WhatsApp, email, details,
		lead.CustomerNotes, lead.AdminNotes, bankJSON, lead.Version, lead.CreatedAt, lead.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("leads: insert lead: %w", err)
	}
	return nil
}

func (r *repository) UpdateTrack(ctx context.Context, id uuid.UUID, t Track, fields TrackFields, at time.Time) (int64, error) {
	cols := trackColumns(t)
	setClauses := make([]string, 0, len(cols)+2)
	args := make([]interface{}, 0, len(cols)+2)
	args = append(args, id)
	argPos := 2
	for _, col := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argPos))
		argPos++
	}
	args = append(args, trackValues(fields)...)
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", argPos), "version = version + 1")
	args = append(args, at)

	query := fmt.Sprintf(`UPDATE leads SET %s WHERE id = $1 RETURNING version`, strings.Join(setClauses, ", "))
	var version int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &NotFoundError{ID: id.String()}
		}
		return 0, fmt.Errorf("leads: update %s track: %w", t, err)
	}
	return version, nil
}

func (r *repository) UpdateNotes(ctx context.Context, id uuid.UUID, admin string, bank []BankDetail, at time.Time) (int64, error) {
	bankJSON, err := json.Marshal(bank)
	if err != nil {
		return 0, fmt.Errorf("leads: encode bank details: %w", err)
	}
	var version int64
	err = r.db.QueryRow(ctx, `
		UPDATE leads
		SET admin_notes = $2, bank_details = $3, updated_at = $4, version = version + 1
		WHERE id = $1
		RETURNING version
	`, id, admin, bankJSON, at).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &NotFoundError{ID: id.String()}
		}
		return 0, fmt.Errorf("leads: update notes: %w", err)
	}
	return version, nil
}

func (r *repository) List(ctx context.Context, filter ListFilter) ([]Lead, int, error) {
	var conditions []string
	var args []interface{}
	argPos := 1

	if filter.SetupType != "" {
		conditions = append(conditions, fmt.Sprintf("setup_type = $%d", argPos))
		args = append(args, string(filter.SetupType))
		argPos++
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		conditions = append(conditions, fmt.Sprintf(
			"(full_name ILIKE $%d OR email ILIKE $%d OR whatsapp ILIKE $%d OR reference ILIKE $%d)",
			argPos, argPos, argPos, argPos))
		args = append(args, pattern)
		argPos++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM leads %s", whereClause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("leads: count leads: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM leads %s ORDER BY created_at DESC, id`, leadColumns, whereClause)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("leads: list leads: %w", err)
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("leads: scan lead: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("leads: list leads: %w", err)
	}
	return out, total, nil
}

func (r *repository) AppendActivity(ctx context.Context, a Activity) error {
	var track *string
	if a.Track != "" {
		s := string(a.Track)
		track = &s
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO lead_activities (id, lead_id, track, action, message, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.LeadID, track, string(a.Action), a.Message, a.Actor, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("leads: append activity: %w", err)
	}
	return nil
}

func (r *repository) ListActivities(ctx context.Context, leadID uuid.UUID) ([]Activity, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, lead_id, track, action, message, actor, created_at
		FROM lead_activities
		WHERE lead_id = $1
		ORDER BY created_at DESC, id
	`, leadID)
	if err != nil {
		return nil, fmt.Errorf("leads: list activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var (
			a     Activity
			track *string
		)
		if err := rows.Scan(&a.ID, &a.LeadID, &track, &a.Action, &a.Message, &a.Actor, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("leads: scan activity: %w", err)
		}
		if track != nil {
			a.Track = Track(*track)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) AppendInvoiceRevision(ctx context.Context, rev InvoiceRevision) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO invoice_revisions (id, lead_id, track, version, invoice_number, amount_aed, payment_link, sent_at, actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rev.ID, rev.LeadID, string(rev.Track), rev.Version, rev.InvoiceNumber,
		numericFromDecimal(&rev.AmountAED), rev.PaymentLink, rev.SentAt, rev.Actor)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return conflict(rev.Track, "invoice version %d already recorded", rev.Version)
		}
		return fmt.Errorf("leads: append invoice revision: %w", err)
	}
	return nil
}

const revisionColumns = `id, lead_id, track, version, invoice_number, amount_aed, payment_link, sent_at, actor`

func scanRevision(row pgx.Row) (InvoiceRevision, error) {
	var (
		rev    InvoiceRevision
		amount pgtype.Numeric
	)
	if err := row.Scan(&rev.ID, &rev.LeadID, &rev.Track, &rev.Version, &rev.InvoiceNumber,
		&amount, &rev.PaymentLink, &rev.SentAt, &rev.Actor); err != nil {
		return InvoiceRevision{}, err
	}
	if d := decimalFromNumeric(amount); d != nil {
		rev.AmountAED = *d
	}
	return rev, nil
}

func (r *repository) ListInvoiceRevisions(ctx context.Context, leadID uuid.UUID, t Track) ([]InvoiceRevision, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM invoice_revisions
		WHERE lead_id = $1 AND track = $2
		ORDER BY version
	`, revisionColumns), leadID, string(t))
	if err != nil {
		return nil, fmt.Errorf("leads: list invoice revisions: %w", err)
	}
	defer rows.Close()

	var out []InvoiceRevision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("leads: scan invoice revision: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (r *repository) LatestInvoiceRevision(ctx context.Context, leadID uuid.UUID, t Track) (*InvoiceRevision, error) {
	rev, err := scanRevision(r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM invoice_revisions
		WHERE lead_id = $1 AND track = $2
		ORDER BY version DESC
		LIMIT 1
	`, revisionColumns), leadID, string(t)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("leads: latest invoice revision: %w", err)
	}
	return &rev, nil
}

func numericFromDecimal(d *decimal.Decimal) pgtype.Numeric {
	if d == nil {
		return pgtype.Numeric{}
	}
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func decimalFromNumeric(n pgtype.Numeric) *decimal.Decimal {
	if !n.Valid || n.Int == nil || n.NaN {
		return nil
	}
	d := decimal.NewFromBigInt(n.Int, n.Exp)
	return &d
}
