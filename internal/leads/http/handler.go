package leadshttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/odyssey-erp/leadflow/internal/leads"
	"github.com/odyssey-erp/leadflow/internal/platform/httpx"
	"github.com/odyssey-erp/leadflow/internal/platform/idempotency"
)

const (
	actorHeader       = "X-Actor"
	idempotencyHeader = "Idempotency-Key"
	defaultPublicRate = 20
)

type leadService interface {
	CreateLead(ctx context.Context, in leads.CreateLeadInput) (leads.Lead, error)
	GetDetail(ctx context.Context, id uuid.UUID) (leads.Detail, error)
	GetLead(ctx context.Context, id uuid.UUID) (leads.Lead, error)
	ListLeads(ctx context.Context, filter leads.ListFilter) ([]leads.Summary, int, error)
	Poll(ctx context.Context, id uuid.UUID, since int64) (leads.PollResult, error)
	StageCounts(ctx context.Context, setup leads.SetupType) (map[leads.Stage]int, error)
	UpdateNotes(ctx context.Context, in leads.NotesInput) (leads.Lead, error)

	MarkAgentContacted(ctx context.Context, id uuid.UUID, t leads.Track, actor string) (leads.Result, error)
	SetFeasibility(ctx context.Context, in leads.FeasibilityInput) (leads.Result, error)
	SendQuote(ctx context.Context, id uuid.UUID, t leads.Track, actor string) (leads.Result, error)
	RecordQuoteViewed(ctx context.Context, id uuid.UUID, t leads.Track) (leads.Result, error)
	RecordCustomerDecision(ctx context.Context, in leads.DecisionInput) (leads.Result, error)
	OverrideDecision(ctx context.Context, in leads.OverrideInput) (leads.Result, error)
	ResetTrack(ctx context.Context, in leads.ResetInput) (leads.Result, error)
	Decline(ctx context.Context, in leads.DeclineInput) (leads.Result, error)
	Reopen(ctx context.Context, id uuid.UUID, t leads.Track, actor string) (leads.Result, error)
	SendInvoice(ctx context.Context, in leads.InvoiceInput) (leads.Result, error)
	SendReminder(ctx context.Context, id uuid.UUID, t leads.Track, actor string) (leads.Result, error)
	MarkPaymentReceived(ctx context.Context, id uuid.UUID, t leads.Track, actor string) (leads.Result, error)
	Complete(ctx context.Context, id uuid.UUID, t leads.Track, actor string) (leads.Result, error)
}

// keyStore guards side-effecting requests against double submission.
type keyStore interface {
	CheckAndInsert(ctx context.Context, key, scope string) error
	Delete(ctx context.Context, key, scope string) error
}

// Options tunes the HTTP surface.
type Options struct {
	// PublicRateLimit is the per-IP request budget per minute on /public.
	PublicRateLimit int
}

// Handler exposes the admin and customer lead endpoints.
type Handler struct {
	logger  *slog.Logger
	service leadService
	keys    keyStore
	opts    Options
}

// NewHandler constructs the leads HTTP handler. keys may be nil, in which case
// Idempotency-Key headers are ignored.
func NewHandler(logger *slog.Logger, service leadService, keys keyStore, opts Options) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PublicRateLimit <= 0 {
		opts.PublicRateLimit = defaultPublicRate
	}
	return &Handler{logger: logger, service: service, keys: keys, opts: opts}
}

// MountRoutes registers the admin API under /api/leads and the customer API under /public.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/api/leads", func(r chi.Router) {
		r.Get("/", h.listLeads)
		r.Get("/stats", h.stageStats)
		r.Get("/{id}", h.showLead)
		r.Get("/{id}/poll", h.pollLead)
		r.Patch("/{id}/notes", h.updateNotes)
		r.Route("/{id}/tracks/{track}", func(r chi.Router) {
			r.Post("/agent-contacted", h.trackAction(h.service.MarkAgentContacted))
			r.Post("/feasibility", h.setFeasibility)
			r.Post("/quote", h.idempotent("quote", h.trackAction(h.service.SendQuote)))
			r.Post("/decision", h.overrideDecision)
			r.Post("/reset", h.resetTrack)
			r.Post("/decline", h.declineTrack)
			r.Post("/reopen", h.trackAction(h.service.Reopen))
			r.Post("/invoice", h.idempotent("invoice", h.sendInvoice))
			r.Post("/reminder", h.idempotent("reminder", h.trackAction(h.service.SendReminder)))
			r.Post("/payment", h.idempotent("payment", h.trackAction(h.service.MarkPaymentReceived)))
			r.Post("/complete", h.idempotent("complete", h.trackAction(h.service.Complete)))
		})
	})

	limiter := httprate.Limit(h.opts.PublicRateLimit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "slow down and try again shortly")
		}),
	)
	r.Route("/public", func(r chi.Router) {
		r.Use(limiter)
		r.Post("/leads", h.createLead)
		r.Get("/quotes/{id}/{track}", h.showQuote)
		r.Post("/quotes/{id}/{track}/decision", h.customerDecision)
	})
}

type trackOp func(ctx context.Context, id uuid.UUID, t leads.Track, actor string) (leads.Result, error)

func (h *Handler) trackAction(op trackOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, t, ok := h.trackParams(w, r)
		if !ok {
			return
		}
		res, err := op(r.Context(), id, t, actorFrom(r))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, res)
	}
}

// idempotent rejects a replayed Idempotency-Key for the same lead, track and
// operation. The key is released when the operation fails so it can be retried.
func (h *Handler) idempotent(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" || h.keys == nil {
			next(w, r)
			return
		}
		if len(key) > 128 {
			httpx.RespondError(w, fmt.Errorf("%w: %s header too long", httpx.ErrValidation, idempotencyHeader))
			return
		}
		scope := fmt.Sprintf("leads.%s:%s:%s", op, chi.URLParam(r, "id"), chi.URLParam(r, "track"))
		if err := h.keys.CheckAndInsert(r.Context(), key, scope); err != nil {
			if errors.Is(err, idempotency.ErrConflict) {
				httpx.RespondError(w, fmt.Errorf("%w: request with this %s was already processed", httpx.ErrDuplicate, idempotencyHeader))
				return
			}
			h.logger.Error("idempotency check", slog.String("scope", scope), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if rec.status >= http.StatusBadRequest {
			if err := h.keys.Delete(context.WithoutCancel(r.Context()), key, scope); err != nil {
				h.logger.Warn("release idempotency key", slog.String("scope", scope), slog.Any("error", err))
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) trackParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, leads.Track, bool) {
	id, ok := h.leadID(w, r)
	if !ok {
		return uuid.Nil, "", false
	}
	t, err := leads.ParseTrack(chi.URLParam(r, "track"))
	if err != nil {
		h.writeError(w, r, err)
		return uuid.Nil, "", false
	}
	return id, t, true
}

func (h *Handler) leadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: lead %s", httpx.ErrNotFound, raw))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body: %v", httpx.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, leads.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, leads.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, leads.ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, leads.ErrNotification):
		h.logger.Warn("customer notification failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Notification Failed", "the customer message could not be sent; nothing was changed")
	default:
		h.logger.Error("leads request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

// actorFrom reads the admin identity supplied by the fronting portal.
func actorFrom(r *http.Request) string {
	actor := strings.TrimSpace(r.Header.Get(actorHeader))
	if len(actor) > 100 {
		actor = actor[:100]
	}
	return actor
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", httpx.ErrValidation, name)
	}
	return v, nil
}
