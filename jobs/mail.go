package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/leadflow/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Mailer delivers a single plain-text email and returns the provider message id.
type Mailer interface {
	Send(ctx context.Context, toEmail, toName, subject, body string) (string, error)
}

// MailJob delivers queued customer emails.
type MailJob struct {
	Mailer  Mailer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewMailJob wires dependencies for the mail handler.
func NewMailJob(mailer Mailer, logger *slog.Logger, metrics *jobmetrics.Metrics) *MailJob {
	return &MailJob{Mailer: mailer, Logger: logger, Metrics: metrics}
}

// Handle processes TaskTypeSendEmail tasks.
func (j *MailJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("mail: handler not configured")
	}
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("mail: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if strings.TrimSpace(payload.To) == "" || strings.TrimSpace(payload.Subject) == "" {
		return fmt.Errorf("mail: incomplete payload: %w", asynq.SkipRetry)
	}

	logger := j.logger().With(slog.String("lead_id", payload.LeadID))
	if j.Mailer == nil {
		// Without a provider the message is dropped rather than retried forever.
		logger.Warn("mail provider not configured, dropping message", slog.String("subject", payload.Subject))
		j.metrics().CountEmail("dropped")
		return nil
	}

	tracker := j.metrics().Track(TaskTypeSendEmail)
	id, err := j.Mailer.Send(ctx, payload.To, payload.Name, payload.Subject, payload.Body)
	if err != nil {
		logger.Error("send email", slog.Any("error", err))
		j.metrics().CountEmail("failed")
		return tracker.End(err)
	}
	j.metrics().CountEmail("sent")
	logger.Info("email sent", slog.String("message_id", id))
	return tracker.End(nil)
}

func (j *MailJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeSendEmail))
	}
	return slog.Default().With(slog.String("job", TaskTypeSendEmail))
}

func (j *MailJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
