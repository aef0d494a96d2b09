package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/attendly/confirm-engine/internal/domain"
	"github.com/attendly/confirm-engine/internal/intent"
	"github.com/attendly/confirm-engine/internal/observability"
	"github.com/attendly/confirm-engine/internal/provider"
	"github.com/attendly/confirm-engine/internal/ratelimit"
	"github.com/attendly/confirm-engine/internal/repository"
	"go.uber.org/zap"
)

const sendBucket = "outbound"

// SenderConfig tunes the shared outbound pipeline.
type SenderConfig struct {
	SendTimeout      time.Duration
	TemplateLanguage string
	Location         *time.Location
}

// Sender is the single path every outbound message takes: rate limit,
// provider call under a timeout, then a ledger write. Schedulers and the
// resolver share one instance so pacing applies across all of them.
type Sender struct {
	ledger   repository.LedgerRepository
	adapter  provider.ChannelAdapter
	limiter  ratelimit.RateLimiter
	metrics  *observability.Metrics
	logger   *zap.Logger
	timeout  time.Duration
	language string
	location *time.Location
	now      func() time.Time
}

func NewSender(ledger repository.LedgerRepository, adapter provider.ChannelAdapter, limiter ratelimit.RateLimiter, metrics *observability.Metrics, logger *zap.Logger, cfg SenderConfig) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Sender{
		ledger:   ledger,
		adapter:  adapter,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		timeout:  cfg.SendTimeout,
		language: cfg.TemplateLanguage,
		location: loc,
		now:      time.Now,
	}
}

// SendTemplate sends one appointment template and records the attempt.
// A failed send still returns a ledger entry so the retry scheduler can
// pick it up; only a validation or ledger failure loses the row.
func (s *Sender) SendTemplate(ctx context.Context, appt *domain.Appointment, phoneKey string, kind domain.Kind, templateName string) (*domain.LedgerEntry, error) {
	req := provider.TemplateRequest{
		Phone:          phoneKey,
		TemplateName:   templateName,
		LanguageCode:   s.language,
		BodyParameters: s.templateParameters(appt),
		ButtonPayloads: buttonPayloads(appt.ID),
	}

	resp, sendErr := s.callTemplate(ctx, kind, req)

	entry := &domain.LedgerEntry{
		AppointmentID: &appt.ID,
		PhoneKey:      phoneKey,
		Kind:          kind,
		TemplateName:  &templateName,
		Status:        domain.StatusSent,
	}
	now := s.now()
	entry.LastAttemptAt = &now

	if sendErr != nil {
		entry.Status = domain.StatusFailed
		detail := domain.TruncateErrorDetail(sendErr.Error())
		entry.ErrorDetail = &detail
	} else if resp != nil && resp.MessageID != "" {
		id := resp.MessageID
		entry.ProviderMessageID = &id
	}

	stored, ledgerErr := s.ledger.RecordOutbound(ctx, entry)
	if ledgerErr != nil {
		// The provider accepted the message; losing the audit row must
		// not trigger a duplicate send later, so surface loudly and
		// report the send as done.
		s.logger.Error("send committed but ledger write failed",
			zap.Int64("appointmentId", appt.ID),
			zap.String("phoneKey", phoneKey),
			zap.String("kind", kind.String()),
			zap.Error(ledgerErr),
		)
		return nil, sendErr
	}

	return stored, sendErr
}

// SendText sends free text and records it. Callers gate on the session
// window before reaching here.
func (s *Sender) SendText(ctx context.Context, phoneKey, body string, kind domain.Kind, appointmentID *int64) (*domain.LedgerEntry, error) {
	resp, sendErr := s.callText(ctx, kind, phoneKey, body)

	truncated := domain.TruncateBody(body)
	entry := &domain.LedgerEntry{
		AppointmentID: appointmentID,
		PhoneKey:      phoneKey,
		Kind:          kind,
		Status:        domain.StatusSent,
		Body:          &truncated,
	}
	now := s.now()
	entry.LastAttemptAt = &now

	if sendErr != nil {
		entry.Status = domain.StatusFailed
		detail := domain.TruncateErrorDetail(sendErr.Error())
		entry.ErrorDetail = &detail
	} else if resp != nil && resp.MessageID != "" {
		id := resp.MessageID
		entry.ProviderMessageID = &id
	}

	stored, ledgerErr := s.ledger.RecordOutbound(ctx, entry)
	if ledgerErr != nil {
		s.logger.Error("send committed but ledger write failed",
			zap.String("phoneKey", phoneKey),
			zap.String("kind", kind.String()),
			zap.Error(ledgerErr),
		)
		return nil, sendErr
	}

	return stored, sendErr
}

// RecordNoPhone writes the failed placeholder for an appointment with no
// usable contact. No provider call is made.
func (s *Sender) RecordNoPhone(ctx context.Context, appointmentID int64, kind domain.Kind) {
	detail := "no usable phone number in contacts"
	entry := &domain.LedgerEntry{
		AppointmentID: &appointmentID,
		PhoneKey:      domain.PhoneKeyUnknown,
		Kind:          kind,
		Status:        domain.StatusFailed,
		ErrorDetail:   &detail,
	}
	if _, err := s.ledger.RecordOutbound(ctx, entry); err != nil {
		s.logger.Error("failed to record no-phone entry",
			zap.Int64("appointmentId", appointmentID),
			zap.Error(err),
		)
	}
	s.metrics.IncSendFailure(kind.String(), "no_phone")
}

// callTemplate performs the rate-limited provider call without any
// ledger write; the retry scheduler uses it to act on existing rows.
func (s *Sender) callTemplate(ctx context.Context, kind domain.Kind, req provider.TemplateRequest) (*provider.SendResponse, error) {
	s.waitForSlot(ctx)

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	resp, err := s.adapter.SendTemplate(sendCtx, req)
	s.observe(kind, start, err)
	return resp, err
}

func (s *Sender) callText(ctx context.Context, kind domain.Kind, phone, body string) (*provider.SendResponse, error) {
	s.waitForSlot(ctx)

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	resp, err := s.adapter.SendText(sendCtx, phone, body)
	s.observe(kind, start, err)
	return resp, err
}

func (s *Sender) waitForSlot(ctx context.Context) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.Wait(ctx, sendBucket); err != nil && ctx.Err() == nil {
		// Degrade to the fixed inter-message delay rather than dropping
		// the send when the limiter backend is unreachable.
		s.logger.Warn("rate limiter unavailable", zap.Error(err))
	}
}

func (s *Sender) observe(kind domain.Kind, start time.Time, err error) {
	s.metrics.ObserveSendDuration(kind.String(), s.now().Sub(start))
	if err != nil {
		s.metrics.IncSendFailure(kind.String(), failureReason(err))
		return
	}
	s.metrics.IncMessageSent(kind.String())
}

// templateParameters builds the positional body parameters every
// appointment template takes: patient name, date and time in the
// clinic's zone.
func (s *Sender) templateParameters(appt *domain.Appointment) []string {
	local := appt.ScheduledAt.In(s.location)
	return []string{
		appt.PatientName,
		local.Format("02/01/2006"),
		local.Format("15:04"),
	}
}

func buttonPayloads(appointmentID int64) []string {
	id := strconv.FormatInt(appointmentID, 10)
	return []string{
		intent.ConfirmPayloadPrefix + id,
		intent.CancelPayloadPrefix + id,
	}
}

func failureReason(err error) string {
	if code := provider.ErrorCode(err); code != "" {
		return fmt.Sprintf("code_%s", code)
	}
	if provider.IsTransient(err) {
		return "transient"
	}
	return "transport"
}

// pause is a context-aware sleep used for inter-message pacing.
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
