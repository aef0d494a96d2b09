package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/attendly/confirm-engine/internal/domain"
	"github.com/attendly/confirm-engine/internal/observability"
	"github.com/attendly/confirm-engine/internal/provider"
	"github.com/attendly/confirm-engine/internal/repository"
	"github.com/attendly/confirm-engine/internal/runstate"
	"go.uber.org/zap"
)

// RetryConfig tunes the resend and state-sync phases.
type RetryConfig struct {
	BackoffBase         time.Duration
	MaxRetryCount       int
	BatchSize           int
	SendDelay           time.Duration
	QueryTimeout        time.Duration
	ConfirmTemplate     string
	ReminderTemplate    string
	TextFallbackEnabled bool
}

// RetryScheduler runs two repair phases over the ledger. The resend
// phase re-attempts failed outbound entries with exponential backoff up
// to a retry cap. The state-sync phase reconciles recorded
// confirmation/cancellation intents against the appointment store and
// re-applies any mutation that was lost.
type RetryScheduler struct {
	ledger       repository.LedgerRepository
	appointments repository.AppointmentRepository
	sender       *Sender
	window       *SessionWindow
	metrics      *observability.Metrics
	logger       *zap.Logger
	cfg          RetryConfig
	now          func() time.Time
}

func NewRetryScheduler(ledger repository.LedgerRepository, appointments repository.AppointmentRepository, sender *Sender, window *SessionWindow, metrics *observability.Metrics, cfg RetryConfig, logger *zap.Logger) *RetryScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	return &RetryScheduler{
		ledger:       ledger,
		appointments: appointments,
		sender:       sender,
		window:       window,
		metrics:      metrics,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
	}
}

func (s *RetryScheduler) Name() string { return "retry" }

// Run executes both phases. They are independent repairs, so a query
// failure in one never starves the other; the result reports every
// phase error together.
func (s *RetryScheduler) Run(ctx context.Context) RunResult {
	resent, resendFailed, resendErr := s.resendPhase(ctx)
	synced, syncFailed, syncErr := s.syncPhase(ctx)

	result := RunResult{
		State:     runstate.StateCompleted,
		Processed: resent + synced,
		Failed:    resendFailed + syncFailed,
	}

	var details []string
	if resendErr != nil {
		details = append(details, fmt.Sprintf("resend phase: %v", resendErr))
	}
	if syncErr != nil {
		details = append(details, fmt.Sprintf("state-sync phase: %v", syncErr))
	}
	if len(details) > 0 {
		result.State = runstate.StateErrored
		result.Detail = strings.Join(details, "; ")
	}
	return result
}

// resendPhase picks up failed outbound entries that are due and retries
// the send against the provider.
func (s *RetryScheduler) resendPhase(ctx context.Context) (processed, failed int, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	entries, err := s.ledger.FindForRetry(queryCtx,
		[]domain.Kind{domain.KindTemplate, domain.KindReminder, domain.KindText},
		domain.RetryableStatuses(),
		s.cfg.MaxRetryCount,
		s.cfg.BatchSize,
	)
	cancel()
	if err != nil {
		return 0, 0, err
	}

	for i := range entries {
		if ctx.Err() != nil {
			return processed, failed, nil
		}
		entry := &entries[i]

		if err := s.ledger.MarkRetrying(ctx, entry.ID); err != nil {
			s.logger.Warn("failed to mark entry retrying",
				zap.String("entryId", entry.ID),
				zap.Error(err),
			)
			failed++
			continue
		}
		attempt := entry.RetryCount + 1

		ok := s.resendEntry(ctx, entry, attempt)
		if ok {
			processed++
		} else {
			failed++
		}

		if i < len(entries)-1 {
			pause(ctx, s.cfg.SendDelay)
		}
	}
	return processed, failed, nil
}

// resendEntry retries one ledger row. Reports true when the row reached
// sent; discarded rows count as handled failures.
func (s *RetryScheduler) resendEntry(ctx context.Context, entry *domain.LedgerEntry, attempt int) bool {
	switch entry.Kind {
	case domain.KindText:
		return s.resendText(ctx, entry, attempt)
	default:
		return s.resendTemplate(ctx, entry, attempt)
	}
}

func (s *RetryScheduler) resendTemplate(ctx context.Context, entry *domain.LedgerEntry, attempt int) bool {
	appt, ok := s.resolveAppointment(ctx, entry)
	if !ok {
		return false
	}

	templateName := s.templateNameFor(entry)
	req := provider.TemplateRequest{
		Phone:          entry.PhoneKey,
		TemplateName:   templateName,
		LanguageCode:   s.sender.language,
		BodyParameters: s.sender.templateParameters(appt),
		ButtonPayloads: buttonPayloads(appt.ID),
	}

	resp, err := s.sender.callTemplate(ctx, entry.Kind, req)
	if err != nil && provider.ErrorCode(err) == provider.ReengagementCode {
		// The provider wants a fresh template to reopen the
		// conversation; one immediate extra attempt before backoff.
		s.logger.Info("re-engagement required, retrying immediately",
			zap.String("entryId", entry.ID),
		)
		resp, err = s.sender.callTemplate(ctx, entry.Kind, req)
	}

	if err != nil && s.cfg.TextFallbackEnabled {
		if fallbackResp, fallbackErr := s.tryTextFallback(ctx, entry, appt); fallbackErr == nil {
			resp, err = fallbackResp, nil
		}
	}

	return s.settle(ctx, entry, attempt, resp, err)
}

// templateNameFor prefers the template recorded on the entry; older rows
// without one fall back to the configured default for their kind.
func (s *RetryScheduler) templateNameFor(entry *domain.LedgerEntry) string {
	if entry.TemplateName != nil && *entry.TemplateName != "" {
		return *entry.TemplateName
	}
	if entry.Kind == domain.KindReminder {
		return s.cfg.ReminderTemplate
	}
	return s.cfg.ConfirmTemplate
}

func (s *RetryScheduler) resendText(ctx context.Context, entry *domain.LedgerEntry, attempt int) bool {
	if entry.Body == nil || *entry.Body == "" {
		s.discard(ctx, entry, "text entry has no body to resend")
		return false
	}

	resp, err := s.sender.callText(ctx, entry.Kind, entry.PhoneKey, *entry.Body)
	return s.settle(ctx, entry, attempt, resp, err)
}

// tryTextFallback degrades a rejected template to plain text when the
// session window is open. Outside the window the provider would reject
// the text as well, so skip without an attempt.
func (s *RetryScheduler) tryTextFallback(ctx context.Context, entry *domain.LedgerEntry, appt *domain.Appointment) (*provider.SendResponse, error) {
	open, err := s.window.IsOpen(ctx, entry.PhoneKey)
	if err != nil || !open {
		return nil, fmt.Errorf("session window closed")
	}

	body := s.fallbackText(entry.Kind, appt)
	s.logger.Info("falling back to text send",
		zap.String("entryId", entry.ID),
		zap.String("phoneKey", entry.PhoneKey),
	)
	return s.sender.callText(ctx, entry.Kind, entry.PhoneKey, body)
}

func (s *RetryScheduler) fallbackText(kind domain.Kind, appt *domain.Appointment) string {
	params := s.sender.templateParameters(appt)
	if kind == domain.KindReminder {
		return fmt.Sprintf("Olá %s! Lembrete da sua consulta em %s às %s.", params[0], params[1], params[2])
	}
	return fmt.Sprintf("Olá %s! Você tem uma consulta em %s às %s. Responda SIM para confirmar ou NÃO para cancelar.", params[0], params[1], params[2])
}

// settle records the outcome of a resend attempt on the existing row.
func (s *RetryScheduler) settle(ctx context.Context, entry *domain.LedgerEntry, attempt int, resp *provider.SendResponse, sendErr error) bool {
	if sendErr == nil {
		var messageID *string
		if resp != nil && resp.MessageID != "" {
			messageID = &resp.MessageID
		}
		if err := s.ledger.MarkSent(ctx, entry.ID, messageID); err != nil {
			s.logger.Error("resend committed but ledger update failed",
				zap.String("entryId", entry.ID),
				zap.Error(err),
			)
		}
		return true
	}

	var nextRetryAt *time.Time
	if attempt < s.cfg.MaxRetryCount {
		next := s.now().Add(backoffDelay(s.cfg.BackoffBase, attempt))
		nextRetryAt = &next
		s.metrics.IncRetryScheduled()
	}

	if err := s.ledger.MarkFailed(ctx, entry.ID, sendErr.Error(), nextRetryAt); err != nil {
		s.logger.Error("failed to record resend failure",
			zap.String("entryId", entry.ID),
			zap.Error(err),
		)
	}
	return false
}

// resolveAppointment re-reads the appointment before a template resend.
// Dangling or inactive references discard the entry so the scheduler
// never messages about appointments that no longer exist.
func (s *RetryScheduler) resolveAppointment(ctx context.Context, entry *domain.LedgerEntry) (*domain.Appointment, bool) {
	if entry.AppointmentID == nil {
		s.discard(ctx, entry, "entry has no appointment reference")
		return nil, false
	}

	appt, err := s.appointments.GetByID(ctx, *entry.AppointmentID)
	if errors.Is(err, domain.ErrNotFound) {
		s.discard(ctx, entry, "appointment no longer exists")
		return nil, false
	}
	if err != nil {
		// Transient store failure; leave the row for the next run.
		if markErr := s.ledger.MarkFailed(ctx, entry.ID, err.Error(), nil); markErr != nil {
			s.logger.Warn("failed to restore entry after lookup error",
				zap.String("entryId", entry.ID),
				zap.Error(markErr),
			)
		}
		return nil, false
	}
	if !appt.Dispatchable() {
		s.discard(ctx, entry, "appointment no longer active")
		return nil, false
	}
	return appt, true
}

func (s *RetryScheduler) discard(ctx context.Context, entry *domain.LedgerEntry, reason string) {
	s.logger.Info("discarding ledger entry",
		zap.String("entryId", entry.ID),
		zap.String("reason", reason),
	)
	if err := s.ledger.MarkDiscarded(ctx, entry.ID, reason); err != nil {
		s.logger.Warn("failed to discard entry",
			zap.String("entryId", entry.ID),
			zap.Error(err),
		)
	}
	s.metrics.IncEntryDiscarded()
}

// syncPhase reconciles recorded intents with the appointment store. The
// store is source of truth for appointment state; the ledger is source
// of truth for what the patient asked for. When they disagree, the
// patient's recorded intent is re-applied.
func (s *RetryScheduler) syncPhase(ctx context.Context) (processed, failed int, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	entries, err := s.ledger.FindForRetry(queryCtx,
		[]domain.Kind{domain.KindConfirmation, domain.KindCancellation},
		[]domain.LedgerStatus{domain.StatusConfirmed, domain.StatusCancelled},
		s.cfg.MaxRetryCount,
		s.cfg.BatchSize,
	)
	cancel()
	if err != nil {
		return 0, 0, err
	}

	for i := range entries {
		if ctx.Err() != nil {
			return processed, failed, nil
		}
		if s.syncEntry(ctx, &entries[i]) {
			processed++
		} else {
			failed++
		}
	}
	return processed, failed, nil
}

func (s *RetryScheduler) syncEntry(ctx context.Context, entry *domain.LedgerEntry) bool {
	syncedStatus, ok := domain.SyncedStatus(entry.Status)
	if !ok {
		return false
	}

	if entry.AppointmentID == nil {
		s.discard(ctx, entry, "intent entry has no appointment reference")
		return false
	}

	appt, err := s.appointments.GetByID(ctx, *entry.AppointmentID)
	if errors.Is(err, domain.ErrNotFound) {
		s.discard(ctx, entry, "appointment no longer exists")
		return false
	}
	if err != nil {
		s.rearm(ctx, entry)
		return false
	}

	if s.storeMatchesIntent(entry, appt) {
		return s.markSynced(ctx, entry, syncedStatus)
	}

	if err := s.applyIntent(ctx, entry, appt); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Confirm on an inactive appointment; the store state wins.
			s.discard(ctx, entry, "appointment no longer accepts the recorded intent")
			return false
		}
		s.logger.Warn("failed to re-apply recorded intent",
			zap.String("entryId", entry.ID),
			zap.Int64("appointmentId", appt.ID),
			zap.Error(err),
		)
		s.rearm(ctx, entry)
		return false
	}

	s.logger.Info("re-applied recorded intent",
		zap.String("entryId", entry.ID),
		zap.Int64("appointmentId", appt.ID),
		zap.String("status", entry.Status.String()),
	)
	return s.markSynced(ctx, entry, syncedStatus)
}

func (s *RetryScheduler) storeMatchesIntent(entry *domain.LedgerEntry, appt *domain.Appointment) bool {
	switch entry.Status {
	case domain.StatusConfirmed:
		return appt.Confirmed
	case domain.StatusCancelled:
		return !appt.Active
	}
	return false
}

func (s *RetryScheduler) applyIntent(ctx context.Context, entry *domain.LedgerEntry, appt *domain.Appointment) error {
	switch entry.Status {
	case domain.StatusConfirmed:
		return s.appointments.Confirm(ctx, appt.ID)
	case domain.StatusCancelled:
		return s.appointments.Cancel(ctx, appt.ID, "patient cancelled via message")
	}
	return fmt.Errorf("%w: status %q carries no intent", domain.ErrValidation, entry.Status)
}

func (s *RetryScheduler) markSynced(ctx context.Context, entry *domain.LedgerEntry, status domain.LedgerStatus) bool {
	if err := s.ledger.MarkSynced(ctx, entry.ID, status); err != nil {
		s.logger.Warn("failed to mark entry synced",
			zap.String("entryId", entry.ID),
			zap.Error(err),
		)
		return false
	}
	s.metrics.IncReconcileSynced(entry.Kind.String())
	return true
}

func (s *RetryScheduler) rearm(ctx context.Context, entry *domain.LedgerEntry) {
	next := s.now().Add(backoffDelay(s.cfg.BackoffBase, entry.RetryCount+1))
	if err := s.ledger.RearmSync(ctx, entry.ID, next); err != nil {
		s.logger.Warn("failed to re-arm sync entry",
			zap.String("entryId", entry.ID),
			zap.Error(err),
		)
	}
}

// backoffDelay is base * 2^(attempt-1): with the 90s default the ladder
// runs 90s, 180s, 360s.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	return base << shift
}
