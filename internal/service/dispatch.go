package service

import (
	"context"
	"fmt"
	"time"

	"github.com/attendly/confirm-engine/internal/domain"
	"github.com/attendly/confirm-engine/internal/repository"
	"github.com/attendly/confirm-engine/internal/runstate"
	"go.uber.org/zap"
)

// DispatchConfig tunes the confirmation-template scheduler.
type DispatchConfig struct {
	LeadDays     int
	BatchSize    int
	TemplateName string
	SendDelay    time.Duration
	QueryTimeout time.Duration
	Location     *time.Location
}

// DispatchScheduler sends the initial confirmation template to
// appointments scheduled LeadDays ahead. At most one batch goes out per
// calendar day in the configured zone; the ledger is the dedup record.
type DispatchScheduler struct {
	appointments repository.AppointmentRepository
	ledger       repository.LedgerRepository
	sender       *Sender
	logger       *zap.Logger
	cfg          DispatchConfig
	now          func() time.Time
}

func NewDispatchScheduler(appointments repository.AppointmentRepository, ledger repository.LedgerRepository, sender *Sender, cfg DispatchConfig, logger *zap.Logger) *DispatchScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	return &DispatchScheduler{
		appointments: appointments,
		ledger:       ledger,
		sender:       sender,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
	}
}

func (s *DispatchScheduler) Name() string { return "dispatch" }

func (s *DispatchScheduler) Run(ctx context.Context) RunResult {
	now := s.now().In(s.cfg.Location)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.cfg.Location)
	dayEnd := dayStart.Add(24 * time.Hour)

	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	dispatched, err := s.ledger.HasSuccessfulEntryBetween(queryCtx, domain.KindTemplate, dayStart, dayEnd)
	cancel()
	if err != nil {
		return RunResult{State: runstate.StateErrored, Detail: fmt.Sprintf("daily dedup check: %v", err)}
	}
	if dispatched {
		return RunResult{State: runstate.StateSkipped, Detail: "confirmations already dispatched today"}
	}

	targetStart := dayStart.AddDate(0, 0, s.cfg.LeadDays)
	targetEnd := targetStart.Add(24 * time.Hour)

	candidates, perCandidateCheck, err := s.selectCandidates(ctx, targetStart, targetEnd)
	if err != nil {
		return RunResult{State: runstate.StateErrored, Detail: fmt.Sprintf("candidate selection: %v", err)}
	}
	if len(candidates) == 0 {
		return RunResult{State: runstate.StateCompleted, Detail: "no appointments due"}
	}

	s.logger.Info("dispatching confirmation templates",
		zap.Int("candidates", len(candidates)),
		zap.Time("targetStart", targetStart),
	)

	processed, failed := s.sendBatch(ctx, candidates, perCandidateCheck)

	result := RunResult{State: runstate.StateCompleted, Processed: processed, Failed: failed}
	if ctx.Err() != nil {
		result.Detail = "canceled mid-batch"
	}
	return result
}

// selectCandidates tries the ledger-joined query first and falls back to
// the plain selection with per-candidate dedup when the join exceeds its
// time budget. The fallback keeps a slow ledger from blocking dispatch.
func (s *DispatchScheduler) selectCandidates(ctx context.Context, start, end time.Time) ([]domain.Appointment, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	candidates, err := s.appointments.ListDueForDispatch(queryCtx, start, end, true, s.cfg.BatchSize)
	cancel()
	if err == nil {
		return candidates, false, nil
	}

	s.logger.Warn("joined candidate query failed, retrying without ledger join", zap.Error(err))

	queryCtx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
	candidates, err = s.appointments.ListDueForDispatch(queryCtx, start, end, false, s.cfg.BatchSize)
	cancel()
	if err != nil {
		return nil, false, err
	}
	return candidates, true, nil
}

// sendBatch walks candidates sequentially with a fixed delay between
// provider calls. Per-candidate failures are counted, never fatal.
func (s *DispatchScheduler) sendBatch(ctx context.Context, candidates []domain.Appointment, perCandidateCheck bool) (processed, failed int) {
	for i := range candidates {
		if ctx.Err() != nil {
			return processed, failed
		}
		appt := &candidates[i]

		if perCandidateCheck {
			sent, err := s.ledger.HasSuccessfulEntryFor(ctx, appt.ID, domain.KindTemplate)
			if err != nil {
				s.logger.Warn("per-candidate dedup check failed, skipping",
					zap.Int64("appointmentId", appt.ID),
					zap.Error(err),
				)
				failed++
				continue
			}
			if sent {
				continue
			}
		}

		phoneKey, err := domain.FirstUsablePhone(appt.ContactStrings())
		if err != nil {
			s.logger.Warn("appointment has no usable phone",
				zap.Int64("appointmentId", appt.ID),
			)
			s.sender.RecordNoPhone(ctx, appt.ID, domain.KindTemplate)
			failed++
			continue
		}

		if _, err := s.sender.SendTemplate(ctx, appt, phoneKey, domain.KindTemplate, s.cfg.TemplateName); err != nil {
			s.logger.Warn("confirmation send failed",
				zap.Int64("appointmentId", appt.ID),
				zap.String("phoneKey", phoneKey),
				zap.Error(err),
			)
			failed++
		} else {
			processed++
		}

		if i < len(candidates)-1 {
			pause(ctx, s.cfg.SendDelay)
		}
	}
	return processed, failed
}
