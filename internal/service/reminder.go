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

// ReminderConfig tunes the reminder scheduler.
type ReminderConfig struct {
	Lead          time.Duration
	ConfirmedOnly bool
	BatchSize     int
	TemplateName  string
	SendDelay     time.Duration
	QueryTimeout  time.Duration
}

// ReminderScheduler sends the day-before reminder template. Unlike
// dispatch there is no system-wide daily gate; dedup is per appointment,
// so a reminder for a late-booked appointment still goes out.
type ReminderScheduler struct {
	appointments repository.AppointmentRepository
	ledger       repository.LedgerRepository
	sender       *Sender
	logger       *zap.Logger
	cfg          ReminderConfig
	now          func() time.Time
}

func NewReminderScheduler(appointments repository.AppointmentRepository, ledger repository.LedgerRepository, sender *Sender, cfg ReminderConfig, logger *zap.Logger) *ReminderScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	return &ReminderScheduler{
		appointments: appointments,
		ledger:       ledger,
		sender:       sender,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
	}
}

func (s *ReminderScheduler) Name() string { return "reminder" }

func (s *ReminderScheduler) Run(ctx context.Context) RunResult {
	now := s.now()
	start := now
	end := now.Add(s.cfg.Lead)

	candidates, perCandidateCheck, err := s.selectCandidates(ctx, start, end)
	if err != nil {
		return RunResult{State: runstate.StateErrored, Detail: fmt.Sprintf("candidate selection: %v", err)}
	}
	if len(candidates) == 0 {
		return RunResult{State: runstate.StateCompleted, Detail: "no reminders due"}
	}

	s.logger.Info("dispatching reminders", zap.Int("candidates", len(candidates)))

	var processed, failed int
	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		appt := &candidates[i]

		if perCandidateCheck {
			sent, err := s.ledger.HasSuccessfulEntryFor(ctx, appt.ID, domain.KindReminder)
			if err != nil {
				failed++
				continue
			}
			if sent {
				continue
			}
		}

		phoneKey, err := domain.FirstUsablePhone(appt.ContactStrings())
		if err != nil {
			s.sender.RecordNoPhone(ctx, appt.ID, domain.KindReminder)
			failed++
			continue
		}

		if _, err := s.sender.SendTemplate(ctx, appt, phoneKey, domain.KindReminder, s.cfg.TemplateName); err != nil {
			s.logger.Warn("reminder send failed",
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

	result := RunResult{State: runstate.StateCompleted, Processed: processed, Failed: failed}
	if ctx.Err() != nil {
		result.Detail = "canceled mid-batch"
	}
	return result
}

func (s *ReminderScheduler) selectCandidates(ctx context.Context, start, end time.Time) ([]domain.Appointment, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	candidates, err := s.appointments.ListDueForReminder(queryCtx, start, end, s.cfg.ConfirmedOnly, true, s.cfg.BatchSize)
	cancel()
	if err == nil {
		return candidates, false, nil
	}

	s.logger.Warn("joined reminder query failed, retrying without ledger join", zap.Error(err))

	queryCtx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
	candidates, err = s.appointments.ListDueForReminder(queryCtx, start, end, s.cfg.ConfirmedOnly, false, s.cfg.BatchSize)
	cancel()
	if err != nil {
		return nil, false, err
	}
	return candidates, true, nil
}
