package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/attendly/confirm-engine/internal/domain"
	"github.com/attendly/confirm-engine/internal/repository"
	"github.com/attendly/confirm-engine/internal/runstate"
	"go.uber.org/zap"
)

// schedulerNames are the run-state keys exposed to operators.
var schedulerNames = []string{"dispatch", "reminder", "retry"}

// OperatorService backs the operator HTTP surface: ledger browsing,
// conversation threads and manual replies. Manual replies honor the same
// session-window gate the schedulers do.
type OperatorService struct {
	ledger repository.LedgerRepository
	window *SessionWindow
	sender *Sender
	states runstate.Store
	logger *zap.Logger
}

func NewOperatorService(ledger repository.LedgerRepository, window *SessionWindow, sender *Sender, states runstate.Store, logger *zap.Logger) *OperatorService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OperatorService{
		ledger: ledger,
		window: window,
		sender: sender,
		states: states,
		logger: logger,
	}
}

// SendReply sends operator free text into an open conversation. Returns
// domain.ErrSessionClosed when the reply window has lapsed; the caller
// must fall back to a template flow instead.
func (s *OperatorService) SendReply(ctx context.Context, rawPhone, body string) (*domain.LedgerEntry, error) {
	phoneKey, err := domain.PhoneKey(rawPhone)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: message body is required", domain.ErrValidation)
	}

	open, err := s.window.IsOpen(ctx, phoneKey)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, domain.ErrSessionClosed
	}

	entry, err := s.sender.SendText(ctx, phoneKey, body, domain.KindText, nil)
	if err != nil {
		s.logger.Warn("operator reply failed",
			zap.String("phoneKey", phoneKey),
			zap.Error(err),
		)
	}
	return entry, err
}

func (s *OperatorService) ListLedger(ctx context.Context, params repository.LedgerListParams) ([]domain.LedgerEntry, int64, error) {
	return s.ledger.List(ctx, params)
}

func (s *OperatorService) Threads(ctx context.Context, limit int) ([]repository.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.ledger.Threads(ctx, limit)
}

func (s *OperatorService) ThreadMessages(ctx context.Context, rawPhone string, limit int) ([]domain.LedgerEntry, error) {
	phoneKey, err := domain.PhoneKey(rawPhone)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return s.ledger.MessagesForPhone(ctx, phoneKey, limit)
}

// LatestAppointmentStatus returns the newest ledger entry referencing
// the appointment, which tells an operator where its messaging stands.
func (s *OperatorService) LatestAppointmentStatus(ctx context.Context, appointmentID int64) (*domain.LedgerEntry, error) {
	if appointmentID <= 0 {
		return nil, fmt.Errorf("%w: appointment id must be positive", domain.ErrValidation)
	}
	return s.ledger.LatestStatusFor(ctx, appointmentID)
}

// RecentFailures lists outbound entries that ended failed or discarded
// within the lookback window.
func (s *OperatorService) RecentFailures(ctx context.Context, lookback time.Duration, limit int) ([]domain.LedgerEntry, error) {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if limit <= 0 {
		limit = 50
	}
	return s.ledger.FindRecent(ctx,
		[]domain.Kind{domain.KindTemplate, domain.KindReminder, domain.KindText},
		[]domain.LedgerStatus{domain.StatusFailed, domain.StatusDiscarded},
		lookback,
		limit,
	)
}

// SchedulerReports returns the last run report per scheduler; schedulers
// that have not run yet report idle.
func (s *OperatorService) SchedulerReports(ctx context.Context) ([]runstate.Report, error) {
	reports, err := s.states.LoadAll(ctx, schedulerNames)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]runstate.Report, len(reports))
	for _, r := range reports {
		byName[r.Scheduler] = r
	}

	out := make([]runstate.Report, 0, len(schedulerNames))
	for _, name := range schedulerNames {
		if r, ok := byName[name]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, runstate.Report{Scheduler: name, State: runstate.StateIdle})
	}
	return out, nil
}
