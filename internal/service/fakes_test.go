package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/attendly/confirm-engine/internal/domain"
	"github.com/attendly/confirm-engine/internal/provider"
	"github.com/attendly/confirm-engine/internal/repository"
	"github.com/attendly/confirm-engine/internal/runstate"
	"github.com/google/uuid"
)

// fakeLedger is an in-memory LedgerRepository mirroring the persistence
// semantics the schedulers rely on: upsert on provider message id,
// retry-window filtering and session aggregation.
type fakeLedger struct {
	mu      sync.Mutex
	entries []*domain.LedgerEntry
	now     func() time.Time

	recordErr   error
	findErr     error
	findErrOnce bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{now: time.Now}
}

func (f *fakeLedger) byID(id string) *domain.LedgerEntry {
	for _, e := range f.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (f *fakeLedger) byProviderMessageID(pmid string) *domain.LedgerEntry {
	for _, e := range f.entries {
		if e.ProviderMessageID != nil && *e.ProviderMessageID == pmid {
			return e
		}
	}
	return nil
}

func (f *fakeLedger) insert(e *domain.LedgerEntry) *domain.LedgerEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := f.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	clone := *e
	f.entries = append(f.entries, &clone)
	return &clone
}

func (f *fakeLedger) RecordOutbound(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	e.Direction = domain.DirectionOutbound
	if e.ProviderMessageID != nil {
		if prior := f.byProviderMessageID(*e.ProviderMessageID); prior != nil {
			prior.Status = e.Status
			prior.ErrorDetail = e.ErrorDetail
			prior.LastAttemptAt = e.LastAttemptAt
			prior.UpdatedAt = f.now()
			clone := *prior
			return &clone, nil
		}
	}
	return f.insert(e), nil
}

func (f *fakeLedger) RecordInbound(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return nil, false, f.recordErr
	}
	e.Direction = domain.DirectionInbound
	if e.ProviderMessageID != nil {
		if prior := f.byProviderMessageID(*e.ProviderMessageID); prior != nil {
			clone := *prior
			return &clone, true, nil
		}
	}
	return f.insert(e), false, nil
}

func (f *fakeLedger) GetByID(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e := f.byID(id); e != nil {
		clone := *e
		return &clone, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeLedger) FindByProviderMessageID(ctx context.Context, pmid string) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e := f.byProviderMessageID(pmid); e != nil {
		clone := *e
		return &clone, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeLedger) FindForRetry(ctx context.Context, kinds []domain.Kind, statuses []domain.LedgerStatus, maxRetryCount, limit int) ([]domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		err := f.findErr
		if f.findErrOnce {
			f.findErr = nil
		}
		return nil, err
	}
	now := f.now()
	out := make([]domain.LedgerEntry, 0)
	for _, e := range f.entries {
		if !containsKind(kinds, e.Kind) || !containsStatus(statuses, e.Status) {
			continue
		}
		if e.RetryCount >= maxRetryCount {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLedger) FindRecent(ctx context.Context, kinds []domain.Kind, statuses []domain.LedgerStatus, lookback time.Duration, limit int) ([]domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.LedgerEntry, 0)
	for _, e := range f.entries {
		if containsKind(kinds, e.Kind) && (len(statuses) == 0 || containsStatus(statuses, e.Status)) {
			out = append(out, *e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLedger) LatestStatusFor(ctx context.Context, appointmentID int64) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		if e.AppointmentID != nil && *e.AppointmentID == appointmentID {
			clone := *e
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeLedger) LatestForPhone(ctx context.Context, phoneKey string) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].PhoneKey == phoneKey {
			clone := *f.entries[i]
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeLedger) HasSuccessfulEntryBetween(ctx context.Context, kind domain.Kind, start, end time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return false, f.findErr
	}
	for _, e := range f.entries {
		if e.Kind == kind && isSuccess(e.Status) && !e.CreatedAt.Before(start) && e.CreatedAt.Before(end) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) HasSuccessfulEntryFor(ctx context.Context, appointmentID int64, kind domain.Kind) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.AppointmentID != nil && *e.AppointmentID == appointmentID && e.Kind == kind && isSuccess(e.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) MarkRetrying(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.byID(id)
	if e == nil {
		return domain.ErrNotFound
	}
	e.Status = domain.StatusRetrying
	e.RetryCount++
	now := f.now()
	e.LastAttemptAt = &now
	e.UpdatedAt = now
	return nil
}

func (f *fakeLedger) MarkSent(ctx context.Context, id string, providerMessageID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.byID(id)
	if e == nil {
		return domain.ErrNotFound
	}
	e.Status = domain.StatusSent
	e.NextRetryAt = nil
	e.ErrorDetail = nil
	if providerMessageID != nil && *providerMessageID != "" {
		e.ProviderMessageID = providerMessageID
	}
	e.UpdatedAt = f.now()
	return nil
}

func (f *fakeLedger) MarkFailed(ctx context.Context, id string, errorDetail string, nextRetryAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.byID(id)
	if e == nil {
		return domain.ErrNotFound
	}
	e.Status = domain.StatusFailed
	detail := domain.TruncateErrorDetail(errorDetail)
	e.ErrorDetail = &detail
	e.NextRetryAt = nextRetryAt
	e.UpdatedAt = f.now()
	return nil
}

func (f *fakeLedger) MarkDiscarded(ctx context.Context, id string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.byID(id)
	if e == nil {
		return domain.ErrNotFound
	}
	e.Status = domain.StatusDiscarded
	detail := domain.TruncateErrorDetail(reason)
	e.ErrorDetail = &detail
	e.NextRetryAt = nil
	e.UpdatedAt = f.now()
	return nil
}

func (f *fakeLedger) MarkSynced(ctx context.Context, id string, status domain.LedgerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a synced status", domain.ErrValidation, status)
	}
	e := f.byID(id)
	if e == nil {
		return domain.ErrNotFound
	}
	e.Status = status
	e.NextRetryAt = nil
	e.UpdatedAt = f.now()
	return nil
}

func (f *fakeLedger) RearmSync(ctx context.Context, id string, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.byID(id)
	if e == nil {
		return domain.ErrNotFound
	}
	e.RetryCount++
	e.NextRetryAt = &nextRetryAt
	now := f.now()
	e.LastAttemptAt = &now
	e.UpdatedAt = now
	return nil
}

func (f *fakeLedger) UpdateDeliveryStatus(ctx context.Context, providerMessageID string, status domain.LedgerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.byProviderMessageID(providerMessageID)
	if e == nil {
		return domain.ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = f.now()
	return nil
}

func (f *fakeLedger) Session(ctx context.Context, phoneKey string) (*domain.ConversationSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session := &domain.ConversationSession{PhoneKey: phoneKey}
	for _, e := range f.entries {
		if e.PhoneKey != phoneKey {
			continue
		}
		t := e.CreatedAt
		switch e.Direction {
		case domain.DirectionInbound:
			if session.LastInboundAt == nil || t.After(*session.LastInboundAt) {
				tt := t
				session.LastInboundAt = &tt
			}
		case domain.DirectionOutbound:
			if session.LastOutboundAt == nil || t.After(*session.LastOutboundAt) {
				tt := t
				session.LastOutboundAt = &tt
			}
		}
		if session.LastMessageAt == nil || t.After(*session.LastMessageAt) {
			tt := t
			session.LastMessageAt = &tt
		}
	}
	return session, nil
}

func (f *fakeLedger) Threads(ctx context.Context, limit int) ([]repository.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byPhone := make(map[string]*repository.Thread)
	for _, e := range f.entries {
		t, ok := byPhone[e.PhoneKey]
		if !ok {
			t = &repository.Thread{PhoneKey: e.PhoneKey}
			byPhone[e.PhoneKey] = t
		}
		t.EntryCount++
		if e.CreatedAt.After(t.LastMessageAt) {
			t.LastMessageAt = e.CreatedAt
		}
	}
	out := make([]repository.Thread, 0, len(byPhone))
	for _, t := range byPhone {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLedger) MessagesForPhone(ctx context.Context, phoneKey string, limit int) ([]domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.LedgerEntry, 0)
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.entries[i].PhoneKey == phoneKey {
			out = append(out, *f.entries[i])
		}
	}
	return out, nil
}

func (f *fakeLedger) List(ctx context.Context, params repository.LedgerListParams) ([]domain.LedgerEntry, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.LedgerEntry, 0)
	for _, e := range f.entries {
		if params.Kind != nil && e.Kind != *params.Kind {
			continue
		}
		if params.Status != nil && e.Status != *params.Status {
			continue
		}
		if params.PhoneKey != nil && e.PhoneKey != *params.PhoneKey {
			continue
		}
		out = append(out, *e)
	}
	return out, int64(len(out)), nil
}

func (f *fakeLedger) all() []domain.LedgerEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.LedgerEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out
}

func containsKind(kinds []domain.Kind, k domain.Kind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func containsStatus(statuses []domain.LedgerStatus, s domain.LedgerStatus) bool {
	for _, status := range statuses {
		if status == s {
			return true
		}
	}
	return false
}

func isSuccess(s domain.LedgerStatus) bool {
	return s == domain.StatusSent || s == domain.StatusDelivered || s == domain.StatusRead
}

// fakeAppointments is an in-memory AppointmentRepository.
type fakeAppointments struct {
	mu           sync.Mutex
	appointments map[int64]*domain.Appointment
	ledger       *fakeLedger

	confirmCalls []int64
	cancelCalls  []int64
	confirmErr   error
	cancelErr    error
	listErr      error
	listErrOnce  bool
}

func newFakeAppointments(ledger *fakeLedger, appts ...*domain.Appointment) *fakeAppointments {
	f := &fakeAppointments{
		appointments: make(map[int64]*domain.Appointment),
		ledger:       ledger,
	}
	for _, a := range appts {
		clone := *a
		f.appointments[a.ID] = &clone
	}
	return f
}

func (f *fakeAppointments) GetByID(ctx context.Context, id int64) (*domain.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.appointments[id]; ok {
		clone := *a
		return &clone, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeAppointments) GetLatestPendingByPhone(ctx context.Context, phoneKey string) (*domain.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	suffix := phoneKey
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	var found *domain.Appointment
	for _, a := range f.appointments {
		if !a.Active || a.Confirmed || !strings.Contains(a.Contacts, suffix) {
			continue
		}
		if found == nil || a.ScheduledAt.After(found.ScheduledAt) {
			found = a
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	clone := *found
	return &clone, nil
}

func (f *fakeAppointments) Confirm(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls = append(f.confirmCalls, id)
	if f.confirmErr != nil {
		return f.confirmErr
	}
	a, ok := f.appointments[id]
	if !ok || !a.Active {
		return domain.ErrNotFound
	}
	a.Confirmed = true
	return nil
}

func (f *fakeAppointments) Cancel(ctx context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, id)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	a, ok := f.appointments[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Active = false
	a.Confirmed = false
	return nil
}

func (f *fakeAppointments) ListDueForDispatch(ctx context.Context, start, end time.Time, excludeLogged bool, limit int) ([]domain.Appointment, error) {
	return f.list(ctx, start, end, false, excludeLogged, domain.KindTemplate, limit)
}

func (f *fakeAppointments) ListDueForReminder(ctx context.Context, start, end time.Time, confirmedOnly, excludeLogged bool, limit int) ([]domain.Appointment, error) {
	return f.list(ctx, start, end, confirmedOnly, excludeLogged, domain.KindReminder, limit)
}

func (f *fakeAppointments) list(ctx context.Context, start, end time.Time, confirmedOnly, excludeLogged bool, kind domain.Kind, limit int) ([]domain.Appointment, error) {
	f.mu.Lock()
	if f.listErr != nil {
		err := f.listErr
		if f.listErrOnce {
			f.listErr = nil
		}
		f.mu.Unlock()
		return nil, err
	}
	candidates := make([]domain.Appointment, 0)
	for _, a := range f.appointments {
		if !a.Active {
			continue
		}
		if kind == domain.KindTemplate && a.Confirmed {
			continue
		}
		if confirmedOnly && !a.Confirmed {
			continue
		}
		if a.ScheduledAt.Before(start) || !a.ScheduledAt.Before(end) {
			continue
		}
		candidates = append(candidates, *a)
	}
	f.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt)
	})

	if excludeLogged && f.ledger != nil {
		filtered := candidates[:0]
		for _, a := range candidates {
			logged, err := f.ledger.HasSuccessfulEntryFor(ctx, a.ID, kind)
			if err != nil {
				return nil, err
			}
			if !logged {
				filtered = append(filtered, a)
			}
		}
		candidates = filtered
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// sendCall records one adapter invocation.
type sendCall struct {
	template *provider.TemplateRequest
	phone    string
	body     string
}

// fakeAdapter scripts provider responses: errs are consumed one per
// call, then sends succeed with generated message ids.
type fakeAdapter struct {
	mu        sync.Mutex
	calls     []sendCall
	errs      []error
	templates bool
	nextID    int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{templates: true}
}

func (f *fakeAdapter) failWith(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeAdapter) nextErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeAdapter) SendTemplate(ctx context.Context, req provider.TemplateRequest) (*provider.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{template: &req, phone: req.Phone})
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	f.nextID++
	return &provider.SendResponse{StatusCode: 200, MessageID: fmt.Sprintf("wamid-%d", f.nextID)}, nil
}

func (f *fakeAdapter) SendText(ctx context.Context, phone, body string) (*provider.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{phone: phone, body: body})
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	f.nextID++
	return &provider.SendResponse{StatusCode: 200, MessageID: fmt.Sprintf("wamid-%d", f.nextID)}, nil
}

func (f *fakeAdapter) SupportsTemplates() bool { return f.templates }

func (f *fakeAdapter) templateCalls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sendCall, 0)
	for _, c := range f.calls {
		if c.template != nil {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAdapter) textCalls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sendCall, 0)
	for _, c := range f.calls {
		if c.template == nil {
			out = append(out, c)
		}
	}
	return out
}

// memStateStore is an in-memory runstate.Store.
type memStateStore struct {
	mu      sync.Mutex
	reports map[string]runstate.Report
	saved   []runstate.Report
}

func newMemStateStore() *memStateStore {
	return &memStateStore{reports: make(map[string]runstate.Report)}
}

func (s *memStateStore) Save(ctx context.Context, report runstate.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.Scheduler] = report
	s.saved = append(s.saved, report)
	return nil
}

func (s *memStateStore) Load(ctx context.Context, scheduler string) (*runstate.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reports[scheduler]; ok {
		return &r, nil
	}
	return nil, nil
}

func (s *memStateStore) LoadAll(ctx context.Context, schedulers []string) ([]runstate.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runstate.Report, 0, len(schedulers))
	for _, name := range schedulers {
		if r, ok := s.reports[name]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestSender(ledger *fakeLedger, adapter *fakeAdapter) *Sender {
	return NewSender(ledger, adapter, nil, nil, nil, SenderConfig{
		SendTimeout:      time.Second,
		TemplateLanguage: "pt_BR",
		Location:         time.UTC,
	})
}
