package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attendly/confirm-engine/internal/domain"
	"github.com/attendly/confirm-engine/internal/runstate"
)

func seedInboundAt(t *testing.T, ledger *fakeLedger, phoneKey string, at time.Time) {
	t.Helper()

	prev := ledger.now
	ledger.now = func() time.Time { return at }
	defer func() { ledger.now = prev }()

	pmid := "wamid-" + at.Format("150405.000000000")
	if _, _, err := ledger.RecordInbound(context.Background(), &domain.LedgerEntry{
		PhoneKey:          phoneKey,
		ProviderMessageID: &pmid,
		Kind:              domain.KindText,
		Status:            domain.StatusDelivered,
	}); err != nil {
		t.Fatalf("seeding inbound entry: %v", err)
	}
}

func TestSessionWindowBoundary(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		inboundAt time.Time
		seed      bool
		want      bool
	}{
		{"just inside the window", now.Add(-24*time.Hour + time.Second), true, true},
		{"exactly at the window edge", now.Add(-24 * time.Hour), true, true},
		{"just outside the window", now.Add(-24*time.Hour - time.Second), true, false},
		{"no inbound message at all", time.Time{}, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ledger := newFakeLedger()
			if tc.seed {
				seedInboundAt(t, ledger, "5511999990000", tc.inboundAt)
			}

			window := NewSessionWindow(ledger, 24*time.Hour)
			window.now = func() time.Time { return now }

			open, err := window.IsOpen(context.Background(), "5511999990000")
			if err != nil {
				t.Fatal(err)
			}
			if open != tc.want {
				t.Fatalf("expected open=%v, got %v", tc.want, open)
			}
		})
	}
}

func TestSessionWindowIgnoresOutboundOnly(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	pmid := "wamid-out-1"
	if _, err := ledger.RecordOutbound(context.Background(), &domain.LedgerEntry{
		PhoneKey:          "5511988887777",
		ProviderMessageID: &pmid,
		Kind:              domain.KindTemplate,
		Status:            domain.StatusSent,
	}); err != nil {
		t.Fatal(err)
	}

	window := NewSessionWindow(ledger, 24*time.Hour)
	open, err := window.IsOpen(context.Background(), "5511988887777")
	if err != nil {
		t.Fatal(err)
	}
	if open {
		t.Error("outbound traffic alone must not open the session window")
	}
}

func TestOperatorReplyRejectedWhenSessionClosed(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	adapter := newFakeAdapter()
	operator := NewOperatorService(ledger, NewSessionWindow(ledger, 24*time.Hour), newTestSender(ledger, adapter), newMemStateStore(), nil)

	_, err := operator.SendReply(context.Background(), "5511977776666", "sua receita está pronta")
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if len(adapter.textCalls()) != 0 {
		t.Error("expected no send when the window is closed")
	}
}

func TestOperatorReplySendsWhenSessionOpen(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	seedInboundAt(t, ledger, "5511966665555", time.Now().Add(-time.Hour))

	adapter := newFakeAdapter()
	operator := NewOperatorService(ledger, NewSessionWindow(ledger, 24*time.Hour), newTestSender(ledger, adapter), newMemStateStore(), nil)

	entry, err := operator.SendReply(context.Background(), "+55 (11) 96666-5555", "sua receita está pronta")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != domain.StatusSent {
		t.Fatalf("expected sent entry, got %s", entry.Status)
	}
	if entry.PhoneKey != "5511966665555" {
		t.Errorf("expected canonical phone key, got %q", entry.PhoneKey)
	}
	if got := len(adapter.textCalls()); got != 1 {
		t.Fatalf("expected 1 text send, got %d", got)
	}
}

func TestOperatorLatestAppointmentStatus(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	apptID := int64(42)
	pmid1, pmid2 := "wamid-status-1", "wamid-status-2"
	for _, e := range []*domain.LedgerEntry{
		{AppointmentID: &apptID, PhoneKey: "5511999990000", ProviderMessageID: &pmid1, Kind: domain.KindTemplate, Status: domain.StatusSent},
		{AppointmentID: &apptID, PhoneKey: "5511999990000", ProviderMessageID: &pmid2, Kind: domain.KindConfirmation, Status: domain.StatusConfirmed},
	} {
		if _, err := ledger.RecordOutbound(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}

	operator := NewOperatorService(ledger, NewSessionWindow(ledger, 24*time.Hour), newTestSender(ledger, newFakeAdapter()), newMemStateStore(), nil)

	latest, err := operator.LatestAppointmentStatus(context.Background(), apptID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Kind != domain.KindConfirmation {
		t.Errorf("expected the newest entry, got kind %s", latest.Kind)
	}

	if _, err := operator.LatestAppointmentStatus(context.Background(), 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown appointment, got %v", err)
	}
	if _, err := operator.LatestAppointmentStatus(context.Background(), 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for zero id, got %v", err)
	}
}

func TestOperatorRecentFailures(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	pmidOK, pmidFail := "wamid-rf-1", "wamid-rf-2"
	for _, e := range []*domain.LedgerEntry{
		{PhoneKey: "5511999990000", ProviderMessageID: &pmidOK, Kind: domain.KindTemplate, Status: domain.StatusSent},
		{PhoneKey: "5511988887777", ProviderMessageID: &pmidFail, Kind: domain.KindReminder, Status: domain.StatusFailed},
	} {
		if _, err := ledger.RecordOutbound(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}

	operator := NewOperatorService(ledger, NewSessionWindow(ledger, 24*time.Hour), newTestSender(ledger, newFakeAdapter()), newMemStateStore(), nil)

	failures, err := operator.RecentFailures(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
	if failures[0].Status != domain.StatusFailed {
		t.Errorf("expected failed entry, got %s", failures[0].Status)
	}
}

func TestOperatorSchedulerReportsDefaultToIdle(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	store := newMemStateStore()
	if err := store.Save(context.Background(), runstate.Report{
		Scheduler: "dispatch",
		State:     runstate.StateCompleted,
		Processed: 5,
	}); err != nil {
		t.Fatal(err)
	}

	operator := NewOperatorService(ledger, NewSessionWindow(ledger, 24*time.Hour), newTestSender(ledger, newFakeAdapter()), store, nil)

	reports, err := operator.SchedulerReports(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 scheduler reports, got %d", len(reports))
	}

	byName := make(map[string]runstate.Report)
	for _, r := range reports {
		byName[r.Scheduler] = r
	}
	if byName["dispatch"].State != runstate.StateCompleted {
		t.Errorf("expected dispatch completed, got %s", byName["dispatch"].State)
	}
	if byName["retry"].State != runstate.StateIdle {
		t.Errorf("expected retry idle, got %s", byName["retry"].State)
	}
}
