package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseKindFromString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"template", KindTemplate, false},
		{"  Reminder ", KindReminder, false},
		{"CONFIRMATION", KindConfirmation, false},
		{"status", KindStatus, false},
		{"bogus", "", true},
		{"", "", true},
	}

	for _, tc := range cases {
		got, err := ParseKindFromString(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrValidation) {
				t.Errorf("ParseKindFromString(%q): expected validation error, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseKindFromString(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseKindFromString(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLedgerStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []LedgerStatus{StatusSent, StatusDiscarded, StatusConfirmedSynced, StatusCancelledSynced}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	open := []LedgerStatus{StatusFailed, StatusRetrying, StatusConfirmed, StatusCancelled, StatusError, StatusDelivered, StatusRead}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestLedgerEntryValidate(t *testing.T) {
	t.Parallel()

	valid := LedgerEntry{
		PhoneKey:  "5511999990000",
		Kind:      KindTemplate,
		Status:    StatusSent,
		Direction: DirectionOutbound,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*LedgerEntry)
	}{
		{"missing phone key", func(e *LedgerEntry) { e.PhoneKey = "  " }},
		{"invalid kind", func(e *LedgerEntry) { e.Kind = "postcard" }},
		{"invalid status", func(e *LedgerEntry) { e.Status = "lost" }},
		{"invalid direction", func(e *LedgerEntry) { e.Direction = "sideways" }},
		{"negative retry count", func(e *LedgerEntry) { e.RetryCount = -1 }},
	}

	for _, tc := range cases {
		entry := valid
		tc.mutate(&entry)
		if err := entry.Validate(); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("á", MaxBodyLen+100)
	if got := TruncateBody(long); len([]rune(got)) != MaxBodyLen {
		t.Errorf("expected body clamped to %d runes, got %d", MaxBodyLen, len([]rune(got)))
	}

	short := "tudo certo"
	if got := TruncateBody(short); got != short {
		t.Errorf("short body must pass through, got %q", got)
	}

	longDetail := strings.Repeat("x", MaxErrorDetailLen*2)
	if got := TruncateErrorDetail(longDetail); len(got) != MaxErrorDetailLen {
		t.Errorf("expected detail clamped to %d, got %d", MaxErrorDetailLen, len(got))
	}
}

func TestSyncedStatus(t *testing.T) {
	t.Parallel()

	if got, ok := SyncedStatus(StatusConfirmed); !ok || got != StatusConfirmedSynced {
		t.Errorf("SyncedStatus(confirmed) = %q/%v", got, ok)
	}
	if got, ok := SyncedStatus(StatusCancelled); !ok || got != StatusCancelledSynced {
		t.Errorf("SyncedStatus(cancelled) = %q/%v", got, ok)
	}
	if _, ok := SyncedStatus(StatusSent); ok {
		t.Error("sent must not map to a synced status")
	}
}

func TestContactStrings(t *testing.T) {
	t.Parallel()

	appt := &Appointment{Contacts: "5511999990000;mae: 5511988887777;"}
	got := appt.ContactStrings()
	if len(got) != 2 {
		t.Fatalf("expected 2 contacts, got %d: %v", len(got), got)
	}
	if got[0] != "5511999990000" || got[1] != "mae: 5511988887777" {
		t.Errorf("unexpected contacts %v", got)
	}

	var nilAppt *Appointment
	if nilAppt.ContactStrings() != nil {
		t.Error("nil appointment must yield no contacts")
	}
}

func TestDispatchable(t *testing.T) {
	t.Parallel()

	active := &Appointment{ID: 1, Active: true, ScheduledAt: time.Now()}
	if !active.Dispatchable() {
		t.Error("active appointment must be dispatchable")
	}
	inactive := &Appointment{ID: 2, Active: false}
	if inactive.Dispatchable() {
		t.Error("inactive appointment must not be dispatchable")
	}
	var nilAppt *Appointment
	if nilAppt.Dispatchable() {
		t.Error("nil appointment must not be dispatchable")
	}
}
