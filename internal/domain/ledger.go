package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies what a ledger entry records.
type Kind string

const (
	KindTemplate     Kind = "template"
	KindReminder     Kind = "reminder"
	KindText         Kind = "text"
	KindConfirmation Kind = "confirmation"
	KindCancellation Kind = "cancellation"
	KindStatus       Kind = "status"
)

func (k Kind) String() string { return string(k) }

func (k Kind) IsValid() bool {
	switch k {
	case KindTemplate, KindReminder, KindText, KindConfirmation, KindCancellation, KindStatus:
		return true
	}
	return false
}

func ParseKindFromString(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: invalid kind %q", ErrValidation, s)
	}
	return k, nil
}

// LedgerStatus represents the delivery or intent state of a ledger entry.
type LedgerStatus string

const (
	StatusSent            LedgerStatus = "sent"
	StatusDelivered       LedgerStatus = "delivered"
	StatusRead            LedgerStatus = "read"
	StatusFailed          LedgerStatus = "failed"
	StatusRetrying        LedgerStatus = "retrying"
	StatusDiscarded       LedgerStatus = "discarded"
	StatusConfirmed       LedgerStatus = "confirmed"
	StatusCancelled       LedgerStatus = "cancelled"
	StatusConfirmedSynced LedgerStatus = "confirmed_synced"
	StatusCancelledSynced LedgerStatus = "cancelled_synced"
	StatusError           LedgerStatus = "error"
)

func (s LedgerStatus) String() string { return string(s) }

func (s LedgerStatus) IsValid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusRetrying,
		StatusDiscarded, StatusConfirmed, StatusCancelled,
		StatusConfirmedSynced, StatusCancelledSynced, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether no further retry bookkeeping applies; the
// next_retry_at column must be cleared when a row reaches one of these.
func (s LedgerStatus) IsTerminal() bool {
	switch s {
	case StatusSent, StatusDiscarded, StatusConfirmedSynced, StatusCancelledSynced:
		return true
	}
	return false
}

func ParseLedgerStatusFromString(s string) (LedgerStatus, error) {
	st := LedgerStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// RetryableStatuses are the ledger states eligible for the resend phase.
func RetryableStatuses() []LedgerStatus {
	return []LedgerStatus{StatusFailed, StatusError}
}

// Direction distinguishes outbound attempts from inbound intents.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

func (d Direction) String() string { return string(d) }

func (d Direction) IsValid() bool {
	return d == DirectionOutbound || d == DirectionInbound
}

// Truncation limits for free-text and provider error payloads.
const (
	MaxBodyLen        = 1024
	MaxErrorDetailLen = 2048
)

// LedgerEntry is one durable record of an outbound send attempt or a
// classified inbound event. Rows are mutated in place by delivery receipts
// and the retry scheduler; they are never deleted.
type LedgerEntry struct {
	ID                string
	AppointmentID     *int64
	PhoneKey          string
	ProviderMessageID *string
	Kind              Kind
	TemplateName      *string
	Status            LedgerStatus
	Direction         Direction
	Body              *string
	ErrorDetail       *string
	RetryCount        int
	NextRetryAt       *time.Time
	LastAttemptAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (e *LedgerEntry) Validate() error {
	if strings.TrimSpace(e.PhoneKey) == "" {
		return fmt.Errorf("%w: phone key is required", ErrValidation)
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("%w: invalid kind %q", ErrValidation, e.Kind)
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, e.Status)
	}
	if !e.Direction.IsValid() {
		return fmt.Errorf("%w: invalid direction %q", ErrValidation, e.Direction)
	}
	if e.RetryCount < 0 {
		return fmt.Errorf("%w: retry count must be >= 0", ErrValidation)
	}
	return nil
}

// TruncateBody clamps free text to the stored limit.
func TruncateBody(s string) string {
	return truncateRunes(s, MaxBodyLen)
}

// TruncateErrorDetail clamps provider error payloads to the stored limit.
func TruncateErrorDetail(s string) string {
	return truncateRunes(s, MaxErrorDetailLen)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
