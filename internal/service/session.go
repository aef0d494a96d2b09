package service

import (
	"context"
	"time"

	"github.com/attendly/confirm-engine/internal/repository"
)

// SessionWindow decides whether the provider's customer-service reply
// window is open for a phone key. The window is derived from ledger rows
// on every call; nothing is cached, so an inbound message opens it
// immediately.
type SessionWindow struct {
	ledger repository.LedgerRepository
	window time.Duration
	now    func() time.Time
}

func NewSessionWindow(ledger repository.LedgerRepository, window time.Duration) *SessionWindow {
	return &SessionWindow{
		ledger: ledger,
		window: window,
		now:    time.Now,
	}
}

// IsOpen reports whether free-form text may be sent to the phone key.
func (w *SessionWindow) IsOpen(ctx context.Context, phoneKey string) (bool, error) {
	session, err := w.ledger.Session(ctx, phoneKey)
	if err != nil {
		return false, err
	}
	return session.OpenAt(w.now(), w.window), nil
}
