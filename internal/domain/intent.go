package domain

// Intent is the classified purpose of an inbound message.
type Intent string

const (
	IntentConfirm Intent = "confirm"
	IntentCancel  Intent = "cancel"
	IntentNone    Intent = "none"
)

func (i Intent) String() string { return string(i) }

// LedgerKind maps a recognized intent to the ledger entry kind that records it.
func (i Intent) LedgerKind() (Kind, bool) {
	switch i {
	case IntentConfirm:
		return KindConfirmation, true
	case IntentCancel:
		return KindCancellation, true
	}
	return "", false
}

// LedgerStatus maps a recognized intent to its recorded-intent status.
func (i Intent) LedgerStatus() (LedgerStatus, bool) {
	switch i {
	case IntentConfirm:
		return StatusConfirmed, true
	case IntentCancel:
		return StatusCancelled, true
	}
	return "", false
}

// SyncedStatus maps a recorded intent status to its reconciled terminal
// status, used by the state-sync phase.
func SyncedStatus(s LedgerStatus) (LedgerStatus, bool) {
	switch s {
	case StatusConfirmed:
		return StatusConfirmedSynced, true
	case StatusCancelled:
		return StatusCancelledSynced, true
	}
	return "", false
}
