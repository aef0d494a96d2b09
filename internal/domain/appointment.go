package domain

import "time"

// Appointment mirrors the externally owned appointment row. This service
// reads and mutates confirmed/active through the repository's narrow
// command surface; it never creates appointments.
type Appointment struct {
	ID          int64
	PatientName string
	Contacts    string
	ScheduledAt time.Time
	Confirmed   bool
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ContactStrings splits the raw contacts column. The upstream store packs
// one or more free-form contact strings separated by semicolons.
func (a *Appointment) ContactStrings() []string {
	if a == nil || a.Contacts == "" {
		return nil
	}
	parts := make([]string, 0, 2)
	start := 0
	for i := 0; i <= len(a.Contacts); i++ {
		if i == len(a.Contacts) || a.Contacts[i] == ';' {
			if i > start {
				parts = append(parts, a.Contacts[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// Dispatchable reports whether outbound sends are still allowed. Inactive
// appointments must never receive further dispatch attempts.
func (a *Appointment) Dispatchable() bool {
	return a != nil && a.Active
}
