package repository

import (
	"time"

	"github.com/attendly/confirm-engine/internal/domain"
)

// LedgerEntryModel is the persistence model for the message_ledger table.
type LedgerEntryModel struct {
	ID                string              `gorm:"type:uuid;primaryKey"`
	AppointmentID     *int64              `gorm:"index"`
	PhoneKey          string              `gorm:"type:varchar(20);not null;index"`
	ProviderMessageID *string             `gorm:"type:varchar(255);uniqueIndex"`
	Kind              domain.Kind         `gorm:"type:varchar(16);not null;index"`
	TemplateName      *string             `gorm:"type:varchar(128)"`
	Status            domain.LedgerStatus `gorm:"type:varchar(20);not null;index"`
	Direction         domain.Direction    `gorm:"type:varchar(10);not null"`
	Body              *string             `gorm:"type:text"`
	ErrorDetail       *string             `gorm:"type:text"`
	RetryCount        int                 `gorm:"not null;default:0"`
	NextRetryAt       *time.Time          `gorm:"index"`
	LastAttemptAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (LedgerEntryModel) TableName() string {
	return "message_ledger"
}

// AppointmentModel maps the externally owned appointments table. Only the
// columns this service reads or mutates are declared; the table itself is
// never migrated here.
type AppointmentModel struct {
	ID          int64     `gorm:"primaryKey"`
	PatientName string    `gorm:"column:patient_name"`
	Contacts    string    `gorm:"column:contacts"`
	ScheduledAt time.Time `gorm:"column:scheduled_at"`
	Confirmed   bool      `gorm:"column:confirmed"`
	Active      bool      `gorm:"column:active"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (AppointmentModel) TableName() string {
	return "appointments"
}

func ledgerModelFromDomain(e *domain.LedgerEntry) *LedgerEntryModel {
	if e == nil {
		return nil
	}

	return &LedgerEntryModel{
		ID:                e.ID,
		AppointmentID:     e.AppointmentID,
		PhoneKey:          e.PhoneKey,
		ProviderMessageID: e.ProviderMessageID,
		Kind:              e.Kind,
		TemplateName:      e.TemplateName,
		Status:            e.Status,
		Direction:         e.Direction,
		Body:              e.Body,
		ErrorDetail:       e.ErrorDetail,
		RetryCount:        e.RetryCount,
		NextRetryAt:       e.NextRetryAt,
		LastAttemptAt:     e.LastAttemptAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func ledgerModelToDomain(m *LedgerEntryModel) *domain.LedgerEntry {
	if m == nil {
		return nil
	}

	return &domain.LedgerEntry{
		ID:                m.ID,
		AppointmentID:     m.AppointmentID,
		PhoneKey:          m.PhoneKey,
		ProviderMessageID: m.ProviderMessageID,
		Kind:              m.Kind,
		TemplateName:      m.TemplateName,
		Status:            m.Status,
		Direction:         m.Direction,
		Body:              m.Body,
		ErrorDetail:       m.ErrorDetail,
		RetryCount:        m.RetryCount,
		NextRetryAt:       m.NextRetryAt,
		LastAttemptAt:     m.LastAttemptAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func appointmentModelToDomain(m *AppointmentModel) *domain.Appointment {
	if m == nil {
		return nil
	}

	return &domain.Appointment{
		ID:          m.ID,
		PatientName: m.PatientName,
		Contacts:    m.Contacts,
		ScheduledAt: m.ScheduledAt,
		Confirmed:   m.Confirmed,
		Active:      m.Active,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
