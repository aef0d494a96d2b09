package repository

import (
	"context"
	"errors"
	"time"

	"github.com/attendly/confirm-engine/internal/domain"
	"gorm.io/gorm"
)

// AppointmentRepository is the narrow command/query surface over the
// externally owned appointment store. The confirmed/active flags are the
// only columns this service mutates.
type AppointmentRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Appointment, error)
	GetLatestPendingByPhone(ctx context.Context, phoneKey string) (*domain.Appointment, error)
	Confirm(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64, reason string) error
	// ListDueForDispatch selects active, unconfirmed appointments
	// scheduled inside [start, end). With excludeLogged the query joins
	// out appointments that already hold a successful template entry;
	// callers fall back to excludeLogged=false when the joined query
	// exceeds its time budget.
	ListDueForDispatch(ctx context.Context, start, end time.Time, excludeLogged bool, limit int) ([]domain.Appointment, error)
	ListDueForReminder(ctx context.Context, start, end time.Time, confirmedOnly, excludeLogged bool, limit int) ([]domain.Appointment, error)
}

type GormAppointmentRepo struct {
	db *gorm.DB
}

func NewGormAppointmentRepo(db *gorm.DB) *GormAppointmentRepo {
	return &GormAppointmentRepo{db: db}
}

func (r *GormAppointmentRepo) GetByID(ctx context.Context, id int64) (*domain.Appointment, error) {
	var model AppointmentModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return appointmentModelToDomain(&model), nil
}

func (r *GormAppointmentRepo) GetLatestPendingByPhone(ctx context.Context, phoneKey string) (*domain.Appointment, error) {
	// Contacts are stored as raw free-form strings; match on the last
	// eight digits so formatting and country-code differences do not
	// hide the row.
	suffix := phoneKey
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}

	var model AppointmentModel
	err := r.db.WithContext(ctx).
		Where("active = ? AND confirmed = ?", true, false).
		Where("contacts LIKE ?", "%"+suffix+"%").
		Order("scheduled_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return appointmentModelToDomain(&model), nil
}

func (r *GormAppointmentRepo) Confirm(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&AppointmentModel{}).
		Where("id = ? AND active = ?", id, true).
		Update("confirmed", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormAppointmentRepo) Cancel(ctx context.Context, id int64, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&AppointmentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"active":    false,
			"confirmed": false,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	_ = reason // the upstream store has no cancellation-reason column
	return nil
}

func (r *GormAppointmentRepo) ListDueForDispatch(ctx context.Context, start, end time.Time, excludeLogged bool, limit int) ([]domain.Appointment, error) {
	query := r.db.WithContext(ctx).
		Where("active = ? AND confirmed = ?", true, false).
		Where("scheduled_at >= ? AND scheduled_at < ?", start, end)

	if excludeLogged {
		query = query.Where(
			"id NOT IN (?)",
			r.db.Model(&LedgerEntryModel{}).
				Select("appointment_id").
				Where("appointment_id IS NOT NULL").
				Where("kind = ?", domain.KindTemplate).
				Where("status IN ?", successStatuses()),
		)
	}

	var models []AppointmentModel
	err := query.
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return appointmentModelsToDomain(models), nil
}

func (r *GormAppointmentRepo) ListDueForReminder(ctx context.Context, start, end time.Time, confirmedOnly, excludeLogged bool, limit int) ([]domain.Appointment, error) {
	query := r.db.WithContext(ctx).
		Where("active = ?", true).
		Where("scheduled_at >= ? AND scheduled_at < ?", start, end)

	if confirmedOnly {
		query = query.Where("confirmed = ?", true)
	}
	if excludeLogged {
		query = query.Where(
			"id NOT IN (?)",
			r.db.Model(&LedgerEntryModel{}).
				Select("appointment_id").
				Where("appointment_id IS NOT NULL").
				Where("kind = ?", domain.KindReminder).
				Where("status IN ?", successStatuses()),
		)
	}

	var models []AppointmentModel
	err := query.
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return appointmentModelsToDomain(models), nil
}

func appointmentModelsToDomain(models []AppointmentModel) []domain.Appointment {
	appointments := make([]domain.Appointment, 0, len(models))
	for i := range models {
		appointments = append(appointments, *appointmentModelToDomain(&models[i]))
	}
	return appointments
}
