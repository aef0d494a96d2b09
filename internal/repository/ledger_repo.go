package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/attendly/confirm-engine/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerListParams filters the operator-facing ledger listing.
type LedgerListParams struct {
	Kind     *domain.Kind
	Status   *domain.LedgerStatus
	PhoneKey *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// Thread is one conversation grouped by phone key, most recent first.
type Thread struct {
	PhoneKey      string    `gorm:"column:phone_key"`
	EntryCount    int64     `gorm:"column:entry_count"`
	LastMessageAt time.Time `gorm:"column:last_message_at"`
}

// LedgerRepository is the single write/read surface for the message
// ledger. All scheduler and resolver mutation goes through it so retry
// and dedup logic has one place to reason about state.
type LedgerRepository interface {
	// RecordOutbound upserts keyed by provider message id; entries
	// without one (failure placeholders) insert unconditionally.
	RecordOutbound(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, error)
	// RecordInbound upserts keyed by the provider event id carried in
	// ProviderMessageID. Returns gorm-stored row and whether it already
	// existed, which is the webhook replay dedup signal.
	RecordInbound(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, bool, error)
	GetByID(ctx context.Context, id string) (*domain.LedgerEntry, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.LedgerEntry, error)
	FindForRetry(ctx context.Context, kinds []domain.Kind, statuses []domain.LedgerStatus, maxRetryCount, limit int) ([]domain.LedgerEntry, error)
	FindRecent(ctx context.Context, kinds []domain.Kind, statuses []domain.LedgerStatus, lookback time.Duration, limit int) ([]domain.LedgerEntry, error)
	LatestStatusFor(ctx context.Context, appointmentID int64) (*domain.LedgerEntry, error)
	LatestForPhone(ctx context.Context, phoneKey string) (*domain.LedgerEntry, error)
	HasSuccessfulEntryBetween(ctx context.Context, kind domain.Kind, start, end time.Time) (bool, error)
	HasSuccessfulEntryFor(ctx context.Context, appointmentID int64, kind domain.Kind) (bool, error)
	MarkRetrying(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string, providerMessageID *string) error
	MarkFailed(ctx context.Context, id string, errorDetail string, nextRetryAt *time.Time) error
	MarkDiscarded(ctx context.Context, id string, reason string) error
	MarkSynced(ctx context.Context, id string, status domain.LedgerStatus) error
	// RearmSync bumps retry bookkeeping on a recorded-intent row whose
	// store write failed, keeping the intent status so the state-sync
	// phase picks it up again after the backoff.
	RearmSync(ctx context.Context, id string, nextRetryAt time.Time) error
	UpdateDeliveryStatus(ctx context.Context, providerMessageID string, status domain.LedgerStatus) error
	Session(ctx context.Context, phoneKey string) (*domain.ConversationSession, error)
	Threads(ctx context.Context, limit int) ([]Thread, error)
	MessagesForPhone(ctx context.Context, phoneKey string, limit int) ([]domain.LedgerEntry, error)
	List(ctx context.Context, params LedgerListParams) ([]domain.LedgerEntry, int64, error)
}

type GormLedgerRepo struct {
	db *gorm.DB
}

func NewGormLedgerRepo(db *gorm.DB) *GormLedgerRepo {
	return &GormLedgerRepo{db: db}
}

func (r *GormLedgerRepo) RecordOutbound(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: ledger entry is required", domain.ErrValidation)
	}
	e.Direction = domain.DirectionOutbound
	return r.upsert(ctx, e)
}

func (r *GormLedgerRepo) RecordInbound(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, bool, error) {
	if e == nil {
		return nil, false, fmt.Errorf("%w: ledger entry is required", domain.ErrValidation)
	}
	e.Direction = domain.DirectionInbound

	if e.ProviderMessageID == nil {
		stored, err := r.upsert(ctx, e)
		return stored, false, err
	}

	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	if err := e.Validate(); err != nil {
		return nil, false, err
	}

	// Insert-or-nothing on the unique index, so concurrent deliveries of
	// the same event serialize in the database rather than on a racy
	// pre-read. Zero rows affected means another delivery won the insert
	// and this one is a replay.
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_message_id"}},
			DoNothing: true,
		}).
		Create(ledgerModelFromDomain(e))
	if result.Error != nil {
		return nil, false, result.Error
	}
	existed := result.RowsAffected == 0

	stored, err := r.FindByProviderMessageID(ctx, *e.ProviderMessageID)
	if err != nil {
		return nil, existed, err
	}
	return stored, existed, nil
}

// upsert inserts the entry, updating the existing row when the provider
// message id collides. The unique index on provider_message_id is the
// serialization point under concurrent webhook delivery.
func (r *GormLedgerRepo) upsert(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	model := ledgerModelFromDomain(e)

	tx := r.db.WithContext(ctx)
	if model.ProviderMessageID != nil {
		tx = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "provider_message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "error_detail", "last_attempt_at", "updated_at",
			}),
		})
	}

	if err := tx.Create(model).Error; err != nil {
		return nil, err
	}

	// An upsert against an existing row keeps that row's surrogate key;
	// re-read so callers see the stored state.
	if model.ProviderMessageID != nil {
		return r.FindByProviderMessageID(ctx, *model.ProviderMessageID)
	}
	return ledgerModelToDomain(model), nil
}

func (r *GormLedgerRepo) GetByID(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	var model LedgerEntryModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ledgerModelToDomain(&model), nil
}

func (r *GormLedgerRepo) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.LedgerEntry, error) {
	var model LedgerEntryModel
	err := r.db.WithContext(ctx).
		Where("provider_message_id = ?", providerMessageID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ledgerModelToDomain(&model), nil
}

func (r *GormLedgerRepo) FindForRetry(ctx context.Context, kinds []domain.Kind, statuses []domain.LedgerStatus, maxRetryCount, limit int) ([]domain.LedgerEntry, error) {
	var models []LedgerEntryModel
	err := r.db.WithContext(ctx).
		Where("kind IN ?", kinds).
		Where("status IN ?", statuses).
		Where("retry_count < ?", maxRetryCount).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", time.Now()).
		Order("last_attempt_at ASC NULLS FIRST").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return ledgerModelsToDomain(models), nil
}

func (r *GormLedgerRepo) FindRecent(ctx context.Context, kinds []domain.Kind, statuses []domain.LedgerStatus, lookback time.Duration, limit int) ([]domain.LedgerEntry, error) {
	query := r.db.WithContext(ctx).Where("kind IN ?", kinds)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if lookback > 0 {
		query = query.Where("updated_at >= ?", time.Now().Add(-lookback))
	}

	var models []LedgerEntryModel
	err := query.
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return ledgerModelsToDomain(models), nil
}

func (r *GormLedgerRepo) LatestStatusFor(ctx context.Context, appointmentID int64) (*domain.LedgerEntry, error) {
	var model LedgerEntryModel
	err := r.db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("updated_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ledgerModelToDomain(&model), nil
}

func (r *GormLedgerRepo) LatestForPhone(ctx context.Context, phoneKey string) (*domain.LedgerEntry, error) {
	var model LedgerEntryModel
	err := r.db.WithContext(ctx).
		Where("phone_key = ?", phoneKey).
		Order("updated_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ledgerModelToDomain(&model), nil
}

func (r *GormLedgerRepo) HasSuccessfulEntryBetween(ctx context.Context, kind domain.Kind, start, end time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("kind = ?", kind).
		Where("status IN ?", successStatuses()).
		Where("created_at >= ? AND created_at < ?", start, end).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *GormLedgerRepo) HasSuccessfulEntryFor(ctx context.Context, appointmentID int64, kind domain.Kind) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("appointment_id = ?", appointmentID).
		Where("kind = ?", kind).
		Where("status IN ?", successStatuses()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *GormLedgerRepo) MarkRetrying(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          domain.StatusRetrying,
			"retry_count":     gorm.Expr("retry_count + 1"),
			"last_attempt_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormLedgerRepo) MarkSent(ctx context.Context, id string, providerMessageID *string) error {
	updates := map[string]any{
		"status":        domain.StatusSent,
		"next_retry_at": nil,
		"error_detail":  nil,
	}
	if providerMessageID != nil && strings.TrimSpace(*providerMessageID) != "" {
		updates["provider_message_id"] = *providerMessageID
	}

	result := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormLedgerRepo) MarkFailed(ctx context.Context, id string, errorDetail string, nextRetryAt *time.Time) error {
	detail := domain.TruncateErrorDetail(errorDetail)
	result := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        domain.StatusFailed,
			"error_detail":  detail,
			"next_retry_at": nextRetryAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormLedgerRepo) MarkDiscarded(ctx context.Context, id string, reason string) error {
	detail := domain.TruncateErrorDetail(reason)
	result := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        domain.StatusDiscarded,
			"error_detail":  detail,
			"next_retry_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormLedgerRepo) MarkSynced(ctx context.Context, id string, status domain.LedgerStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a synced status", domain.ErrValidation, status)
	}
	result := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        status,
			"next_retry_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormLedgerRepo) RearmSync(ctx context.Context, id string, nextRetryAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count":     gorm.Expr("retry_count + 1"),
			"next_retry_at":   nextRetryAt,
			"last_attempt_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormLedgerRepo) UpdateDeliveryStatus(ctx context.Context, providerMessageID string, status domain.LedgerStatus) error {
	result := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("provider_message_id = ?", providerMessageID).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormLedgerRepo) Session(ctx context.Context, phoneKey string) (*domain.ConversationSession, error) {
	type row struct {
		Direction domain.Direction `gorm:"column:direction"`
		Last      time.Time        `gorm:"column:last"`
	}

	var rows []row
	err := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Select("direction, MAX(created_at) AS last").
		Where("phone_key = ?", phoneKey).
		Group("direction").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	session := &domain.ConversationSession{PhoneKey: phoneKey}
	for i := range rows {
		last := rows[i].Last
		switch rows[i].Direction {
		case domain.DirectionInbound:
			session.LastInboundAt = &last
		case domain.DirectionOutbound:
			session.LastOutboundAt = &last
		}
		if session.LastMessageAt == nil || last.After(*session.LastMessageAt) {
			t := last
			session.LastMessageAt = &t
		}
	}
	return session, nil
}

func (r *GormLedgerRepo) Threads(ctx context.Context, limit int) ([]Thread, error) {
	var threads []Thread
	err := r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Select("phone_key, COUNT(*) AS entry_count, MAX(created_at) AS last_message_at").
		Group("phone_key").
		Order("last_message_at DESC").
		Limit(limit).
		Scan(&threads).Error
	if err != nil {
		return nil, err
	}
	return threads, nil
}

func (r *GormLedgerRepo) MessagesForPhone(ctx context.Context, phoneKey string, limit int) ([]domain.LedgerEntry, error) {
	var models []LedgerEntryModel
	err := r.db.WithContext(ctx).
		Where("phone_key = ?", phoneKey).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return ledgerModelsToDomain(models), nil
}

func (r *GormLedgerRepo) List(ctx context.Context, params LedgerListParams) ([]domain.LedgerEntry, int64, error) {
	query := r.db.WithContext(ctx).Model(&LedgerEntryModel{})

	if params.Kind != nil {
		query = query.Where("kind = ?", *params.Kind)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.PhoneKey != nil {
		query = query.Where("phone_key = ?", *params.PhoneKey)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []LedgerEntryModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return ledgerModelsToDomain(models), total, nil
}

func ledgerModelsToDomain(models []LedgerEntryModel) []domain.LedgerEntry {
	entries := make([]domain.LedgerEntry, 0, len(models))
	for i := range models {
		entries = append(entries, *ledgerModelToDomain(&models[i]))
	}
	return entries
}

func successStatuses() []domain.LedgerStatus {
	return []domain.LedgerStatus{domain.StatusSent, domain.StatusDelivered, domain.StatusRead}
}
