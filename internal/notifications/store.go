package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAppendNotification = "notifications.store.append_notification"
	opMarkNotification   = "notifications.store.mark_notification"
	opClaimPending       = "notifications.store.claim_pending"
	opDuePending         = "notifications.store.due_pending"
	opAppendAttempt      = "notifications.store.append_attempt"
	opAppendAnalytics    = "notifications.store.append_analytics"
	opUpsertSchedule     = "notifications.store.upsert_schedule"
	opGetSchedule        = "notifications.store.get_schedule"
	opUpdateSchedule     = "notifications.store.update_schedule"
	opDueSchedules       = "notifications.store.due_schedules"
	opAppendInbox        = "notifications.store.append_inbox"
	opListInbox          = "notifications.store.list_inbox"
	opMarkInboxRead      = "notifications.store.mark_inbox_read"
)

var (
	// ErrScheduleNotFound indicates that no recurring schedule exists for the user and type.
	ErrScheduleNotFound = errors.New("notifications: schedule not found")
	// ErrInboxEntryNotFound indicates that the inbox entry does not belong to the user or does not exist.
	ErrInboxEntryNotFound = errors.New("notifications: inbox entry not found")
	// ErrScheduleAlreadyAdvanced indicates that another dispatch pass already fired the schedule.
	ErrScheduleAlreadyAdvanced = errors.New("notifications: schedule already advanced")
)

// Ledger is the append-only notification log plus its observability sinks.
type Ledger interface {
	AppendNotification(ctx context.Context, record Record) error
	MarkNotification(ctx context.Context, notificationID string, status Status, at time.Time) error
	// ClaimPending moves a pending notification to sending and reports whether
	// this caller won it. Overlapping dispatch passes deliver each row once.
	ClaimPending(ctx context.Context, notificationID string) (bool, error)
	// Reschedule returns a claimed notification to pending at scheduledFor.
	Reschedule(ctx context.Context, notificationID string, scheduledFor time.Time) error
	// DuePending returns pending notifications scheduled at or before now, oldest first.
	DuePending(ctx context.Context, now time.Time, limit int) ([]Record, error)
	AppendAttempt(ctx context.Context, attempt DeliveryAttempt) error
	AppendAnalytics(ctx context.Context, event AnalyticsEvent) error
}

// ScheduleStore persists recurring schedules.
type ScheduleStore interface {
	UpsertSchedule(ctx context.Context, schedule Schedule) error
	GetSchedule(ctx context.Context, userID users.UserID, notificationType Type) (Schedule, error)
	SetScheduleActive(ctx context.Context, userID users.UserID, notificationType Type, active bool, at time.Time) error
	// DueSchedules returns active schedules whose next run is at or before now.
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
	// MarkScheduleRun advances the schedule to nextRun. It returns
	// ErrScheduleAlreadyAdvanced when the stored next run is not before nextRun.
	MarkScheduleRun(ctx context.Context, userID users.UserID, notificationType Type, sentAt, nextRun time.Time) error
}

// InboxStore persists in-app notifications.
type InboxStore interface {
	AppendInbox(ctx context.Context, entry InboxEntry) error
	ListInbox(ctx context.Context, userID users.UserID, limit int) ([]InboxEntry, error)
	MarkInboxRead(ctx context.Context, userID users.UserID, notificationID string, at time.Time) error
}

// GormStore implements Ledger, ScheduleStore, and InboxStore through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs the GORM-backed notification store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, apperr.New("notifications.store.new", "missing_database", errMissingDatabase)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) AppendNotification(ctx context.Context, record Record) error {
	record.CreatedAt = record.CreatedAt.UTC()
	if record.ScheduledFor != nil {
		scheduled := record.ScheduledFor.UTC()
		record.ScheduledFor = &scheduled
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return apperr.New(opAppendNotification, "insert_failed", err)
	}
	return nil
}

func (s *GormStore) MarkNotification(ctx context.Context, notificationID string, status Status, at time.Time) error {
	updates := map[string]any{"status": status}
	if status == StatusDelivered {
		updates["delivered_at"] = at.UTC()
	}
	if err := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("notification_id = ?", notificationID).
		Updates(updates).Error; err != nil {
		return apperr.New(opMarkNotification, "update_failed", err)
	}
	return nil
}

func (s *GormStore) ClaimPending(ctx context.Context, notificationID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("notification_id = ? AND status = ?", notificationID, StatusPending).
		Update("status", StatusSending)
	if result.Error != nil {
		return false, apperr.New(opClaimPending, "update_failed", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) Reschedule(ctx context.Context, notificationID string, scheduledFor time.Time) error {
	if err := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("notification_id = ?", notificationID).
		Updates(map[string]any{
			"status":        StatusPending,
			"scheduled_for": scheduledFor.UTC(),
		}).Error; err != nil {
		return apperr.New(opMarkNotification, "reschedule_failed", err)
	}
	return nil
}

func (s *GormStore) DuePending(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	var records []Record
	if err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?", StatusPending, now.UTC()).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, apperr.New(opDuePending, "query_failed", err)
	}
	return records, nil
}

func (s *GormStore) AppendAttempt(ctx context.Context, attempt DeliveryAttempt) error {
	attempt.AttemptedAt = attempt.AttemptedAt.UTC()
	if err := s.db.WithContext(ctx).Create(&attempt).Error; err != nil {
		return apperr.New(opAppendAttempt, "insert_failed", err)
	}
	return nil
}

func (s *GormStore) AppendAnalytics(ctx context.Context, event AnalyticsEvent) error {
	event.OccurredAt = event.OccurredAt.UTC()
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return apperr.New(opAppendAnalytics, "insert_failed", err)
	}
	return nil
}

func (s *GormStore) UpsertSchedule(ctx context.Context, schedule Schedule) error {
	schedule.NextRun = schedule.NextRun.UTC()
	schedule.UpdatedAt = schedule.UpdatedAt.UTC()
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"cron_expression", "timezone", "is_active", "next_run", "updated_at"}),
	}).Create(&schedule).Error; err != nil {
		return apperr.New(opUpsertSchedule, "upsert_failed", err)
	}
	return nil
}

func (s *GormStore) GetSchedule(ctx context.Context, userID users.UserID, notificationType Type) (Schedule, error) {
	var schedule Schedule
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND type = ?", userID.String(), notificationType).
		Take(&schedule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Schedule{}, ErrScheduleNotFound
	}
	if err != nil {
		return Schedule{}, apperr.New(opGetSchedule, "query_failed", err)
	}
	return schedule, nil
}

func (s *GormStore) SetScheduleActive(ctx context.Context, userID users.UserID, notificationType Type, active bool, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&Schedule{}).
		Where("user_id = ? AND type = ?", userID.String(), notificationType).
		Updates(map[string]any{"is_active": active, "updated_at": at.UTC()})
	if result.Error != nil {
		return apperr.New(opUpdateSchedule, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *GormStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	var schedules []Schedule
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND next_run <= ?", true, now.UTC()).
		Order("next_run ASC").
		Limit(limit).
		Find(&schedules).Error; err != nil {
		return nil, apperr.New(opDueSchedules, "query_failed", err)
	}
	return schedules, nil
}

func (s *GormStore) MarkScheduleRun(ctx context.Context, userID users.UserID, notificationType Type, sentAt, nextRun time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&Schedule{}).
		Where("user_id = ? AND type = ? AND next_run < ?", userID.String(), notificationType, nextRun.UTC()).
		Updates(map[string]any{
			"last_sent":  sentAt.UTC(),
			"next_run":   nextRun.UTC(),
			"updated_at": sentAt.UTC(),
		})
	if result.Error != nil {
		return apperr.New(opUpdateSchedule, "mark_run_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrScheduleAlreadyAdvanced
	}
	return nil
}

func (s *GormStore) AppendInbox(ctx context.Context, entry InboxEntry) error {
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
		return apperr.New(opAppendInbox, "insert_failed", err)
	}
	return nil
}

func (s *GormStore) ListInbox(ctx context.Context, userID users.UserID, limit int) ([]InboxEntry, error) {
	var entries []InboxEntry
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, apperr.New(opListInbox, "query_failed", err)
	}
	return entries, nil
}

func (s *GormStore) MarkInboxRead(ctx context.Context, userID users.UserID, notificationID string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&InboxEntry{}).
		Where("user_id = ? AND notification_id = ? AND read_at IS NULL", userID.String(), notificationID).
		Update("read_at", at.UTC())
	if result.Error != nil {
		return apperr.New(opMarkInboxRead, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).
			Model(&InboxEntry{}).
			Where("user_id = ? AND notification_id = ?", userID.String(), notificationID).
			Count(&count).Error; err != nil {
			return apperr.New(opMarkInboxRead, "query_failed", err)
		}
		if count == 0 {
			return ErrInboxEntryNotFound
		}
	}
	return nil
}

func recordFromPayload(payload Payload, status Status, createdAt time.Time) (Record, error) {
	var data datatypes.JSON
	if len(payload.Data) > 0 {
		encoded, err := json.Marshal(payload.Data)
		if err != nil {
			return Record{}, err
		}
		data = datatypes.JSON(encoded)
	}
	return Record{
		NotificationID: payload.ID,
		UserID:         payload.UserID,
		Type:           payload.Type,
		Title:          payload.Title,
		Body:           payload.Body,
		Data:           data,
		Priority:       payload.Priority,
		Channels:       append([]Channel(nil), payload.Channels...),
		ScheduledFor:   payload.ScheduledFor,
		Status:         status,
		CreatedAt:      createdAt,
	}, nil
}

func payloadFromRecord(record Record) Payload {
	var data map[string]any
	if len(record.Data) > 0 {
		if err := json.Unmarshal(record.Data, &data); err != nil {
			data = nil
		}
	}
	return Payload{
		ID:           record.NotificationID,
		UserID:       record.UserID,
		Type:         record.Type,
		Title:        record.Title,
		Body:         record.Body,
		Data:         data,
		ScheduledFor: record.ScheduledFor,
		Priority:     record.Priority,
		Channels:     append([]Channel(nil), record.Channels...),
	}
}
