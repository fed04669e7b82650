package policy

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
	"gorm.io/gorm"
)

const (
	opCountActions     = "policy.store.count_actions"
	opRecentActions    = "policy.store.recent_actions"
	opAppendAction     = "policy.store.append_action"
	opAppendViolation  = "policy.store.append_violation"
	opActiveViolations = "policy.store.active_violations"

	// violationLookback bounds the scan for non-critical active violations.
	violationLookback = 30 * 24 * time.Hour
)

var errMissingDatabase = errors.New("database handle is required")

// HistoryReader answers window queries over a user's action history.
type HistoryReader interface {
	// CountActions counts actions of actionType since the given instant. An empty
	// featureKey matches every feature.
	CountActions(ctx context.Context, userID users.UserID, actionType ActionType, featureKey string, since time.Time) (int, error)
	// RecentActions returns up to limit actions ordered by occurrence, newest first.
	RecentActions(ctx context.Context, userID users.UserID, actionType ActionType, limit int) ([]ActionRecord, error)
}

// HistoryWriter appends action records.
type HistoryWriter interface {
	AppendAction(ctx context.Context, record ActionRecord) error
}

// ViolationStore appends and reads violations.
type ViolationStore interface {
	AppendViolation(ctx context.Context, violation Violation) error
	// ActiveViolations returns violations whose cooldown has not lapsed at now,
	// plus indefinite critical violations.
	ActiveViolations(ctx context.Context, userID users.UserID, now time.Time) ([]Violation, error)
}

// Store is the full persistence contract of the gate.
type Store interface {
	HistoryReader
	HistoryWriter
	ViolationStore
}

// GormStore persists action history and violations through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GORM-backed policy store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, apperr.New("policy.store.new", "missing_database", errMissingDatabase)
	}
	return &GormStore{db: db}, nil
}

// CountActions implements HistoryReader.
func (s *GormStore) CountActions(ctx context.Context, userID users.UserID, actionType ActionType, featureKey string, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, apperr.New(opCountActions, "missing_database", errMissingDatabase)
	}
	query := s.db.WithContext(ctx).
		Model(&ActionRecord{}).
		Where("user_id = ? AND action_type = ? AND occurred_at >= ?", userID.String(), actionType, since.UTC())
	if featureKey != "" {
		query = query.Where("feature_key = ?", featureKey)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, apperr.New(opCountActions, "query_failed", err)
	}
	return int(count), nil
}

// RecentActions implements HistoryReader.
func (s *GormStore) RecentActions(ctx context.Context, userID users.UserID, actionType ActionType, limit int) ([]ActionRecord, error) {
	if s == nil || s.db == nil {
		return nil, apperr.New(opRecentActions, "missing_database", errMissingDatabase)
	}
	if limit <= 0 {
		return nil, nil
	}
	var records []ActionRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND action_type = ?", userID.String(), actionType).
		Order("occurred_at DESC").
		Order("record_id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, apperr.New(opRecentActions, "query_failed", err)
	}
	return records, nil
}

// AppendAction implements HistoryWriter.
func (s *GormStore) AppendAction(ctx context.Context, record ActionRecord) error {
	if s == nil || s.db == nil {
		return apperr.New(opAppendAction, "missing_database", errMissingDatabase)
	}
	record.OccurredAt = record.OccurredAt.UTC()
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return apperr.New(opAppendAction, "insert_failed", err)
	}
	return nil
}

// AppendViolation implements ViolationStore.
func (s *GormStore) AppendViolation(ctx context.Context, violation Violation) error {
	if s == nil || s.db == nil {
		return apperr.New(opAppendViolation, "missing_database", errMissingDatabase)
	}
	violation.RecordedAt = violation.RecordedAt.UTC()
	if err := s.db.WithContext(ctx).Create(&violation).Error; err != nil {
		return apperr.New(opAppendViolation, "insert_failed", err)
	}
	return nil
}

// ActiveViolations implements ViolationStore.
func (s *GormStore) ActiveViolations(ctx context.Context, userID users.UserID, now time.Time) ([]Violation, error) {
	if s == nil || s.db == nil {
		return nil, apperr.New(opActiveViolations, "missing_database", errMissingDatabase)
	}
	var candidates []Violation
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND (severity = ? OR recorded_at >= ?)", userID.String(), SeverityCritical, now.Add(-violationLookback).UTC()).
		Order("recorded_at ASC").
		Find(&candidates).Error; err != nil {
		return nil, apperr.New(opActiveViolations, "query_failed", err)
	}

	active := make([]Violation, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.IsActiveAt(now) {
			active = append(active, candidate)
		}
	}
	return active, nil
}
