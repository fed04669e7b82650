package notifications

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLoadPreferences = "notifications.preferences.load"
	opSavePreferences = "notifications.preferences.save"
)

var errMissingDatabase = errors.New("database handle is required")

// PreferenceStore reads and writes notification preferences.
type PreferenceStore interface {
	// Get returns the stored preferences, creating defaults on first access.
	Get(ctx context.Context, userID users.UserID) (Preferences, error)
	Put(ctx context.Context, preferences Preferences) error
}

// GormPreferenceStore persists preferences through GORM.
type GormPreferenceStore struct {
	db              *gorm.DB
	defaultTimezone string
	clock           func() time.Time
}

// NewGormPreferenceStore constructs a GORM-backed preference store. Users without
// stored preferences receive defaults with quiet hours in defaultTimezone.
func NewGormPreferenceStore(db *gorm.DB, defaultTimezone string, clock func() time.Time) (*GormPreferenceStore, error) {
	if db == nil {
		return nil, apperr.New("notifications.preferences.new", "missing_database", errMissingDatabase)
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormPreferenceStore{db: db, defaultTimezone: defaultTimezone, clock: clock}, nil
}

// Get implements PreferenceStore.
func (s *GormPreferenceStore) Get(ctx context.Context, userID users.UserID) (Preferences, error) {
	var stored Preferences
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&stored).Error
	if err == nil {
		return normalizePreferences(stored, s.defaultTimezone), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Preferences{}, apperr.New(opLoadPreferences, "query_failed", err)
	}

	defaults := DefaultPreferences(userID.String(), s.defaultTimezone)
	defaults.UpdatedAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error; err != nil {
		return Preferences{}, apperr.New(opLoadPreferences, "insert_defaults_failed", err)
	}
	return defaults, nil
}

// Put implements PreferenceStore.
func (s *GormPreferenceStore) Put(ctx context.Context, preferences Preferences) error {
	if strings.TrimSpace(preferences.UserID) == "" {
		return apperr.New(opSavePreferences, "missing_user", users.ErrInvalidUserID)
	}
	preferences = normalizePreferences(preferences, s.defaultTimezone)
	if err := preferences.QuietHours.Validate(); err != nil {
		return apperr.New(opSavePreferences, "invalid_quiet_hours", err)
	}
	preferences.UpdatedAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Save(&preferences).Error; err != nil {
		return apperr.New(opSavePreferences, "save_failed", err)
	}
	return nil
}

// CachedPreferenceStore fronts a PreferenceStore with a bounded TTL cache.
type CachedPreferenceStore struct {
	inner PreferenceStore
	cache *expirable.LRU[string, Preferences]
}

// NewCachedPreferenceStore wraps inner with an LRU of size entries that expire after ttl.
func NewCachedPreferenceStore(inner PreferenceStore, size int, ttl time.Duration) *CachedPreferenceStore {
	if size <= 0 {
		size = 1
	}
	return &CachedPreferenceStore{
		inner: inner,
		cache: expirable.NewLRU[string, Preferences](size, nil, ttl),
	}
}

// Get implements PreferenceStore.
func (s *CachedPreferenceStore) Get(ctx context.Context, userID users.UserID) (Preferences, error) {
	if cached, ok := s.cache.Get(userID.String()); ok {
		return cached, nil
	}
	preferences, err := s.inner.Get(ctx, userID)
	if err != nil {
		return Preferences{}, err
	}
	s.cache.Add(userID.String(), preferences)
	return preferences, nil
}

// Put implements PreferenceStore and invalidates the cached entry after the write.
func (s *CachedPreferenceStore) Put(ctx context.Context, preferences Preferences) error {
	err := s.inner.Put(ctx, preferences)
	s.cache.Remove(preferences.UserID)
	return err
}

func normalizePreferences(preferences Preferences, defaultTimezone string) Preferences {
	preferences.EmergencySupport = true
	if strings.TrimSpace(preferences.QuietHours.Timezone) == "" {
		preferences.QuietHours.Timezone = defaultTimezone
		if strings.TrimSpace(preferences.QuietHours.Timezone) == "" {
			preferences.QuietHours.Timezone = time.UTC.String()
		}
	}
	return preferences
}
