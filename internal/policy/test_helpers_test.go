package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceIDProvider struct {
	mu    sync.Mutex
	count int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return fmt.Sprintf("violation-%d", p.count), nil
}

type failingStore struct {
	err error
}

func (s failingStore) CountActions(context.Context, users.UserID, ActionType, string, time.Time) (int, error) {
	return 0, s.err
}

func (s failingStore) RecentActions(context.Context, users.UserID, ActionType, int) ([]ActionRecord, error) {
	return nil, s.err
}

func (s failingStore) AppendAction(context.Context, ActionRecord) error {
	return s.err
}

func (s failingStore) AppendViolation(context.Context, Violation) error {
	return s.err
}

func (s failingStore) ActiveViolations(context.Context, users.UserID, time.Time) ([]Violation, error) {
	return nil, s.err
}

var errStoreUnavailable = errors.New("store unavailable")

func mustUserID(t *testing.T, value string) users.UserID {
	t.Helper()
	id, err := users.NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:mend_policy_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ActionRecord{}, &Violation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestGate(t *testing.T, clock *manualClock, logger *zap.Logger) (*Gate, *gorm.DB) {
	t.Helper()

	db := newTestDatabase(t)
	store, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	gate, err := NewGate(GateConfig{
		Store:      store,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}
	return gate, db
}

func seedActions(t *testing.T, db *gorm.DB, userID users.UserID, actionType ActionType, featureKey string, times ...time.Time) {
	t.Helper()
	for _, occurredAt := range times {
		record := ActionRecord{
			UserID:     userID.String(),
			ActionType: actionType,
			FeatureKey: featureKey,
			OccurredAt: occurredAt.UTC(),
		}
		if err := db.Create(&record).Error; err != nil {
			t.Fatalf("failed to seed action: %v", err)
		}
	}
}

func seedViolation(t *testing.T, db *gorm.DB, violation Violation) {
	t.Helper()
	violation.RecordedAt = violation.RecordedAt.UTC()
	if err := db.Create(&violation).Error; err != nil {
		t.Fatalf("failed to seed violation: %v", err)
	}
}

func loadViolations(t *testing.T, db *gorm.DB, userID users.UserID) []Violation {
	t.Helper()
	var violations []Violation
	if err := db.Where("user_id = ?", userID.String()).Order("recorded_at ASC").Find(&violations).Error; err != nil {
		t.Fatalf("failed to load violations: %v", err)
	}
	return violations
}

func minutesBefore(base time.Time, minutes ...int) []time.Time {
	times := make([]time.Time, 0, len(minutes))
	for _, minute := range minutes {
		times = append(times, base.Add(-time.Duration(minute)*time.Minute))
	}
	return times
}
