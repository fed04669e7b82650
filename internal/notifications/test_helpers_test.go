package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

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

func (c *manualClock) Set(value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = value
}

type sequenceIDProvider struct {
	mu    sync.Mutex
	count int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return fmt.Sprintf("notification-%d", p.count), nil
}

type recordingSender struct {
	mu       sync.Mutex
	payloads []Payload
	err      error
}

func (s *recordingSender) Deliver(_ context.Context, payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return s.err
}

func (s *recordingSender) Calls() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payload(nil), s.payloads...)
}

type testHarness struct {
	scheduler *Scheduler
	db        *gorm.DB
	store     *GormStore
	prefs     *GormPreferenceStore
	clock     *manualClock
	push      *recordingSender
	email     *recordingSender
	inApp     *recordingSender
}

var errDeliveryFailed = errors.New("delivery failed")

func day(hour, minute int) time.Time {
	return time.Date(2024, time.March, 4, hour, minute, 0, 0, time.UTC)
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:mend_notifications_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "open sqlite")
	require.NoError(t, db.AutoMigrate(
		&Preferences{},
		&Record{},
		&DeliveryAttempt{},
		&AnalyticsEvent{},
		&Schedule{},
		&InboxEntry{},
	), "migrate")
	return db
}

func newTestHarness(t *testing.T, start time.Time, logger *zap.Logger) *testHarness {
	t.Helper()

	db := newTestDatabase(t)
	clock := newManualClock(start)
	store, err := NewGormStore(db)
	require.NoError(t, err)
	prefs, err := NewGormPreferenceStore(db, "UTC", clock.Now)
	require.NoError(t, err)

	harness := &testHarness{
		db:    db,
		store: store,
		prefs: prefs,
		clock: clock,
		push:  &recordingSender{},
		email: &recordingSender{},
		inApp: &recordingSender{},
	}
	scheduler, err := NewScheduler(SchedulerConfig{
		Preferences: prefs,
		Ledger:      store,
		Schedules:   store,
		Senders: map[Channel]ChannelSender{
			ChannelPush:  harness.push,
			ChannelEmail: harness.email,
			ChannelInApp: harness.inApp,
		},
		Clock:           clock.Now,
		IDProvider:      &sequenceIDProvider{},
		Logger:          logger,
		DefaultTimezone: "UTC",
	})
	require.NoError(t, err)
	harness.scheduler = scheduler
	return harness
}

func (h *testHarness) totalCalls() int {
	return len(h.push.Calls()) + len(h.email.Calls()) + len(h.inApp.Calls())
}

func (h *testHarness) records(t *testing.T) []Record {
	t.Helper()
	var records []Record
	require.NoError(t, h.db.Order("created_at ASC").Find(&records).Error)
	return records
}

func (h *testHarness) updatePreferences(t *testing.T, userID users.UserID, mutate func(*Preferences)) {
	t.Helper()
	preferences, err := h.prefs.Get(context.Background(), userID)
	require.NoError(t, err)
	mutate(&preferences)
	require.NoError(t, h.prefs.Put(context.Background(), preferences))
}

func mustUserID(t *testing.T, value string) users.UserID {
	t.Helper()
	id, err := users.NewUserID(value)
	require.NoError(t, err)
	return id
}
