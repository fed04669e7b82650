package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchDueDeliversDeferredNotification(t *testing.T) {
	harness := newTestHarness(t, day(23, 30), nil)
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	require.True(t, harness.scheduler.SendMilestone(ctx, userID, Milestone{Type: "streak", Value: "7"}))
	require.Zero(t, harness.totalCalls())

	summary, err := harness.scheduler.DispatchDue(ctx)
	require.NoError(t, err)
	require.Equal(t, DispatchSummary{}, summary, "nothing is due before the quiet window ends")

	harness.clock.Set(day(8, 5).AddDate(0, 0, 1))
	summary, err = harness.scheduler.DispatchDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Delivered)
	require.Len(t, harness.push.Calls(), 1)
	require.Len(t, harness.email.Calls(), 1)

	records := harness.records(t)
	require.Len(t, records, 1)
	require.Equal(t, StatusDelivered, records[0].Status)
	require.NotNil(t, records[0].DeliveredAt)

	summary, err = harness.scheduler.DispatchDue(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Delivered, "delivered notifications are not sent twice")
	require.Len(t, harness.push.Calls(), 1)
}

func TestDispatchDueRechecksPreferences(t *testing.T) {
	t.Run("category switched off after deferral", func(t *testing.T) {
		harness := newTestHarness(t, day(23, 0), nil)
		userID := mustUserID(t, "user-1")
		ctx := context.Background()

		require.True(t, harness.scheduler.SendContextualNudge(ctx, userID, NudgeLowActivity))
		harness.updatePreferences(t, userID, func(p *Preferences) {
			p.LumoNudges = false
		})

		harness.clock.Set(day(9, 0).AddDate(0, 0, 1))
		summary, err := harness.scheduler.DispatchDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Dropped)
		require.Zero(t, harness.totalCalls())
		require.Equal(t, StatusDropped, harness.records(t)[0].Status)
	})

	t.Run("quiet hours extended after deferral", func(t *testing.T) {
		harness := newTestHarness(t, day(23, 0), nil)
		userID := mustUserID(t, "user-1")
		ctx := context.Background()

		require.True(t, harness.scheduler.SendContextualNudge(ctx, userID, NudgeLowActivity))
		harness.updatePreferences(t, userID, func(p *Preferences) {
			p.QuietHours.End = "10:00"
		})

		harness.clock.Set(day(8, 5).AddDate(0, 0, 1))
		summary, err := harness.scheduler.DispatchDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Deferred)
		require.Zero(t, harness.totalCalls())

		record := harness.records(t)[0]
		require.Equal(t, StatusPending, record.Status)
		require.True(t, record.ScheduledFor.Equal(day(10, 0).AddDate(0, 0, 1)), "got %s", record.ScheduledFor)
	})

	t.Run("every channel fails", func(t *testing.T) {
		harness := newTestHarness(t, day(23, 0), nil)
		userID := mustUserID(t, "user-1")
		ctx := context.Background()
		harness.push.err = errDeliveryFailed
		harness.inApp.err = errDeliveryFailed

		require.True(t, harness.scheduler.SendContextualNudge(ctx, userID, NudgeQuotaLow))
		harness.clock.Set(day(8, 0).AddDate(0, 0, 1))
		summary, err := harness.scheduler.DispatchDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Failed)
		require.Equal(t, StatusFailed, harness.records(t)[0].Status)
	})
}

func TestDispatchDueFiresRecurringSchedule(t *testing.T) {
	harness := newTestHarness(t, day(8, 0), nil)
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	_, err := harness.scheduler.SetupDailyCheckin(ctx, userID, "")
	require.NoError(t, err)

	harness.clock.Set(day(9, 1))
	summary, err := harness.scheduler.DispatchDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.RecurringFired)

	calls := harness.push.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, TypeDailyCheckin, calls[0].Type)
	require.Equal(t, DefaultCatalog().Reminders[TypeDailyCheckin].Title, calls[0].Title)
	require.Equal(t, true, calls[0].Data["recurring"])

	schedule, err := harness.store.GetSchedule(ctx, userID, TypeDailyCheckin)
	require.NoError(t, err)
	require.NotNil(t, schedule.LastSent)
	require.True(t, schedule.LastSent.Equal(day(9, 1)))
	require.True(t, schedule.NextRun.Equal(day(9, 0).AddDate(0, 0, 1)), "got %s", schedule.NextRun)

	summary, err = harness.scheduler.DispatchDue(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.RecurringFired, "a schedule fires once per occurrence")
}

func TestDispatchDueFiresMissedBacklogOnce(t *testing.T) {
	harness := newTestHarness(t, day(8, 0), nil)
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	_, err := harness.scheduler.SetupDailyCheckin(ctx, userID, "")
	require.NoError(t, err)

	harness.clock.Set(day(10, 0).AddDate(0, 0, 3))
	summary, err := harness.scheduler.DispatchDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.RecurringFired)
	require.Len(t, harness.push.Calls(), 1)

	schedule, err := harness.store.GetSchedule(ctx, userID, TypeDailyCheckin)
	require.NoError(t, err)
	require.True(t, schedule.NextRun.Equal(day(9, 0).AddDate(0, 0, 4)), "got %s", schedule.NextRun)
}

func TestDispatchDueSkipsDisabledSchedule(t *testing.T) {
	harness := newTestHarness(t, day(8, 0), nil)
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	_, err := harness.scheduler.SetupStreakReminder(ctx, userID, "")
	require.NoError(t, err)
	require.NoError(t, harness.scheduler.DisableRecurring(ctx, userID, TypeStreakReminder))

	harness.clock.Set(day(21, 0))
	summary, err := harness.scheduler.DispatchDue(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.RecurringFired)
	require.Zero(t, harness.totalCalls())
}

func TestInAppDeliveryReachesInboxAndStream(t *testing.T) {
	db := newTestDatabase(t)
	clock := newManualClock(day(12, 0))
	store, err := NewGormStore(db)
	require.NoError(t, err)
	prefs, err := NewGormPreferenceStore(db, "UTC", clock.Now)
	require.NoError(t, err)
	realtime := NewRealtimeDispatcher()

	scheduler, err := NewScheduler(SchedulerConfig{
		Preferences: prefs,
		Ledger:      store,
		Schedules:   store,
		Senders: map[Channel]ChannelSender{
			ChannelPush:  UnavailableSender{},
			ChannelInApp: NewInAppSender(store, realtime, clock.Now),
		},
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
	})
	require.NoError(t, err)

	userID := mustUserID(t, "user-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := realtime.Subscribe(ctx, userID.String())
	defer cleanup()

	require.True(t, scheduler.SendContextualNudge(ctx, userID, NudgeMilestoneNear))

	select {
	case message := <-stream:
		require.Equal(t, RealtimeEventNotification, message.EventType)
		require.Equal(t, "notification-1", message.NotificationID)
		require.Equal(t, TypeLumoNudge, message.Type)
	case <-time.After(time.Second):
		t.Fatal("expected realtime message")
	}

	entries, err := store.ListInbox(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].ReadAt)

	clock.Set(day(12, 5))
	require.NoError(t, store.MarkInboxRead(ctx, userID, "notification-1", clock.Now()))
	require.NoError(t, store.MarkInboxRead(ctx, userID, "notification-1", clock.Now()), "marking twice is a no-op")
	require.ErrorIs(t, store.MarkInboxRead(ctx, mustUserID(t, "user-2"), "notification-1", clock.Now()), ErrInboxEntryNotFound)

	entries, err = store.ListInbox(ctx, userID, 10)
	require.NoError(t, err)
	require.NotNil(t, entries[0].ReadAt)
}

func TestDispatchLoopDeliversDeferredInAppToOpenStream(t *testing.T) {
	db := newTestDatabase(t)
	clock := newManualClock(day(23, 30))
	store, err := NewGormStore(db)
	require.NoError(t, err)
	prefs, err := NewGormPreferenceStore(db, "UTC", clock.Now)
	require.NoError(t, err)
	realtime := NewRealtimeDispatcher()

	scheduler, err := NewScheduler(SchedulerConfig{
		Preferences: prefs,
		Ledger:      store,
		Schedules:   store,
		Senders: map[Channel]ChannelSender{
			ChannelPush:  UnavailableSender{},
			ChannelInApp: NewInAppSender(store, realtime, clock.Now),
		},
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
	})
	require.NoError(t, err)

	userID := mustUserID(t, "user-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := realtime.Subscribe(ctx, userID.String())
	defer cleanup()

	require.True(t, scheduler.SendContextualNudge(ctx, userID, NudgeStreakRisk))
	select {
	case message := <-stream:
		t.Fatalf("deferred nudge must not stream during quiet hours, got %+v", message)
	default:
	}

	clock.Set(day(8, 5).AddDate(0, 0, 1))
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		scheduler.RunDispatchLoop(ctx, 10*time.Millisecond)
	}()

	select {
	case message := <-stream:
		require.Equal(t, RealtimeEventNotification, message.EventType)
		require.Equal(t, "notification-1", message.NotificationID)
		require.Equal(t, TypeLumoNudge, message.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected deferred in-app notification on the open stream")
	}

	cancel()
	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop did not stop with its context")
	}
}

func TestRunDispatchLoopDisabledReturnsImmediately(t *testing.T) {
	harness := newTestHarness(t, day(12, 0), nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		harness.scheduler.RunDispatchLoop(context.Background(), 0)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a zero interval to disable the loop")
	}
}

func TestDispatchDueSkipsRecordsClaimedByAnotherPass(t *testing.T) {
	harness := newTestHarness(t, day(23, 30), nil)
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	require.True(t, harness.scheduler.SendMilestone(ctx, userID, Milestone{Type: "streak", Value: "7"}))
	harness.clock.Set(day(8, 5).AddDate(0, 0, 1))

	claimed, err := harness.store.ClaimPending(ctx, "notification-1")
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = harness.store.ClaimPending(ctx, "notification-1")
	require.NoError(t, err)
	require.False(t, claimed, "a record is claimed once")

	summary, err := harness.scheduler.DispatchDue(ctx)
	require.NoError(t, err)
	require.Equal(t, DispatchSummary{}, summary)
	require.Zero(t, harness.totalCalls())
	require.Equal(t, StatusSending, harness.records(t)[0].Status)
}

func TestStaleScheduleRunDoesNotFireTwice(t *testing.T) {
	harness := newTestHarness(t, day(8, 0), nil)
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	_, err := harness.scheduler.SetupDailyCheckin(ctx, userID, "")
	require.NoError(t, err)

	harness.clock.Set(day(9, 1))
	due, err := harness.store.DueSchedules(ctx, harness.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	summary, err := harness.scheduler.DispatchDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.RecurringFired)
	require.Len(t, harness.push.Calls(), 1)

	err = harness.scheduler.fireSchedule(ctx, due[0])
	require.ErrorIs(t, err, ErrScheduleAlreadyAdvanced)
	require.Len(t, harness.push.Calls(), 1, "an overlapping pass must not fire the same occurrence")
}
