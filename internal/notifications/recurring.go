package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	opSetupRecurring   = "notifications.setup_recurring"
	opDisableRecurring = "notifications.disable_recurring"

	DefaultStreakReminderTime = "20:00"
	DefaultDailyCheckinTime   = "09:00"
)

// ErrUnsupportedRecurringType indicates a notification type that has no recurring reminder copy.
var ErrUnsupportedRecurringType = errors.New("notifications: type does not support recurring schedules")

// RecurringTypes lists the notification types that can be scheduled daily.
var RecurringTypes = []Type{TypeStreakReminder, TypeDailyCheckin}

func isRecurringType(notificationType Type) bool {
	for _, candidate := range RecurringTypes {
		if candidate == notificationType {
			return true
		}
	}
	return false
}

// DailyCronExpression converts a time of day into a five-field cron expression.
func DailyCronExpression(clock Clock) string {
	return fmt.Sprintf("%d %d * * *", clock.Minute, clock.Hour)
}

// NextRun returns the first firing of cronExpression strictly after now, evaluated in timezone.
func NextRun(cronExpression, timezone string, now time.Time) (time.Time, error) {
	location := LoadLocation(timezone)
	schedule, err := cron.ParseStandard(strings.TrimSpace(cronExpression))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpression, err)
	}
	return schedule.Next(now.In(location)).UTC(), nil
}

// SetupRecurring creates or replaces the daily schedule for notificationType at
// preferredTime ("HH:MM") in the user's quiet-hours timezone and activates it.
func (s *Scheduler) SetupRecurring(ctx context.Context, userID users.UserID, notificationType Type, preferredTime string) (Schedule, error) {
	if !isRecurringType(notificationType) {
		return Schedule{}, apperr.New(opSetupRecurring, "unsupported_type",
			fmt.Errorf("%w: %q", ErrUnsupportedRecurringType, notificationType))
	}
	clock, err := ParseClock(preferredTime)
	if err != nil {
		return Schedule{}, apperr.New(opSetupRecurring, "invalid_time", err)
	}

	timezone := s.loadPreferences(ctx, opSetupRecurring, userID).QuietHours.Timezone
	expression := DailyCronExpression(clock)
	now := s.now()
	nextRun, err := NextRun(expression, timezone, now)
	if err != nil {
		return Schedule{}, apperr.New(opSetupRecurring, "invalid_cron", err)
	}

	schedule := Schedule{
		UserID:         userID.String(),
		Type:           notificationType,
		CronExpression: expression,
		Timezone:       LoadLocation(timezone).String(),
		IsActive:       true,
		NextRun:        nextRun,
		UpdatedAt:      now,
	}
	if err := s.schedules.UpsertSchedule(ctx, schedule); err != nil {
		s.logError(opSetupRecurring, "store_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldType, string(notificationType)))
		return Schedule{}, err
	}
	s.logger.Info("recurring notification scheduled",
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldType, string(notificationType)),
		zap.String("cron_expression", expression),
		zap.Time("next_run", nextRun))
	return schedule, nil
}

// SetupStreakReminder schedules the daily streak reminder, at 20:00 unless preferredTime is set.
func (s *Scheduler) SetupStreakReminder(ctx context.Context, userID users.UserID, preferredTime string) (Schedule, error) {
	if strings.TrimSpace(preferredTime) == "" {
		preferredTime = DefaultStreakReminderTime
	}
	return s.SetupRecurring(ctx, userID, TypeStreakReminder, preferredTime)
}

// SetupDailyCheckin schedules the daily check-in reminder, at 09:00 unless preferredTime is set.
func (s *Scheduler) SetupDailyCheckin(ctx context.Context, userID users.UserID, preferredTime string) (Schedule, error) {
	if strings.TrimSpace(preferredTime) == "" {
		preferredTime = DefaultDailyCheckinTime
	}
	return s.SetupRecurring(ctx, userID, TypeDailyCheckin, preferredTime)
}

// DisableRecurring deactivates the user's schedule for notificationType.
func (s *Scheduler) DisableRecurring(ctx context.Context, userID users.UserID, notificationType Type) error {
	err := s.schedules.SetScheduleActive(ctx, userID, notificationType, false, s.now())
	if err == nil || errors.Is(err, ErrScheduleNotFound) {
		return err
	}
	s.logError(opDisableRecurring, "store_failed", err,
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldType, string(notificationType)))
	return err
}
