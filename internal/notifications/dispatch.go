package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const opDispatchDue = "notifications.dispatch_due"

// DispatchSummary counts what one DispatchDue pass did.
type DispatchSummary struct {
	Delivered      int `json:"delivered"`
	Failed         int `json:"failed"`
	Deferred       int `json:"deferred"`
	Dropped        int `json:"dropped"`
	RecurringFired int `json:"recurring_fired"`
}

// DispatchDue sends deferred notifications whose time has come and fires recurring
// schedules whose next run has passed. Concurrent passes are safe: each pending
// record and each schedule run is claimed before it is delivered. A process that
// dies mid-delivery leaves its claimed records in the sending state.
func (s *Scheduler) DispatchDue(ctx context.Context) (DispatchSummary, error) {
	ctx, span := s.tracer.Start(ctx, opDispatchDue)
	defer span.End()

	var summary DispatchSummary
	now := s.now()

	pending, err := s.ledger.DuePending(ctx, now, s.batchSize)
	if err != nil {
		s.logError(opDispatchDue, "pending_query_failed", err)
		return summary, err
	}
	for _, record := range pending {
		s.dispatchPending(ctx, record, &summary)
	}

	schedules, err := s.schedules.DueSchedules(ctx, now, s.batchSize)
	if err != nil {
		s.logError(opDispatchDue, "schedule_query_failed", err)
		return summary, err
	}
	for _, schedule := range schedules {
		if err := s.fireSchedule(ctx, schedule); err != nil {
			continue
		}
		summary.RecurringFired++
	}

	span.SetAttributes(
		attribute.Int("delivered", summary.Delivered),
		attribute.Int("failed", summary.Failed),
		attribute.Int("deferred", summary.Deferred),
		attribute.Int("dropped", summary.Dropped),
		attribute.Int("recurring_fired", summary.RecurringFired),
	)
	s.logger.Info("dispatch pass complete",
		zap.Int("delivered", summary.Delivered),
		zap.Int("failed", summary.Failed),
		zap.Int("deferred", summary.Deferred),
		zap.Int("dropped", summary.Dropped),
		zap.Int("recurring_fired", summary.RecurringFired))
	return summary, nil
}

// RunDispatchLoop runs DispatchDue every interval until ctx is done.
func (s *Scheduler) RunDispatchLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("dispatch loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("dispatch loop stopped")
			return
		case <-ticker.C:
			// DispatchDue logs its own failures.
			_, _ = s.DispatchDue(ctx)
		}
	}
}

// dispatchPending claims the record, then re-checks preferences and quiet hours
// at delivery time. Records claimed by an overlapping pass are skipped.
func (s *Scheduler) dispatchPending(ctx context.Context, record Record, summary *DispatchSummary) {
	payload := payloadFromRecord(record)
	claimed, err := s.ledger.ClaimPending(ctx, payload.ID)
	if err != nil {
		s.logError(opDispatchDue, "claim_failed", err, zap.String(fieldNotification, payload.ID))
		return
	}
	if !claimed {
		return
	}
	userID, err := users.NewUserID(payload.UserID)
	if err != nil {
		s.logError(opDispatchDue, "invalid_user", err, zap.String(fieldNotification, payload.ID))
		summary.Dropped++
		s.mark(ctx, payload.ID, StatusDropped)
		return
	}
	preferences := s.loadPreferences(ctx, opDispatchDue, userID)
	if !preferences.CategoryEnabled(payload.Type) {
		summary.Dropped++
		s.mark(ctx, payload.ID, StatusDropped)
		return
	}
	if payload.Type != TypeEmergencySupport {
		if until, quiet := preferences.QuietHours.QuietUntil(s.now()); quiet {
			if err := s.ledger.Reschedule(ctx, payload.ID, until); err != nil {
				s.logError(opDispatchDue, "reschedule_failed", err, zap.String(fieldNotification, payload.ID))
			}
			summary.Deferred++
			return
		}
	}

	if s.Send(ctx, payload) {
		summary.Delivered++
		s.mark(ctx, payload.ID, StatusDelivered)
		return
	}
	summary.Failed++
	s.mark(ctx, payload.ID, StatusFailed)
}

func (s *Scheduler) fireSchedule(ctx context.Context, schedule Schedule) error {
	userID, err := users.NewUserID(schedule.UserID)
	if err != nil {
		s.logError(opDispatchDue, "invalid_schedule_user", err)
		return err
	}
	template, ok := s.catalog.Reminders[schedule.Type]
	if !ok {
		err := apperr.New(opDispatchDue, "unsupported_schedule_type", ErrUnsupportedRecurringType)
		s.logError(opDispatchDue, "unsupported_schedule_type", err, zap.String(fieldType, string(schedule.Type)))
		return err
	}

	now := s.now()
	// A missed backlog fires once.
	from := schedule.NextRun
	if now.After(from) {
		from = now
	}
	nextRun, err := NextRun(schedule.CronExpression, schedule.Timezone, from)
	if err != nil {
		s.logError(opDispatchDue, "invalid_cron", err, zap.String(fieldUserID, schedule.UserID))
		return err
	}
	if err := s.schedules.MarkScheduleRun(ctx, userID, schedule.Type, now, nextRun); err != nil {
		if errors.Is(err, ErrScheduleAlreadyAdvanced) {
			return err
		}
		s.logError(opDispatchDue, "mark_run_failed", err, zap.String(fieldUserID, schedule.UserID))
		return err
	}

	s.Schedule(ctx, Payload{
		UserID:   userID.String(),
		Type:     schedule.Type,
		Title:    template.Title,
		Body:     template.Body,
		Data:     map[string]any{"recurring": true},
		Priority: template.Priority,
		Channels: []Channel{ChannelPush, ChannelInApp},
	})
	return nil
}

func (s *Scheduler) mark(ctx context.Context, notificationID string, status Status) {
	if err := s.ledger.MarkNotification(ctx, notificationID, status, s.now()); err != nil {
		s.logError(opDispatchDue, "mark_failed", err, zap.String(fieldNotification, notificationID))
	}
}
