package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opNewScheduler    = "notifications.scheduler.new"
	opSchedule        = "notifications.schedule"
	opSend            = "notifications.send"
	opNudge           = "notifications.send_contextual_nudge"
	opEmergency       = "notifications.send_emergency_support"
	tracerName        = "github.com/MarcoPoloResearchLab/mend/backend/internal/notifications"
	fieldUserID       = "user_id"
	fieldType         = "type"
	fieldNotification = "notification_id"
	defaultBatchSize  = 100
)

var (
	errMissingPreferenceStore = errors.New("preference store is required")
	errMissingLedger          = errors.New("notification ledger is required")
	errMissingScheduleStore   = errors.New("schedule store is required")
	errNoSender               = errors.New("no sender registered for channel")
	noOpLogger                = zap.NewNop()
)

// IDProvider issues notification identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// SchedulerConfig describes the collaborators of the notification scheduler.
type SchedulerConfig struct {
	Preferences       PreferenceStore
	Ledger            Ledger
	Schedules         ScheduleStore
	Senders           map[Channel]ChannelSender
	Catalog           *Catalog
	Clock             func() time.Time
	IDProvider        IDProvider
	Logger            *zap.Logger
	Metrics           metrics.Recorder
	Tracer            trace.Tracer
	DefaultTimezone   string
	DispatchBatchSize int
}

// Scheduler filters, defers, and dispatches notifications according to user preferences.
type Scheduler struct {
	preferences     PreferenceStore
	ledger          Ledger
	schedules       ScheduleStore
	senders         map[Channel]ChannelSender
	catalog         Catalog
	clock           func() time.Time
	idProvider      IDProvider
	logger          *zap.Logger
	metrics         metrics.Recorder
	tracer          trace.Tracer
	defaultTimezone string
	batchSize       int
}

// NewScheduler validates the configuration and the template catalog.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Preferences == nil {
		return nil, apperr.New(opNewScheduler, "missing_preferences", errMissingPreferenceStore)
	}
	if cfg.Ledger == nil {
		return nil, apperr.New(opNewScheduler, "missing_ledger", errMissingLedger)
	}
	if cfg.Schedules == nil {
		return nil, apperr.New(opNewScheduler, "missing_schedules", errMissingScheduleStore)
	}
	catalog := DefaultCatalog()
	if cfg.Catalog != nil {
		catalog = *cfg.Catalog
	}
	if err := catalog.Validate(); err != nil {
		return nil, apperr.New(opNewScheduler, "invalid_catalog", err)
	}

	senders := make(map[Channel]ChannelSender, len(cfg.Senders))
	for channel, sender := range cfg.Senders {
		if sender != nil {
			senders[channel] = sender
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuidProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	batchSize := cfg.DispatchBatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &Scheduler{
		preferences:     cfg.Preferences,
		ledger:          cfg.Ledger,
		schedules:       cfg.Schedules,
		senders:         senders,
		catalog:         catalog,
		clock:           clock,
		idProvider:      idProvider,
		logger:          logger,
		metrics:         recorder,
		tracer:          tracer,
		defaultTimezone: cfg.DefaultTimezone,
		batchSize:       batchSize,
	}, nil
}

// Schedule drops payloads whose category is switched off, defers non-emergency
// payloads that arrive during quiet hours, logs the payload, and sends it when due.
// It reports whether the payload was delivered or queued.
func (s *Scheduler) Schedule(ctx context.Context, payload Payload) bool {
	ctx, span := s.tracer.Start(ctx, opSchedule, trace.WithAttributes(
		attribute.String(fieldType, string(payload.Type)),
	))
	defer span.End()

	userID, err := users.NewUserID(payload.UserID)
	if err != nil {
		s.logError(opSchedule, "invalid_user", err)
		return false
	}
	payload.UserID = userID.String()

	preferences := s.loadPreferences(ctx, opSchedule, userID)
	if !preferences.CategoryEnabled(payload.Type) {
		s.logger.Debug("notification dropped by category preference",
			zap.String(fieldUserID, payload.UserID),
			zap.String(fieldType, string(payload.Type)))
		span.SetAttributes(attribute.Bool("dropped", true))
		return false
	}

	if payload.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSchedule, "id_generation_failed", err, zap.String(fieldUserID, payload.UserID))
			return false
		}
		payload.ID = id
	}

	now := s.now()
	if payload.Type != TypeEmergencySupport {
		if until, quiet := preferences.QuietHours.QuietUntil(now); quiet {
			if payload.ScheduledFor == nil || payload.ScheduledFor.Before(until) {
				deferred := until.UTC()
				payload.ScheduledFor = &deferred
			}
		}
	}
	deferred := payload.ScheduledFor != nil && payload.ScheduledFor.After(now)
	span.SetAttributes(attribute.Bool("deferred", deferred))

	record, err := recordFromPayload(payload, StatusPending, now)
	if err != nil {
		s.logError(opSchedule, "encode_failed", err, zap.String(fieldNotification, payload.ID))
		return false
	}
	logged := true
	if err := s.ledger.AppendNotification(ctx, record); err != nil {
		logged = false
		s.logError(opSchedule, "log_failed", err,
			zap.String(fieldUserID, payload.UserID),
			zap.String(fieldNotification, payload.ID))
		if deferred {
			return false
		}
	}

	if deferred {
		s.logger.Info("notification deferred",
			zap.String(fieldUserID, payload.UserID),
			zap.String(fieldNotification, payload.ID),
			zap.String(fieldType, string(payload.Type)),
			zap.Time("scheduled_for", *payload.ScheduledFor))
		return true
	}

	delivered := s.Send(ctx, payload)
	if logged {
		s.markOutcome(ctx, payload.ID, delivered)
	}
	return delivered
}

// Send delivers payload over each listed channel the user has enabled and reports
// whether any channel succeeded. Emergency support ignores channel switches.
func (s *Scheduler) Send(ctx context.Context, payload Payload) bool {
	ctx, span := s.tracer.Start(ctx, opSend, trace.WithAttributes(
		attribute.String(fieldType, string(payload.Type)),
		attribute.String(fieldNotification, payload.ID),
	))
	defer span.End()

	userID, err := users.NewUserID(payload.UserID)
	if err != nil {
		s.logError(opSend, "invalid_user", err)
		return false
	}
	preferences := s.loadPreferences(ctx, opSend, userID)

	channels := make([]Channel, 0, len(payload.Channels))
	for _, channel := range uniqueChannels(payload.Channels) {
		if payload.Type == TypeEmergencySupport || preferences.ChannelEnabled(channel) {
			channels = append(channels, channel)
		}
	}

	results := make([]bool, len(channels))
	var group errgroup.Group
	for index, channel := range channels {
		group.Go(func() error {
			results[index] = s.deliver(ctx, channel, payload)
			return nil
		})
	}
	_ = group.Wait()

	success := false
	delivered := make([]Channel, 0, len(channels))
	for index, ok := range results {
		if ok {
			success = true
			delivered = append(delivered, channels[index])
		}
	}
	span.SetAttributes(attribute.Bool("success", success), attribute.Int("channels", len(channels)))

	now := s.now()
	attempt := DeliveryAttempt{
		NotificationID: payload.ID,
		UserID:         payload.UserID,
		Type:           payload.Type,
		Priority:       payload.Priority,
		Channels:       append([]Channel(nil), payload.Channels...),
		Delivered:      delivered,
		Success:        success,
		AttemptedAt:    now,
	}
	if err := s.ledger.AppendAttempt(ctx, attempt); err != nil {
		s.logError(opSend, "attempt_log_failed", err, zap.String(fieldNotification, payload.ID))
	}

	fields := []zap.Field{
		zap.String(fieldUserID, payload.UserID),
		zap.String(fieldNotification, payload.ID),
		zap.String(fieldType, string(payload.Type)),
		zap.String("priority", string(payload.Priority)),
		zap.Int("channels_attempted", len(channels)),
		zap.Int("channels_delivered", len(delivered)),
	}
	if !success {
		s.logger.Warn("notification not delivered", fields...)
		return false
	}
	s.logger.Info("notification delivered", fields...)

	event := AnalyticsEvent{
		Name:           analyticsEventNotificationSent,
		UserID:         payload.UserID,
		NotificationID: payload.ID,
		Type:           payload.Type,
		OccurredAt:     now,
	}
	if err := s.ledger.AppendAnalytics(ctx, event); err != nil {
		s.logError(opSend, "analytics_failed", err, zap.String(fieldNotification, payload.ID))
	}
	return true
}

// SendContextualNudge schedules the canned nudge for nudgeContext.
func (s *Scheduler) SendContextualNudge(ctx context.Context, userID users.UserID, nudgeContext NudgeContext) bool {
	template, ok := s.catalog.Nudges[nudgeContext]
	if !ok {
		s.logError(opNudge, "unknown_context", fmt.Errorf("%w: %q", ErrUnknownNudgeContext, nudgeContext),
			zap.String(fieldUserID, userID.String()))
		return false
	}
	return s.Schedule(ctx, Payload{
		UserID:   userID.String(),
		Type:     TypeLumoNudge,
		Title:    template.Title,
		Body:     template.Body,
		Data:     map[string]any{"context": string(nudgeContext)},
		Priority: template.Priority,
		Channels: []Channel{ChannelPush, ChannelInApp},
	})
}

// SendMilestone schedules a high-priority celebration for milestone, falling back
// to the level-up copy when the milestone has no dedicated template.
func (s *Scheduler) SendMilestone(ctx context.Context, userID users.UserID, milestone Milestone) bool {
	template := s.catalog.milestone(milestone.Key())
	data := map[string]any{
		"milestone_type":  milestone.Type,
		"milestone_value": milestone.Value,
	}
	if milestone.Reward != "" {
		data["reward"] = milestone.Reward
	}
	return s.Schedule(ctx, Payload{
		UserID:   userID.String(),
		Type:     TypeMilestone,
		Title:    template.Title,
		Body:     template.Body,
		Data:     data,
		Priority: PriorityHigh,
		Channels: []Channel{ChannelPush, ChannelInApp, ChannelEmail},
	})
}

// SendEmergencySupport sends urgent support copy immediately, bypassing quiet hours
// and the deferred queue.
func (s *Scheduler) SendEmergencySupport(ctx context.Context, userID users.UserID, trigger EmergencyTrigger) bool {
	template, ok := s.catalog.Emergency[trigger]
	if !ok {
		s.logError(opEmergency, "unknown_trigger", fmt.Errorf("%w: %q", ErrUnknownEmergencyTrigger, trigger),
			zap.String(fieldUserID, userID.String()))
		return false
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opEmergency, "id_generation_failed", err, zap.String(fieldUserID, userID.String()))
		return false
	}
	payload := Payload{
		ID:       id,
		UserID:   userID.String(),
		Type:     TypeEmergencySupport,
		Title:    template.Title,
		Body:     template.Body,
		Data:     map[string]any{"trigger": string(trigger)},
		Priority: PriorityUrgent,
		Channels: []Channel{ChannelPush, ChannelInApp},
	}

	delivered := s.Send(ctx, payload)
	status := StatusFailed
	if delivered {
		status = StatusDelivered
	}
	record, err := recordFromPayload(payload, status, s.now())
	if err == nil {
		if delivered {
			deliveredAt := s.now()
			record.DeliveredAt = &deliveredAt
		}
		err = s.ledger.AppendNotification(ctx, record)
	}
	if err != nil {
		s.logError(opEmergency, "log_failed", err, zap.String(fieldNotification, payload.ID))
	}
	return delivered
}

// Preferences returns the user's preferences, falling back to defaults when the store fails.
func (s *Scheduler) Preferences(ctx context.Context, userID users.UserID) Preferences {
	return s.loadPreferences(ctx, "notifications.preferences", userID)
}

// UpdatePreferences stores the user's preferences. Emergency support stays enabled.
func (s *Scheduler) UpdatePreferences(ctx context.Context, userID users.UserID, preferences Preferences) (Preferences, error) {
	preferences.UserID = userID.String()
	preferences.EmergencySupport = true
	if err := s.preferences.Put(ctx, preferences); err != nil {
		return Preferences{}, err
	}
	return s.Preferences(ctx, userID), nil
}

func (s *Scheduler) deliver(ctx context.Context, channel Channel, payload Payload) bool {
	sender, ok := s.senders[channel]
	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", errNoSender, channel)
	} else {
		err = sender.Deliver(ctx, payload)
	}
	success := err == nil
	s.metrics.RecordNotificationAttempt(ctx, string(payload.Type), string(channel), success)
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, ErrChannelUnavailable) || errors.Is(err, errNoSender) {
			level = zap.DebugLevel
		}
		s.logger.Log(level, "notification channel delivery failed",
			zap.String(fieldNotification, payload.ID),
			zap.String("channel", string(channel)),
			zap.Error(err))
	}
	return success
}

func (s *Scheduler) markOutcome(ctx context.Context, notificationID string, delivered bool) {
	status := StatusFailed
	if delivered {
		status = StatusDelivered
	}
	if err := s.ledger.MarkNotification(ctx, notificationID, status, s.now()); err != nil {
		s.logError(opSchedule, "mark_failed", err, zap.String(fieldNotification, notificationID))
	}
}

func (s *Scheduler) loadPreferences(ctx context.Context, operation string, userID users.UserID) Preferences {
	preferences, err := s.preferences.Get(ctx, userID)
	if err != nil {
		s.logError(operation, "preferences_unavailable", err, zap.String(fieldUserID, userID.String()))
		return DefaultPreferences(userID.String(), s.defaultTimezone)
	}
	return preferences
}

func (s *Scheduler) now() time.Time {
	return s.clock().UTC()
}

func (s *Scheduler) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := s.logger
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	logger.Error("notification scheduler error", append(attrs, fields...)...)
}

func uniqueChannels(channels []Channel) []Channel {
	seen := make(map[Channel]struct{}, len(channels))
	unique := make([]Channel, 0, len(channels))
	for _, channel := range channels {
		if _, ok := seen[channel]; ok {
			continue
		}
		seen[channel] = struct{}{}
		unique = append(unique, channel)
	}
	return unique
}
