package notifications

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Type is the notification category. Each type maps onto one preference toggle.
type Type string

const (
	TypeStreakReminder   Type = "streak_reminder"
	TypeDailyCheckin     Type = "daily_checkin"
	TypeRitualSuggestion Type = "ritual_suggestion"
	TypeMilestone        Type = "milestone"
	TypeEmergencySupport Type = "emergency_support"
	TypeLumoNudge        Type = "lumo_nudge"
)

// ErrUnknownType indicates that a notification type string is not recognised.
var ErrUnknownType = errors.New("notifications: unknown type")

// ParseType validates raw input and returns a Type.
func ParseType(raw string) (Type, error) {
	switch candidate := Type(strings.ToLower(strings.TrimSpace(raw))); candidate {
	case TypeStreakReminder, TypeDailyCheckin, TypeRitualSuggestion, TypeMilestone, TypeEmergencySupport, TypeLumoNudge:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}
}

// Priority is the delivery urgency of a payload.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Channel names a delivery adapter.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelInApp Channel = "in_app"
)

// QuietHours is a daily window, in the user's timezone, during which non-urgent
// notifications are deferred. Start and End use "HH:MM".
type QuietHours struct {
	Start    string `gorm:"column:start;size:5;not null" json:"start"`
	End      string `gorm:"column:end;size:5;not null" json:"end"`
	Timezone string `gorm:"column:timezone;size:64;not null" json:"timezone"`
}

// Preferences holds a user's channel switches, category toggles, and quiet hours.
type Preferences struct {
	UserID            string     `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	EnablePush        bool       `gorm:"column:enable_push;not null" json:"enable_push"`
	EnableEmail       bool       `gorm:"column:enable_email;not null" json:"enable_email"`
	EnableInApp       bool       `gorm:"column:enable_in_app;not null" json:"enable_in_app"`
	StreakReminders   bool       `gorm:"column:streak_reminders;not null" json:"streak_reminders"`
	DailyCheckins     bool       `gorm:"column:daily_checkins;not null" json:"daily_checkins"`
	RitualSuggestions bool       `gorm:"column:ritual_suggestions;not null" json:"ritual_suggestions"`
	Milestones        bool       `gorm:"column:milestones;not null" json:"milestones"`
	EmergencySupport  bool       `gorm:"column:emergency_support;not null" json:"emergency_support"`
	LumoNudges        bool       `gorm:"column:lumo_nudges;not null" json:"lumo_nudges"`
	QuietHours        QuietHours `gorm:"embedded;embeddedPrefix:quiet_hours_" json:"quiet_hours"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Preferences) TableName() string {
	return "notification_preferences"
}

const (
	defaultQuietStart = "22:00"
	defaultQuietEnd   = "08:00"
)

// DefaultPreferences enables every channel and category with quiet hours 22:00–08:00.
func DefaultPreferences(userID, timezone string) Preferences {
	if strings.TrimSpace(timezone) == "" {
		timezone = time.UTC.String()
	}
	return Preferences{
		UserID:            userID,
		EnablePush:        true,
		EnableEmail:       true,
		EnableInApp:       true,
		StreakReminders:   true,
		DailyCheckins:     true,
		RitualSuggestions: true,
		Milestones:        true,
		EmergencySupport:  true,
		LumoNudges:        true,
		QuietHours: QuietHours{
			Start:    defaultQuietStart,
			End:      defaultQuietEnd,
			Timezone: timezone,
		},
	}
}

// CategoryEnabled reports whether the toggle for notificationType is on.
// Emergency support cannot be switched off.
func (p Preferences) CategoryEnabled(notificationType Type) bool {
	switch notificationType {
	case TypeStreakReminder:
		return p.StreakReminders
	case TypeDailyCheckin:
		return p.DailyCheckins
	case TypeRitualSuggestion:
		return p.RitualSuggestions
	case TypeMilestone:
		return p.Milestones
	case TypeEmergencySupport:
		return true
	case TypeLumoNudge:
		return p.LumoNudges
	default:
		return false
	}
}

// ChannelEnabled reports whether channel delivery is switched on.
func (p Preferences) ChannelEnabled(channel Channel) bool {
	switch channel {
	case ChannelPush:
		return p.EnablePush
	case ChannelEmail:
		return p.EnableEmail
	case ChannelInApp:
		return p.EnableInApp
	default:
		return false
	}
}

// Payload is a single notification instance.
type Payload struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Type         Type           `json:"type"`
	Title        string         `json:"title"`
	Body         string         `json:"body"`
	Data         map[string]any `json:"data,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	Priority     Priority       `json:"priority"`
	Channels     []Channel      `json:"channels"`
}

// Status tracks a logged notification through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusDropped   Status = "dropped"
)

// Record is the append-only notification log entry for a payload.
type Record struct {
	NotificationID string                       `gorm:"column:notification_id;primaryKey;size:64;not null"`
	UserID         string                       `gorm:"column:user_id;size:190;not null;index"`
	Type           Type                         `gorm:"column:type;size:32;not null"`
	Title          string                       `gorm:"column:title;size:256;not null"`
	Body           string                       `gorm:"column:body;type:text;not null"`
	Data           datatypes.JSON               `gorm:"column:data"`
	Priority       Priority                     `gorm:"column:priority;size:16;not null"`
	Channels       datatypes.JSONSlice[Channel] `gorm:"column:channels;not null"`
	ScheduledFor   *time.Time                   `gorm:"column:scheduled_for;index:idx_notification_log_due,priority:2"`
	Status         Status                       `gorm:"column:status;size:16;not null;index:idx_notification_log_due,priority:1"`
	CreatedAt      time.Time                    `gorm:"column:created_at;not null"`
	DeliveredAt    *time.Time                   `gorm:"column:delivered_at"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "notification_log"
}

// DeliveryAttempt records the outcome of one Send call.
type DeliveryAttempt struct {
	AttemptID      int64                        `gorm:"column:attempt_id;primaryKey;autoIncrement"`
	NotificationID string                       `gorm:"column:notification_id;size:64;not null;index"`
	UserID         string                       `gorm:"column:user_id;size:190;not null"`
	Type           Type                         `gorm:"column:type;size:32;not null"`
	Priority       Priority                     `gorm:"column:priority;size:16;not null"`
	Channels       datatypes.JSONSlice[Channel] `gorm:"column:channels;not null"`
	Delivered      datatypes.JSONSlice[Channel] `gorm:"column:delivered_channels;not null"`
	Success        bool                         `gorm:"column:success;not null"`
	AttemptedAt    time.Time                    `gorm:"column:attempted_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeliveryAttempt) TableName() string {
	return "notification_attempts"
}

const analyticsEventNotificationSent = "notification_sent"

// AnalyticsEvent is appended for every notification that reached at least one channel.
type AnalyticsEvent struct {
	EventID        int64     `gorm:"column:event_id;primaryKey;autoIncrement"`
	Name           string    `gorm:"column:name;size:64;not null"`
	UserID         string    `gorm:"column:user_id;size:190;not null;index"`
	NotificationID string    `gorm:"column:notification_id;size:64;not null"`
	Type           Type      `gorm:"column:type;size:32;not null"`
	OccurredAt     time.Time `gorm:"column:occurred_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AnalyticsEvent) TableName() string {
	return "notification_analytics_events"
}

// Schedule is a recurring reminder keyed by user and type.
type Schedule struct {
	UserID         string     `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	Type           Type       `gorm:"column:type;primaryKey;size:32;not null" json:"type"`
	CronExpression string     `gorm:"column:cron_expression;size:64;not null" json:"cron_expression"`
	Timezone       string     `gorm:"column:timezone;size:64;not null" json:"timezone"`
	IsActive       bool       `gorm:"column:is_active;not null;index" json:"is_active"`
	LastSent       *time.Time `gorm:"column:last_sent" json:"last_sent,omitempty"`
	NextRun        time.Time  `gorm:"column:next_run;not null;index" json:"next_run"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Schedule) TableName() string {
	return "notification_schedules"
}

// InboxEntry is an in-app notification shown in the user's inbox.
type InboxEntry struct {
	NotificationID string     `gorm:"column:notification_id;primaryKey;size:64;not null" json:"id"`
	UserID         string     `gorm:"column:user_id;size:190;not null;index:idx_inbox_user_time,priority:1" json:"-"`
	Type           Type       `gorm:"column:type;size:32;not null" json:"type"`
	Title          string     `gorm:"column:title;size:256;not null" json:"title"`
	Body           string     `gorm:"column:body;type:text;not null" json:"body"`
	Priority       Priority   `gorm:"column:priority;size:16;not null" json:"priority"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;index:idx_inbox_user_time,priority:2" json:"created_at"`
	ReadAt         *time.Time `gorm:"column:read_at" json:"read_at,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (InboxEntry) TableName() string {
	return "notification_inbox"
}
