package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ActionType enumerates the user actions gated by the fair-use policy.
type ActionType string

const (
	// ActionRitual is a ritual completion.
	ActionRitual ActionType = "ritual"
	// ActionJournal is a journal entry.
	ActionJournal ActionType = "journal"
	// ActionAISession is a single AI therapy turn.
	ActionAISession ActionType = "ai_session"
)

// ErrUnknownActionType indicates that an action type string is not recognised.
var ErrUnknownActionType = errors.New("policy: unknown action type")

// ParseActionType validates raw input and returns an ActionType.
func ParseActionType(raw string) (ActionType, error) {
	switch ActionType(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionRitual:
		return ActionRitual, nil
	case ActionJournal:
		return ActionJournal, nil
	case ActionAISession:
		return ActionAISession, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownActionType, raw)
	}
}

// ViolationKind classifies a detected abuse pattern.
type ViolationKind string

const (
	ViolationRitualSpam       ViolationKind = "ritual_spam"
	ViolationJournalRapidFire ViolationKind = "journal_rapid_fire"
	ViolationAIAbuse          ViolationKind = "ai_abuse"
	ViolationSystemGaming     ViolationKind = "system_gaming"
)

// Severity orders violations from informational to account-blocking.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityWarning:  1,
	SeverityMinor:    2,
	SeverityMajor:    3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRanks[s] >= severityRanks[other]
}

// Feature keys used in cooldown maps. Persona voices are feature keys too.
const (
	FeatureAll     = "all"
	FeatureJournal = "journal"
)

// ActionRecord is an immutable fact that a user performed a gated action.
type ActionRecord struct {
	RecordID   int64      `gorm:"column:record_id;primaryKey;autoIncrement"`
	UserID     string     `gorm:"column:user_id;size:190;not null;index:idx_policy_actions_user_type_time,priority:1"`
	ActionType ActionType `gorm:"column:action_type;size:32;not null;index:idx_policy_actions_user_type_time,priority:2"`
	FeatureKey string     `gorm:"column:feature_key;size:190;not null;default:''"`
	OccurredAt time.Time  `gorm:"column:occurred_at;not null;index:idx_policy_actions_user_type_time,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (ActionRecord) TableName() string {
	return "policy_action_records"
}

// Violation is an append-only record of a detected abuse pattern.
type Violation struct {
	ViolationID      string                      `gorm:"column:violation_id;primaryKey;size:64;not null" json:"violation_id"`
	UserID           string                      `gorm:"column:user_id;size:190;not null;index:idx_policy_violations_user_time,priority:1" json:"user_id"`
	Kind             ViolationKind               `gorm:"column:kind;size:32;not null" json:"kind"`
	Severity         Severity                    `gorm:"column:severity;size:16;not null" json:"severity"`
	CooldownMinutes  int                         `gorm:"column:cooldown_minutes;not null" json:"cooldown_minutes"`
	AffectedFeatures datatypes.JSONSlice[string] `gorm:"column:affected_features;not null" json:"affected_features"`
	Reason           string                      `gorm:"column:reason;size:512;not null" json:"reason"`
	RecordedAt       time.Time                   `gorm:"column:recorded_at;not null;index:idx_policy_violations_user_time,priority:2" json:"recorded_at"`
}

// TableName provides the explicit table binding for GORM.
func (Violation) TableName() string {
	return "policy_violations"
}

// CooldownEndsAt returns recordedAt + cooldownMinutes.
func (v Violation) CooldownEndsAt() time.Time {
	return v.RecordedAt.Add(time.Duration(v.CooldownMinutes) * time.Minute)
}

// IsIndefinite reports whether the violation blocks without an end, which only
// critical violations recorded with a zero cooldown do.
func (v Violation) IsIndefinite() bool {
	return v.Severity == SeverityCritical && v.CooldownMinutes <= 0
}

// IsActiveAt reports whether the violation still affects the user at now.
func (v Violation) IsActiveAt(now time.Time) bool {
	if v.IsIndefinite() {
		return true
	}
	return now.Before(v.CooldownEndsAt())
}

// CooldownMap maps feature keys to the instant their cooldown ends.
type CooldownMap map[string]time.Time

// ActiveUntil returns the end of the cooldown for feature if it is still running at now.
func (m CooldownMap) ActiveUntil(feature string, now time.Time) (time.Time, bool) {
	end, ok := m[feature]
	if !ok || !now.Before(end) {
		return time.Time{}, false
	}
	return end, true
}

// Usage holds the counts observed in the trailing windows.
type Usage struct {
	RitualsLastHour        int `json:"rituals_last_hour"`
	JournalEntriesLastHour int `json:"journal_entries_last_hour"`
	AISessionsLastDay      int `json:"ai_sessions_last_day"`
}

// Limits holds the effective caps after violation shrinkage plus current usage.
type Limits struct {
	Tier                  Tier  `json:"tier"`
	RitualsPerHour        int   `json:"rituals_per_hour"`
	JournalEntriesPerHour int   `json:"journal_entries_per_hour"`
	AISessionsPerDay      int   `json:"ai_sessions_per_day"`
	CurrentUsage          Usage `json:"current_usage"`
}

// Status is the computed, read-only view of a user's fair-use state.
type Status struct {
	IsBlocked        bool        `json:"is_blocked"`
	ActiveViolations []Violation `json:"active_violations"`
	Cooldowns        CooldownMap `json:"cooldowns"`
	Warnings         []string    `json:"warnings"`
	NextAllowedAt    *time.Time  `json:"next_allowed_at"`
	Limits           Limits      `json:"limits"`
}

// Decision is the outcome of a gated action check. Denials always carry a reason.
type Decision struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
	CooldownMinutes int    `json:"cooldown_minutes,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string, cooldownMinutes int) Decision {
	return Decision{Allowed: false, Reason: reason, CooldownMinutes: cooldownMinutes}
}
