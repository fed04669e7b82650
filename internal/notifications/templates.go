package notifications

import (
	"errors"
	"fmt"
	"strings"
)

// Template is canned notification copy.
type Template struct {
	Title    string
	Body     string
	Priority Priority
}

// NudgeContext selects a contextual nudge template.
type NudgeContext string

const (
	NudgeLowActivity   NudgeContext = "low_activity"
	NudgeStreakRisk    NudgeContext = "streak_risk"
	NudgeQuotaLow      NudgeContext = "quota_low"
	NudgeMilestoneNear NudgeContext = "milestone_near"
)

// NudgeContexts lists every nudge context.
var NudgeContexts = []NudgeContext{NudgeLowActivity, NudgeStreakRisk, NudgeQuotaLow, NudgeMilestoneNear}

// MilestoneKey selects a milestone template. Keys are "<type>_<value>".
type MilestoneKey string

const (
	MilestoneStreak7        MilestoneKey = "streak_7"
	MilestoneStreak30       MilestoneKey = "streak_30"
	MilestoneLevelUp        MilestoneKey = "level_up"
	MilestoneBytesMilestone MilestoneKey = "bytes_milestone"
)

// MilestoneKeys lists every milestone key.
var MilestoneKeys = []MilestoneKey{MilestoneStreak7, MilestoneStreak30, MilestoneLevelUp, MilestoneBytesMilestone}

// EmergencyTrigger selects an emergency support template.
type EmergencyTrigger string

const (
	TriggerCrisisKeywords EmergencyTrigger = "crisis_keywords"
	TriggerHighDistress   EmergencyTrigger = "high_distress"
	TriggerRelapseRisk    EmergencyTrigger = "relapse_risk"
)

// EmergencyTriggers lists every emergency trigger.
var EmergencyTriggers = []EmergencyTrigger{TriggerCrisisKeywords, TriggerHighDistress, TriggerRelapseRisk}

var (
	ErrUnknownNudgeContext     = errors.New("notifications: unknown nudge context")
	ErrUnknownEmergencyTrigger = errors.New("notifications: unknown emergency trigger")
	errIncompleteTemplates     = errors.New("notifications: incomplete template catalog")
)

// ParseNudgeContext validates raw input and returns a NudgeContext.
func ParseNudgeContext(raw string) (NudgeContext, error) {
	candidate := NudgeContext(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range NudgeContexts {
		if candidate == known {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownNudgeContext, raw)
}

// ParseEmergencyTrigger validates raw input and returns an EmergencyTrigger.
func ParseEmergencyTrigger(raw string) (EmergencyTrigger, error) {
	candidate := EmergencyTrigger(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range EmergencyTriggers {
		if candidate == known {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEmergencyTrigger, raw)
}

// Milestone describes an achievement to celebrate.
type Milestone struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Reward string `json:"reward,omitempty"`
}

// Key returns "<type>_<value>".
func (m Milestone) Key() MilestoneKey {
	return MilestoneKey(fmt.Sprintf("%s_%s", strings.TrimSpace(m.Type), strings.TrimSpace(m.Value)))
}

// Catalog holds the canned copy for every enumerated notification.
type Catalog struct {
	Nudges     map[NudgeContext]Template
	Milestones map[MilestoneKey]Template
	Emergency  map[EmergencyTrigger]Template
	Reminders  map[Type]Template
}

// DefaultCatalog returns the product copy.
func DefaultCatalog() Catalog {
	return Catalog{
		Nudges: map[NudgeContext]Template{
			NudgeLowActivity: {
				Title:    "Lumo misses you",
				Body:     "It's been quiet lately. A two-minute ritual is a gentle way back in.",
				Priority: PriorityNormal,
			},
			NudgeStreakRisk: {
				Title:    "Your streak needs you",
				Body:     "One small step today keeps your healing streak alive.",
				Priority: PriorityHigh,
			},
			NudgeQuotaLow: {
				Title:    "Running low on sessions",
				Body:     "You've used most of today's AI sessions. Journaling is always open.",
				Priority: PriorityLow,
			},
			NudgeMilestoneNear: {
				Title:    "Almost there",
				Body:     "You're one step away from your next milestone. Keep going.",
				Priority: PriorityNormal,
			},
		},
		Milestones: map[MilestoneKey]Template{
			MilestoneStreak7: {
				Title:    "One week strong",
				Body:     "Seven days in a row. That's real momentum.",
				Priority: PriorityHigh,
			},
			MilestoneStreak30: {
				Title:    "Thirty days of healing",
				Body:     "A whole month of showing up for yourself. Take a moment to feel proud.",
				Priority: PriorityHigh,
			},
			MilestoneLevelUp: {
				Title:    "Level up",
				Body:     "You reached a new level. Your consistency is paying off.",
				Priority: PriorityHigh,
			},
			MilestoneBytesMilestone: {
				Title:    "Bytes milestone reached",
				Body:     "You've earned a new Bytes milestone. Spend them on something kind for yourself.",
				Priority: PriorityHigh,
			},
		},
		Emergency: map[EmergencyTrigger]Template{
			TriggerCrisisKeywords: {
				Title:    "You're not alone",
				Body:     "If you're in crisis, please reach out now. Call or text 988 in the US, or your local emergency number.",
				Priority: PriorityUrgent,
			},
			TriggerHighDistress: {
				Title:    "We're here with you",
				Body:     "Things feel heavy right now. Try a grounding exercise, or talk to someone you trust.",
				Priority: PriorityUrgent,
			},
			TriggerRelapseRisk: {
				Title:    "Pause before you reach out",
				Body:     "Urges pass. Open your no-contact plan and give it ten minutes.",
				Priority: PriorityUrgent,
			},
		},
		Reminders: map[Type]Template{
			TypeStreakReminder: {
				Title:    "Keep your streak going",
				Body:     "You haven't completed a ritual today. A few minutes is all it takes.",
				Priority: PriorityNormal,
			},
			TypeDailyCheckin: {
				Title:    "Good morning",
				Body:     "How are you feeling today? Check in with Lumo.",
				Priority: PriorityNormal,
			},
		},
	}
}

// Validate rejects catalogs missing any enumerated key or carrying empty copy.
func (c Catalog) Validate() error {
	var missing []string
	check := func(kind, key string, template Template, ok bool) {
		if !ok || strings.TrimSpace(template.Title) == "" || strings.TrimSpace(template.Body) == "" || template.Priority == "" {
			missing = append(missing, kind+":"+key)
		}
	}
	for _, key := range NudgeContexts {
		template, ok := c.Nudges[key]
		check("nudge", string(key), template, ok)
	}
	for _, key := range MilestoneKeys {
		template, ok := c.Milestones[key]
		check("milestone", string(key), template, ok)
	}
	for _, key := range EmergencyTriggers {
		template, ok := c.Emergency[key]
		check("emergency", string(key), template, ok)
	}
	for _, key := range []Type{TypeStreakReminder, TypeDailyCheckin} {
		template, ok := c.Reminders[key]
		check("reminder", string(key), template, ok)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", errIncompleteTemplates, strings.Join(missing, ", "))
	}
	return nil
}

// milestone falls back to the level-up copy for unknown keys.
func (c Catalog) milestone(key MilestoneKey) Template {
	if template, ok := c.Milestones[key]; ok {
		return template
	}
	return c.Milestones[MilestoneLevelUp]
}
