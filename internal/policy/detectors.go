package policy

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
)

// AbuseInput is what an abuse detector sees: the user, the feature being used
// (a persona voice for AI sessions), the evaluation instant, and read access to history.
type AbuseInput struct {
	UserID     users.UserID
	FeatureKey string
	Now        time.Time
	History    HistoryReader
}

// AbuseVerdict describes a detected abuse pattern and the violation it should produce.
type AbuseVerdict struct {
	Abusive          bool
	Kind             ViolationKind
	Severity         Severity
	CooldownMinutes  int
	Reason           string
	AffectedFeatures []string
}

// AbuseDetector is the extension point for per-action abuse heuristics.
type AbuseDetector interface {
	Detect(ctx context.Context, input AbuseInput) (AbuseVerdict, error)
}

// AbuseDetectorFunc adapts a function to AbuseDetector.
type AbuseDetectorFunc func(ctx context.Context, input AbuseInput) (AbuseVerdict, error)

// Detect calls f.
func (f AbuseDetectorFunc) Detect(ctx context.Context, input AbuseInput) (AbuseVerdict, error) {
	return f(ctx, input)
}

// FrequencyDetector flags a user who performed more than MaxActions actions of
// ActionType inside Window. With PerFeature set, only actions on the input's
// feature key count and the resulting violation is scoped to that key alone.
type FrequencyDetector struct {
	ActionType      ActionType
	Window          time.Duration
	MaxActions      int
	PerFeature      bool
	Kind            ViolationKind
	Severity        Severity
	CooldownMinutes int
	Reason          string
	Features        []string
}

// NewJournalFrequencyDetector flags more than 5 journal entries within 10 minutes.
func NewJournalFrequencyDetector() FrequencyDetector {
	return FrequencyDetector{
		ActionType:      ActionJournal,
		Window:          10 * time.Minute,
		MaxActions:      5,
		Kind:            ViolationJournalRapidFire,
		Severity:        SeverityMinor,
		CooldownMinutes: 15,
		Reason:          "Too many journal entries in a short time. Take a breath and come back soon.",
		Features:        []string{FeatureJournal},
	}
}

// NewAISessionFrequencyDetector flags more than 10 turns with the same persona within 30 minutes.
func NewAISessionFrequencyDetector() FrequencyDetector {
	return FrequencyDetector{
		ActionType:      ActionAISession,
		Window:          30 * time.Minute,
		MaxActions:      10,
		PerFeature:      true,
		Kind:            ViolationAIAbuse,
		Severity:        SeverityMinor,
		CooldownMinutes: 30,
		Reason:          "This persona needs a short break after a very intense conversation.",
	}
}

// Detect implements AbuseDetector.
func (d FrequencyDetector) Detect(ctx context.Context, input AbuseInput) (AbuseVerdict, error) {
	if input.History == nil || d.MaxActions <= 0 {
		return AbuseVerdict{}, nil
	}
	featureKey := ""
	if d.PerFeature {
		featureKey = input.FeatureKey
	}
	count, err := input.History.CountActions(ctx, input.UserID, d.ActionType, featureKey, input.Now.Add(-d.Window))
	if err != nil {
		return AbuseVerdict{}, err
	}
	if count <= d.MaxActions {
		return AbuseVerdict{}, nil
	}

	features := append([]string(nil), d.Features...)
	if d.PerFeature && input.FeatureKey != "" {
		features = []string{input.FeatureKey}
	}
	return AbuseVerdict{
		Abusive:          true,
		Kind:             d.Kind,
		Severity:         d.Severity,
		CooldownMinutes:  d.CooldownMinutes,
		Reason:           d.Reason,
		AffectedFeatures: features,
	}, nil
}

// XPFarmingDetector is the extension point for experience-point farming detection.
type XPFarmingDetector interface {
	DetectXPFarming(ctx context.Context, userID users.UserID, xp int) (GamingVerdict, error)
}

// NoXPFarming never reports farming.
type NoXPFarming struct{}

// DetectXPFarming implements XPFarmingDetector.
func (NoXPFarming) DetectXPFarming(context.Context, users.UserID, int) (GamingVerdict, error) {
	return GamingVerdict{}, nil
}
