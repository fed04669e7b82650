package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// GamingAction names the reward-bearing action inspected by DetectGaming.
type GamingAction string

const (
	GamingRitualCompletion GamingAction = "ritual_completion"
	GamingJournalEntry     GamingAction = "journal_entry"
	GamingXPGain           GamingAction = "xp_gain"
)

// ErrUnknownGamingAction indicates that a gaming action string is not recognised.
var ErrUnknownGamingAction = errors.New("policy: unknown gaming action")

// ParseGamingAction validates raw input and returns a GamingAction.
func ParseGamingAction(raw string) (GamingAction, error) {
	switch GamingAction(strings.ToLower(strings.TrimSpace(raw))) {
	case GamingRitualCompletion:
		return GamingRitualCompletion, nil
	case GamingJournalEntry:
		return GamingJournalEntry, nil
	case GamingXPGain:
		return GamingXPGain, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownGamingAction, raw)
	}
}

// GamingInput carries the action payload a gaming heuristic may inspect.
type GamingInput struct {
	Content string
	XP      int
}

// GamingVerdict is the result of DetectGaming.
type GamingVerdict struct {
	IsGaming bool     `json:"is_gaming"`
	Severity Severity `json:"severity,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

const (
	rapidFireSampleSize      = 10
	rapidFireGap             = 5 * time.Minute
	rapidFireMinPairs        = 2
	repetitionMinWords       = 20
	repetitionMaxUniqueRatio = 0.3
	briefContentMinChars     = 50

	ReasonRapidFireRituals  = "rapid-fire ritual completions"
	ReasonRepetitiveJournal = "excessive repetition in journal entry"
	ReasonBriefJournal      = "journal entry too brief for meaningful reflection"
)

// DetectGaming runs the reward-gaming heuristics for action. Read failures fail open.
func (g *Gate) DetectGaming(ctx context.Context, userID users.UserID, action GamingAction, input GamingInput) GamingVerdict {
	ctx, span := g.tracer.Start(ctx, opDetectGaming, trace.WithAttributes(attribute.String("action", string(action))))
	defer span.End()

	var verdict GamingVerdict
	switch action {
	case GamingRitualCompletion:
		records, err := g.store.RecentActions(ctx, userID, ActionRitual, rapidFireSampleSize)
		if err != nil {
			g.logFailOpen(opDetectGaming, "history_query_failed", err, zap.String(fieldUserID, userID.String()))
			return GamingVerdict{}
		}
		verdict = detectRapidFire(records)
	case GamingJournalEntry:
		verdict = analyzeJournalContent(input.Content)
	case GamingXPGain:
		xpVerdict, err := g.xpDetector.DetectXPFarming(ctx, userID, input.XP)
		if err != nil {
			g.logFailOpen(opDetectGaming, "xp_detector_failed", err, zap.String(fieldUserID, userID.String()))
			return GamingVerdict{}
		}
		verdict = xpVerdict
	default:
		return GamingVerdict{}
	}

	span.SetAttributes(attribute.Bool("gaming", verdict.IsGaming))
	if verdict.IsGaming && verdict.Severity.AtLeast(SeverityMajor) {
		g.recordViolation(ctx, userID, AbuseVerdict{
			Abusive:          true,
			Kind:             ViolationSystemGaming,
			Severity:         verdict.Severity,
			CooldownMinutes:  SeverityCooldownMinutes(verdict.Severity),
			Reason:           verdict.Reason,
			AffectedFeatures: []string{FeatureAll},
		})
	}
	return verdict
}

// detectRapidFire expects records newest first and flags two or more consecutive
// gaps shorter than rapidFireGap.
func detectRapidFire(records []ActionRecord) GamingVerdict {
	rapidPairs := 0
	for index := 0; index+1 < len(records); index++ {
		gap := records[index].OccurredAt.Sub(records[index+1].OccurredAt)
		if gap < 0 {
			gap = -gap
		}
		if gap < rapidFireGap {
			rapidPairs++
		}
	}
	if rapidPairs < rapidFireMinPairs {
		return GamingVerdict{}
	}
	return GamingVerdict{IsGaming: true, Severity: SeverityMajor, Reason: ReasonRapidFireRituals}
}

func analyzeJournalContent(content string) GamingVerdict {
	words := strings.Fields(strings.ToLower(content))
	if len(words) >= repetitionMinWords {
		unique := make(map[string]struct{}, len(words))
		for _, word := range words {
			unique[word] = struct{}{}
		}
		if float64(len(unique))/float64(len(words)) < repetitionMaxUniqueRatio {
			return GamingVerdict{IsGaming: true, Severity: SeverityMinor, Reason: ReasonRepetitiveJournal}
		}
	}
	if len([]rune(strings.TrimSpace(content))) < briefContentMinChars {
		return GamingVerdict{IsGaming: true, Severity: SeverityMinor, Reason: ReasonBriefJournal}
	}
	return GamingVerdict{}
}

// SeverityCooldownMinutes is the cooldown attached to violations derived from a severity.
func SeverityCooldownMinutes(severity Severity) int {
	switch severity {
	case SeverityWarning:
		return 5
	case SeverityMinor:
		return 15
	case SeverityMajor:
		return 60
	case SeverityCritical:
		return 24 * 60
	default:
		return 0
	}
}
