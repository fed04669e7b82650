package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
)

type stubXPDetector struct {
	verdict GamingVerdict
}

func (d stubXPDetector) DetectXPFarming(context.Context, users.UserID, int) (GamingVerdict, error) {
	return d.verdict, nil
}

func TestDetectGamingJournalContent(t *testing.T) {
	clock := newManualClock(testEpoch)
	gate, db := newTestGate(t, clock, nil)
	userID := mustUserID(t, "user-1")

	tests := []struct {
		name           string
		content        string
		expectGaming   bool
		expectSeverity Severity
		reasonContains string
	}{
		{
			name:           "repeated words",
			content:        strings.TrimSpace(strings.Repeat("test ", 20)),
			expectGaming:   true,
			expectSeverity: SeverityMinor,
			reasonContains: "repetition",
		},
		{
			name:           "too brief",
			content:        "so tired.",
			expectGaming:   true,
			expectSeverity: SeverityMinor,
			reasonContains: "too brief",
		},
		{
			name: "varied reflection",
			content: "Today I walked along the river after work and noticed how the light changed on the water. " +
				"I thought about what I miss, what I do not, and which small habits are helping me feel steady again.",
			expectGaming: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			verdict := gate.DetectGaming(context.Background(), userID, GamingJournalEntry, GamingInput{Content: tc.content})
			if verdict.IsGaming != tc.expectGaming {
				t.Fatalf("expected gaming=%v, got %+v", tc.expectGaming, verdict)
			}
			if !tc.expectGaming {
				return
			}
			if verdict.Severity != tc.expectSeverity {
				t.Fatalf("expected severity %q, got %q", tc.expectSeverity, verdict.Severity)
			}
			if !strings.Contains(verdict.Reason, tc.reasonContains) {
				t.Fatalf("expected reason to mention %q, got %q", tc.reasonContains, verdict.Reason)
			}
		})
	}

	if violations := loadViolations(t, db, userID); len(violations) != 0 {
		t.Fatalf("minor journal gaming must not record violations, got %d", len(violations))
	}
}

func TestDetectGamingRapidFireRituals(t *testing.T) {
	tests := []struct {
		name         string
		offsets      []int
		expectGaming bool
	}{
		{name: "two short gaps", offsets: []int{0, 2, 4}, expectGaming: true},
		{name: "spaced out", offsets: []int{0, 10, 20}, expectGaming: false},
		{name: "single short gap", offsets: []int{0, 3, 20}, expectGaming: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := newManualClock(testEpoch)
			gate, db := newTestGate(t, clock, nil)
			userID := mustUserID(t, "user-1")

			start := testEpoch.Add(-30 * time.Minute)
			for _, offset := range tc.offsets {
				seedActions(t, db, userID, ActionRitual, "", start.Add(time.Duration(offset)*time.Minute))
			}

			verdict := gate.DetectGaming(context.Background(), userID, GamingRitualCompletion, GamingInput{})
			if verdict.IsGaming != tc.expectGaming {
				t.Fatalf("expected gaming=%v, got %+v", tc.expectGaming, verdict)
			}
			violations := loadViolations(t, db, userID)
			if !tc.expectGaming {
				if len(violations) != 0 {
					t.Fatalf("expected no violations, got %d", len(violations))
				}
				return
			}
			if verdict.Severity != SeverityMajor {
				t.Fatalf("expected major severity, got %q", verdict.Severity)
			}
			if len(violations) != 1 {
				t.Fatalf("expected a system gaming violation, got %d", len(violations))
			}
			if violations[0].Kind != ViolationSystemGaming || violations[0].CooldownMinutes != 60 {
				t.Fatalf("unexpected violation %+v", violations[0])
			}
		})
	}
}

func TestDetectGamingXPHook(t *testing.T) {
	clock := newManualClock(testEpoch)
	db := newTestDatabase(t)
	store, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	userID := mustUserID(t, "user-1")

	gate, err := NewGate(GateConfig{Store: store, Clock: clock.Now, IDProvider: &sequenceIDProvider{}})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if verdict := gate.DetectGaming(context.Background(), userID, GamingXPGain, GamingInput{XP: 5000}); verdict.IsGaming {
		t.Fatalf("default xp detector must report no farming")
	}

	farming, err := NewGate(GateConfig{
		Store:      store,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
		XPDetector: stubXPDetector{verdict: GamingVerdict{IsGaming: true, Severity: SeverityCritical, Reason: "xp farming"}},
	})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	verdict := farming.DetectGaming(context.Background(), userID, GamingXPGain, GamingInput{XP: 5000})
	if !verdict.IsGaming || verdict.Severity != SeverityCritical {
		t.Fatalf("expected custom detector verdict, got %+v", verdict)
	}
	if !farming.CheckStatus(context.Background(), userID).IsBlocked {
		t.Fatalf("expected critical gaming violation to block the account")
	}
}

func TestParseGamingAction(t *testing.T) {
	action, err := ParseGamingAction(" Journal_Entry ")
	if err != nil || action != GamingJournalEntry {
		t.Fatalf("unexpected parse result %q (%v)", action, err)
	}
	if _, err := ParseGamingAction("dance"); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
