// ABOUTME: Provider-backed scenario matcher for the reply gate
// ABOUTME: Asks the model which scenario's detection criteria the message meets

package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/coven-relay/internal/profile"
)

// NoMatch is the label the model uses when no scenario applies.
const NoMatch = "none"

const matcherSystemPrompt = `You classify an incoming customer chat message.
Pick the single scenario whose detection criteria the message meets, or "none".
When the chosen scenario has an escalation trigger, also decide whether the message meets it.
Answer with JSON only: {"scenario": "<label or none>", "escalate": true|false}`

// ScenarioMatcher selects scenarios by asking a completion provider.
type ScenarioMatcher struct {
	provider Provider
}

// NewScenarioMatcher creates a matcher backed by provider.
func NewScenarioMatcher(provider Provider) *ScenarioMatcher {
	return &ScenarioMatcher{provider: provider}
}

type matchAnswer struct {
	Scenario string `json:"scenario"`
	Escalate bool   `json:"escalate"`
}

// MatchScenario returns the label of the matching scenario, or "" when none
// matches, and whether its escalation trigger fired.
func (m *ScenarioMatcher) MatchScenario(ctx context.Context, text string, scenarios []profile.Scenario) (string, bool, error) {
	if len(scenarios) == 0 || strings.TrimSpace(text) == "" {
		return "", false, nil
	}

	reply, err := m.provider.Complete(ctx, Request{
		System:    matcherSystemPrompt,
		Messages:  []Message{{Role: RoleUser, Content: matcherPrompt(text, scenarios)}},
		MaxTokens: 100,
	})
	if err != nil {
		return "", false, fmt.Errorf("matching scenario: %w", err)
	}

	answer, err := parseMatchAnswer(reply)
	if err != nil {
		return "", false, err
	}
	for _, s := range scenarios {
		if strings.EqualFold(s.Label, answer.Scenario) {
			return s.Label, answer.Escalate && s.EscalationTrigger != "", nil
		}
	}
	// "none" and labels the model invented both mean no match
	return "", false, nil
}

func matcherPrompt(text string, scenarios []profile.Scenario) string {
	var b strings.Builder
	b.WriteString("Scenarios:\n")
	for i, s := range scenarios {
		fmt.Fprintf(&b, "%d. label: %s\n   detection criteria: %s\n", i+1, s.Label, s.DetectionCriteria)
		if s.EscalationTrigger != "" {
			fmt.Fprintf(&b, "   escalation trigger: %s\n", s.EscalationTrigger)
		}
	}
	b.WriteString("\nMessage:\n")
	b.WriteString(text)
	return b.String()
}

// parseMatchAnswer extracts the JSON object from the reply, tolerating code
// fences or prose around it.
func parseMatchAnswer(reply string) (matchAnswer, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end < start {
		return matchAnswer{}, fmt.Errorf("matching scenario: no JSON in reply %q", reply)
	}
	var a matchAnswer
	if err := json.Unmarshal([]byte(reply[start:end+1]), &a); err != nil {
		return matchAnswer{}, fmt.Errorf("matching scenario: decoding reply: %w", err)
	}
	a.Scenario = strings.TrimSpace(a.Scenario)
	return a, nil
}
