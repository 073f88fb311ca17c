// ABOUTME: Tests for the provider-backed scenario matcher
// ABOUTME: Uses a scripted provider; the model's judgement itself is not under test

package completion

import (
	"context"
	"errors"
	"testing"

	"github.com/2389/coven-relay/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	reply string
	err   error
	got   []Request
}

func (s *scriptedProvider) Complete(ctx context.Context, req Request) (string, error) {
	s.got = append(s.got, req)
	return s.reply, s.err
}

var testScenarios = []profile.Scenario{
	{Label: "Pricing", DetectionCriteria: "asks about cost"},
	{Label: "Complaint", DetectionCriteria: "is unhappy", EscalationTrigger: "threatens legal action"},
}

func TestScenarioMatcher_Match(t *testing.T) {
	p := &scriptedProvider{reply: "```json\n{\"scenario\": \"pricing\", \"escalate\": false}\n```"}
	m := NewScenarioMatcher(p)

	label, escalate, err := m.MatchScenario(context.Background(), "how much does it cost?", testScenarios)
	require.NoError(t, err)
	assert.Equal(t, "Pricing", label)
	assert.False(t, escalate)

	require.Len(t, p.got, 1)
	assert.Contains(t, p.got[0].Messages[0].Content, "asks about cost")
	assert.Contains(t, p.got[0].Messages[0].Content, "threatens legal action")
}

func TestScenarioMatcher_Escalate(t *testing.T) {
	m := NewScenarioMatcher(&scriptedProvider{reply: `{"scenario": "Complaint", "escalate": true}`})
	label, escalate, err := m.MatchScenario(context.Background(), "I will sue you", testScenarios)
	require.NoError(t, err)
	assert.Equal(t, "Complaint", label)
	assert.True(t, escalate)
}

func TestScenarioMatcher_EscalateIgnoredWithoutTrigger(t *testing.T) {
	m := NewScenarioMatcher(&scriptedProvider{reply: `{"scenario": "Pricing", "escalate": true}`})
	_, escalate, err := m.MatchScenario(context.Background(), "price?", testScenarios)
	require.NoError(t, err)
	assert.False(t, escalate)
}

func TestScenarioMatcher_NoMatch(t *testing.T) {
	for _, reply := range []string{`{"scenario": "none"}`, `{"scenario": "Weather"}`} {
		m := NewScenarioMatcher(&scriptedProvider{reply: reply})
		label, _, err := m.MatchScenario(context.Background(), "hello", testScenarios)
		require.NoError(t, err)
		assert.Empty(t, label, reply)
	}
}

func TestScenarioMatcher_SkipsProviderWithoutScenarios(t *testing.T) {
	p := &scriptedProvider{}
	label, _, err := NewScenarioMatcher(p).MatchScenario(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Empty(t, label)
	assert.Empty(t, p.got)
}

func TestScenarioMatcher_Errors(t *testing.T) {
	_, _, err := NewScenarioMatcher(&scriptedProvider{err: errors.New("boom")}).MatchScenario(context.Background(), "x", testScenarios)
	assert.Error(t, err)

	_, _, err = NewScenarioMatcher(&scriptedProvider{reply: "I think pricing"}).MatchScenario(context.Background(), "x", testScenarios)
	assert.Error(t, err)
}
