// ABOUTME: Tests for BuildInstructions section order and content
// ABOUTME: Includes the pricing/default-style reply example

package compose

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-relay/internal/profile"
	"github.com/2389/coven-relay/internal/store"
)

func fullProfile() profile.Profile {
	return profile.Profile{
		Identity:     profile.Identity{BusinessName: "Acme Bikes", AgentName: "Ana", About: "Bike repairs in Lisbon"},
		Language:     "Portuguese",
		Greeting:     "Olá! Welcome to Acme Bikes.",
		DefaultStyle: profile.Style{Tone: "friendly", Formality: "informal", Emoji: "light", Length: "short"},
		Schedule:     profile.Schedule{Mode: profile.ScheduleAlwaysOn},
		Flow: profile.Flow{
			FallbackMode: profile.FallbackRespondBasics,
			Scenarios: []profile.Scenario{{
				Label:             "Pricing",
				DetectionCriteria: "asks about cost",
				Goal:              "Give a clear price",
				Instructions:      "Quote the standard service price.",
				Context:           "Standard service is 40 EUR.",
				Rules:             []string{"Never offer discounts"},
				Example:           "A standard service costs 40 EUR.",
				EscalationTrigger: "the customer disputes a charge",
				EscalationMessage: "Let me get a colleague.",
				Style:             &profile.Style{Formality: "formal"},
			}},
		},
	}
}

func TestBuildInstructions_SectionOrder(t *testing.T) {
	p := fullProfile()
	kb := []*store.KnowledgeEntry{{Title: "Opening hours", Content: "Mon-Fri 9-18"}}

	got := BuildInstructions(p, &p.Flow.Scenarios[0], kb, "Always sign as Ana.")

	headings := []string{
		"## Identity",
		"## Language",
		"## Communication style",
		"## First contact",
		"## Scenario: Pricing",
		"## Knowledge base",
		"## Channel instructions",
		"## Platform rules",
	}
	last := -1
	for _, h := range headings {
		idx := strings.Index(got, h)
		if assert.GreaterOrEqual(t, idx, 0, "missing %s", h) {
			assert.Greater(t, idx, last, "%s out of order", h)
			last = idx
		}
	}

	assert.Contains(t, got, "You are Ana, the WhatsApp assistant of Acme Bikes.")
	assert.Contains(t, got, "Reply in Portuguese")
	assert.Contains(t, got, "- Formality: formal")
	assert.Contains(t, got, "- Tone: friendly", "scenario style inherits unset fields")
	assert.Contains(t, got, "Goal: Give a clear price")
	assert.Contains(t, got, "- Never offer discounts")
	assert.Contains(t, got, "Example reply: A standard service costs 40 EUR.")
	assert.Contains(t, got, `using this message: "Let me get a colleague."`)
	assert.Contains(t, got, "### Opening hours\nMon-Fri 9-18")
	assert.Contains(t, got, "Always sign as Ana.")
}

func TestBuildInstructions_Deterministic(t *testing.T) {
	p := fullProfile()
	kb := []*store.KnowledgeEntry{{Title: "A", Content: "1"}, {Title: "B", Content: "2"}}
	a := BuildInstructions(p, &p.Flow.Scenarios[0], kb, "x")
	b := BuildInstructions(p, &p.Flow.Scenarios[0], kb, "x")
	assert.Equal(t, a, b)
}

func TestBuildInstructions_FallbackHasNoScenario(t *testing.T) {
	p := fullProfile()
	got := BuildInstructions(p, nil, nil, "")

	assert.NotContains(t, got, "## Scenario")
	assert.NotContains(t, got, "Quote the standard service price.")
	assert.NotContains(t, got, "## Knowledge base")
	assert.NotContains(t, got, "## Channel instructions")
	assert.Contains(t, got, "- Formality: informal")
	assert.Contains(t, got, "## Platform rules")
}

func TestBuildInstructions_MinimalProfile(t *testing.T) {
	got := BuildInstructions(profile.Default(), nil, nil, "   ")

	assert.True(t, strings.HasPrefix(got, "## Identity\nYou are the WhatsApp assistant of the business."))
	assert.Contains(t, got, "Reply in the language the customer writes in.")
	assert.NotContains(t, got, "## Communication style")
	assert.NotContains(t, got, "## First contact")
}

func TestBuildInstructions_SkipsEmptyKnowledge(t *testing.T) {
	kb := []*store.KnowledgeEntry{nil, {Title: "Empty", Content: "  "}}
	got := BuildInstructions(profile.Default(), nil, kb, "")
	assert.NotContains(t, got, "## Knowledge base")
}

func TestBuildInstructions_LegacyProfileAfterMigration(t *testing.T) {
	p, err := profile.Load([]byte(`{
		"business_name": "Old Shop",
		"tone": "professional",
		"faq": [{"question": "Do you deliver?", "answer": "Yes, within 10km."}]
	}`))
	if !assert.NoError(t, err) {
		return
	}
	got := BuildInstructions(p, nil, nil, "")
	assert.Contains(t, got, "Old Shop")
	assert.Contains(t, got, "- Tone: professional")
}
