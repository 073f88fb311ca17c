// ABOUTME: Reply profile model: identity, style, schedule and ordered scenarios
// ABOUTME: Stored JSON is either the current flow-based shape or the legacy flat shape

package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ScheduleMode controls when automated replies are allowed.
type ScheduleMode string

const (
	ScheduleAlwaysOn      ScheduleMode = "always_on"
	ScheduleBusinessHours ScheduleMode = "business_hours"
	ScheduleCustom        ScheduleMode = "custom"
)

// FallbackMode decides what happens when no scenario matches.
type FallbackMode string

const (
	FallbackRespondBasics FallbackMode = "respond_basics"
	FallbackHumanHandle   FallbackMode = "human_handle"
)

// Identity describes who is replying.
type Identity struct {
	BusinessName string `json:"business_name"`
	AgentName    string `json:"agent_name,omitempty"`
	About        string `json:"about,omitempty"`
}

// Style shapes the tone of replies. Empty fields inherit from the default style.
type Style struct {
	Tone      string `json:"tone,omitempty"`      // friendly, professional, ...
	Formality string `json:"formality,omitempty"` // formal, informal
	Emoji     string `json:"emoji,omitempty"`     // none, light, frequent
	Length    string `json:"length,omitempty"`    // short, medium, detailed
}

// Merge returns s with empty fields filled from base.
func (s Style) Merge(base Style) Style {
	if s.Tone == "" {
		s.Tone = base.Tone
	}
	if s.Formality == "" {
		s.Formality = base.Formality
	}
	if s.Emoji == "" {
		s.Emoji = base.Emoji
	}
	if s.Length == "" {
		s.Length = base.Length
	}
	return s
}

// Scenario is one class of inbound intent and how to respond to it.
type Scenario struct {
	ID                string   `json:"id,omitempty"`
	Label             string   `json:"label"`
	DetectionCriteria string   `json:"detection_criteria"`
	Goal              string   `json:"goal,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	Context           string   `json:"context,omitempty"`
	Rules             []string `json:"rules,omitempty"`
	Example           string   `json:"example,omitempty"`
	EscalationTrigger string   `json:"escalation_trigger,omitempty"`
	EscalationMessage string   `json:"escalation_message,omitempty"`
	Style             *Style   `json:"style,omitempty"`
}

// Flow holds the scenarios and what to do when none match.
type Flow struct {
	Scenarios      []Scenario   `json:"scenarios"`
	FallbackMode   FallbackMode `json:"fallback_mode"`
	HandoffMessage string       `json:"handoff_message,omitempty"`
}

// Profile is the current reply profile shape.
type Profile struct {
	Identity     Identity `json:"identity"`
	Language     string   `json:"language,omitempty"`
	Greeting     string   `json:"greeting,omitempty"`
	DefaultStyle Style    `json:"default_style"`
	Schedule     Schedule `json:"schedule"`
	Flow         Flow     `json:"flow"`
	HandoffPhone string   `json:"handoff_phone,omitempty"`
}

// Scenario returns the scenario with the given label.
func (p *Profile) Scenario(label string) (*Scenario, bool) {
	for i := range p.Flow.Scenarios {
		if p.Flow.Scenarios[i].Label == label {
			return &p.Flow.Scenarios[i], true
		}
	}
	return nil, false
}

// Validate checks that the profile is usable. Returns the first error found.
func (p *Profile) Validate() error {
	switch p.Schedule.Mode {
	case ScheduleAlwaysOn, ScheduleBusinessHours, ScheduleCustom:
	default:
		return fmt.Errorf("schedule.mode %q is not one of always_on, business_hours, custom", p.Schedule.Mode)
	}
	if err := p.Schedule.validate(); err != nil {
		return err
	}

	switch p.Flow.FallbackMode {
	case FallbackRespondBasics, FallbackHumanHandle:
	default:
		return fmt.Errorf("flow.fallback_mode %q is not one of respond_basics, human_handle", p.Flow.FallbackMode)
	}

	seen := make(map[string]bool, len(p.Flow.Scenarios))
	for i, s := range p.Flow.Scenarios {
		if s.Label == "" {
			return fmt.Errorf("flow.scenarios[%d]: label is required", i)
		}
		if s.DetectionCriteria == "" {
			return fmt.Errorf("flow.scenarios[%d] %q: detection_criteria is required", i, s.Label)
		}
		if seen[s.Label] {
			return fmt.Errorf("flow.scenarios[%d]: duplicate label %q", i, s.Label)
		}
		seen[s.Label] = true
	}
	return nil
}

// Kind discriminates the stored profile shapes.
type Kind int

const (
	KindCurrent Kind = iota + 1
	KindLegacy
)

func (k Kind) String() string {
	switch k {
	case KindCurrent:
		return "current"
	case KindLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Document is a stored profile in either shape. Exactly one of Current and
// Legacy is set, matching Kind.
type Document struct {
	Kind    Kind
	Current *Profile
	Legacy  *LegacyProfile
}

// ErrEmpty is returned by Parse for an empty profile.
var ErrEmpty = errors.New("profile is empty")

// Parse decodes stored profile JSON. The presence of a "flow" field marks the
// current shape; anything else is read as the legacy flat shape.
func Parse(raw []byte) (Document, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Document{}, ErrEmpty
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Document{}, fmt.Errorf("decoding profile: %w", err)
	}

	if _, ok := probe["flow"]; ok {
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			return Document{}, fmt.Errorf("decoding current profile: %w", err)
		}
		return Document{Kind: KindCurrent, Current: &p}, nil
	}

	var l LegacyProfile
	if err := json.Unmarshal(raw, &l); err != nil {
		return Document{}, fmt.Errorf("decoding legacy profile: %w", err)
	}
	return Document{Kind: KindLegacy, Legacy: &l}, nil
}

// Load parses stored JSON and returns it in the current shape. The stored bytes
// are never rewritten; callers persist the result if they want to.
func Load(raw []byte) (Profile, error) {
	doc, err := Parse(raw)
	if err != nil {
		return Profile{}, err
	}
	p := Migrate(doc)
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("invalid profile: %w", err)
	}
	return p, nil
}

// Default is the profile used for tenants that never configured one.
func Default() Profile {
	return Profile{
		Schedule: Schedule{Mode: ScheduleAlwaysOn},
		Flow:     Flow{FallbackMode: FallbackRespondBasics},
	}
}
