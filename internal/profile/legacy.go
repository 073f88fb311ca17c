// ABOUTME: Deprecated flat profile shape and its pure migration to the current shape
// ABOUTME: Migrate never mutates its input and is idempotent on current profiles

package profile

import (
	"fmt"
	"strings"
)

// LegacyProfile is the flat shape stored before scenarios existed.
type LegacyProfile struct {
	BusinessName      string       `json:"business_name"`
	AgentName         string       `json:"agent_name,omitempty"`
	Instructions      string       `json:"instructions,omitempty"`
	Tone              string       `json:"tone,omitempty"`
	Language          string       `json:"language,omitempty"`
	Greeting          string       `json:"greeting,omitempty"`
	UseEmojis         bool         `json:"use_emojis,omitempty"`
	WorkingHoursOnly  bool         `json:"working_hours_only,omitempty"`
	WorkingHours      *LegacyHours `json:"working_hours,omitempty"`
	AwayMessage       string       `json:"away_message,omitempty"`
	HandoffPhone      string       `json:"handoff_phone,omitempty"`
	HandoffWhenUnsure bool         `json:"handoff_when_unsure,omitempty"`
	FAQ               []LegacyFAQ  `json:"faq,omitempty"`
}

// LegacyHours is the single daily window of the legacy shape.
type LegacyHours struct {
	Start string   `json:"start"`
	End   string   `json:"end"`
	Days  []string `json:"days"`
}

// LegacyFAQ was a fixed question and answer pair.
type LegacyFAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Migrate returns doc in the current shape. A current document comes back as
// a deep copy, so Migrate applied to its own output changes nothing.
func Migrate(doc Document) Profile {
	switch doc.Kind {
	case KindCurrent:
		if doc.Current != nil {
			return clone(*doc.Current)
		}
	case KindLegacy:
		if doc.Legacy != nil {
			return fromLegacy(*doc.Legacy)
		}
	}
	return Default()
}

func fromLegacy(l LegacyProfile) Profile {
	p := Profile{
		Identity: Identity{
			BusinessName: l.BusinessName,
			AgentName:    l.AgentName,
			About:        strings.TrimSpace(l.Instructions),
		},
		Language:     l.Language,
		Greeting:     l.Greeting,
		DefaultStyle: Style{Tone: l.Tone},
		Schedule:     Schedule{Mode: ScheduleAlwaysOn},
		Flow:         Flow{FallbackMode: FallbackRespondBasics},
		HandoffPhone: l.HandoffPhone,
	}
	if l.UseEmojis {
		p.DefaultStyle.Emoji = "light"
	} else {
		p.DefaultStyle.Emoji = "none"
	}

	if l.WorkingHoursOnly && l.WorkingHours != nil {
		p.Schedule.Mode = ScheduleBusinessHours
		p.Schedule.OutsideHoursMessage = l.AwayMessage
		for _, day := range l.WorkingHours.Days {
			p.Schedule.Windows = append(p.Schedule.Windows, Window{
				Day:   strings.ToLower(strings.TrimSpace(day)),
				Open:  l.WorkingHours.Start,
				Close: l.WorkingHours.End,
			})
		}
	}

	if l.HandoffWhenUnsure {
		p.Flow.FallbackMode = FallbackHumanHandle
	}

	// Each FAQ becomes a scenario detecting that question. Labels must be
	// unique, so a repeated question gets a numbered suffix.
	used := make(map[string]bool, len(l.FAQ))
	for _, f := range l.FAQ {
		q := strings.TrimSpace(f.Question)
		if q == "" {
			continue
		}
		label := q
		for n := 2; used[label]; n++ {
			label = fmt.Sprintf("%s (%d)", q, n)
		}
		used[label] = true
		p.Flow.Scenarios = append(p.Flow.Scenarios, Scenario{
			Label:             label,
			DetectionCriteria: "the contact asks: " + q,
			Goal:              "answer the question",
			Context:           f.Answer,
		})
	}
	return p
}

func clone(p Profile) Profile {
	out := p
	out.Schedule.Windows = append([]Window(nil), p.Schedule.Windows...)
	if p.Flow.Scenarios != nil {
		out.Flow.Scenarios = make([]Scenario, len(p.Flow.Scenarios))
		for i, s := range p.Flow.Scenarios {
			s.Rules = append([]string(nil), s.Rules...)
			if s.Style != nil {
				st := *s.Style
				s.Style = &st
			}
			out.Flow.Scenarios[i] = s
		}
	}
	return out
}
