// ABOUTME: Builds the system instructions for a reply from profile, scenario and knowledge
// ABOUTME: Pure and deterministic; sections always appear in the same order

package compose

import (
	"fmt"
	"strings"

	"github.com/2389/coven-relay/internal/profile"
	"github.com/2389/coven-relay/internal/store"
)

// platformRules close every instruction set and cannot be overridden by tenants.
var platformRules = []string{
	"Never claim to be a human. If asked, say you are an automated assistant for the business.",
	"Never invent prices, policies, availability or contact details that are not given above.",
	"Never ask for passwords, card numbers or other sensitive credentials.",
	"If you cannot help, say so briefly and offer to pass the conversation to the team.",
	"Reply with plain chat text. Keep formatting light.",
}

// BuildInstructions assembles the reply instructions. Sections appear in this
// order: identity, language, style, greeting, scenario, knowledge base,
// channel overrides, platform rules. A nil scenario omits the scenario section.
// Empty sections are left out.
func BuildInstructions(p profile.Profile, sc *profile.Scenario, kb []*store.KnowledgeEntry, overrides string) string {
	var b strings.Builder

	writeIdentity(&b, p.Identity)
	writeLanguage(&b, p.Language)

	style := p.DefaultStyle
	if sc != nil && sc.Style != nil {
		style = sc.Style.Merge(p.DefaultStyle)
	}
	writeStyle(&b, style)

	if g := strings.TrimSpace(p.Greeting); g != "" {
		section(&b, "First contact")
		fmt.Fprintf(&b, "If this is the first message from the customer, open with this greeting: %q\n", g)
	}

	if sc != nil {
		writeScenario(&b, sc)
	}

	writeKnowledge(&b, kb)

	if o := strings.TrimSpace(overrides); o != "" {
		section(&b, "Channel instructions")
		b.WriteString(o)
		b.WriteString("\n")
	}

	section(&b, "Platform rules")
	for _, r := range platformRules {
		fmt.Fprintf(&b, "- %s\n", r)
	}

	return strings.TrimSpace(b.String())
}

func section(b *strings.Builder, title string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "## %s\n", title)
}

func writeIdentity(b *strings.Builder, id profile.Identity) {
	section(b, "Identity")
	business := strings.TrimSpace(id.BusinessName)
	if business == "" {
		business = "the business"
	}
	if agent := strings.TrimSpace(id.AgentName); agent != "" {
		fmt.Fprintf(b, "You are %s, the WhatsApp assistant of %s.\n", agent, business)
	} else {
		fmt.Fprintf(b, "You are the WhatsApp assistant of %s.\n", business)
	}
	if about := strings.TrimSpace(id.About); about != "" {
		fmt.Fprintf(b, "About the business: %s\n", about)
	}
}

func writeLanguage(b *strings.Builder, lang string) {
	section(b, "Language")
	if lang = strings.TrimSpace(lang); lang != "" {
		fmt.Fprintf(b, "Reply in %s unless the customer clearly writes in another language.\n", lang)
		return
	}
	b.WriteString("Reply in the language the customer writes in.\n")
}

func writeStyle(b *strings.Builder, s profile.Style) {
	if s == (profile.Style{}) {
		return
	}
	section(b, "Communication style")
	if s.Tone != "" {
		fmt.Fprintf(b, "- Tone: %s\n", s.Tone)
	}
	if s.Formality != "" {
		fmt.Fprintf(b, "- Formality: %s\n", s.Formality)
	}
	if s.Emoji != "" {
		fmt.Fprintf(b, "- Emoji use: %s\n", s.Emoji)
	}
	if s.Length != "" {
		fmt.Fprintf(b, "- Reply length: %s\n", s.Length)
	}
}

func writeScenario(b *strings.Builder, sc *profile.Scenario) {
	section(b, "Scenario: "+sc.Label)
	field := func(name, value string) {
		if v := strings.TrimSpace(value); v != "" {
			fmt.Fprintf(b, "%s: %s\n", name, v)
		}
	}
	field("Goal", sc.Goal)
	field("Instructions", sc.Instructions)
	field("Context", sc.Context)
	if len(sc.Rules) > 0 {
		b.WriteString("Rules:\n")
		for _, r := range sc.Rules {
			if r = strings.TrimSpace(r); r != "" {
				fmt.Fprintf(b, "- %s\n", r)
			}
		}
	}
	field("Example reply", sc.Example)
	if trigger := strings.TrimSpace(sc.EscalationTrigger); trigger != "" {
		fmt.Fprintf(b, "Escalation: if %s, stop and tell the customer a team member will take over", trigger)
		if msg := strings.TrimSpace(sc.EscalationMessage); msg != "" {
			fmt.Fprintf(b, ", using this message: %q", msg)
		}
		b.WriteString(".\n")
	}
}

func writeKnowledge(b *strings.Builder, kb []*store.KnowledgeEntry) {
	var entries []*store.KnowledgeEntry
	for _, e := range kb {
		if e != nil && strings.TrimSpace(e.Content) != "" {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return
	}
	section(b, "Knowledge base")
	b.WriteString("Use only these facts when answering questions about the business.\n")
	for _, e := range entries {
		if t := strings.TrimSpace(e.Title); t != "" {
			fmt.Fprintf(b, "### %s\n", t)
		}
		b.WriteString(strings.TrimSpace(e.Content))
		b.WriteString("\n")
	}
}
