package personality

import (
	"fmt"
	"math"

	"MuseChat/internal/session"
)

func level(v int) string {
	switch {
	case v > TraitThreshold:
		return "strongly"
	case v >= 40:
		return "moderately"
	default:
		return "lightly"
	}
}

// FabricateReasoning builds a deterministic reasoning trace from the agent's
// traits for replies that arrived without one.
func FabricateReasoning(traits session.Traits, userText string) session.Reasoning {
	subject := snippet(userText)

	dominant := traitTemplates[0]
	for _, tpl := range traitTemplates[1:] {
		if tpl.value(traits) > dominant.value(traits) {
			dominant = tpl
		}
	}

	mean := float64(traits.Creativity+traits.Wisdom+traits.Humor+traits.Empathy) / 400
	confidence := math.Round((0.5+mean/2)*100) / 100
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	return session.Reasoning{
		CreativityAnalysis: fmt.Sprintf("Creativity (%d) %s shapes how %q is reframed.", traits.Creativity, level(traits.Creativity), subject),
		WisdomAnalysis:     fmt.Sprintf("Wisdom (%d) %s guides the depth of the answer.", traits.Wisdom, level(traits.Wisdom)),
		HumorAnalysis:      fmt.Sprintf("Humor (%d) %s sets the lightness of tone.", traits.Humor, level(traits.Humor)),
		EmpathyAnalysis:    fmt.Sprintf("Empathy (%d) %s tunes attention to feelings.", traits.Empathy, level(traits.Empathy)),
		Synthesis:          fmt.Sprintf("The reply leans on %s, the strongest trait.", dominant.trait),
		Confidence:         confidence,
		Steps: []string{
			"read the message",
			"weigh the four traits",
			"compose in the voice of " + dominant.trait,
		},
	}
}
