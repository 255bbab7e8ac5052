package personality

import (
	"fmt"
	"hash/fnv"
	"strings"

	"MuseChat/internal/session"
)

// TraitThreshold is the value a trait must exceed to flavor a reply
const TraitThreshold = 70

// Policy decides which template wins when several traits qualify
type Policy string

const (
	// PolicyPriority always picks creativity > wisdom > empathy > humor
	PolicyPriority Policy = "priority"
	// PolicyRotate picks among qualifying templates by a stable hash of the text
	PolicyRotate Policy = "rotate"
)

// ParsePolicy maps a config string to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyPriority, "":
		return PolicyPriority, nil
	case PolicyRotate:
		return PolicyRotate, nil
	}
	return "", fmt.Errorf("unknown fallback policy: %s", s)
}

type intent struct {
	name     string
	keywords []string
}

// checked in order; the first match wins
var intents = []intent{
	{"greeting", []string{"hello", "hi", "hey", "greetings", "good morning", "good evening"}},
	{"humor", []string{"joke", "funny", "laugh", "humor", "make me smile"}},
	{"creative", []string{"story", "poem", "creative", "imagine", "write me", "invent"}},
	{"advice", []string{"advice", "should i", "help me", "what do you think", "recommend", "suggest"}},
}

type traitTemplate struct {
	trait string
	value func(session.Traits) int
	text  string
}

// order is the tie-break priority for PolicyPriority
var traitTemplates = []traitTemplate{
	{"creativity", func(t session.Traits) int { return t.Creativity },
		"What a spark of an idea. Let's turn %q over and see what colors fall out of it."},
	{"wisdom", func(t session.Traits) int { return t.Wisdom },
		"There is more under %q than it first seems. Let's take it slowly and look at the roots."},
	{"empathy", func(t session.Traits) int { return t.Empathy },
		"I hear you. %q matters, and I'm glad you shared it with me."},
	{"humor", func(t session.Traits) int { return t.Humor },
		"Ha, %q? Now that's the kind of thing that deserves a drumroll."},
}

const genericTemplate = "Thanks for telling me about %q. I'm still thinking it through, tell me more."

// Generator builds fallback replies with a fixed template policy
type Generator struct {
	policy Policy
}

// NewGenerator creates a generator. Unknown policies fall back to PolicyPriority.
func NewGenerator(policy Policy) *Generator {
	if policy != PolicyRotate {
		policy = PolicyPriority
	}
	return &Generator{policy: policy}
}

// FallbackReply synthesizes a reply with the default priority policy
func FallbackReply(traits session.Traits, lastUserText string) string {
	return NewGenerator(PolicyPriority).Reply(traits, lastUserText)
}

// Reply is a pure function of its inputs
func (g *Generator) Reply(traits session.Traits, lastUserText string) string {
	text := strings.TrimSpace(lastUserText)
	lower := strings.ToLower(text)

	switch detectIntent(lower) {
	case "greeting":
		if traits.Humor > TraitThreshold {
			return "Well hello there! You caught me mid-daydream, what's on your mind?"
		}
		return "Hello! It's good to hear from you. What would you like to talk about?"
	case "humor":
		if traits.Humor > TraitThreshold {
			return "Why did the muse cross the blockchain? To get to the other block. I'll be here all epoch."
		}
		return "I'm better at listening than at punchlines, but here goes: I tried to catch fog once. I mist."
	case "creative":
		if traits.Creativity > TraitThreshold {
			return "Once, in a city built from forgotten melodies, a lantern-keeper collected the last word of every song. Shall we find out what she did with them?"
		}
		return "Let's build something together. Give me a character and a place, and I'll start the first line."
	case "advice":
		if traits.Wisdom > TraitThreshold {
			return "Before deciding, name what you'd regret not trying. The answer usually hides there."
		}
		if traits.Empathy > TraitThreshold {
			return "That sounds like a lot to carry. Whatever you choose, be kind to yourself while you choose it."
		}
		return "I'd weigh what matters most to you right now, and take the smallest next step toward it."
	}

	var qualifying []traitTemplate
	for _, tpl := range traitTemplates {
		if tpl.value(traits) > TraitThreshold {
			qualifying = append(qualifying, tpl)
		}
	}

	subject := snippet(text)
	if len(qualifying) == 0 {
		return fmt.Sprintf(genericTemplate, subject)
	}

	pick := qualifying[0]
	if g.policy == PolicyRotate {
		pick = qualifying[stableIndex(lower, len(qualifying))]
	}
	return fmt.Sprintf(pick.text, subject)
}

func detectIntent(lower string) string {
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}

	for _, in := range intents {
		for _, kw := range in.keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(lower, kw) {
					return in.name
				}
				continue
			}
			if wordSet[kw] {
				return in.name
			}
		}
	}
	return ""
}

func snippet(text string) string {
	const maxRunes = 40
	r := []rune(text)
	if len(r) <= maxRunes {
		return text
	}
	return string(r[:maxRunes]) + "..."
}

func stableIndex(s string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}
