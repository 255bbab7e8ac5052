package memory

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"MuseChat/internal/session"
)

// importance halves every week
const importanceHalfLife = 7 * 24 * time.Hour

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "you": {}, "your": {}, "for": {}, "are": {}, "but": {},
	"not": {}, "with": {}, "this": {}, "that": {}, "have": {}, "was": {}, "what": {},
	"can": {}, "how": {}, "about": {}, "from": {}, "just": {}, "like": {}, "will": {},
	"would": {}, "could": {}, "there": {}, "their": {}, "they": {}, "some": {}, "me": {},
	"any": {}, "all": {}, "its": {}, "it's": {}, "i'm": {}, "into": {}, "out": {},
	"please": {}, "tell": {},
}

// tokenize lowercases text and splits it into content words
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// placeholderTags picks the most frequent content words of text
func placeholderTags(text string, n int) []string {
	counts := make(map[string]int)
	var order []string
	for _, tok := range tokenize(text) {
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > n {
		order = order[:n]
	}
	return order
}

var categoryKeywords = []struct {
	category Category
	words    []string
}{
	{CategoryCreative, []string{"story", "poem", "imagine", "create", "idea", "design", "draw", "write", "song"}},
	{CategoryProblemSolving, []string{"problem", "fix", "error", "bug", "solve", "stuck", "issue", "broken"}},
	{CategoryEmotional, []string{"feel", "sad", "happy", "anxious", "worried", "love", "lonely", "angry", "stressed"}},
	{CategoryLearning, []string{"learn", "explain", "teach", "understand", "why", "study", "lesson"}},
	{CategoryPersonal, []string{"my", "family", "friend", "birthday", "myself", "home", "job"}},
	{CategoryFactual, []string{"when", "where", "who", "fact", "date", "history", "number"}},
}

// classify picks the first category with a keyword in text
func classify(text string) Category {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) }) {
		words[w] = struct{}{}
	}
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if _, ok := words[w]; ok {
				return ck.category
			}
		}
	}
	return CategoryConversation
}

// DeriveEntries rebuilds memory entries from chat sessions. Each user
// message and the agent reply that follows it become one entry whose
// importance decays with age.
func DeriveEntries(sessions []session.Session, now time.Time) []Entry {
	var out []Entry
	for _, sess := range sessions {
		msgs := sess.Messages
		for i := 0; i < len(msgs); i++ {
			if msgs[i].Role != session.RoleUser {
				continue
			}
			user := msgs[i]

			var reply session.Message
			if i+1 < len(msgs) && msgs[i+1].Role == session.RoleAgent {
				reply = msgs[i+1]
				i++
			}

			ts := user.Timestamp
			if ts.IsZero() {
				ts = reply.Timestamp
			}
			importance := derivedImportance(user.Content, ts, now)

			out = append(out, Entry{
				ID:                "derived-" + sess.ID + "-" + user.ID(),
				Content:           user.Content,
				AIResponse:        reply.Content,
				Importance:        importance,
				Timestamp:         ts,
				Category:          classify(user.Content),
				Tags:              placeholderTags(user.Content+" "+reply.Content, 3),
				RetentionPriority: retentionFor(importance),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// derivedImportance weighs longer messages higher and decays with age
func derivedImportance(content string, ts, now time.Time) float64 {
	base := 0.4 + math.Min(float64(len(tokenize(content))), 20)/40
	age := now.Sub(ts)
	if ts.IsZero() || age < 0 {
		age = 0
	}
	decayed := base * math.Pow(0.5, float64(age)/float64(importanceHalfLife))
	return math.Round(clampUnit(decayed)*100) / 100
}

// SampleEntries is a fixed demo set, timestamped relative to now
func SampleEntries(now time.Time) []Entry {
	day := 24 * time.Hour
	samples := []Entry{
		{
			ID:         "sample-1",
			Content:    "Can you help me write a poem about the ocean at night?",
			AIResponse: "Waves fold the moonlight into silver creases...",
			Importance: 0.82,
			Timestamp:  now.Add(-2 * time.Hour),
			Category:   CategoryCreative,
			Tags:       []string{"poetry", "ocean", "night"},
		},
		{
			ID:         "sample-2",
			Content:    "I have been feeling stressed about my exams lately.",
			AIResponse: "That sounds heavy. Let's break the week into smaller pieces.",
			Importance: 0.9,
			Timestamp:  now.Add(-1 * day),
			Category:   CategoryEmotional,
			Tags:       []string{"exams", "stress"},
		},
		{
			ID:         "sample-3",
			Content:    "Explain how photosynthesis works in simple terms.",
			AIResponse: "Plants turn sunlight, water and air into sugar and oxygen.",
			Importance: 0.6,
			Timestamp:  now.Add(-3 * day),
			Category:   CategoryLearning,
			Tags:       []string{"biology", "photosynthesis"},
		},
		{
			ID:         "sample-4",
			Content:    "My build keeps failing with a missing dependency error.",
			AIResponse: "Check the lock file first, then clear the module cache.",
			Importance: 0.7,
			Timestamp:  now.Add(-3 * day),
			Category:   CategoryProblemSolving,
			Tags:       []string{"build", "dependency", "error"},
		},
		{
			ID:         "sample-5",
			Content:    "Good morning! How are you today?",
			AIResponse: "Bright and curious, thanks for asking.",
			Importance: 0.2,
			Timestamp:  now.Add(-6 * day),
			Category:   CategoryConversation,
			Tags:       []string{"greeting"},
		},
	}
	for i := range samples {
		samples[i].RetentionPriority = retentionFor(samples[i].Importance)
	}
	return samples
}
