package personality

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MuseChat/internal/session"
)

func TestFallbackReplyIsDeterministic(t *testing.T) {
	inputs := []struct {
		traits session.Traits
		text   string
	}{
		{session.Traits{Creativity: 90, Wisdom: 90, Humor: 90, Empathy: 90}, "tell me about the sea"},
		{session.Traits{Humor: 80}, "hello"},
		{session.Traits{}, "what now"},
	}

	for _, in := range inputs {
		first := FallbackReply(in.traits, in.text)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, FallbackReply(in.traits, in.text))
		}
	}
}

func TestFallbackReplyIntents(t *testing.T) {
	plain := session.Traits{Creativity: 50, Wisdom: 50, Humor: 50, Empathy: 50}

	assert.Contains(t, FallbackReply(plain, "Hello there"), "Hello!")
	assert.Contains(t, FallbackReply(session.Traits{Humor: 90}, "hey"), "Well hello")
	assert.Contains(t, FallbackReply(plain, "tell me a joke"), "mist")
	assert.Contains(t, FallbackReply(session.Traits{Creativity: 95}, "write a poem"), "lantern-keeper")
	assert.Contains(t, FallbackReply(session.Traits{Wisdom: 95}, "any advice?"), "regret")
	assert.Contains(t, FallbackReply(session.Traits{Empathy: 95}, "what do you think I should do"), "kind to yourself")

	// "this" must not count as a greeting
	assert.NotContains(t, FallbackReply(plain, "this is hard"), "Hello")
}

func TestFallbackReplyPriorityOrder(t *testing.T) {
	text := "the weather today"

	all := session.Traits{Creativity: 90, Wisdom: 90, Humor: 90, Empathy: 90}
	assert.True(t, strings.HasPrefix(FallbackReply(all, text), "What a spark"))

	noCreativity := session.Traits{Wisdom: 90, Humor: 90, Empathy: 90}
	assert.True(t, strings.HasPrefix(FallbackReply(noCreativity, text), "There is more"))

	empathyHumor := session.Traits{Humor: 90, Empathy: 90}
	assert.True(t, strings.HasPrefix(FallbackReply(empathyHumor, text), "I hear you"))

	humorOnly := session.Traits{Humor: 71}
	assert.True(t, strings.HasPrefix(FallbackReply(humorOnly, text), "Ha,"))

	// exactly 70 does not qualify
	atThreshold := session.Traits{Creativity: 70, Wisdom: 70, Humor: 70, Empathy: 70}
	assert.True(t, strings.HasPrefix(FallbackReply(atThreshold, text), "Thanks for telling me"))
}

func TestRotatePolicyStaysWithinQualifying(t *testing.T) {
	g := NewGenerator(PolicyRotate)
	traits := session.Traits{Wisdom: 90, Empathy: 90}

	for _, text := range []string{"rain", "mountains", "a long day", "code review"} {
		got := g.Reply(traits, text)
		assert.True(t, strings.HasPrefix(got, "There is more") || strings.HasPrefix(got, "I hear you"), got)
		assert.Equal(t, got, g.Reply(traits, text))
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyPriority, p)

	p, err = ParsePolicy("Rotate")
	require.NoError(t, err)
	assert.Equal(t, PolicyRotate, p)

	_, err = ParsePolicy("random")
	assert.Error(t, err)
}

func TestFabricateReasoning(t *testing.T) {
	traits := session.Traits{Creativity: 20, Wisdom: 85, Humor: 40, Empathy: 60}

	r := FabricateReasoning(traits, "should I move abroad?")
	assert.Equal(t, r, FabricateReasoning(traits, "should I move abroad?"))
	assert.Contains(t, r.Synthesis, "wisdom")
	assert.Contains(t, r.WisdomAnalysis, "strongly")
	assert.InDelta(t, 0.76, r.Confidence, 0.001)
	assert.NotEmpty(t, r.CreativityAnalysis)
	assert.NotEmpty(t, r.HumorAnalysis)
	assert.NotEmpty(t, r.EmpathyAnalysis)
	assert.Len(t, r.Steps, 3)
}
