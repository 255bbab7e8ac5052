package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MuseChat/internal/verification"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	require.NoError(t, s.Create(Session{ID: "s1", AgentID: "muse-7", UserAddress: "0xuser"}))
	return s
}

func userMsg(text string) Message {
	return Message{
		Origin:    Optimistic{LocalID: "local-" + text},
		Role:      RoleUser,
		Content:   text,
		Timestamp: time.Unix(1700000000, 0),
		Status:    verification.StatusPending,
	}
}

func TestAppendAndCommit(t *testing.T) {
	s := newTestStore(t)

	slot, err := s.Append("s1", userMsg("hello"))
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
	assert.Equal(t, "local-hello", s.Messages("s1")[0].ID())

	require.NoError(t, s.Commit("s1", slot, "int-1", Proof{CommitmentHash: "0xabc"}))

	msg := s.Messages("s1")[0]
	assert.Equal(t, verification.StatusCommitted, msg.Status)
	assert.Equal(t, "int-1", msg.ID())
	assert.Equal(t, "0xabc", msg.CommitmentHash())

	// committing twice is illegal
	err = s.Commit("s1", slot, "int-2", Proof{})
	assert.True(t, errors.Is(err, ErrNotOptimistic))
}

func TestFailKeepsOptimisticOrigin(t *testing.T) {
	s := newTestStore(t)

	slot, err := s.Append("s1", userMsg("hi"))
	require.NoError(t, err)
	require.NoError(t, s.Fail("s1", slot))

	msg := s.Messages("s1")[slot]
	assert.Equal(t, verification.StatusFailed, msg.Status)
	assert.Equal(t, verification.MarkerUnconfirmed, msg.Marker())
	assert.Empty(t, msg.CommitmentHash())

	err = s.Commit("s1", slot, "late", Proof{CommitmentHash: "0x1"})
	assert.True(t, errors.Is(err, verification.ErrIllegalTransition))
}

func TestValidateRejectsIllegalShapes(t *testing.T) {
	s := newTestStore(t)

	cases := map[string]Message{
		"fallback not local": {Origin: Fallback{LocalID: "f"}, Role: RoleAgent, Status: verification.StatusCommitted},
		"optimistic agent":   {Origin: Optimistic{LocalID: "o"}, Role: RoleAgent, Status: verification.StatusPending},
		"committed pending":  {Origin: Committed{ServerID: "c"}, Role: RoleAgent, Status: verification.StatusPending},
		"no origin":          {Role: RoleUser, Status: verification.StatusPending},
		"reasoning without influence": {
			Origin: Committed{ServerID: "c"}, Role: RoleAgent, Status: verification.StatusCommitted,
			Reasoning: &Reasoning{Synthesis: "x"},
		},
		"negative influence": {
			Origin: Committed{ServerID: "c"}, Role: RoleAgent, Status: verification.StatusCommitted,
			Reasoning: &Reasoning{Synthesis: "x"}, TraitsInfluence: &TraitsInfluence{Humor: -1},
		},
	}

	for name, msg := range cases {
		_, err := s.Append("s1", msg)
		assert.True(t, errors.Is(err, ErrInvalidMessage), name)
	}
	assert.Equal(t, 0, s.Len("s1"))
}

func TestSingleSendSlot(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.BeginSend("s1"))
	assert.True(t, s.InFlight("s1"))
	assert.ErrorIs(t, s.BeginSend("s1"), ErrSendInFlight)

	s.EndSend("s1")
	assert.False(t, s.InFlight("s1"))
	assert.NoError(t, s.BeginSend("s1"))

	assert.ErrorIs(t, s.BeginSend("missing"), ErrUnknownSession)
}

func TestMarkVerified(t *testing.T) {
	s := newTestStore(t)

	slot, err := s.Append("s1", userMsg("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Commit("s1", slot, "int-1", Proof{CommitmentHash: "0xabc"}))
	_, err = s.Append("s1", Message{
		Origin: Committed{ServerID: "int-1-reply", Proof: Proof{CommitmentHash: "0xabc"}},
		Role:   RoleAgent, Content: "Hi!", Status: verification.StatusCommitted,
	})
	require.NoError(t, err)

	slots, err := s.MarkVerified("s1", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, slots)

	_, err = s.MarkVerified("s1", "0xabc")
	assert.ErrorIs(t, err, ErrNoCommitment)
	_, err = s.MarkVerified("s1", "")
	assert.ErrorIs(t, err, ErrNoCommitment)
}

func TestToggleReasoning(t *testing.T) {
	s := newTestStore(t)

	slot, err := s.Append("s1", Message{
		Origin: Fallback{LocalID: "f"}, Role: RoleAgent, Status: verification.StatusLocalOnly,
		Reasoning: &Reasoning{Synthesis: "x"}, TraitsInfluence: &TraitsInfluence{},
	})
	require.NoError(t, err)

	shown, err := s.ToggleReasoning("s1", slot)
	require.NoError(t, err)
	assert.True(t, shown)
	assert.True(t, s.ReasoningShown("s1", slot))

	shown, err = s.ToggleReasoning("s1", slot)
	require.NoError(t, err)
	assert.False(t, shown)

	_, err = s.ToggleReasoning("s1", 9)
	assert.ErrorIs(t, err, ErrInvalidSlot)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append("s1", userMsg("a"))
	require.NoError(t, err)

	msgs := s.Messages("s1")
	msgs[0].Content = "mutated"
	assert.Equal(t, "a", s.Messages("s1")[0].Content)

	reply := Message{
		Origin:          Fallback{LocalID: "local-r"},
		Role:            RoleAgent,
		Content:         "b",
		Status:          verification.StatusLocalOnly,
		Reasoning:       &Reasoning{Synthesis: "x", Confidence: 0.5, Steps: []string{"one"}},
		TraitsInfluence: &TraitsInfluence{Creativity: 0.5},
	}
	slot, err := s.Append("s1", reply)
	require.NoError(t, err)
	reply.Reasoning.Synthesis = "changed before store"

	got := s.Messages("s1")[slot]
	got.Reasoning.Synthesis = "mutated"
	got.Reasoning.Steps[0] = "mutated"
	got.TraitsInfluence.Creativity = 1

	sess, ok := s.Get("s1")
	require.True(t, ok)
	stored := sess.Messages[slot]
	assert.Equal(t, "x", stored.Reasoning.Synthesis)
	assert.Equal(t, []string{"one"}, stored.Reasoning.Steps)
	assert.Equal(t, 0.5, stored.TraitsInfluence.Creativity)

	_, ok = s.FindByAgent("muse-7", "0xuser")
	assert.True(t, ok)
	assert.ErrorIs(t, s.Create(Session{ID: "s1"}), ErrSessionExists)
}

func TestInfluenceFromTraits(t *testing.T) {
	got := InfluenceFromTraits(Traits{Creativity: 80, Wisdom: 50, Humor: -10, Empathy: 100})
	assert.Equal(t, TraitsInfluence{Creativity: 0.8, Wisdom: 0.5, Humor: 0, Empathy: 1}, got)
}
