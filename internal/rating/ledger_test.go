package rating

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MuseChat/internal/backend"
	"MuseChat/internal/session"
	"MuseChat/internal/verification"
)

type fakeAPI struct {
	mu     sync.Mutex
	calls  []backend.RatingRequest
	submit func(req backend.RatingRequest) (*backend.RatingResponse, error)
}

func (f *fakeAPI) SubmitRating(_ context.Context, req backend.RatingRequest) (*backend.RatingResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.submit(req)
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var (
	goodScores = Scores{Quality: 5, PersonalityAccuracy: 4, Helpfulness: 5, Feedback: "great"}
	sampleIn   = Interaction{
		SessionID:   "s1",
		MessageID:   "m1",
		AgentID:     "42",
		UserAddress: "0xuser",
		UserText:    "hello",
		AgentText:   "Hi!",
		Timestamp:   time.Unix(1700000000, 0),
	}
)

func accepted(reward float64) func(backend.RatingRequest) (*backend.RatingResponse, error) {
	return func(backend.RatingRequest) (*backend.RatingResponse, error) {
		return &backend.RatingResponse{Success: true, TransactionHash: "0xtx", RewardAmount: reward}, nil
	}
}

func TestSubmitTwiceMakesOneCall(t *testing.T) {
	api := &fakeAPI{submit: accepted(12.5)}
	l := NewLedger(api, Options{})

	first, err := l.Submit(context.Background(), sampleIn, goodScores)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRewarded, first.Outcome)
	assert.Equal(t, 12.5, first.TokensAwarded)
	assert.Equal(t, 2.5, first.QualityBonus)
	assert.Equal(t, "0xtx", first.TransactionHash)

	second, err := l.Submit(context.Background(), sampleIn, goodScores)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRated, second.Outcome)
	assert.Zero(t, second.TokensAwarded)

	assert.Equal(t, 1, api.count())

	req := api.calls[0]
	assert.Equal(t, "42", req.MuseID)
	assert.Equal(t, InteractionHash("42", "hello", "Hi!", 1700000000), req.InteractionHash)
	assert.Equal(t, 5, req.QualityScore)
	assert.Equal(t, "0xuser", req.UserAddress)
}

func TestSubmitFailureLeavesGuardUntouched(t *testing.T) {
	api := &fakeAPI{submit: func(backend.RatingRequest) (*backend.RatingResponse, error) {
		return nil, errors.New("connection reset")
	}}
	l := NewLedger(api, Options{})

	r, err := l.Submit(context.Background(), sampleIn, goodScores)
	assert.Error(t, err)
	assert.Equal(t, OutcomeFailed, r.Outcome)

	api.submit = func(backend.RatingRequest) (*backend.RatingResponse, error) {
		return &backend.RatingResponse{Success: false, ErrorMessage: "duplicate interaction"}, nil
	}
	r, err = l.Submit(context.Background(), sampleIn, goodScores)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, OutcomeRejected, r.Outcome)

	api.submit = accepted(10)
	r, err = l.Submit(context.Background(), sampleIn, goodScores)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRewarded, r.Outcome)
	assert.Zero(t, r.QualityBonus)

	assert.Equal(t, 3, api.count())
}

func TestSubmitBusy(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	api := &fakeAPI{submit: func(backend.RatingRequest) (*backend.RatingResponse, error) {
		close(entered)
		<-release
		return &backend.RatingResponse{Success: true, RewardAmount: 10}, nil
	}}
	l := NewLedger(api, Options{})

	done := make(chan Receipt)
	go func() {
		r, _ := l.Submit(context.Background(), sampleIn, goodScores)
		done <- r
	}()

	<-entered
	assert.True(t, l.Busy())

	other := sampleIn
	other.MessageID = "m2"
	r, err := l.Submit(context.Background(), other, goodScores)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, r.Outcome)

	close(release)
	assert.Equal(t, OutcomeRewarded, (<-done).Outcome)
	assert.Equal(t, 1, api.count())
	assert.False(t, l.Busy())
}

func TestSubmitValidation(t *testing.T) {
	api := &fakeAPI{submit: accepted(10)}
	l := NewLedger(api, Options{})

	_, err := l.Submit(context.Background(), sampleIn, Scores{Quality: 6, PersonalityAccuracy: 3, Helpfulness: 3})
	assert.ErrorIs(t, err, ErrInvalidScores)

	_, err = l.Submit(context.Background(), Interaction{}, goodScores)
	assert.ErrorIs(t, err, ErrNotRateable)

	assert.Zero(t, api.count())
}

func TestInteractionHash(t *testing.T) {
	h := InteractionHash("42", "hello", "Hi!", 1700000000)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, h)
	assert.Equal(t, h, InteractionHash("42", "hello", "Hi!", 1700000000))
	assert.NotEqual(t, h, InteractionHash("42", "hello", "Hi!", 1700000001))
	assert.NotEqual(t, InteractionHash("4", "2hello", "Hi!", 0), InteractionHash("42", "hello", "Hi!", 0))
}

func TestInteractionAt(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	sess := session.Session{
		ID:          "s1",
		AgentID:     "42",
		UserAddress: "0xuser",
		Messages: []session.Message{
			{Origin: session.Committed{ServerID: "u1"}, Role: session.RoleUser, Content: "hello", Status: verification.StatusCommitted},
			{Origin: session.Committed{ServerID: "a1", Proof: session.Proof{CommitmentHash: "0x1"}}, Role: session.RoleAgent, Content: "Hi!", Timestamp: ts, Status: verification.StatusCommitted},
			{Origin: session.Optimistic{LocalID: "u2"}, Role: session.RoleUser, Content: "again", Status: verification.StatusFailed},
			{Origin: session.Fallback{LocalID: "f1"}, Role: session.RoleAgent, Content: "offline", Status: verification.StatusLocalOnly},
		},
	}

	in, err := InteractionAt(sess, 1)
	require.NoError(t, err)
	assert.Equal(t, Interaction{
		SessionID:   "s1",
		MessageID:   "a1",
		AgentID:     "42",
		UserAddress: "0xuser",
		UserText:    "hello",
		AgentText:   "Hi!",
		Timestamp:   ts,
	}, in)

	for _, slot := range []int{0, 3, 9, -1} {
		_, err := InteractionAt(sess, slot)
		assert.ErrorIs(t, err, ErrNotRateable, "slot %d", slot)
	}
}
