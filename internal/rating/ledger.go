package rating

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"MuseChat/internal/backend"
	"MuseChat/internal/session"
)

// DefaultBaseReward is the reward paid for any accepted rating. Anything
// above it is reported as a quality bonus.
const DefaultBaseReward = 10.0

var (
	ErrRejected      = errors.New("rating rejected by backend")
	ErrInvalidScores = errors.New("scores must be between 1 and 5")
	ErrNotRateable   = errors.New("message cannot be rated")
)

// Outcome is the result of a submission
type Outcome string

const (
	OutcomeAlreadyRated Outcome = "already_rated"
	OutcomeBusy         Outcome = "busy"
	OutcomeRewarded     Outcome = "rewarded"
	OutcomeRejected     Outcome = "rejected"
	OutcomeFailed       Outcome = "failed"
)

// API is the part of the backend the ledger needs
type API interface {
	SubmitRating(ctx context.Context, req backend.RatingRequest) (*backend.RatingResponse, error)
}

// GuardStore remembers which messages were rated
type GuardStore interface {
	IsRated(ctx context.Context, sessionID, messageID string) (bool, error)
	MarkRated(ctx context.Context, sessionID, messageID string) error
}

// Interaction identifies the agent reply being rated
type Interaction struct {
	SessionID   string
	MessageID   string
	AgentID     string
	UserAddress string
	UserText    string
	AgentText   string
	Timestamp   time.Time
}

// Scores is what the user rated
type Scores struct {
	Quality             int
	PersonalityAccuracy int
	Helpfulness         int
	Feedback            string
}

func (s Scores) valid() bool {
	for _, v := range []int{s.Quality, s.PersonalityAccuracy, s.Helpfulness} {
		if v < 1 || v > 5 {
			return false
		}
	}
	return true
}

// Receipt reports a submission
type Receipt struct {
	Outcome         Outcome
	TokensAwarded   float64
	QualityBonus    float64
	TransactionHash string
}

// Options tunes a Ledger. Zero values pick defaults.
type Options struct {
	Guard      GuardStore
	BaseReward float64
	Logger     *slog.Logger
	Meter      metric.Meter
}

// Ledger submits ratings at most once per message
type Ledger struct {
	api        API
	guard      GuardStore
	baseReward float64
	logger     *slog.Logger
	submitted  metric.Int64Counter

	mu       sync.Mutex
	inFlight bool
}

// NewLedger creates a ledger. Without a guard store the rated set lives in
// memory and dies with the ledger.
func NewLedger(api API, opts Options) *Ledger {
	l := &Ledger{
		api:        api,
		guard:      opts.Guard,
		baseReward: opts.BaseReward,
		logger:     opts.Logger,
	}
	if l.guard == nil {
		l.guard = NewMemoryGuard()
	}
	if l.baseReward <= 0 {
		l.baseReward = DefaultBaseReward
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}

	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("rating")
	}
	counter, err := meter.Int64Counter("musechat.rating.submitted",
		metric.WithDescription("Rating submissions by outcome"))
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("rating").Int64Counter("musechat.rating.submitted")
	}
	l.submitted = counter

	return l
}

// Submit rates an interaction. Duplicate and concurrent submissions are
// refused before any network call; only a rejected or failed submission
// returns an error, and the message stays rateable in that case.
func (l *Ledger) Submit(ctx context.Context, in Interaction, scores Scores) (Receipt, error) {
	if in.MessageID == "" {
		return Receipt{Outcome: OutcomeRejected}, ErrNotRateable
	}
	if !scores.valid() {
		return Receipt{Outcome: OutcomeRejected}, ErrInvalidScores
	}

	if !l.acquire() {
		return Receipt{Outcome: OutcomeBusy}, nil
	}
	defer l.release()

	log := l.logger.With("session_id", in.SessionID, "message_id", in.MessageID)

	rated, err := l.guard.IsRated(ctx, in.SessionID, in.MessageID)
	if err != nil {
		return l.record(ctx, Receipt{Outcome: OutcomeFailed}), fmt.Errorf("failed to check rating guard: %w", err)
	}
	if rated {
		log.Info("message already rated")
		return Receipt{Outcome: OutcomeAlreadyRated}, nil
	}

	resp, err := l.api.SubmitRating(ctx, backend.RatingRequest{
		MuseID:              in.AgentID,
		InteractionHash:     InteractionHash(in.AgentID, in.UserText, in.AgentText, backend.UnixSeconds(in.Timestamp)),
		QualityScore:        scores.Quality,
		PersonalityAccuracy: scores.PersonalityAccuracy,
		Helpfulness:         scores.Helpfulness,
		Feedback:            scores.Feedback,
		UserAddress:         in.UserAddress,
	})
	if err != nil {
		log.Warn("rating submission failed", "error", err)
		return l.record(ctx, Receipt{Outcome: OutcomeFailed}), fmt.Errorf("failed to submit rating: %w", err)
	}
	if !resp.Success {
		log.Warn("rating rejected", "error", resp.ErrorMessage)
		return l.record(ctx, Receipt{Outcome: OutcomeRejected}), fmt.Errorf("%w: %s", ErrRejected, resp.ErrorMessage)
	}

	if err := l.guard.MarkRated(ctx, in.SessionID, in.MessageID); err != nil {
		log.Error("failed to persist rating guard", "error", err)
	}

	receipt := Receipt{
		Outcome:         OutcomeRewarded,
		TokensAwarded:   resp.RewardAmount,
		TransactionHash: resp.TransactionHash,
	}
	if resp.RewardAmount > l.baseReward {
		receipt.QualityBonus = resp.RewardAmount - l.baseReward
	}

	log.Info("rating accepted", "reward", resp.RewardAmount, "tx", resp.TransactionHash)
	return l.record(ctx, receipt), nil
}

// Busy reports whether a submission is in flight
func (l *Ledger) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

func (l *Ledger) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight {
		return false
	}
	l.inFlight = true
	return true
}

func (l *Ledger) release() {
	l.mu.Lock()
	l.inFlight = false
	l.mu.Unlock()
}

func (l *Ledger) record(ctx context.Context, r Receipt) Receipt {
	l.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(r.Outcome))))
	return r
}

// InteractionHash derives the token the backend uses to identify an
// interaction. It is a 0x-prefixed hex sha256.
func InteractionHash(agentID, userText, agentText string, timestampSeconds int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", agentID, userText, agentText, timestampSeconds)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// InteractionAt builds the interaction for the agent reply at slot. Only
// replies the backend committed can be rated.
func InteractionAt(sess session.Session, slot int) (Interaction, error) {
	if slot < 0 || slot >= len(sess.Messages) {
		return Interaction{}, fmt.Errorf("%w: slot %d", ErrNotRateable, slot)
	}

	reply := sess.Messages[slot]
	if reply.Role != session.RoleAgent {
		return Interaction{}, fmt.Errorf("%w: not an agent reply", ErrNotRateable)
	}
	if _, ok := reply.Proof(); !ok {
		return Interaction{}, fmt.Errorf("%w: reply was never committed", ErrNotRateable)
	}

	in := Interaction{
		SessionID:   sess.ID,
		MessageID:   reply.ID(),
		AgentID:     sess.AgentID,
		UserAddress: sess.UserAddress,
		AgentText:   reply.Content,
		Timestamp:   reply.Timestamp,
	}
	for i := slot - 1; i >= 0; i-- {
		if sess.Messages[i].Role == session.RoleUser {
			in.UserText = sess.Messages[i].Content
			break
		}
	}
	return in, nil
}

// MemoryGuard is an in-memory GuardStore
type MemoryGuard struct {
	mu    sync.Mutex
	rated map[string]struct{}
}

// NewMemoryGuard creates an empty guard
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{rated: make(map[string]struct{})}
}

func (g *MemoryGuard) IsRated(_ context.Context, sessionID, messageID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.rated[sessionID+"/"+messageID]
	return ok, nil
}

func (g *MemoryGuard) MarkRated(_ context.Context, sessionID, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rated[sessionID+"/"+messageID] = struct{}{}
	return nil
}
