package chatbot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"MuseChat/internal/backend"
	"MuseChat/internal/personality"
	"MuseChat/internal/session"
	"MuseChat/internal/verification"
)

// DefaultSendTimeout bounds a send that would otherwise hang forever
const DefaultSendTimeout = 45 * time.Second

var errOfflineSession = errors.New("session was opened offline")

// ChatAPI is the part of the backend the dispatcher needs
type ChatAPI interface {
	StartSession(ctx context.Context, agentID, userAddress string) (*session.Session, error)
	SendMessage(ctx context.Context, agentID string, req backend.SendMessageRequest) (*backend.SendMessageResponse, error)
}

// Outcome is what happened to a send
type Outcome string

const (
	OutcomeRejected  Outcome = "rejected"
	OutcomeCommitted Outcome = "committed"
	OutcomeFallback  Outcome = "fallback"
)

// RejectReason explains a rejected send
type RejectReason string

const (
	ReasonEmptyText      RejectReason = "empty_text"
	ReasonUnknownSession RejectReason = "unknown_session"
	ReasonInFlight       RejectReason = "send_in_flight"
	ReasonInvalidMessage RejectReason = "invalid_message"
)

// SendResult reports the outcome of a send. The messages themselves land in
// the session store.
type SendResult struct {
	Outcome   Outcome
	Reason    RejectReason
	UserSlot  int
	AgentSlot int
}

func rejected(reason RejectReason) SendResult {
	return SendResult{Outcome: OutcomeRejected, Reason: reason, UserSlot: -1, AgentSlot: -1}
}

// Options tunes a Dispatcher. Zero values pick defaults.
type Options struct {
	SendTimeout    time.Duration
	FallbackPolicy personality.Policy
	Logger         *slog.Logger
	Meter          metric.Meter
	Now            func() time.Time
	NewID          func() string
}

// Dispatcher turns user input into conversation turns in a session store
type Dispatcher struct {
	api       ChatAPI
	store     *session.Store
	generator *personality.Generator
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	committedCounter metric.Int64Counter
	fallbackCounter  metric.Int64Counter
}

// NewDispatcher creates a dispatcher writing into store
func NewDispatcher(api ChatAPI, store *session.Store, opts Options) *Dispatcher {
	d := &Dispatcher{
		api:       api,
		store:     store,
		generator: personality.NewGenerator(opts.FallbackPolicy),
		timeout:   opts.SendTimeout,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultSendTimeout
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = func() string { return uuid.NewString() }
	}

	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("chatbot")
	}
	var err error
	if d.committedCounter, err = meter.Int64Counter("musechat.send.committed",
		metric.WithDescription("Sends acknowledged by the backend")); err != nil {
		d.committedCounter, _ = noop.NewMeterProvider().Meter("chatbot").Int64Counter("musechat.send.committed")
	}
	if d.fallbackCounter, err = meter.Int64Counter("musechat.send.fallback",
		metric.WithDescription("Sends answered with a local fallback reply")); err != nil {
		d.fallbackCounter, _ = noop.NewMeterProvider().Meter("chatbot").Int64Counter("musechat.send.fallback")
	}

	return d
}

// Store returns the session store the dispatcher writes into
func (d *Dispatcher) Store() *session.Store {
	return d.store
}

// OpenSession returns the session for (agentID, userAddress), fetching it
// from the backend on first open. When the backend is unreachable a local
// offline session is synthesized instead.
func (d *Dispatcher) OpenSession(ctx context.Context, agentID, userAddress string, traits session.Traits) (session.Session, error) {
	if existing, ok := d.store.FindByAgent(agentID, userAddress); ok {
		return existing, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	sess, err := d.api.StartSession(ctx, agentID, userAddress)
	if err != nil {
		d.logger.Warn("failed to start session, continuing offline", "agent_id", agentID, "error", err)
		sess = &session.Session{
			ID:        "local-" + shortuuid.New(),
			Offline:   true,
			StartTime: d.now(),
		}
	}

	sess.AgentID = agentID
	sess.UserAddress = userAddress
	sess.Traits = traits

	if err := d.store.Create(*sess); err != nil {
		return session.Session{}, err
	}

	d.logger.Info("opened session",
		"session_id", sess.ID,
		"agent_id", agentID,
		"offline", sess.Offline,
		"history", len(sess.Messages))

	created, _ := d.store.Get(sess.ID)
	return created, nil
}

// SendMessage sends text as the user. At most one send runs per session;
// concurrent calls are rejected, not queued.
func (d *Dispatcher) SendMessage(ctx context.Context, sessionID, text, userAddress string) SendResult {
	return d.send(ctx, sessionID, text, userAddress, false)
}

// SendMessageWithReasoning is SendMessage, but the agent reply always
// carries a reasoning trace.
func (d *Dispatcher) SendMessageWithReasoning(ctx context.Context, sessionID, text, userAddress string) SendResult {
	return d.send(ctx, sessionID, text, userAddress, true)
}

func (d *Dispatcher) send(ctx context.Context, sessionID, text, userAddress string, withReasoning bool) SendResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return rejected(ReasonEmptyText)
	}

	if err := d.store.BeginSend(sessionID); err != nil {
		if errors.Is(err, session.ErrSendInFlight) {
			return rejected(ReasonInFlight)
		}
		return rejected(ReasonUnknownSession)
	}
	defer d.store.EndSend(sessionID)

	sess, ok := d.store.Get(sessionID)
	if !ok {
		return rejected(ReasonUnknownSession)
	}

	log := d.logger.With("session_id", sessionID, "agent_id", sess.AgentID)

	userSlot, err := d.store.Append(sessionID, session.Message{
		Origin:    session.Optimistic{LocalID: d.newID()},
		Role:      session.RoleUser,
		Content:   text,
		Timestamp: d.now(),
		Status:    verification.StatusPending,
	})
	if err != nil {
		log.Error("failed to append user message", "error", err)
		return rejected(ReasonInvalidMessage)
	}

	if sess.Offline {
		return d.fallback(ctx, log, sess, userSlot, text, withReasoning, errOfflineSession)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	resp, err := d.api.SendMessage(sendCtx, sess.AgentID, backend.SendMessageRequest{
		SessionID:   sessionID,
		Message:     text,
		UserAddress: userAddress,
	})
	cancel()
	if err != nil {
		return d.fallback(ctx, log, sess, userSlot, text, withReasoning, err)
	}

	interactionID := string(resp.InteractionID)
	userServerID := ""
	agentServerID := interactionID
	if interactionID != "" {
		userServerID = interactionID + ":user"
	} else {
		agentServerID = d.newID()
	}

	if err := d.store.Commit(sessionID, userSlot, userServerID, session.Proof{
		CommitmentHash: resp.CommitmentHash,
		UserCommitment: resp.UserCommitment,
	}); err != nil {
		log.Error("failed to commit user message", "slot", userSlot, "error", err)
	}
	if resp.CommitmentHash == "" {
		log.Warn("backend accepted message without commitment hash", "interaction_id", interactionID)
	}

	reply := session.Message{
		Origin: session.Committed{
			ServerID: agentServerID,
			Proof: session.Proof{
				CommitmentHash: resp.CommitmentHash,
				TEEAttestation: resp.TEEAttestation,
				TEEVerified:    resp.TEEVerified,
			},
		},
		Role:      session.RoleAgent,
		Content:   resp.Response,
		Timestamp: d.now(),
		Status:    verification.StatusCommitted,
	}
	d.attachReasoning(&reply, resp, sess.Traits, text, withReasoning)

	agentSlot, err := d.store.Append(sessionID, reply)
	if err != nil {
		log.Error("failed to append agent reply", "error", err)
		agentSlot = -1
	}

	d.committedCounter.Add(ctx, 1)
	log.Info("message committed", "interaction_id", interactionID, "tee_verified", resp.TEEVerified)

	return SendResult{Outcome: OutcomeCommitted, UserSlot: userSlot, AgentSlot: agentSlot}
}

// fallback marks the user message undelivered and appends a local reply
func (d *Dispatcher) fallback(ctx context.Context, log *slog.Logger, sess session.Session, userSlot int, text string, withReasoning bool, cause error) SendResult {
	var apiErr *backend.APIError
	switch {
	case errors.As(cause, &apiErr):
		log.Warn("backend rejected message, using fallback reply", "status", apiErr.StatusCode, "error", apiErr.Message)
	case errors.Is(cause, context.DeadlineExceeded):
		log.Warn("send timed out, using fallback reply", "timeout", d.timeout)
	case errors.Is(cause, errOfflineSession):
		log.Info("offline session, using fallback reply")
	default:
		log.Warn("send failed, using fallback reply", "error", cause)
	}

	if err := d.store.Fail(sess.ID, userSlot); err != nil {
		log.Error("failed to mark user message failed", "slot", userSlot, "error", err)
	}

	reply := session.Message{
		Origin:    session.Fallback{LocalID: d.newID()},
		Role:      session.RoleAgent,
		Content:   d.generator.Reply(sess.Traits, text),
		Timestamp: d.now(),
		Status:    verification.StatusLocalOnly,
	}
	if withReasoning {
		r := personality.FabricateReasoning(sess.Traits, text)
		ti := session.InfluenceFromTraits(sess.Traits)
		reply.Reasoning = &r
		reply.TraitsInfluence = &ti
	}

	agentSlot, err := d.store.Append(sess.ID, reply)
	if err != nil {
		log.Error("failed to append fallback reply", "error", err)
		agentSlot = -1
	}

	d.fallbackCounter.Add(ctx, 1)
	return SendResult{Outcome: OutcomeFallback, UserSlot: userSlot, AgentSlot: agentSlot}
}

// attachReasoning copies the backend's trace onto reply, or fabricates one
// when the caller asked for reasoning and the backend sent none.
func (d *Dispatcher) attachReasoning(reply *session.Message, resp *backend.SendMessageResponse, traits session.Traits, text string, required bool) {
	switch {
	case resp.Reasoning != nil:
		r := session.Reasoning{
			CreativityAnalysis: resp.Reasoning.CreativityAnalysis,
			WisdomAnalysis:     resp.Reasoning.WisdomAnalysis,
			HumorAnalysis:      resp.Reasoning.HumorAnalysis,
			EmpathyAnalysis:    resp.Reasoning.EmpathyAnalysis,
			Synthesis:          resp.Reasoning.Synthesis,
			Confidence:         clampUnit(resp.Reasoning.Confidence),
			Steps:              resp.ReasoningSteps,
		}
		reply.Reasoning = &r
	case required:
		r := personality.FabricateReasoning(traits, text)
		reply.Reasoning = &r
	}

	switch {
	case resp.TraitsInfluence != nil:
		ti := session.TraitsInfluence{
			Creativity: resp.TraitsInfluence.Creativity,
			Wisdom:     resp.TraitsInfluence.Wisdom,
			Humor:      resp.TraitsInfluence.Humor,
			Empathy:    resp.TraitsInfluence.Empathy,
		}.Clamped()
		reply.TraitsInfluence = &ti
	case reply.Reasoning != nil:
		ti := session.InfluenceFromTraits(traits)
		reply.TraitsInfluence = &ti
	}
}

// MarkVerified asserts out-of-band verification of a commitment
func (d *Dispatcher) MarkVerified(sessionID, commitmentHash string) error {
	slots, err := d.store.MarkVerified(sessionID, commitmentHash)
	if err != nil {
		return err
	}
	d.logger.Info("messages verified", "session_id", sessionID, "commitment_hash", commitmentHash, "slots", slots)
	return nil
}

// ToggleReasoning flips whether the reasoning panel at slot is shown
func (d *Dispatcher) ToggleReasoning(sessionID string, slot int) (bool, error) {
	return d.store.ToggleReasoning(sessionID, slot)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
