package session

import (
	"errors"
	"fmt"
	"sync"

	"MuseChat/internal/verification"
)

var (
	ErrUnknownSession   = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrSendInFlight     = errors.New("a send is already in flight")
	ErrInvalidSlot      = errors.New("message slot out of range")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrNotOptimistic    = errors.New("message is not optimistic")
	ErrNoCommitment     = errors.New("no committed message with that commitment hash")
	ErrReasoningMissing = errors.New("message has no reasoning")
)

type entry struct {
	session       Session
	inFlight      bool
	showReasoning map[int]bool
}

// Store is the in-memory log of chat sessions owned by one view. Messages
// are append-only and keyed by slot; ids may change on reconciliation.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*entry),
	}
}

// Create registers a new session. Messages already on sess are validated
// and kept in order.
func (s *Store) Create(sess Session) error {
	for i, msg := range sess.Messages {
		if err := validate(msg); err != nil {
			return fmt.Errorf("history message %d: %w", i, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return ErrSessionExists
	}

	sess.Messages = cloneMessages(sess.Messages)

	s.sessions[sess.ID] = &entry{
		session:       sess,
		showReasoning: make(map[int]bool),
	}
	return nil
}

// Get returns a copy of the session
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.snapshot(), true
}

// FindByAgent returns the session for an (agent, user) pairing
func (s *Store) FindByAgent(agentID, userAddress string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.sessions {
		if e.session.AgentID == agentID && e.session.UserAddress == userAddress {
			return e.snapshot(), true
		}
	}
	return Session{}, false
}

// All returns copies of every session in the store
func (s *Store) All() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.snapshot())
	}
	return out
}

// Messages returns a copy of the session log
func (s *Store) Messages(id string) []Message {
	sess, ok := s.Get(id)
	if !ok {
		return nil
	}
	return sess.Messages
}

// Len returns the number of messages in the session
func (s *Store) Len(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[id]; ok {
		return len(e.session.Messages)
	}
	return 0
}

// BeginSend claims the session's single send slot
func (s *Store) BeginSend(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if e.inFlight {
		return ErrSendInFlight
	}
	e.inFlight = true
	return nil
}

// EndSend releases the send slot
func (s *Store) EndSend(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[id]; ok {
		e.inFlight = false
	}
}

// InFlight reports whether a send is pending for the session
func (s *Store) InFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	return ok && e.inFlight
}

// Append adds msg at the end of the log and returns its slot
func (s *Store) Append(id string, msg Message) (int, error) {
	if err := validate(msg); err != nil {
		return -1, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return -1, ErrUnknownSession
	}
	e.session.Messages = append(e.session.Messages, msg.clone())
	return len(e.session.Messages) - 1, nil
}

// Commit reconciles the optimistic message at slot with the backend's answer
func (s *Store) Commit(id string, slot int, serverID string, proof Proof) error {
	return s.update(id, slot, func(msg *Message) error {
		if _, ok := msg.Origin.(Optimistic); !ok {
			return ErrNotOptimistic
		}
		next, err := verification.Transition(msg.Status, verification.StatusCommitted)
		if err != nil {
			return err
		}
		if serverID == "" {
			serverID = msg.ID()
		}
		msg.Status = next
		msg.Origin = Committed{ServerID: serverID, Proof: proof}
		return nil
	})
}

// Fail marks the optimistic message at slot as undelivered
func (s *Store) Fail(id string, slot int) error {
	return s.update(id, slot, func(msg *Message) error {
		if _, ok := msg.Origin.(Optimistic); !ok {
			return ErrNotOptimistic
		}
		next, err := verification.Transition(msg.Status, verification.StatusFailed)
		if err != nil {
			return err
		}
		msg.Status = next
		return nil
	})
}

// MarkVerified moves every committed message carrying commitmentHash to
// verified and returns their slots.
func (s *Store) MarkVerified(id, commitmentHash string) ([]int, error) {
	if commitmentHash == "" {
		return nil, ErrNoCommitment
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}

	var slots []int
	for i := range e.session.Messages {
		msg := &e.session.Messages[i]
		if msg.CommitmentHash() != commitmentHash {
			continue
		}
		next, err := verification.Transition(msg.Status, verification.StatusVerified)
		if err != nil {
			continue // already verified
		}
		msg.Status = next
		slots = append(slots, i)
	}

	if len(slots) == 0 {
		return nil, ErrNoCommitment
	}
	return slots, nil
}

// ToggleReasoning flips the display state of the reasoning panel at slot
func (s *Store) ToggleReasoning(id string, slot int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return false, ErrUnknownSession
	}
	if slot < 0 || slot >= len(e.session.Messages) {
		return false, ErrInvalidSlot
	}
	if e.session.Messages[slot].Reasoning == nil {
		return false, ErrReasoningMissing
	}

	e.showReasoning[slot] = !e.showReasoning[slot]
	return e.showReasoning[slot], nil
}

// ReasoningShown reports the display state of the reasoning panel at slot
func (s *Store) ReasoningShown(id string, slot int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	return ok && e.showReasoning[slot]
}

func (s *Store) update(id string, slot int, fn func(*Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if slot < 0 || slot >= len(e.session.Messages) {
		return ErrInvalidSlot
	}
	return fn(&e.session.Messages[slot])
}

func (e *entry) snapshot() Session {
	sess := e.session
	sess.Messages = cloneMessages(e.session.Messages)
	return sess
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.clone()
	}
	return out
}

// validate enforces the pairing between origin and status, and the
// reasoning/influence invariant for agent messages.
func validate(msg Message) error {
	if msg.Role != RoleUser && msg.Role != RoleAgent {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}

	switch msg.Origin.(type) {
	case Optimistic:
		if msg.Role != RoleUser || msg.Status != verification.StatusPending {
			return fmt.Errorf("%w: optimistic messages are pending user messages", ErrInvalidMessage)
		}
	case Committed:
		if msg.Status != verification.StatusCommitted && msg.Status != verification.StatusVerified {
			return fmt.Errorf("%w: committed origin with status %s", ErrInvalidMessage, msg.Status)
		}
	case Fallback:
		if msg.Status != verification.StatusLocalOnly {
			return fmt.Errorf("%w: fallback origin with status %s", ErrInvalidMessage, msg.Status)
		}
	default:
		return fmt.Errorf("%w: missing origin", ErrInvalidMessage)
	}

	if msg.Role == RoleAgent && msg.Reasoning != nil {
		if msg.TraitsInfluence == nil {
			return fmt.Errorf("%w: reasoning without traits influence", ErrInvalidMessage)
		}
		ti := *msg.TraitsInfluence
		if ti.Creativity < 0 || ti.Wisdom < 0 || ti.Humor < 0 || ti.Empathy < 0 {
			return fmt.Errorf("%w: negative traits influence", ErrInvalidMessage)
		}
	}
	return nil
}
