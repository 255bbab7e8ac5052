package session

import (
	"time"

	"MuseChat/internal/verification"
)

// Role is the author of a message
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Traits are the agent's personality values, each on a 0..100 scale
type Traits struct {
	Creativity int `json:"creativity"`
	Wisdom     int `json:"wisdom"`
	Humor      int `json:"humor"`
	Empathy    int `json:"empathy"`
}

// Reasoning is the structured trace attached to an agent reply
type Reasoning struct {
	CreativityAnalysis string   `json:"creativity_analysis"`
	WisdomAnalysis     string   `json:"wisdom_analysis"`
	HumorAnalysis      string   `json:"humor_analysis"`
	EmpathyAnalysis    string   `json:"empathy_analysis"`
	Synthesis          string   `json:"synthesis"`
	Confidence         float64  `json:"confidence"` // 0..1
	Steps              []string `json:"steps,omitempty"`
}

// TraitsInfluence holds display-only weights. They need not sum to 1.
type TraitsInfluence struct {
	Creativity float64 `json:"creativity"`
	Wisdom     float64 `json:"wisdom"`
	Humor      float64 `json:"humor"`
	Empathy    float64 `json:"empathy"`
}

// Clamped returns a copy with negative weights raised to zero
func (ti TraitsInfluence) Clamped() TraitsInfluence {
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}
	return TraitsInfluence{
		Creativity: clamp(ti.Creativity),
		Wisdom:     clamp(ti.Wisdom),
		Humor:      clamp(ti.Humor),
		Empathy:    clamp(ti.Empathy),
	}
}

// InfluenceFromTraits scales trait values into influence weights
func InfluenceFromTraits(t Traits) TraitsInfluence {
	return TraitsInfluence{
		Creativity: float64(t.Creativity) / 100,
		Wisdom:     float64(t.Wisdom) / 100,
		Humor:      float64(t.Humor) / 100,
		Empathy:    float64(t.Empathy) / 100,
	}.Clamped()
}

// Proof is what the backend hands back once a message is durably recorded
type Proof struct {
	CommitmentHash string
	UserCommitment string
	TEEAttestation string
	TEEVerified    bool
}

// Origin tells where a message came from. It is one of Optimistic,
// Committed or Fallback.
type Origin interface {
	ID() string
	isOrigin()
}

// Optimistic is a user message shown before the backend answered
type Optimistic struct {
	LocalID string
}

// Committed is a message the backend acknowledged
type Committed struct {
	ServerID string
	Proof    Proof
}

// Fallback is a reply synthesized on the client
type Fallback struct {
	LocalID string
}

func (o Optimistic) ID() string { return o.LocalID }
func (o Committed) ID() string  { return o.ServerID }
func (o Fallback) ID() string   { return o.LocalID }

func (Optimistic) isOrigin() {}
func (Committed) isOrigin()  {}
func (Fallback) isOrigin()   {}

// Message represents a single chat message
type Message struct {
	Origin          Origin
	Role            Role
	Content         string
	Timestamp       time.Time
	Status          verification.Status
	Reasoning       *Reasoning
	TraitsInfluence *TraitsInfluence
}

// ID returns the current id of the message. It changes when an optimistic
// message is reconciled.
func (m Message) ID() string {
	if m.Origin == nil {
		return ""
	}
	return m.Origin.ID()
}

// clone copies msg so that no pointer is shared with the original
func (m Message) clone() Message {
	if m.Reasoning != nil {
		r := *m.Reasoning
		r.Steps = append([]string(nil), m.Reasoning.Steps...)
		m.Reasoning = &r
	}
	if m.TraitsInfluence != nil {
		ti := *m.TraitsInfluence
		m.TraitsInfluence = &ti
	}
	return m
}

// Proof returns the backend proof if the message was committed
func (m Message) Proof() (Proof, bool) {
	if c, ok := m.Origin.(Committed); ok {
		return c.Proof, true
	}
	return Proof{}, false
}

// CommitmentHash is empty for optimistic and fallback messages
func (m Message) CommitmentHash() string {
	p, _ := m.Proof()
	return p.CommitmentHash
}

// TEEVerified reports the TEE flag of a committed message
func (m Message) TEEVerified() bool {
	p, _ := m.Proof()
	return p.TEEVerified
}

// Marker returns the trust badge for display
func (m Message) Marker() verification.Marker {
	return verification.DisplayMarker(m.Status, m.Role == RoleUser, m.TEEVerified())
}

// Session represents one (agent, user) chat
type Session struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	UserAddress string    `json:"user_address"`
	Traits      Traits    `json:"traits"`
	Offline     bool      `json:"offline"`
	StartTime   time.Time `json:"start_time"`
	Messages    []Message `json:"-"`
}
