package backend

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// FlexString decodes a JSON string or number into a string. Ids on the wire
// are not consistently typed.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// fromUnix converts wire seconds into time, dropping any fraction. Zero,
// missing and unparsable values become the zero time.
func fromUnix(n json.Number) time.Time {
	s := n.String()
	if s == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}
		}
		sec = int64(f)
	}
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// UnixSeconds converts time into wire seconds
func UnixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// SessionRequest is the body for starting or resuming a chat session
type SessionRequest struct {
	UserAddress string `json:"user_address"`
}

// WireMessage is a history message as the backend returns it
type WireMessage struct {
	ID             FlexString  `json:"id"`
	Content        string      `json:"content"`
	Role           string      `json:"role"`
	Timestamp      json.Number `json:"timestamp"`
	CommitmentHash string      `json:"commitment_hash,omitempty"`
	TEEAttestation string      `json:"tee_attestation,omitempty"`
	TEEVerified    bool        `json:"tee_verified,omitempty"`
}

// SessionResponse is the reply to a session request
type SessionResponse struct {
	SessionID FlexString    `json:"session_id"`
	MuseID    FlexString    `json:"muse_id"`
	Messages  []WireMessage `json:"messages"`
}

// SendMessageRequest is the body for sending a chat message
type SendMessageRequest struct {
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	UserAddress string `json:"user_address"`
}

// WireReasoning is the reasoning trace attached to a reply
type WireReasoning struct {
	CreativityAnalysis string  `json:"creativity_analysis"`
	WisdomAnalysis     string  `json:"wisdom_analysis"`
	HumorAnalysis      string  `json:"humor_analysis"`
	EmpathyAnalysis    string  `json:"empathy_analysis"`
	Synthesis          string  `json:"synthesis"`
	Confidence         float64 `json:"confidence"`
}

// WireTraitsInfluence holds the per-trait weights of a reply
type WireTraitsInfluence struct {
	Creativity float64 `json:"creativity"`
	Wisdom     float64 `json:"wisdom"`
	Humor      float64 `json:"humor"`
	Empathy    float64 `json:"empathy"`
}

// SendMessageResponse is the reply to a chat message
type SendMessageResponse struct {
	InteractionID   FlexString           `json:"interaction_id"`
	Response        string               `json:"response"`
	CommitmentHash  string               `json:"commitment_hash"`
	UserCommitment  string               `json:"user_commitment"`
	TEEAttestation  string               `json:"tee_attestation,omitempty"`
	TEEVerified     bool                 `json:"tee_verified,omitempty"`
	Reasoning       *WireReasoning       `json:"reasoning,omitempty"`
	ReasoningSteps  []string             `json:"reasoning_steps,omitempty"`
	TraitsInfluence *WireTraitsInfluence `json:"traits_influence,omitempty"`
}

// RatingRequest is the body for a rating submission
type RatingRequest struct {
	MuseID              string `json:"muse_id"`
	InteractionHash     string `json:"interaction_hash"`
	QualityScore        int    `json:"quality_score"`
	PersonalityAccuracy int    `json:"personality_accuracy"`
	Helpfulness         int    `json:"helpfulness"`
	Feedback            string `json:"feedback"`
	UserAddress         string `json:"user_address"`
}

// RatingResponse is the reply to a rating submission
type RatingResponse struct {
	Success         bool    `json:"success"`
	TransactionHash string  `json:"transaction_hash,omitempty"`
	RewardAmount    float64 `json:"reward_amount"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// MemoryQuery holds the query parameters of the enhanced memory endpoint
type MemoryQuery struct {
	Limit         int
	Category      string
	Tags          []string
	MinImportance float64
	Search        string
	SearchType    string // semantic|keyword
}

// WireMemory is a memory entry as the backend returns it
type WireMemory struct {
	ID                FlexString  `json:"id"`
	Content           string      `json:"content"`
	AIResponse        string      `json:"ai_response"`
	Importance        float64     `json:"importance"`
	Timestamp         json.Number `json:"timestamp"`
	Category          string      `json:"category"`
	Tags              []string    `json:"tags"`
	RetentionPriority string      `json:"retention_priority"`
	AccessCount       int         `json:"access_count"`
}

// WireMemoryStats are the backend's own aggregates. The client recomputes
// stats from entries and only logs these.
type WireMemoryStats struct {
	TotalMemories     int            `json:"total_memories"`
	CategoryBreakdown map[string]int `json:"category_breakdown"`
	AverageImportance float64        `json:"average_importance"`
}

// MemoryResponse is the reply to an enhanced memory query
type MemoryResponse struct {
	Memories []WireMemory    `json:"memories"`
	Stats    WireMemoryStats `json:"stats"`
	HasMore  bool            `json:"has_more"`
}

// MemoryRecord is a decoded memory entry with native time
type MemoryRecord struct {
	ID                string
	Content           string
	AIResponse        string
	Importance        float64
	Timestamp         time.Time
	Category          string
	Tags              []string
	RetentionPriority string
	AccessCount       int
}

// MemoryPage is a decoded enhanced memory reply
type MemoryPage struct {
	Records       []MemoryRecord
	HasMore       bool
	ReportedTotal int
}

// toRecord converts wire seconds at the boundary
func (w WireMemory) toRecord() MemoryRecord {
	return MemoryRecord{
		ID:                string(w.ID),
		Content:           w.Content,
		AIResponse:        w.AIResponse,
		Importance:        w.Importance,
		Timestamp:         fromUnix(w.Timestamp),
		Category:          w.Category,
		Tags:              w.Tags,
		RetentionPriority: w.RetentionPriority,
		AccessCount:       w.AccessCount,
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
