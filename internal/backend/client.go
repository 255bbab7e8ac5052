package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"MuseChat/internal/session"
	"MuseChat/internal/verification"
)

// ErrEmptyResponse is returned when a 2xx reply carries no usable content
var ErrEmptyResponse = errors.New("empty response from backend")

// APIError is a non-2xx reply. Message is taken from the error body when
// one can be decoded.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error: %s", e.Status)
	}
	return fmt.Sprintf("API error: %s - %s", e.Status, e.Message)
}

// Client talks to the muse backend over HTTP/JSON
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTracer sets the tracer used for one span per call
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// WithMeter sets the meter used for the request duration histogram
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) {
		histogram, err := meter.Float64Histogram(
			"http.client.request.duration",
			metric.WithDescription("HTTP request duration in milliseconds"),
		)
		if err == nil {
			c.duration = histogram
		}
	}
}

// NewClient creates a backend client rooted at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
		tracer:     tracenoop.NewTracerProvider().Tracer("backend"),
	}
	WithMeter(metricnoop.NewMeterProvider().Meter("backend"))(c)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSession starts or resumes the chat session of a user with an agent
func (c *Client) StartSession(ctx context.Context, agentID, userAddress string) (*session.Session, error) {
	var resp SessionResponse
	path := fmt.Sprintf("/api/v1/muses/%s/chat/session", url.PathEscape(agentID))
	if err := c.do(ctx, "start_session", http.MethodPost, path, nil, SessionRequest{UserAddress: userAddress}, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session_id", ErrEmptyResponse)
	}

	sess := &session.Session{
		ID:          string(resp.SessionID),
		AgentID:     agentID,
		UserAddress: userAddress,
		StartTime:   time.Now(),
		Messages:    make([]session.Message, 0, len(resp.Messages)),
	}
	for i, wm := range resp.Messages {
		sess.Messages = append(sess.Messages, wm.toMessage(i))
	}
	return sess, nil
}

func (wm WireMessage) toMessage(index int) session.Message {
	id := string(wm.ID)
	if id == "" {
		id = "history-" + strconv.Itoa(index)
	}

	role := session.RoleAgent
	if strings.EqualFold(wm.Role, string(session.RoleUser)) {
		role = session.RoleUser
	}

	return session.Message{
		Origin: session.Committed{
			ServerID: id,
			Proof: session.Proof{
				CommitmentHash: wm.CommitmentHash,
				TEEAttestation: wm.TEEAttestation,
				TEEVerified:    wm.TEEVerified,
			},
		},
		Role:      role,
		Content:   wm.Content,
		Timestamp: fromUnix(wm.Timestamp),
		Status:    verification.StatusCommitted,
	}
}

// SendMessage posts a user message and returns the agent's reply
func (c *Client) SendMessage(ctx context.Context, agentID string, req SendMessageRequest) (*SendMessageResponse, error) {
	var resp SendMessageResponse
	path := fmt.Sprintf("/api/v1/muses/%s/chat/message", url.PathEscape(agentID))
	if err := c.do(ctx, "send_message", http.MethodPost, path, nil, req, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Response) == "" {
		return nil, ErrEmptyResponse
	}
	return &resp, nil
}

// SubmitRating posts a rating for one interaction
func (c *Client) SubmitRating(ctx context.Context, req RatingRequest) (*RatingResponse, error) {
	var resp RatingResponse
	if err := c.do(ctx, "submit_rating", http.MethodPost, "/api/v1/ratings/submit", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EnhancedMemories queries the enhanced memory index of an agent
func (c *Client) EnhancedMemories(ctx context.Context, agentID string, q MemoryQuery) (*MemoryPage, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	if len(q.Tags) > 0 {
		params.Set("tags", strings.Join(q.Tags, ","))
	}
	if q.MinImportance > 0 {
		params.Set("min_importance", formatFloat(q.MinImportance))
	}
	if q.Search != "" {
		params.Set("search", q.Search)
		if q.SearchType != "" {
			params.Set("search_type", q.SearchType)
		}
	}

	var resp MemoryResponse
	path := fmt.Sprintf("/api/v1/muses/%s/memories/enhanced", url.PathEscape(agentID))
	if err := c.do(ctx, "enhanced_memories", http.MethodGet, path, params, nil, &resp); err != nil {
		return nil, err
	}

	page := &MemoryPage{
		Records:       make([]MemoryRecord, 0, len(resp.Memories)),
		HasMore:       resp.HasMore,
		ReportedTotal: resp.Stats.TotalMemories,
	}
	for _, wm := range resp.Memories {
		page.Records = append(page.Records, wm.toRecord())
	}
	return page, nil
}

// do performs one JSON round trip with a span and a duration sample
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "muse_api."+op)
	defer span.End()

	start := time.Now()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("op", op), attribute.Int("status", resp.StatusCode)))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    errorMessage(respBody),
		}
		span.SetStatus(codes.Error, apiErr.Status)
		c.logger.Warn("backend returned error", "op", op, "status", resp.StatusCode, "error", apiErr.Message)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// maxErrorMessage caps the bytes of an unshaped error body kept in APIError
const maxErrorMessage = 200

// errorMessage pulls a message out of the common error body shapes
func errorMessage(body []byte) string {
	var shaped struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &shaped); err == nil {
		for _, m := range []string{shaped.Error, shaped.Detail, shaped.Message} {
			if m != "" {
				return m
			}
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
