package memory

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/singleflight"

	"MuseChat/internal/backend"
	"MuseChat/internal/cache"
	"MuseChat/internal/session"
)

const (
	DefaultLimit = 20
	// DefaultFetchTimeout bounds a shared backend query
	DefaultFetchTimeout = 30 * time.Second
	// DefaultCachedQueries is how many distinct queries Last remembers
	DefaultCachedQueries = 128
	// timeline and aggregate projections look at this many entries
	aggregateLimit = 200
)

// Mode selects how a text query is matched
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
)

// Source tells where the entries of a result came from
type Source string

const (
	SourceBackend Source = "backend"
	SourceSession Source = "session"
	SourceSample  Source = "sample"
	SourceNone    Source = "none"
)

// Filters narrows a memory query. Zero fields do not filter.
type Filters struct {
	Limit         int
	Category      Category
	Tags          []string
	MinImportance float64
	Query         string
	Mode          Mode
}

func (f Filters) normalized() Filters {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	f.Query = strings.TrimSpace(f.Query)
	if f.Query != "" && f.Mode == "" {
		f.Mode = ModeSemantic
	}
	if f.Query == "" {
		f.Mode = ""
	}
	tags := append([]string(nil), f.Tags...)
	sort.Strings(tags)
	f.Tags = tags
	return f
}

func (f Filters) key(agentID string) string {
	return cache.GenerateKey(
		agentID,
		strconv.Itoa(f.Limit),
		string(f.Category),
		strings.Join(f.Tags, ","),
		strconv.FormatFloat(f.MinImportance, 'f', -1, 64),
		f.Query,
		string(f.Mode),
	)
}

// Result is one materialized memory query
type Result struct {
	Entries []Entry
	Stats   Stats
	HasMore bool
	Source  Source
}

func emptyResult() Result {
	return Result{Entries: []Entry{}, Stats: ComputeStats(nil), Source: SourceNone}
}

func (r Result) clone() Result {
	out := r
	out.Entries = make([]Entry, len(r.Entries))
	for i, e := range r.Entries {
		e.Tags = append([]string(nil), e.Tags...)
		out.Entries[i] = e
	}
	out.Stats = ComputeStats(out.Entries)
	return out
}

// API is the part of the backend the facade needs
type API interface {
	EnhancedMemories(ctx context.Context, agentID string, q backend.MemoryQuery) (*backend.MemoryPage, error)
}

// SessionSource lists the sessions entries can be derived from
type SessionSource interface {
	All() []session.Session
}

// Options tunes a Facade. Both fallbacks are off unless enabled.
type Options struct {
	// DeriveFromSession rebuilds entries from Sessions when the backend fails
	DeriveFromSession bool
	Sessions          SessionSource
	// AllowSampleBackfill serves SampleEntries when the backend has none
	AllowSampleBackfill bool
	// FetchTimeout bounds one backend query. Callers sharing it stop
	// waiting when their own context ends.
	FetchTimeout time.Duration
	// MaxCachedQueries caps the results kept for Last
	MaxCachedQueries int
	Location         *time.Location
	Logger           *slog.Logger
	Meter            metric.Meter
	Now              func() time.Time
}

// Facade answers memory queries against the enhanced backend index, with
// optional local fallbacks. It never returns an error.
type Facade struct {
	api      API
	opts     Options
	logger   *slog.Logger
	group    singleflight.Group
	results  *cache.Cache[Result]
	degraded metric.Int64Counter
}

// NewFacade creates a memory facade
func NewFacade(api API, opts Options) *Facade {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.MaxCachedQueries <= 0 {
		opts.MaxCachedQueries = DefaultCachedQueries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("memory")
	}
	degraded, err := meter.Int64Counter("musechat.memory.degraded",
		metric.WithDescription("Memory queries answered without the backend index"))
	if err != nil {
		degraded, _ = noop.NewMeterProvider().Meter("memory").Int64Counter("musechat.memory.degraded")
	}

	return &Facade{
		api:      api,
		opts:     opts,
		logger:   logger,
		results:  cache.NewBounded[Result](opts.MaxCachedQueries),
		degraded: degraded,
	}
}

// GetEnhanced runs a memory query. Identical concurrent queries share one
// backend call, which outlives any single caller. On backend failure the
// result is empty unless session derivation is enabled. A caller whose ctx
// ends first gets an empty result.
func (f *Facade) GetEnhanced(ctx context.Context, agentID string, filters Filters) Result {
	filters = filters.normalized()
	key := filters.key(agentID)

	ch := f.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.FetchTimeout)
		defer cancel()

		r := f.fetch(fetchCtx, agentID, filters)
		if fetchCtx.Err() == nil {
			f.results.Store(key, r)
		}
		return r, nil
	})

	select {
	case res := <-ch:
		return res.Val.(Result).clone()
	case <-ctx.Done():
		f.logger.Debug("memory query abandoned", "agent_id", agentID, "error", ctx.Err())
		return emptyResult()
	}
}

// Last returns the most recent completed result for a query
func (f *Facade) Last(agentID string, filters Filters) (Result, bool) {
	e, ok := f.results.Load(filters.normalized().key(agentID))
	if !ok {
		return Result{}, false
	}
	return e.Value.clone(), true
}

func (f *Facade) fetch(ctx context.Context, agentID string, filters Filters) Result {
	log := f.logger.With("agent_id", agentID)

	page, err := f.api.EnhancedMemories(ctx, agentID, backend.MemoryQuery{
		Limit:         filters.Limit,
		Category:      string(filters.Category),
		Tags:          filters.Tags,
		MinImportance: filters.MinImportance,
		Search:        filters.Query,
		SearchType:    string(filters.Mode),
	})
	if err != nil {
		f.degraded.Add(ctx, 1)
		if f.opts.DeriveFromSession && f.opts.Sessions != nil {
			log.Warn("memory backend failed, deriving from sessions", "error", err)
			return f.local(ctx, log, f.derive(agentID), filters, SourceSession)
		}
		log.Warn("memory backend failed", "error", err)
		return emptyResult()
	}

	entries := make([]Entry, 0, len(page.Records))
	for _, rec := range page.Records {
		entries = append(entries, fromRecord(rec))
	}

	if len(entries) == 0 && f.opts.AllowSampleBackfill {
		f.degraded.Add(ctx, 1)
		log.Info("memory backend empty, serving samples")
		return f.local(ctx, log, SampleEntries(f.opts.Now()), filters, SourceSample)
	}

	// the backend already ranked by query; only re-apply the structural filters
	entries = structural(entries, filters)
	hasMore := page.HasMore
	if len(entries) > filters.Limit {
		entries = entries[:filters.Limit]
		hasMore = true
	}
	if page.ReportedTotal != 0 && page.ReportedTotal != len(page.Records) {
		log.Debug("backend memory total differs from entries", "reported", page.ReportedTotal, "entries", len(page.Records))
	}

	return Result{
		Entries: entries,
		Stats:   ComputeStats(entries),
		HasMore: hasMore,
		Source:  SourceBackend,
	}
}

func (f *Facade) derive(agentID string) []Entry {
	var sessions []session.Session
	for _, sess := range f.opts.Sessions.All() {
		if sess.AgentID == agentID {
			sessions = append(sessions, sess)
		}
	}
	return DeriveEntries(sessions, f.opts.Now())
}

// local filters and ranks entries materialized on the client
func (f *Facade) local(ctx context.Context, log *slog.Logger, entries []Entry, filters Filters, source Source) Result {
	entries = structural(entries, filters)

	if filters.Query != "" {
		switch filters.Mode {
		case ModeKeyword:
			entries = rankKeyword(entries, filters.Query)
		default:
			ranked, err := rankSemantic(ctx, entries, filters.Query)
			if err != nil {
				log.Warn("semantic ranking failed, using keyword match", "error", err)
				ranked = rankKeyword(entries, filters.Query)
			}
			entries = ranked
		}
	}

	hasMore := len(entries) > filters.Limit
	if hasMore {
		entries = entries[:filters.Limit]
	}
	if entries == nil {
		entries = []Entry{}
	}

	return Result{
		Entries: entries,
		Stats:   ComputeStats(entries),
		HasMore: hasMore,
		Source:  source,
	}
}

func structural(entries []Entry, filters Filters) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if filters.Category != "" && e.Category != filters.Category {
			continue
		}
		if e.Importance < filters.MinImportance {
			continue
		}
		if !hasAllTags(e, filters.Tags) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func hasAllTags(e Entry, tags []string) bool {
	for _, tag := range tags {
		if !e.hasTag(tag) {
			return false
		}
	}
	return true
}

// Search matches entries against a text query
func (f *Facade) Search(ctx context.Context, agentID, query string, mode Mode, limit int) []Entry {
	return f.GetEnhanced(ctx, agentID, Filters{Query: query, Mode: mode, Limit: limit}).Entries
}

// ByCategory lists entries of one category
func (f *Facade) ByCategory(ctx context.Context, agentID string, category Category, limit int) []Entry {
	return f.GetEnhanced(ctx, agentID, Filters{Category: category, Limit: limit}).Entries
}

// ByTag lists entries carrying tag
func (f *Facade) ByTag(ctx context.Context, agentID, tag string, limit int) []Entry {
	return f.GetEnhanced(ctx, agentID, Filters{Tags: []string{tag}, Limit: limit}).Entries
}

// Important lists entries with importance of at least min
func (f *Facade) Important(ctx context.Context, agentID string, min float64, limit int) []Entry {
	return f.GetEnhanced(ctx, agentID, Filters{MinImportance: min, Limit: limit}).Entries
}

// Tags counts the tags over the agent's recent entries
func (f *Facade) Tags(ctx context.Context, agentID string) []TagCount {
	return f.Stats(ctx, agentID).SortedTags()
}

// Stats aggregates the agent's recent entries
func (f *Facade) Stats(ctx context.Context, agentID string) Stats {
	return f.GetEnhanced(ctx, agentID, Filters{Limit: aggregateLimit}).Stats
}

// Timeline groups the agent's recent entries by day, newest first, and
// returns at most limit days.
func (f *Facade) Timeline(ctx context.Context, agentID string, limit int) []DayBucket {
	r := f.GetEnhanced(ctx, agentID, Filters{Limit: aggregateLimit})
	days := GroupByDay(r.Entries, f.opts.Location)
	if limit > 0 && len(days) > limit {
		days = days[:limit]
	}
	return days
}
