package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MuseChat/internal/backend"
	"MuseChat/internal/session"
	"MuseChat/internal/verification"
)

var now = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu      sync.Mutex
	queries []backend.MemoryQuery
	page    *backend.MemoryPage
	err     error
}

func (f *fakeAPI) EnhancedMemories(_ context.Context, _ string, q backend.MemoryQuery) (*backend.MemoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

func records() []backend.MemoryRecord {
	return []backend.MemoryRecord{
		{ID: "m1", Content: "Write me a poem about rain", Importance: 0.9, Timestamp: now.Add(-time.Hour),
			Category: "creative", Tags: []string{"poetry", "rain"}, RetentionPriority: "Critical"},
		{ID: "m2", Content: "Why is the sky blue?", Importance: 0.5, Timestamp: now.Add(-26 * time.Hour),
			Category: "learning", Tags: []string{"science"}},
		{ID: "m3", Content: "A haiku on autumn", Importance: 0.7, Timestamp: now.Add(-27 * time.Hour),
			Category: "creative", Tags: []string{"poetry"}, AccessCount: 4},
	}
}

func TestGetEnhancedBackend(t *testing.T) {
	api := &fakeAPI{page: &backend.MemoryPage{Records: records(), ReportedTotal: 3}}
	f := NewFacade(api, Options{Now: func() time.Time { return now }})

	r := f.GetEnhanced(context.Background(), "42", Filters{Query: "poems", Category: CategoryCreative, Limit: 5})
	assert.Equal(t, SourceBackend, r.Source)
	assert.False(t, r.HasMore)
	require.Len(t, r.Entries, 2)
	assert.Equal(t, "m1", r.Entries[0].ID)
	assert.Equal(t, RetentionCritical, r.Entries[0].RetentionPriority)
	assert.Equal(t, RetentionHigh, r.Entries[1].RetentionPriority)

	require.Len(t, api.queries, 1)
	q := api.queries[0]
	assert.Equal(t, "poems", q.Search)
	assert.Equal(t, "semantic", q.SearchType)
	assert.Equal(t, "creative", q.Category)
	assert.Equal(t, 5, q.Limit)
}

func TestGetEnhancedLimitSetsHasMore(t *testing.T) {
	api := &fakeAPI{page: &backend.MemoryPage{Records: records()}}
	f := NewFacade(api, Options{})

	r := f.GetEnhanced(context.Background(), "42", Filters{Limit: 2})
	assert.Len(t, r.Entries, 2)
	assert.True(t, r.HasMore)
}

func TestGetEnhancedErrorIsEmpty(t *testing.T) {
	api := &fakeAPI{err: errors.New("connection refused")}
	f := NewFacade(api, Options{AllowSampleBackfill: true})

	r := f.GetEnhanced(context.Background(), "42", Filters{Query: "anything"})

	want := Result{
		Entries: []Entry{},
		Stats: Stats{
			CategoryBreakdown:  map[Category]int{},
			TagCounts:          map[string]int{},
			RetentionBreakdown: map[RetentionPriority]int{},
		},
		Source: SourceNone,
	}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Errorf("GetEnhanced() mismatch (-want +got):\n%s", diff)
	}
}

func TestSampleBackfill(t *testing.T) {
	empty := &fakeAPI{page: &backend.MemoryPage{}}

	off := NewFacade(empty, Options{Now: func() time.Time { return now }})
	assert.Empty(t, off.GetEnhanced(context.Background(), "42", Filters{}).Entries)

	on := NewFacade(empty, Options{AllowSampleBackfill: true, Now: func() time.Time { return now }})
	r := on.GetEnhanced(context.Background(), "42", Filters{})
	assert.Equal(t, SourceSample, r.Source)
	assert.Len(t, r.Entries, len(SampleEntries(now)))

	r = on.GetEnhanced(context.Background(), "42", Filters{Query: "ocean poem"})
	require.NotEmpty(t, r.Entries)
	assert.Equal(t, "sample-1", r.Entries[0].ID)

	r = on.GetEnhanced(context.Background(), "42", Filters{Query: "dependency error", Mode: ModeKeyword})
	require.NotEmpty(t, r.Entries)
	assert.Equal(t, "sample-4", r.Entries[0].ID)
}

func TestDeriveFromSession(t *testing.T) {
	store := session.NewStore()
	require.NoError(t, store.Create(session.Session{
		ID:      "s1",
		AgentID: "42",
		Messages: []session.Message{
			{Origin: session.Committed{ServerID: "u1"}, Role: session.RoleUser, Content: "Can you write a story about dragons?",
				Timestamp: now.Add(-time.Hour), Status: verification.StatusCommitted},
			{Origin: session.Committed{ServerID: "a1"}, Role: session.RoleAgent, Content: "Once, the dragons of the north...",
				Timestamp: now.Add(-time.Hour), Status: verification.StatusCommitted},
			{Origin: session.Committed{ServerID: "u2"}, Role: session.RoleUser, Content: "I feel sad today",
				Timestamp: now.Add(-14 * 24 * time.Hour), Status: verification.StatusCommitted},
		},
	}))
	require.NoError(t, store.Create(session.Session{ID: "other", AgentID: "7"}))

	api := &fakeAPI{err: errors.New("down")}

	without := NewFacade(api, Options{Sessions: store})
	assert.Empty(t, without.GetEnhanced(context.Background(), "42", Filters{}).Entries)

	f := NewFacade(api, Options{DeriveFromSession: true, Sessions: store, Now: func() time.Time { return now }})
	r := f.GetEnhanced(context.Background(), "42", Filters{})
	assert.Equal(t, SourceSession, r.Source)
	require.Len(t, r.Entries, 2)

	first := r.Entries[0]
	assert.Equal(t, "derived-s1-u1", first.ID)
	assert.Equal(t, "Once, the dragons of the north...", first.AIResponse)
	assert.Equal(t, CategoryCreative, first.Category)
	assert.Contains(t, first.Tags, "dragons")

	second := r.Entries[1]
	assert.Equal(t, CategoryEmotional, second.Category)
	assert.Empty(t, second.AIResponse)
	assert.Less(t, second.Importance, first.Importance)
}

func TestStatsMatchRecomputation(t *testing.T) {
	api := &fakeAPI{page: &backend.MemoryPage{Records: records(), ReportedTotal: 99}}
	f := NewFacade(api, Options{})

	r := f.GetEnhanced(context.Background(), "42", Filters{})
	if diff := cmp.Diff(ComputeStats(r.Entries), r.Stats); diff != "" {
		t.Errorf("stats drift (-want +got):\n%s", diff)
	}

	sum := 0
	for _, n := range r.Stats.CategoryBreakdown {
		sum += n
	}
	assert.Equal(t, len(r.Entries), sum)
	assert.Equal(t, 3, r.Stats.Total)
	assert.InDelta(t, 0.7, r.Stats.AverageImportance, 1e-9)
	assert.Equal(t, 2, r.Stats.TagCounts["poetry"])

	assert.Equal(t, []TagCount{{"poetry", 2}, {"rain", 1}, {"science", 1}}, f.Tags(context.Background(), "42"))
}

func TestTimeline(t *testing.T) {
	api := &fakeAPI{page: &backend.MemoryPage{Records: records()}}
	f := NewFacade(api, Options{})

	got := f.Timeline(context.Background(), "42", 10)
	want := []DayBucket{
		{Day: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), Count: 1, AverageImportance: 0.9, Tags: []string{"poetry", "rain"}},
		{Day: time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), Count: 2, AverageImportance: 0.6, Tags: []string{"poetry", "science"}},
	}
	if diff := cmp.Diff(want, got, cmpFloat); diff != "" {
		t.Errorf("Timeline() mismatch (-want +got):\n%s", diff)
	}

	assert.Len(t, f.Timeline(context.Background(), "42", 1), 1)
}

var cmpFloat = cmp.Comparer(func(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
})

func TestProjectionsAndLast(t *testing.T) {
	api := &fakeAPI{page: &backend.MemoryPage{Records: records()}}
	f := NewFacade(api, Options{})
	ctx := context.Background()

	_, ok := f.Last("42", Filters{Tags: []string{"poetry"}})
	assert.False(t, ok)

	byTag := f.ByTag(ctx, "42", "poetry", 10)
	assert.Len(t, byTag, 2)

	last, ok := f.Last("42", Filters{Tags: []string{"poetry"}, Limit: 10})
	require.True(t, ok)
	assert.Len(t, last.Entries, 2)

	assert.Len(t, f.ByCategory(ctx, "42", CategoryLearning, 10), 1)
	assert.Len(t, f.Important(ctx, "42", 0.7, 10), 2)
	assert.Equal(t, 3, f.Stats(ctx, "42").Total)

	// callers get copies
	byTag[0].Tags[0] = "mutated"
	again, _ := f.Last("42", Filters{Tags: []string{"poetry"}, Limit: 10})
	assert.Equal(t, "poetry", again.Entries[0].Tags[0])
}

type blockingAPI struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	page    *backend.MemoryPage
}

func (b *blockingAPI) EnhancedMemories(ctx context.Context, _ string, _ backend.MemoryQuery) (*backend.MemoryPage, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return b.page, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCancelledCallerDoesNotEmptySharedQuery(t *testing.T) {
	api := &blockingAPI{
		started: make(chan struct{}),
		release: make(chan struct{}),
		page:    &backend.MemoryPage{Records: records()[:1]},
	}
	f := NewFacade(api, Options{})
	filters := Filters{Query: "rain"}

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan Result, 1)
	go func() { doneA <- f.GetEnhanced(ctxA, "42", filters) }()
	<-api.started

	doneB := make(chan Result, 1)
	go func() { doneB <- f.GetEnhanced(context.Background(), "42", filters) }()

	cancelA()
	a := <-doneA
	assert.Equal(t, SourceNone, a.Source)
	assert.Empty(t, a.Entries)

	// let B join the flight before the backend answers
	time.Sleep(20 * time.Millisecond)
	close(api.release)

	b := <-doneB
	assert.Equal(t, SourceBackend, b.Source)
	require.Len(t, b.Entries, 1)
	assert.Equal(t, "m1", b.Entries[0].ID)

	last, ok := f.Last("42", filters)
	require.True(t, ok)
	assert.Equal(t, SourceBackend, last.Source)
	assert.Len(t, last.Entries, 1)
}

func TestFetchTimeoutIsNotCached(t *testing.T) {
	api := &blockingAPI{started: make(chan struct{}), release: make(chan struct{})}
	f := NewFacade(api, Options{FetchTimeout: 10 * time.Millisecond})

	r := f.GetEnhanced(context.Background(), "42", Filters{})
	assert.Equal(t, SourceNone, r.Source)

	_, ok := f.Last("42", Filters{})
	assert.False(t, ok)
}

func TestLastIsBounded(t *testing.T) {
	api := &fakeAPI{page: &backend.MemoryPage{Records: records()}}
	f := NewFacade(api, Options{MaxCachedQueries: 2})

	for _, q := range []string{"one", "two", "three"} {
		f.GetEnhanced(context.Background(), "42", Filters{Query: q})
	}

	_, ok := f.Last("42", Filters{Query: "one"})
	assert.False(t, ok)
	_, ok = f.Last("42", Filters{Query: "three"})
	assert.True(t, ok)
}
