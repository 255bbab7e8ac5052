package memory

import (
	"sort"
	"time"

	"MuseChat/internal/backend"
)

// Category classifies a memory
type Category string

const (
	CategoryConversation   Category = "conversation"
	CategoryLearning       Category = "learning"
	CategoryPersonal       Category = "personal"
	CategoryCreative       Category = "creative"
	CategoryProblemSolving Category = "problem_solving"
	CategoryEmotional      Category = "emotional"
	CategoryFactual        Category = "factual"
)

// RetentionPriority says how long a memory should be kept
type RetentionPriority string

const (
	RetentionCritical  RetentionPriority = "Critical"
	RetentionHigh      RetentionPriority = "High"
	RetentionMedium    RetentionPriority = "Medium"
	RetentionLow       RetentionPriority = "Low"
	RetentionTemporary RetentionPriority = "Temporary"
)

// retentionFor maps importance onto a retention bucket
func retentionFor(importance float64) RetentionPriority {
	switch {
	case importance >= 0.85:
		return RetentionCritical
	case importance >= 0.7:
		return RetentionHigh
	case importance >= 0.45:
		return RetentionMedium
	case importance >= 0.25:
		return RetentionLow
	}
	return RetentionTemporary
}

// Entry is one remembered interaction
type Entry struct {
	ID                string
	Content           string
	AIResponse        string
	Importance        float64 // 0..1
	Timestamp         time.Time
	Category          Category
	Tags              []string
	RetentionPriority RetentionPriority
	AccessCount       int
}

func (e Entry) hasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func fromRecord(r backend.MemoryRecord) Entry {
	cat := Category(r.Category)
	if cat == "" {
		cat = CategoryConversation
	}
	retention := RetentionPriority(r.RetentionPriority)
	if retention == "" {
		retention = retentionFor(r.Importance)
	}
	return Entry{
		ID:                r.ID,
		Content:           r.Content,
		AIResponse:        r.AIResponse,
		Importance:        clampUnit(r.Importance),
		Timestamp:         r.Timestamp,
		Category:          cat,
		Tags:              append([]string(nil), r.Tags...),
		RetentionPriority: retention,
		AccessCount:       r.AccessCount,
	}
}

// Stats are aggregates over a set of entries
type Stats struct {
	Total              int
	AverageImportance  float64
	CategoryBreakdown  map[Category]int
	TagCounts          map[string]int
	RetentionBreakdown map[RetentionPriority]int
}

// ComputeStats aggregates entries. The breakdowns of an empty set are empty,
// not nil.
func ComputeStats(entries []Entry) Stats {
	s := Stats{
		Total:              len(entries),
		CategoryBreakdown:  make(map[Category]int),
		TagCounts:          make(map[string]int),
		RetentionBreakdown: make(map[RetentionPriority]int),
	}

	var sum float64
	for _, e := range entries {
		sum += e.Importance
		s.CategoryBreakdown[e.Category]++
		s.RetentionBreakdown[e.RetentionPriority]++
		for _, tag := range e.Tags {
			s.TagCounts[tag]++
		}
	}
	if len(entries) > 0 {
		s.AverageImportance = sum / float64(len(entries))
	}
	return s
}

// TagCount is a tag and the number of entries carrying it
type TagCount struct {
	Tag   string
	Count int
}

// SortedTags orders the tag counts by count, then name
func (s Stats) SortedTags() []TagCount {
	out := make([]TagCount, 0, len(s.TagCounts))
	for tag, n := range s.TagCounts {
		out = append(out, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}

// DayBucket summarizes the entries of one calendar day
type DayBucket struct {
	Day               time.Time
	Count             int
	AverageImportance float64
	Tags              []string
}

// GroupByDay buckets entries by calendar day in loc, newest day first
func GroupByDay(entries []Entry, loc *time.Location) []DayBucket {
	if loc == nil {
		loc = time.UTC
	}

	type acc struct {
		bucket DayBucket
		sum    float64
		tags   map[string]struct{}
	}
	days := make(map[time.Time]*acc)
	for _, e := range entries {
		t := e.Timestamp.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		a, ok := days[day]
		if !ok {
			a = &acc{bucket: DayBucket{Day: day}, tags: make(map[string]struct{})}
			days[day] = a
		}
		a.bucket.Count++
		a.sum += e.Importance
		for _, tag := range e.Tags {
			a.tags[tag] = struct{}{}
		}
	}

	out := make([]DayBucket, 0, len(days))
	for _, a := range days {
		b := a.bucket
		b.AverageImportance = a.sum / float64(b.Count)
		b.Tags = make([]string, 0, len(a.tags))
		for tag := range a.tags {
			b.Tags = append(b.Tags, tag)
		}
		sort.Strings(b.Tags)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.After(out[j].Day) })
	return out
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
