package memory

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/okets/my-agent-sub003/internal/observability"
	"github.com/okets/my-agent-sub003/internal/tracing"
	"github.com/okets/my-agent-sub003/pkg/embedding"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxResults = 15
	DefaultMinScore   = 0.25
	DefaultRRFK       = 60

	// DefaultMinSimilarity is the cosine similarity below which a nearest
	// neighbour is not a match at all.
	DefaultMinSimilarity = 0.3

	defaultQueryCacheSize = 256
	defaultQueryCacheTTL  = 10 * time.Minute

	snippetLength = 200
	snippetLead   = 30
)

// SearchConfig configures a SearchService.
type SearchConfig struct {
	Store          *Store
	Registry       *embedding.Registry
	MaxResults     int
	MinScore       float64
	MinSimilarity  float64
	RRFK           int
	QueryCacheSize int
	QueryCacheTTL  time.Duration
	Logger         zerolog.Logger
}

// SearchService answers recall queries by fusing lexical and vector rankings.
type SearchService struct {
	store      *Store
	registry   *embedding.Registry
	maxResults int
	minScore   float64
	minSim     float64
	k          int
	queries    *expirable.LRU[string, []float32]
	logger     zerolog.Logger
}

// NewSearchService creates a search service. Zero values take the defaults.
func NewSearchService(cfg SearchConfig) *SearchService {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.MinScore < 0 {
		cfg.MinScore = 0
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = DefaultMinSimilarity
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = defaultQueryCacheSize
	}
	if cfg.QueryCacheTTL <= 0 {
		cfg.QueryCacheTTL = defaultQueryCacheTTL
	}
	if cfg.Registry == nil {
		cfg.Registry = embedding.NewRegistry(cfg.Logger)
	}

	return &SearchService{
		store:      cfg.Store,
		registry:   cfg.Registry,
		maxResults: cfg.MaxResults,
		minScore:   cfg.MinScore,
		minSim:     cfg.MinSimilarity,
		k:          cfg.RRFK,
		queries:    expirable.NewLRU[string, []float32](cfg.QueryCacheSize, nil, cfg.QueryCacheTTL),
		logger:     cfg.Logger.With().Str("component", "memory_search").Logger(),
	}
}

// Recall runs a hybrid query. It only fails on storage errors; a failing
// vector leg narrows the result to lexical matches.
func (s *SearchService) Recall(ctx context.Context, query string, opts RecallOptions) (RecallResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.recall", attribute.String("query", query))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = s.maxResults
	}
	minScore := s.minScore
	if opts.MinScore != nil {
		minScore = *opts.MinScore
	}

	result := RecallResult{
		Notebook: []SearchResult{},
		Daily:    []SearchResult{},
		Mode:     ModeLexical,
	}
	if degraded, ok := s.registry.Degraded(); ok {
		result.Degraded = &degraded
	}
	if strings.TrimSpace(query) == "" {
		return result, nil
	}

	limit := 2 * maxResults
	provider := s.registry.ActiveReady()

	var lexical, vector rankedList
	vectorOK := false

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := s.store.LexicalSearchScored(gctx, query, limit)
		lexical = lexicalList(hits)
		return err
	})
	if provider != nil && s.store.VectorIndexExists() {
		g.Go(func() error {
			hits, err := s.vectorLeg(gctx, provider, query, limit)
			if err != nil {
				logger.Warn().Err(err).Str("provider", provider.ID()).Msg("Vector search failed, using lexical only")
				return nil
			}
			vector, vectorOK = vectorList(hits, s.minSim), true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	legs := []rankedList{lexical}
	if vectorOK {
		legs = append(legs, vector)
		result.Mode = ModeHybrid
	}

	ranked := fuse(legs, s.k)
	ids := make([]int64, 0, maxResults)
	scores := make(map[int64]float64, maxResults)
	for _, r := range ranked {
		if r.score < minScore {
			break
		}
		ids = append(ids, r.id)
		scores[r.id] = r.score
		if len(ids) == maxResults {
			break
		}
	}

	chunks, err := s.store.GetChunks(ctx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	for _, id := range ids {
		chunk, ok := chunks[id]
		if !ok {
			// removed by a concurrent resync
			continue
		}
		sr := SearchResult{
			FilePath: chunk.FilePath,
			Heading:  chunk.Heading,
			Snippet:  Snippet(chunk.Text, query),
			Score:    scores[id],
			Lines:    LineRange{Start: chunk.StartLine, End: chunk.EndLine},
			ChunkID:  id,
		}
		if strings.HasPrefix(chunk.FilePath, DailyPrefix) {
			result.Daily = append(result.Daily, sr)
		} else {
			result.Notebook = append(result.Notebook, sr)
		}
	}

	observability.RecordMemorySearch(result.Mode, time.Since(start))
	span.SetAttributes(
		attribute.String("mode", result.Mode),
		attribute.Int("results", len(result.Notebook)+len(result.Daily)),
	)
	logger.Debug().
		Str("query", query).
		Str("mode", result.Mode).
		Int("notebook", len(result.Notebook)).
		Int("daily", len(result.Daily)).
		Msg("Recall completed")

	return result, nil
}

func (s *SearchService) vectorLeg(ctx context.Context, provider embedding.Provider, query string, limit int) ([]VectorHit, error) {
	key := modelKey(provider) + "\x00" + query
	vec, ok := s.queries.Get(key)
	if !ok {
		var err error
		vec, err = provider.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
		s.queries.Add(key, vec)
	}
	return s.store.VectorSearch(ctx, vec, limit)
}

type fusedScore struct {
	id    int64
	score float64
}

// rankedList is one leg of a query, best first. weights holds a relevance in
// [0,1] per rank; nil counts every rank as fully relevant.
type rankedList struct {
	ids     []int64
	weights []float64
}

func (l rankedList) weight(rank int) float64 {
	if l.weights == nil {
		return 1
	}
	return l.weights[rank]
}

// lexicalList weights each hit by its BM25 relevance relative to the best hit.
func lexicalList(hits []LexicalHit) rankedList {
	l := rankedList{ids: make([]int64, len(hits)), weights: make([]float64, len(hits))}
	best := 0.0
	for _, h := range hits {
		if h.Relevance > best {
			best = h.Relevance
		}
	}
	for i, h := range hits {
		l.ids[i] = h.ID
		l.weights[i] = 1
		if best > 0 {
			l.weights[i] = clamp01(h.Relevance / best)
		}
	}
	return l
}

// vectorList drops neighbours below minSim and weights the rest by their
// cosine similarity.
func vectorList(hits []VectorHit, minSim float64) rankedList {
	var l rankedList
	for _, h := range hits {
		if h.Similarity < minSim {
			continue
		}
		l.ids = append(l.ids, h.ID)
		l.weights = append(l.weights, clamp01(h.Similarity))
	}
	return l
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// fuse merges ranked lists with Reciprocal Rank Fusion. Each list adds
// weight/(k+rank+1) per id; the sum is divided by the best attainable score
// for the number of lists so results land in [0,1]. A chunk found by one leg
// only, or with a low weight, scores proportionally less. Ties keep
// first-seen order.
func fuse(legs []rankedList, k int) []fusedScore {
	if len(legs) == 0 {
		return nil
	}

	scores := make(map[int64]float64)
	var order []int64
	for _, leg := range legs {
		for rank, id := range leg.ids {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += leg.weight(rank) / float64(k+rank+1)
		}
	}

	best := float64(len(legs)) / float64(k+1)
	out := make([]fusedScore, len(order))
	for i, id := range order {
		out[i] = fusedScore{id: id, score: scores[id] / best}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// Snippet returns a window of about 200 characters of text starting a little
// before the first query word, with ellipses where text was cut.
func Snippet(text, query string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return ""
	}

	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	first := -1
	for _, word := range queryWords(query) {
		if idx := indexRunes(lower, []rune(word)); idx >= 0 && (first < 0 || idx < first) {
			first = idx
		}
	}

	start := 0
	if first > snippetLead {
		start = first - snippetLead
	}
	end := start + snippetLength
	if end > len(runes) {
		end = len(runes)
	}

	snippet := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(runes) {
		snippet += "..."
	}
	return snippet
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, r := range needle {
			if haystack[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}
