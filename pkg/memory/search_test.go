package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lists(legs ...[]int64) []rankedList {
	out := make([]rankedList, len(legs))
	for i, ids := range legs {
		out[i] = rankedList{ids: ids}
	}
	return out
}

func TestFuse_RanksByReciprocalRank(t *testing.T) {
	fused := fuse(lists([]int64{1, 2, 3}, []int64{3, 1}), DefaultRRFK)
	require.Len(t, fused, 3)

	// 1 is first and second, 3 third and first, 2 only second
	assert.Equal(t, int64(1), fused[0].id)
	assert.Equal(t, int64(3), fused[1].id)
	assert.Equal(t, int64(2), fused[2].id)

	for i := 1; i < len(fused); i++ {
		assert.GreaterOrEqual(t, fused[i-1].score, fused[i].score)
	}
}

func TestFuse_NormalizesToUnitInterval(t *testing.T) {
	fused := fuse(lists([]int64{7, 8}, []int64{7, 9}), DefaultRRFK)
	require.NotEmpty(t, fused)
	assert.Equal(t, int64(7), fused[0].id)
	assert.InDelta(t, 1.0, fused[0].score, 1e-9)
	for _, f := range fused {
		assert.Greater(t, f.score, 0.0)
		assert.LessOrEqual(t, f.score, 1.0)
	}

	single := fuse(lists([]int64{4, 5}), DefaultRRFK)
	assert.InDelta(t, 1.0, single[0].score, 1e-9)
	assert.InDelta(t, 61.0/62.0, single[1].score, 1e-9)
}

func TestFuse_TiesKeepFirstSeenOrder(t *testing.T) {
	fused := fuse(lists([]int64{1}, []int64{2}), DefaultRRFK)
	require.Len(t, fused, 2)
	assert.Equal(t, int64(1), fused[0].id)
	assert.Equal(t, int64(2), fused[1].id)
	assert.Equal(t, fused[0].score, fused[1].score)

	assert.Nil(t, fuse(nil, DefaultRRFK))
}

func TestFuse_WeakSingleLegHitsFallBelowMinScore(t *testing.T) {
	lexical := lexicalList([]LexicalHit{{ID: 1, Relevance: 8}, {ID: 2, Relevance: 1}})
	assert.Equal(t, []float64{1, 0.125}, lexical.weights)

	vector := vectorList([]VectorHit{
		{ID: 1, Similarity: 0.9},
		{ID: 3, Similarity: 0.45},
		{ID: 4, Similarity: 0.1},
	}, DefaultMinSimilarity)
	assert.Equal(t, []int64{1, 3}, vector.ids, "neighbours below the floor are not matches")

	fused := fuse([]rankedList{lexical, vector}, DefaultRRFK)
	scores := make(map[int64]float64)
	for _, f := range fused {
		scores[f.id] = f.score
	}
	require.Len(t, scores, 3)

	assert.Equal(t, int64(1), fused[0].id)
	assert.InDelta(t, 0.95, scores[1], 1e-9)
	assert.Less(t, scores[2], DefaultMinScore, "weak lexical-only hit")
	assert.Less(t, scores[3], DefaultMinScore, "weak vector-only hit")
}

func TestLexicalList_NonPositiveRelevance(t *testing.T) {
	l := lexicalList([]LexicalHit{{ID: 1, Relevance: 0}, {ID: 2, Relevance: -1}})
	assert.Equal(t, []float64{1, 1}, l.weights)
	assert.Empty(t, lexicalList(nil).ids)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "Dogs are loyal companions.", Snippet("  Dogs are loyal companions.\n", "loyal"))
	assert.Equal(t, "", Snippet("   ", "anything"))

	long := strings.Repeat("filler ", 40) + "needle in the haystack " + strings.Repeat("tail ", 60)
	s := Snippet(long, "NEEDLE")
	assert.True(t, strings.HasPrefix(s, "..."))
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.Contains(t, s, "needle")
	assert.LessOrEqual(t, len([]rune(s)), snippetLength+6)

	// no match starts at the beginning
	s = Snippet(long, "absent")
	assert.True(t, strings.HasPrefix(s, "filler"))
	assert.True(t, strings.HasSuffix(s, "..."))
}

func TestSnippet_MultibyteText(t *testing.T) {
	text := strings.Repeat("ü", 50) + " café au lait"
	s := Snippet(text, "café")
	assert.Contains(t, s, "café")
	assert.True(t, strings.HasPrefix(s, "..."))
}
