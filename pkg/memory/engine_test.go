package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/okets/my-agent-sub003/pkg/embedding"
	"github.com/okets/my-agent-sub003/pkg/health"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_RecallFindsIndexedFile(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	writeNote(t, e.Root(), "reference/pets.md", "Dogs are loyal companions.")
	result, err := e.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Empty(t, result.Errors)

	recall, err := e.Recall(ctx, "loyal", RecallOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, recall.Notebook)
	assert.Equal(t, "reference/pets.md", recall.Notebook[0].FilePath)
	assert.Contains(t, recall.Notebook[0].Snippet, "loyal")
	assert.Equal(t, LineRange{Start: 1, End: 1}, recall.Notebook[0].Lines)
	assert.Equal(t, ModeLexical, recall.Mode)
	assert.Nil(t, recall.Degraded)
}

func TestEngine_RecallPartitionsDailyLogs(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	writeNote(t, e.Root(), "daily/2024-03-01.md", "Walked the loyal dog in the park.")
	writeNote(t, e.Root(), "knowledge/dogs.md", "# Dogs\n\nA loyal breed.")
	_, err := e.FullSync(ctx)
	require.NoError(t, err)

	recall, err := e.Recall(ctx, "loyal", RecallOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"daily/2024-03-01.md"}, resultPaths(recall.Daily))
	assert.Equal(t, []string{"knowledge/dogs.md"}, resultPaths(recall.Notebook))
	assert.Equal(t, "Dogs", recall.Notebook[0].Heading)
}

func TestEngine_RecallOptions(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		writeNote(t, e.Root(), "lists/"+name+".md", "groceries list "+name)
	}
	_, err := e.FullSync(ctx)
	require.NoError(t, err)

	recall, err := e.Recall(ctx, "groceries", RecallOptions{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, recall.Notebook, 2)

	impossible := 1.01
	recall, err = e.Recall(ctx, "groceries", RecallOptions{MinScore: &impossible})
	require.NoError(t, err)
	assert.Empty(t, recall.Notebook)

	recall, err = e.Recall(ctx, "   ", RecallOptions{})
	require.NoError(t, err)
	assert.Empty(t, recall.Notebook)
	assert.Empty(t, recall.Daily)
}

func TestEngine_UnchangedFileIsNoop(t *testing.T) {
	p := newStubProvider("stub", 16)
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{p}})
	ctx := context.Background()

	require.NoError(t, e.ActivateProvider(ctx, "stub", nil))
	writeNote(t, e.Root(), "reference/pets.md", "# Pets\n\nDogs are loyal companions.\n")
	_, err := e.FullSync(ctx)
	require.NoError(t, err)

	before, err := e.Store().ChunksForFile(ctx, "reference/pets.md")
	require.NoError(t, err)
	calls := p.calls()
	require.Positive(t, calls)

	outcome, err := e.SyncFile(ctx, "reference/pets.md")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)

	result, err := e.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unchanged)
	assert.Zero(t, result.Added+result.Updated+result.Removed+result.Backfilled)

	after, err := e.Store().ChunksForFile(ctx, "reference/pets.md")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, calls, p.calls(), "no embedding calls for unchanged content")
}

func TestEngine_ChangedFileReplacesChunksAndReusesCache(t *testing.T) {
	p := newStubProvider("stub", 16)
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{p}, maxSize: 60, overlap: 0})
	ctx := context.Background()
	require.NoError(t, e.ActivateProvider(ctx, "stub", nil))

	first := "Alpha paragraph stays the same here.\n\nBeta paragraph will change soon."
	writeNote(t, e.Root(), "notes.md", first)
	_, err := e.FullSync(ctx)
	require.NoError(t, err)

	writeNote(t, e.Root(), "notes.md", "Alpha paragraph stays the same here.\n\nGamma paragraph replaced beta.")
	calls := p.calls()
	outcome, err := e.SyncFile(ctx, "notes.md")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, calls+1, p.calls(), "only the new chunk is embedded")

	hits, err := e.Recall(ctx, "beta", RecallOptions{})
	require.NoError(t, err)
	for _, r := range hits.Notebook {
		assert.NotContains(t, r.Snippet, "Beta paragraph will")
	}

	stats, err := e.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Chunks, stats.Vectors)
	rate, ok := e.sync.CacheHitRate()
	assert.True(t, ok)
	assert.Greater(t, rate, 0.0)
}

func TestEngine_ConcurrentFullSync(t *testing.T) {
	p := newStubProvider("stub", 8)
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{p}})
	ctx := context.Background()
	require.NoError(t, e.ActivateProvider(ctx, "stub", nil))

	writeNote(t, e.Root(), "a.md", "some text to embed")
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	p.set(func(p *stubProvider) {
		p.block = block
		p.entered = entered
	})

	type outcome struct {
		result SyncResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := e.FullSync(ctx)
		done <- outcome{r, err}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first sync never reached the provider")
	}

	second, err := e.FullSync(ctx)
	require.NoError(t, err)
	assert.True(t, second.AlreadyInProgress)
	assert.Zero(t, second.Added+second.Updated+second.Removed)

	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Syncing)

	close(block)
	first := <-done
	require.NoError(t, first.err)
	assert.False(t, first.result.AlreadyInProgress)
	assert.Equal(t, 1, first.result.Added)
}

func TestEngine_FullSyncRemovesDeletedFiles(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	writeNote(t, e.Root(), "reference/keep.md", "keep this note")
	writeNote(t, e.Root(), "reference/gone.md", "xylophone orchestra")
	_, err := e.FullSync(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(e.Root(), "reference", "gone.md")))
	result, err := e.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 1, result.Unchanged)

	files, err := e.Store().ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "reference/keep.md", files[0].Path)

	recall, err := e.Recall(ctx, "xylophone", RecallOptions{})
	require.NoError(t, err)
	assert.Empty(t, recall.Notebook)
	assert.Empty(t, recall.Daily)
}

func TestEngine_HybridRecallForgetsDeletedFiles(t *testing.T) {
	p := newStubProvider("stub", 64)
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{p}})
	ctx := context.Background()

	require.NoError(t, e.ActivateProvider(ctx, "stub", nil))
	writeNote(t, e.Root(), "reference/keep.md", "keep this note")
	writeNote(t, e.Root(), "reference/gone.md", "xylophone orchestra")
	_, err := e.FullSync(ctx)
	require.NoError(t, err)

	recall, err := e.Recall(ctx, "xylophone", RecallOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, recall.Mode)
	assert.Equal(t, []string{"reference/gone.md"}, resultPaths(recall.Notebook))

	require.NoError(t, os.Remove(filepath.Join(e.Root(), "reference", "gone.md")))
	_, err = e.FullSync(ctx)
	require.NoError(t, err)

	recall, err = e.Recall(ctx, "xylophone", RecallOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, recall.Mode)
	assert.Empty(t, recall.Notebook)
	assert.Empty(t, recall.Daily)

	recall, err = e.Recall(ctx, "qqqq zzzz nonsense", RecallOptions{})
	require.NoError(t, err)
	assert.Empty(t, recall.Notebook, "unrelated neighbours are not matches")
}

func TestEngine_FullSyncSkipsHiddenAndNonMarkdown(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	writeNote(t, e.Root(), "visible.md", "visible")
	writeNote(t, e.Root(), ".hidden.md", "hidden")
	writeNote(t, e.Root(), ".git/notes.md", "hidden dir")
	writeNote(t, e.Root(), "todo.txt", "not markdown")

	result, err := e.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)

	files, err := e.Store().ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "visible.md", files[0].Path)
}

func TestEngine_RebuildYieldsSameIndex(t *testing.T) {
	e := newTestEngine(t, engineOptions{maxSize: 120, overlap: 30})
	ctx := context.Background()

	writeNote(t, e.Root(), "knowledge/garden.md", "# Garden\n\nTomatoes need sun.\n\nWater the garden every morning before work.\n\nCompost helps the soil.")
	writeNote(t, e.Root(), "daily/2024-05-01.md", "Meeting about the garden budget.\n\nLoyal volunteers showed up.")
	writeNote(t, e.Root(), "lists/errands.md", "- buy compost\n- book meeting room")
	_, err := e.FullSync(ctx)
	require.NoError(t, err)

	queries := []string{"garden", "meeting", "compost", "loyal"}
	snapshot := func() (StoreStats, map[string][]string) {
		stats, err := e.Store().Stats(ctx)
		require.NoError(t, err)
		out := make(map[string][]string)
		for _, q := range queries {
			recall, err := e.Recall(ctx, q, RecallOptions{})
			require.NoError(t, err)
			for _, r := range append(recall.Notebook, recall.Daily...) {
				out[q] = append(out[q], r.FilePath+":"+r.Snippet)
			}
			sort.Strings(out[q])
		}
		return stats, out
	}

	statsBefore, before := snapshot()
	result, err := e.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Added)

	statsAfter, after := snapshot()
	assert.Equal(t, statsBefore.Chunks, statsAfter.Chunks)
	assert.Equal(t, statsBefore.Files, statsAfter.Files)
	assert.Equal(t, before, after)
}

func TestEngine_DimensionChangeRecreatesVectorIndex(t *testing.T) {
	x := newStubProvider("x", 384)
	y := newStubProvider("y", 768)
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{x, y}})
	ctx := context.Background()

	writeNote(t, e.Root(), "reference/pets.md", "Dogs are loyal companions.")
	writeNote(t, e.Root(), "knowledge/cats.md", "Cats are independent companions.")

	require.NoError(t, e.ActivateProvider(ctx, "x", nil))
	_, err := e.FullSync(ctx)
	require.NoError(t, err)

	stats, err := e.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Chunks, stats.Vectors)
	for _, n := range vectorLengths(t, e.Store()) {
		assert.Equal(t, 384, n)
	}

	require.NoError(t, e.ActivateProvider(ctx, "y", nil))
	stats, err = e.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Vectors)
	assert.Zero(t, stats.CachedEmbeddings)
	assert.Equal(t, 768, stats.VectorDimensions)
	assert.False(t, x.IsReady(), "previous provider is cleaned up")

	result, err := e.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Backfilled)

	lengths := vectorLengths(t, e.Store())
	require.Len(t, lengths, stats.Chunks)
	for _, n := range lengths {
		assert.Equal(t, 768, n)
	}

	recall, err := e.Recall(ctx, "companions", RecallOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, recall.Mode)
	assert.ElementsMatch(t, []string{"reference/pets.md", "knowledge/cats.md"}, resultPaths(recall.Notebook))

	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "y/y-model", status.Model)
	assert.Equal(t, "y", status.ActiveProvider)
}

func TestEngine_DimensionChangeDuringSyncLeavesFileForBackfill(t *testing.T) {
	x := newStubProvider("x", 16)
	y := newStubProvider("y", 32)
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{x, y}})
	ctx := context.Background()
	require.NoError(t, e.ActivateProvider(ctx, "x", nil))

	writeNote(t, e.Root(), "reference/pets.md", "Dogs are loyal companions.")
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	x.set(func(p *stubProvider) {
		p.block = block
		p.entered = entered
	})

	done := make(chan error, 1)
	go func() {
		_, err := e.FullSync(ctx)
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("sync never reached the provider")
	}

	// x's vectors arrive after the index was recreated for y
	require.NoError(t, e.ActivateProvider(ctx, "y", nil))
	close(block)
	require.NoError(t, <-done)

	rec, found, err := e.Store().GetFile(ctx, "reference/pets.md")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, rec.IndexedWithEmbeddings)
	stats, err := e.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Vectors)

	result, err := e.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Backfilled)

	stats, err = e.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Chunks, stats.Vectors)
	for _, n := range vectorLengths(t, e.Store()) {
		assert.Equal(t, 32, n)
	}
	rec, _, err = e.Store().GetFile(ctx, "reference/pets.md")
	require.NoError(t, err)
	assert.True(t, rec.IndexedWithEmbeddings)
}

func TestEngine_ReactivatingSameModelKeepsVectors(t *testing.T) {
	p := newStubProvider("stub", 16)
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{p}})
	ctx := context.Background()

	writeNote(t, e.Root(), "a.md", "persistent vectors")
	require.NoError(t, e.ActivateProvider(ctx, "stub", nil))
	_, err := e.FullSync(ctx)
	require.NoError(t, err)

	require.NoError(t, e.DeactivateProvider())
	require.NoError(t, e.ActivateProvider(ctx, "stub", nil))

	stats, err := e.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Vectors)
	assert.Equal(t, 1, stats.CachedEmbeddings)
}

func TestEngine_BackfillAfterProviderBecomesReady(t *testing.T) {
	p := newStubProvider("stub", 16)
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{p}})
	ctx := context.Background()

	writeNote(t, e.Root(), "a.md", "indexed before embeddings")
	_, err := e.FullSync(ctx)
	require.NoError(t, err)

	rec, _, err := e.Store().GetFile(ctx, "a.md")
	require.NoError(t, err)
	assert.False(t, rec.IndexedWithEmbeddings)
	chunksBefore, err := e.Store().ChunksForFile(ctx, "a.md")
	require.NoError(t, err)

	require.NoError(t, e.ActivateProvider(ctx, "stub", nil))
	result, err := e.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Backfilled)

	rec, _, err = e.Store().GetFile(ctx, "a.md")
	require.NoError(t, err)
	assert.True(t, rec.IndexedWithEmbeddings)

	chunksAfter, err := e.Store().ChunksForFile(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, chunksBefore, chunksAfter, "backfill leaves chunks untouched")

	stats, err := e.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Chunks, stats.Vectors)
}

func TestEngine_EmbeddingFailureStoresChunksWithoutVectors(t *testing.T) {
	p := newStubProvider("stub", 16)
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{p}})
	ctx := context.Background()
	require.NoError(t, e.ActivateProvider(ctx, "stub", nil))

	p.set(func(p *stubProvider) { p.failEmbed = true })
	writeNote(t, e.Root(), "a.md", "resilient indexing")
	result, err := e.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)

	stats, err := e.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)
	assert.Zero(t, stats.Vectors)

	recall, err := e.Recall(ctx, "resilient", RecallOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeLexical, recall.Mode)
	require.Len(t, recall.Notebook, 1)

	p.set(func(p *stubProvider) { p.failEmbed = false })
	result, err = e.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Backfilled)
}

func TestEngine_ActivateProviderInitFailure(t *testing.T) {
	p := newStubProvider("stub", 16)
	p.initErr = errors.New("dial tcp 127.0.0.1:11434: connection refused")
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{p}})
	ctx := context.Background()

	err := e.ActivateProvider(ctx, "stub", nil)
	require.Error(t, err)

	reg := e.Registry()
	assert.True(t, reg.IsDegraded())
	assert.Equal(t, "", reg.ActiveID())
	assert.Equal(t, "stub", reg.IntendedID())

	degraded, ok := reg.Degraded()
	require.True(t, ok)
	assert.Contains(t, degraded.Resolution, "unreachable")

	writeNote(t, e.Root(), "a.md", "still searchable")
	_, err = e.FullSync(ctx)
	require.NoError(t, err)
	recall, err := e.Recall(ctx, "searchable", RecallOptions{})
	require.NoError(t, err)
	require.NotNil(t, recall.Degraded)
	assert.Equal(t, "stub", recall.Degraded.ProviderID)
	assert.Len(t, recall.Notebook, 1)

	assert.ErrorIs(t, e.ActivateProvider(ctx, "missing", nil), embedding.ErrProviderNotFound)
}

func TestEngine_DegradationAndRecovery(t *testing.T) {
	p := newStubProvider("stub", 16)
	monitor := health.NewMonitor(health.Config{DefaultInterval: time.Hour, Logger: zerolog.Nop()})
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{p}, monitor: monitor})
	ctx := context.Background()

	writeNote(t, e.Root(), "reference/pets.md", "Dogs are loyal companions.")
	require.NoError(t, e.ActivateProvider(ctx, "stub", nil))
	_, err := e.FullSync(ctx)
	require.NoError(t, err)

	monitor.Start(ctx)
	defer monitor.Stop()
	reg := e.Registry()

	p.set(func(p *stubProvider) { p.healthy = false })
	_, err = monitor.CheckNow(ctx, "stub")
	require.NoError(t, err)

	assert.True(t, reg.IsDegraded())
	assert.Equal(t, "", reg.ActiveID())
	assert.Equal(t, "stub", reg.IntendedID())

	recall, err := e.Recall(ctx, "loyal", RecallOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeLexical, recall.Mode)
	require.NotNil(t, recall.Degraded)
	assert.Equal(t, "connection refused", recall.Degraded.Message)
	require.Len(t, recall.Notebook, 1)

	// repeated identical failures change nothing
	_, err = monitor.CheckNow(ctx, "stub")
	require.NoError(t, err)
	assert.True(t, reg.IsDegraded())

	p.set(func(p *stubProvider) { p.healthy = true })
	_, err = monitor.CheckNow(ctx, "stub")
	require.NoError(t, err)

	assert.False(t, reg.IsDegraded())
	assert.Equal(t, reg.IntendedID(), reg.ActiveID())

	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Resyncs)

	_, err = monitor.CheckNow(ctx, "stub")
	require.NoError(t, err)
	status, err = e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Resyncs, "exactly one resync per recovery")

	recall, err = e.Recall(ctx, "loyal", RecallOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, recall.Mode)
	assert.Nil(t, recall.Degraded)
}

func TestEngine_MonitorsOnlyChosenProvider(t *testing.T) {
	x := newStubProvider("x", 16)
	y := newStubProvider("y", 16)
	monitor := health.NewMonitor(health.Config{DefaultInterval: time.Hour, Logger: zerolog.Nop()})
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{x, y}, monitor: monitor})
	ctx := context.Background()

	_, ok := monitor.Interval("x")
	assert.False(t, ok, "registered providers are not polled until chosen")
	_, ok = monitor.Interval("y")
	assert.False(t, ok)

	require.NoError(t, e.ActivateProvider(ctx, "x", nil))
	_, ok = monitor.Interval("x")
	assert.True(t, ok)
	_, ok = monitor.Interval("y")
	assert.False(t, ok)

	// choosing it again is not an error
	require.NoError(t, e.DeactivateProvider())
	require.NoError(t, e.ActivateProvider(ctx, "x", nil))
}

func TestEngine_HealthEventsForOtherPluginsAreIgnored(t *testing.T) {
	p := newStubProvider("stub", 16)
	e := newTestEngine(t, engineOptions{providers: []embedding.Provider{p}})
	ctx := context.Background()
	require.NoError(t, e.ActivateProvider(ctx, "stub", nil))

	e.handleHealthEvent(health.Event{
		PluginID:   "telegram",
		PluginType: "channel",
		Previous:   health.Healthy(),
		Current:    health.Unhealthy("down", ""),
	})
	e.handleHealthEvent(health.Event{
		PluginID:   "other",
		PluginType: embedding.PluginType,
		Previous:   health.Healthy(),
		Current:    health.Unhealthy("down", ""),
	})

	assert.False(t, e.Registry().IsDegraded())
	assert.Equal(t, "stub", e.Registry().ActiveID())
}

func TestOpen_ChunkParameterDriftClearsIndex(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	e := newTestEngine(t, engineOptions{root: root, dbPath: dbPath})
	writeNote(t, root, "a.md", "drift check")
	_, err := e.FullSync(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	same := newTestEngine(t, engineOptions{root: root, dbPath: dbPath})
	stats, err := same.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	require.NoError(t, same.Close())

	changed := newTestEngine(t, engineOptions{root: root, dbPath: dbPath, maxSize: 800, overlap: 100})
	stats, err = changed.Store().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Files)

	result, err := changed.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
}

func TestEngine_StartWatchesTree(t *testing.T) {
	e := newTestEngine(t, engineOptions{debounce: 30 * time.Millisecond})
	ctx := context.Background()

	writeNote(t, e.Root(), "before.md", "present at startup")
	require.NoError(t, e.Start(ctx))

	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Files)
	assert.True(t, status.Watching)
	require.NotNil(t, status.LastFullSync)

	writeNote(t, e.Root(), "after.md", "written while watching")
	require.Eventually(t, func() bool {
		_, found, err := e.Store().GetFile(ctx, "after.md")
		return err == nil && found
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(e.Root(), "before.md")))
	require.Eventually(t, func() bool {
		_, found, err := e.Store().GetFile(ctx, "before.md")
		return err == nil && !found
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, e.Stop())
	status, err = e.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Watching)
}

func TestEngine_NotebookRead(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	writeNote(t, e.Root(), "lists/todo.md", "one\ntwo\nthree\n")

	res, err := e.NotebookRead("lists/todo.md", ReadOptions{StartLine: 2, Lines: 1})
	require.NoError(t, err)
	assert.Equal(t, "two", res.Content)

	_, err = e.NotebookRead("../outside.md", ReadOptions{})
	assert.ErrorIs(t, err, ErrPathOutsideRoot)
}
