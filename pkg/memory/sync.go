package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okets/my-agent-sub003/internal/observability"
	"github.com/okets/my-agent-sub003/internal/tracing"
	"github.com/okets/my-agent-sub003/pkg/embedding"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	tracerName = "notebook.memory"

	DefaultDebounce = 1500 * time.Millisecond
	embedBatchSize  = 32
)

// SyncConfig configures a SyncService.
type SyncConfig struct {
	Root     string
	Store    *Store
	Chunker  *Chunker
	Registry *embedding.Registry
	Debounce time.Duration
	// ReconcileSchedule is a cron schedule for a periodic full sync while
	// watching. Empty disables it.
	ReconcileSchedule string
	Logger            zerolog.Logger
}

// SyncService keeps the index in step with the markdown tree.
type SyncService struct {
	root     string
	store    *Store
	chunker  *Chunker
	registry *embedding.Registry
	debounce time.Duration
	schedule string
	logger   zerolog.Logger

	syncing atomic.Bool

	locksMu   sync.Mutex
	pathLocks map[string]*sync.Mutex

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	watchMu sync.Mutex
	watcher *Watcher
	cron    *cron.Cron
}

// NewSyncService creates a sync service rooted at cfg.Root.
func NewSyncService(cfg SyncConfig) (*SyncService, error) {
	if cfg.Root == "" {
		return nil, errors.New("notebook root is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Chunker == nil {
		cfg.Chunker = NewChunker(DefaultChunkMaxSize, DefaultChunkOverlap)
	}
	if cfg.Registry == nil {
		cfg.Registry = embedding.NewRegistry(cfg.Logger)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve notebook root: %w", err)
	}

	return &SyncService{
		root:      root,
		store:     cfg.Store,
		chunker:   cfg.Chunker,
		registry:  cfg.Registry,
		debounce:  cfg.Debounce,
		schedule:  cfg.ReconcileSchedule,
		logger:    cfg.Logger.With().Str("component", "memory_sync").Logger(),
		pathLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the absolute notebook root.
func (s *SyncService) Root() string { return s.root }

// IsSyncing reports whether a full sync or rebuild is running.
func (s *SyncService) IsSyncing() bool { return s.syncing.Load() }

// CacheHitRate returns the embedding cache hit rate, or false before any lookup.
func (s *SyncService) CacheHitRate() (float64, bool) {
	hits, misses := s.cacheHits.Load(), s.cacheMisses.Load()
	if hits+misses == 0 {
		return 0, false
	}
	return float64(hits) / float64(hits+misses), true
}

func (s *SyncService) lockPath(rel string) func() {
	s.locksMu.Lock()
	mu, ok := s.pathLocks[rel]
	if !ok {
		mu = &sync.Mutex{}
		s.pathLocks[rel] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// SyncFile brings one file's index rows up to date. rel is slash-separated
// and relative to the root. A file that no longer exists is removed.
func (s *SyncService) SyncFile(ctx context.Context, rel string) (SyncOutcome, error) {
	rel, err := normalizeRel(rel)
	if err != nil {
		return "", err
	}
	if !isMarkdown(rel) {
		return "", fmt.Errorf("%w: %s", ErrNotMarkdown, rel)
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.sync_file", attribute.String("path", rel))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordMemorySync("file", time.Since(start)) }()

	outcome, err := s.syncFile(ctx, rel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	observability.RecordSyncedFile(string(outcome))
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return outcome, nil
}

func (s *SyncService) syncFile(ctx context.Context, rel string) (SyncOutcome, error) {
	unlock := s.lockPath(rel)
	defer unlock()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	abs := filepath.Join(s.root, filepath.FromSlash(rel))

	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		if err := s.store.DeleteFile(ctx, rel); err != nil {
			return "", err
		}
		return OutcomeRemoved, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	existing, found, err := s.store.GetFile(ctx, rel)
	if err != nil {
		return "", err
	}
	provider := s.registry.ActiveReady()

	if found && existing.ContentHash == hash {
		if existing.IndexedWithEmbeddings || provider == nil {
			return OutcomeUnchanged, nil
		}
		return s.backfill(ctx, existing, provider)
	}

	chunks := s.chunker.Chunk(string(data))
	vectors, embedded := s.embedChunks(ctx, provider, chunks)

	_, written, err := s.store.ReplaceChunks(ctx, rel, chunks, vectors)
	if err != nil {
		return "", err
	}
	if embedded && written < len(chunks) {
		// the vector index changed under us; leave the file for backfill
		logger.Debug().Str("path", rel).Int("vectors", written).Int("chunks", len(chunks)).Msg("Vectors not stored, will backfill")
		embedded = false
	}

	// the file record goes last: a crash before this point leaves the old hash
	rec := FileRecord{
		Path:                  rel,
		ContentHash:           hash,
		ModifiedAt:            info.ModTime(),
		Size:                  info.Size(),
		IndexedAt:             time.Now(),
		IndexedWithEmbeddings: embedded,
	}
	if err := s.store.UpsertFile(ctx, rec); err != nil {
		return "", err
	}

	logger.Debug().
		Str("path", rel).
		Int("chunks", len(chunks)).
		Bool("embedded", embedded).
		Msg("File indexed")

	if found {
		return OutcomeUpdated, nil
	}
	return OutcomeAdded, nil
}

// backfill adds vectors to an unchanged file that was indexed while no
// provider was ready. Chunks are not touched.
func (s *SyncService) backfill(ctx context.Context, rec FileRecord, provider embedding.Provider) (SyncOutcome, error) {
	chunks, err := s.store.ChunksForFile(ctx, rec.Path)
	if err != nil {
		return "", err
	}

	vectors, embedded := s.embedChunks(ctx, provider, chunks)
	if !embedded {
		return OutcomeUnchanged, nil
	}

	if len(chunks) > 0 {
		ids := make([]int64, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		written, err := s.store.SetVectors(ctx, ids, vectors)
		if err != nil {
			return "", err
		}
		if written < len(chunks) {
			return OutcomeUnchanged, nil
		}
	}

	rec.IndexedWithEmbeddings = true
	rec.IndexedAt = time.Now()
	if err := s.store.UpsertFile(ctx, rec); err != nil {
		return "", err
	}
	return OutcomeBackfilled, nil
}

// embedChunks returns one vector per chunk, going through the embedding
// cache. The second result is false when vectors could not be produced;
// the caller then stores the chunks without vectors.
func (s *SyncService) embedChunks(ctx context.Context, provider embedding.Provider, chunks []Chunk) ([][]float32, bool) {
	if provider == nil {
		return nil, false
	}
	dims := s.store.VectorDimensions()
	if dims == 0 || provider.Dimensions() != dims {
		s.logger.Debug().
			Int("provider_dimensions", provider.Dimensions()).
			Int("index_dimensions", dims).
			Msg("Vector index not ready for provider, skipping embeddings")
		return nil, false
	}
	if len(chunks) == 0 {
		return nil, true
	}

	model := modelKey(provider)
	hashes := make([]string, 0, len(chunks))
	seen := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if _, ok := seen[c.ContentHash]; ok {
			continue
		}
		seen[c.ContentHash] = struct{}{}
		hashes = append(hashes, c.ContentHash)
	}

	cached, err := s.store.GetCachedEmbeddings(ctx, model, hashes)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Embedding cache lookup failed")
		cached = map[string][]float32{}
	}

	var missing []string
	texts := make(map[string]string)
	for _, c := range chunks {
		if _, ok := cached[c.ContentHash]; ok {
			continue
		}
		if _, ok := texts[c.ContentHash]; ok {
			continue
		}
		texts[c.ContentHash] = c.Text
		missing = append(missing, c.ContentHash)
	}
	s.recordCacheLookups(len(hashes)-len(missing), len(missing))

	fresh := make(map[string][]float32, len(missing))
	for startIdx := 0; startIdx < len(missing); startIdx += embedBatchSize {
		end := startIdx + embedBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[startIdx:end]
		inputs := make([]string, len(batch))
		for i, h := range batch {
			inputs[i] = texts[h]
		}

		vecs, err := provider.EmbedBatch(ctx, inputs)
		if err != nil {
			s.logger.Warn().Err(err).Str("provider", provider.ID()).Msg("Embedding failed, storing chunks without vectors")
			return nil, false
		}
		if len(vecs) != len(batch) {
			s.logger.Warn().Int("expected", len(batch)).Int("got", len(vecs)).Msg("Provider returned wrong number of vectors")
			return nil, false
		}
		for i, h := range batch {
			if len(vecs[i]) != dims {
				s.logger.Warn().Int("dimensions", len(vecs[i])).Int("expected", dims).Msg("Provider returned vector with wrong dimensions")
				return nil, false
			}
			fresh[h] = vecs[i]
		}
	}

	if err := s.store.PutCachedEmbeddings(ctx, model, fresh); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write embedding cache")
	}

	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		if v, ok := cached[c.ContentHash]; ok && len(v) == dims {
			vectors[i] = v
			continue
		}
		vectors[i] = fresh[c.ContentHash]
	}
	for _, v := range vectors {
		if v == nil {
			return nil, false
		}
	}
	return vectors, true
}

func (s *SyncService) recordCacheLookups(hits, misses int) {
	s.cacheHits.Add(int64(hits))
	s.cacheMisses.Add(int64(misses))
	for i := 0; i < hits; i++ {
		observability.RecordEmbeddingCache(true)
	}
	for i := 0; i < misses; i++ {
		observability.RecordEmbeddingCache(false)
	}
}

// RemoveFile drops a file from the index. When rel names a directory, every
// indexed file below it is dropped. It returns the number of files removed.
func (s *SyncService) RemoveFile(ctx context.Context, rel string) (int, error) {
	rel, err := normalizeRel(rel)
	if err != nil {
		return 0, err
	}

	_, found, err := s.store.GetFile(ctx, rel)
	if err != nil {
		return 0, err
	}

	targets := []string{}
	if found {
		targets = append(targets, rel)
	} else {
		files, err := s.store.ListFiles(ctx)
		if err != nil {
			return 0, err
		}
		prefix := rel + "/"
		for _, f := range files {
			if strings.HasPrefix(f.Path, prefix) {
				targets = append(targets, f.Path)
			}
		}
	}

	for _, target := range targets {
		unlock := s.lockPath(target)
		err := s.store.DeleteFile(ctx, target)
		unlock()
		if err != nil {
			return 0, err
		}
		observability.RecordSyncedFile(string(OutcomeRemoved))
	}

	if len(targets) > 0 {
		s.logger.Debug().Str("path", rel).Int("files", len(targets)).Msg("Removed from index")
	}
	return len(targets), nil
}

// FullSync reconciles the whole tree with the index. Only one full sync runs
// at a time; a concurrent call returns at once with AlreadyInProgress set.
func (s *SyncService) FullSync(ctx context.Context) (SyncResult, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		return SyncResult{AlreadyInProgress: true}, nil
	}
	defer s.syncing.Store(false)

	return s.fullSync(ctx, "full")
}

// Rebuild wipes the derived index and runs a full sync.
func (s *SyncService) Rebuild(ctx context.Context) (SyncResult, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		return SyncResult{AlreadyInProgress: true}, nil
	}
	defer s.syncing.Store(false)

	if err := s.store.ClearAll(ctx); err != nil {
		return SyncResult{}, err
	}
	return s.fullSync(ctx, "rebuild")
}

func (s *SyncService) fullSync(ctx context.Context, kind string) (SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.full_sync", attribute.String("kind", kind))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	start := time.Now()
	result := SyncResult{Errors: []string{}}

	onDisk, walkErrs := s.scan()
	result.Errors = append(result.Errors, walkErrs...)

	indexed, err := s.store.ListFiles(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	for _, rel := range onDisk {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, err := s.SyncFile(ctx, rel)
		if err != nil {
			logger.Warn().Err(err).Str("file", rel).Msg("Failed to sync file")
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}
		switch outcome {
		case OutcomeAdded:
			result.Added++
		case OutcomeUpdated:
			result.Updated++
		case OutcomeBackfilled:
			result.Backfilled++
		case OutcomeRemoved:
			result.Removed++
		default:
			result.Unchanged++
		}
	}

	// an incomplete walk must not be mistaken for deletions
	if len(walkErrs) == 0 {
		present := make(map[string]struct{}, len(onDisk))
		for _, rel := range onDisk {
			present[rel] = struct{}{}
		}
		for _, rec := range indexed {
			if _, ok := present[rec.Path]; ok {
				continue
			}
			unlock := s.lockPath(rec.Path)
			err := s.store.DeleteFile(ctx, rec.Path)
			unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.Path, err))
				continue
			}
			observability.RecordSyncedFile(string(OutcomeRemoved))
			result.Removed++
		}
	}

	if err := s.store.SetMeta(ctx, MetaLastFullSync, time.Now().UTC().Format(time.RFC3339)); err != nil {
		logger.Warn().Err(err).Msg("Failed to record last full sync")
	}

	duration := time.Since(start)
	result.DurationMs = duration.Milliseconds()
	observability.RecordMemorySync(kind, duration)
	if stats, err := s.store.Stats(ctx); err == nil {
		observability.SetIndexSize(stats.Files, stats.Chunks, stats.Vectors)
	}

	span.SetAttributes(
		attribute.Int("added", result.Added),
		attribute.Int("updated", result.Updated),
		attribute.Int("removed", result.Removed),
	)
	logger.Info().
		Str("kind", kind).
		Int("added", result.Added).
		Int("updated", result.Updated).
		Int("removed", result.Removed).
		Int("unchanged", result.Unchanged).
		Int("backfilled", result.Backfilled).
		Int("errors", len(result.Errors)).
		Dur("duration", duration).
		Msg("Sync completed")

	return result, nil
}

// scan lists every markdown file under the root as sorted slash paths.
func (s *SyncService) scan() ([]string, []string) {
	var files []string
	var errs []string

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", p, err))
			if d != nil && d.IsDir() && p != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if p == s.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isMarkdown(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", p, err))
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		errs = append(errs, err.Error())
	}

	sort.Strings(files)
	return files, errs
}

// StartWatching watches the tree for changes and, when a reconcile schedule
// is configured, runs a periodic full sync.
func (s *SyncService) StartWatching(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watcher != nil {
		return nil
	}

	w, err := NewWatcher(WatcherConfig{
		Root:     s.root,
		Debounce: s.debounce,
		OnChange: func(rel string) {
			runCtx := tracing.NewRunContext(ctx, "watch")
			if _, err := s.SyncFile(runCtx, rel); err != nil {
				s.logger.Warn().Err(err).Str("file", rel).Msg("Failed to sync changed file")
			}
		},
		OnRemove: func(rel string) {
			if _, err := s.RemoveFile(ctx, rel); err != nil {
				s.logger.Warn().Err(err).Str("path", rel).Msg("Failed to remove file from index")
			}
		},
		Logger: s.logger,
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}

	if s.schedule != "" {
		c := cron.New()
		_, err := c.AddFunc(s.schedule, func() {
			runCtx := tracing.NewRunContext(ctx, "reconcile")
			result, err := s.FullSync(runCtx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Reconcile sync failed")
				return
			}
			if result.AlreadyInProgress {
				s.logger.Debug().Msg("Reconcile skipped, sync already in progress")
			}
		})
		if err != nil {
			_ = w.Stop()
			return fmt.Errorf("invalid reconcile schedule %q: %w", s.schedule, err)
		}
		c.Start()
		s.cron = c
	}

	s.watcher = w
	s.logger.Info().Str("root", s.root).Dur("debounce", s.debounce).Msg("Watching notebook")
	return nil
}

// StopWatching stops the watcher, cancelling pending debounced syncs, and
// the reconcile schedule.
func (s *SyncService) StopWatching() error {
	s.watchMu.Lock()
	w, c := s.watcher, s.cron
	s.watcher, s.cron = nil, nil
	s.watchMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if w == nil {
		return nil
	}
	return w.Stop()
}

// IsWatching reports whether the watcher is running.
func (s *SyncService) IsWatching() bool {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return s.watcher != nil
}

func modelKey(p embedding.Provider) string {
	return p.ID() + "/" + p.Model()
}

func isMarkdown(name string) bool {
	return strings.EqualFold(path.Ext(name), ".md")
}

// normalizeRel cleans a root-relative path into slash form and rejects
// anything that would leave the root.
func normalizeRel(rel string) (string, error) {
	rel = strings.TrimSpace(filepath.ToSlash(rel))
	if rel == "" {
		return "", errors.New("path is required")
	}
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, rel)
	}
	return clean, nil
}
