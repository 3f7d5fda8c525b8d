package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okets/my-agent-sub003/internal/tracing"
	"github.com/okets/my-agent-sub003/pkg/embedding"
	"github.com/okets/my-agent-sub003/pkg/health"
	"github.com/rs/zerolog"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Root is the markdown tree; it is created if missing.
	Root   string
	DBPath string

	ChunkMaxSize      int
	ChunkOverlap      int
	Debounce          time.Duration
	ReconcileSchedule string

	MaxResults     int
	MinScore       float64
	MinSimilarity  float64
	RRFK           int
	QueryCacheSize int
	QueryCacheTTL  time.Duration

	// Registry holds the embedding providers. A nil registry means lexical
	// search only.
	Registry *embedding.Registry
	// Monitor, when set, polls each provider once it has been chosen with
	// ActivateProvider; its events drive degradation and recovery.
	Monitor *health.Monitor
	Logger  zerolog.Logger
}

// Status describes the engine and its index.
type Status struct {
	Root             string                   `json:"root"`
	DBPath           string                   `json:"db_path"`
	Files            int                      `json:"files"`
	Chunks           int                      `json:"chunks"`
	Vectors          int                      `json:"vectors"`
	CachedEmbeddings int                      `json:"cached_embeddings"`
	VectorDimensions int                      `json:"vector_dimensions"`
	Model            string                   `json:"model,omitempty"`
	ActiveProvider   string                   `json:"active_provider,omitempty"`
	IntendedProvider string                   `json:"intended_provider,omitempty"`
	Degraded         *embedding.DegradedState `json:"degraded,omitempty"`
	LastFullSync     *time.Time               `json:"last_full_sync,omitempty"`
	Syncing          bool                     `json:"syncing"`
	Watching         bool                     `json:"watching"`
	CacheHitRate     *float64                 `json:"cache_hit_rate,omitempty"`
	Resyncs          int64                    `json:"recovery_resyncs"`
}

// Engine owns the store, the sync and search services and the provider
// registry, and reacts to provider health changes.
type Engine struct {
	root     string
	store    *Store
	chunker  *Chunker
	registry *embedding.Registry
	monitor  *health.Monitor
	sync     *SyncService
	search   *SearchService
	logger   zerolog.Logger

	activateMu sync.Mutex
	resyncs    atomic.Int64

	runMu  sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
}

// Open opens the index and wires the services. Index rows built with other
// chunking parameters are wiped so the next sync rebuilds them.
func Open(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.Root == "" {
		return nil, errors.New("notebook root is required")
	}
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = embedding.NewRegistry(cfg.Logger)
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve notebook root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create notebook root: %w", err)
	}

	store, err := OpenStore(cfg.DBPath, cfg.Logger)
	if err != nil {
		return nil, err
	}

	chunker := NewChunker(cfg.ChunkMaxSize, cfg.ChunkOverlap)
	syncer, err := NewSyncService(SyncConfig{
		Root:              root,
		Store:             store,
		Chunker:           chunker,
		Registry:          cfg.Registry,
		Debounce:          cfg.Debounce,
		ReconcileSchedule: cfg.ReconcileSchedule,
		Logger:            cfg.Logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	e := &Engine{
		root:     root,
		store:    store,
		chunker:  chunker,
		registry: cfg.Registry,
		monitor:  cfg.Monitor,
		sync:     syncer,
		search: NewSearchService(SearchConfig{
			Store:          store,
			Registry:       cfg.Registry,
			MaxResults:     cfg.MaxResults,
			MinScore:       cfg.MinScore,
			MinSimilarity:  cfg.MinSimilarity,
			RRFK:           cfg.RRFK,
			QueryCacheSize: cfg.QueryCacheSize,
			QueryCacheTTL:  cfg.QueryCacheTTL,
			Logger:         cfg.Logger,
		}),
		logger: cfg.Logger.With().Str("component", "memory_engine").Logger(),
	}

	if err := e.checkChunkParams(ctx); err != nil {
		store.Close()
		return nil, err
	}

	degrade := e.degradeCallback()
	for _, p := range e.registry.List() {
		if d, ok := p.(interface{ OnDegraded(embedding.DegradedFunc) }); ok {
			d.OnDegraded(degrade)
		}
	}
	if e.monitor != nil {
		e.monitor.On(e.handleHealthEvent)
	}

	return e, nil
}

// degradeCallback marks the registry degraded when the active provider fails
// a call, and reports the failure to the monitor so the provider's next
// healthy poll is a transition that triggers recovery.
func (e *Engine) degradeCallback() embedding.DegradedFunc {
	degrade := e.registry.DegradeCallback()
	return func(state embedding.DegradedState) {
		wasActive := e.registry.ActiveID() == state.ProviderID
		degrade(state)
		if !wasActive || e.monitor == nil {
			return
		}
		if err := e.monitor.Report(state.ProviderID, health.Unhealthy(state.Message, state.Resolution)); err != nil {
			e.logger.Debug().Err(err).Str("provider", state.ProviderID).Msg("Provider failure not reported to health monitor")
		}
	}
}

func (e *Engine) checkChunkParams(ctx context.Context) error {
	want := map[string]string{
		MetaChunkMaxSize: strconv.Itoa(e.chunker.MaxSize()),
		MetaChunkOverlap: strconv.Itoa(e.chunker.Overlap()),
	}

	drift := false
	for key, value := range want {
		stored, ok, err := e.store.GetMeta(ctx, key)
		if err != nil {
			return err
		}
		if ok && stored != value {
			drift = true
		}
	}

	if drift {
		e.logger.Info().Msg("Chunking parameters changed, clearing index for rebuild")
		if err := e.store.ClearAll(ctx); err != nil {
			return err
		}
	}
	for key, value := range want {
		if err := e.store.SetMeta(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// Store exposes the underlying index.
func (e *Engine) Store() *Store { return e.store }

// Registry exposes the provider registry.
func (e *Engine) Registry() *embedding.Registry { return e.registry }

// Root returns the absolute notebook root.
func (e *Engine) Root() string { return e.root }

// Start runs a full sync, then watches the tree and starts health polling.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	if e.runCtx != nil {
		e.runMu.Unlock()
		return nil
	}
	e.runCtx, e.cancel = context.WithCancel(ctx)
	runCtx := e.runCtx
	e.runMu.Unlock()

	if _, err := e.sync.FullSync(tracing.NewRunContext(runCtx, "startup")); err != nil {
		e.logger.Warn().Err(err).Msg("Initial sync failed")
	}
	if err := e.sync.StartWatching(runCtx); err != nil {
		return err
	}
	if e.monitor != nil {
		e.monitor.Start(runCtx)
	}
	return nil
}

// Stop stops watching and health polling.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	cancel := e.cancel
	e.runCtx, e.cancel = nil, nil
	e.runMu.Unlock()

	// cancel first so a recovery resync running on a monitor goroutine
	// returns before monitor.Stop waits for it
	if cancel != nil {
		cancel()
	}
	if e.monitor != nil {
		e.monitor.Stop()
	}
	return e.sync.StopWatching()
}

// Close stops the engine, releases the active provider and closes the index.
func (e *Engine) Close() error {
	stopErr := e.Stop()
	if p := e.registry.Active(); p != nil {
		if err := p.Cleanup(); err != nil {
			e.logger.Warn().Err(err).Str("provider", p.ID()).Msg("Failed to clean up provider")
		}
	}
	if err := e.store.Close(); err != nil {
		return err
	}
	return stopErr
}

// ActivateProvider initializes the provider and makes it active. When its
// model or dimensionality differs from what the index holds, the vector
// index and embedding cache are dropped and every file is flagged for
// re-embedding. On initialization failure the provider is recorded as
// intended and the registry is marked degraded. Callers run FullSync
// afterwards to (re)embed the tree.
func (e *Engine) ActivateProvider(ctx context.Context, id string, progress embedding.ProgressFunc) error {
	e.activateMu.Lock()
	defer e.activateMu.Unlock()

	if id == "" {
		return e.registry.SetActive("")
	}

	p, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if err := e.watchHealth(p); err != nil {
		return err
	}

	if hinter, ok := p.(embedding.DimensionHinter); ok {
		model, _, _ := e.store.GetMeta(ctx, MetaModel)
		if model == modelKey(p) && e.store.VectorDimensions() > 0 {
			hinter.SetDimensionHint(e.store.VectorDimensions())
		}
	}

	if err := p.Initialize(ctx, progress); err != nil {
		if setErr := e.registry.SetIntended(id); setErr != nil {
			return setErr
		}
		e.registry.SetDegraded(embedding.DegradedState{
			ProviderID: id,
			Message:    err.Error(),
			Resolution: embedding.ResolutionFor(err, p.Model()),
		})
		return fmt.Errorf("failed to initialize %s: %w", id, err)
	}

	if err := e.applyModel(ctx, p); err != nil {
		return err
	}
	return e.registry.SetActive(id)
}

// watchHealth registers p with the monitor. Providers that were never chosen
// are not polled.
func (e *Engine) watchHealth(p embedding.Provider) error {
	if e.monitor == nil {
		return nil
	}
	if err := e.monitor.Register(p); err != nil && !errors.Is(err, health.ErrAlreadyRegistered) {
		return fmt.Errorf("failed to monitor %s: %w", p.ID(), err)
	}
	return nil
}

// DeactivateProvider switches to lexical-only search.
func (e *Engine) DeactivateProvider() error {
	e.activateMu.Lock()
	defer e.activateMu.Unlock()
	return e.registry.SetActive("")
}

// applyModel makes the vector index match p. Caller holds activateMu.
func (e *Engine) applyModel(ctx context.Context, p embedding.Provider) error {
	key := modelKey(p)
	dims := p.Dimensions()
	stored, _, err := e.store.GetMeta(ctx, MetaModel)
	if err != nil {
		return err
	}

	if stored == key && e.store.VectorDimensions() == dims {
		return nil
	}

	e.logger.Info().
		Str("previous_model", stored).
		Str("model", key).
		Int("previous_dimensions", e.store.VectorDimensions()).
		Int("dimensions", dims).
		Msg("Embedding model changed, recreating vector index")

	if err := e.store.DropAndRecreateVectorIndex(ctx, dims); err != nil {
		return err
	}
	if err := e.store.ResetEmbeddingFlags(ctx); err != nil {
		return err
	}
	if err := e.store.SetMeta(ctx, MetaProvider, p.ID()); err != nil {
		return err
	}
	return e.store.SetMeta(ctx, MetaModel, key)
}

// handleHealthEvent degrades the registry when the active provider fails
// and reactivates the intended provider when it recovers.
func (e *Engine) handleHealthEvent(event health.Event) {
	if event.PluginType != embedding.PluginType {
		return
	}

	switch {
	case event.Failed() && event.PluginID == e.registry.ActiveID():
		e.registry.SetDegraded(embedding.DegradedState{
			ProviderID: event.PluginID,
			Message:    event.Current.Message,
			Resolution: event.Current.Resolution,
			Since:      event.CheckedAt,
		})

	case event.Recovered() && event.PluginID == e.registry.IntendedID() && e.registry.ActiveID() == "":
		e.recover(event.PluginID)
	}
}

func (e *Engine) recover(id string) {
	ctx := e.backgroundContext()
	logger := e.logger.With().Str("provider", id).Logger()

	e.activateMu.Lock()
	if e.registry.ActiveID() != "" || e.registry.IntendedID() != id {
		e.activateMu.Unlock()
		return
	}
	p, err := e.registry.Get(id)
	if err != nil {
		e.activateMu.Unlock()
		return
	}
	if err := p.Initialize(ctx, nil); err != nil {
		e.activateMu.Unlock()
		logger.Warn().Err(err).Msg("Provider reported healthy but failed to initialize")
		e.registry.SetDegraded(embedding.DegradedState{
			ProviderID: id,
			Message:    err.Error(),
			Resolution: embedding.ResolutionFor(err, p.Model()),
		})
		return
	}
	if err := e.applyModel(ctx, p); err != nil {
		e.activateMu.Unlock()
		logger.Error().Err(err).Msg("Failed to prepare vector index for recovered provider")
		return
	}
	if err := e.registry.SetActive(id); err != nil {
		e.activateMu.Unlock()
		logger.Error().Err(err).Msg("Failed to reactivate provider")
		return
	}
	e.activateMu.Unlock()

	logger.Info().Msg("Embedding provider recovered, resyncing")
	e.resyncs.Add(1)
	result, err := e.sync.FullSync(tracing.NewRunContext(ctx, "recovery"))
	if err != nil {
		logger.Warn().Err(err).Msg("Recovery resync failed")
		return
	}
	if result.AlreadyInProgress {
		logger.Info().Msg("Recovery resync skipped, sync already running")
	}
}

func (e *Engine) backgroundContext() context.Context {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// Recall runs a hybrid query against the index.
func (e *Engine) Recall(ctx context.Context, query string, opts RecallOptions) (RecallResult, error) {
	return e.search.Recall(ctx, query, opts)
}

// NotebookRead returns raw content of a file under the root.
func (e *Engine) NotebookRead(rel string, opts ReadOptions) (ReadResult, error) {
	return NotebookRead(e.root, rel, opts)
}

// SyncFile syncs a single root-relative file.
func (e *Engine) SyncFile(ctx context.Context, rel string) (SyncOutcome, error) {
	return e.sync.SyncFile(ctx, rel)
}

// FullSync reconciles the whole tree with the index.
func (e *Engine) FullSync(ctx context.Context) (SyncResult, error) {
	return e.sync.FullSync(ctx)
}

// Rebuild wipes the derived index and syncs from scratch.
func (e *Engine) Rebuild(ctx context.Context) (SyncResult, error) {
	return e.sync.Rebuild(ctx)
}

// Status reports index counts and provider state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Root:             e.root,
		DBPath:           e.store.Path(),
		Files:            stats.Files,
		Chunks:           stats.Chunks,
		Vectors:          stats.Vectors,
		CachedEmbeddings: stats.CachedEmbeddings,
		VectorDimensions: stats.VectorDimensions,
		Syncing:          e.sync.IsSyncing(),
		Watching:         e.sync.IsWatching(),
		Resyncs:          e.resyncs.Load(),
	}

	state := e.registry.Snapshot()
	st.ActiveProvider = state.ActiveID
	st.IntendedProvider = state.IntendedID
	st.Degraded = state.Degraded

	if model, ok, err := e.store.GetMeta(ctx, MetaModel); err == nil && ok {
		st.Model = model
	}
	if value, ok, err := e.store.GetMeta(ctx, MetaLastFullSync); err == nil && ok {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			st.LastFullSync = &t
		}
	}
	if rate, ok := e.sync.CacheHitRate(); ok {
		st.CacheHitRate = &rate
	}
	return st, nil
}
