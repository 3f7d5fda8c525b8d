package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/okets/my-agent-sub003/pkg/embedding"
	"github.com/okets/my-agent-sub003/pkg/health"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// stubProvider embeds text as a normalized bag of hashed words.
type stubProvider struct {
	id   string
	dims int

	mu         sync.Mutex
	ready      bool
	healthy    bool
	failEmbed  bool
	initErr    error
	embedCalls int
	initCalls  int
	block      chan struct{}
	entered    chan struct{}
}

func newStubProvider(id string, dims int) *stubProvider {
	return &stubProvider{id: id, dims: dims, healthy: true}
}

func (p *stubProvider) ID() string    { return p.id }
func (p *stubProvider) Type() string  { return embedding.PluginType }
func (p *stubProvider) Name() string  { return "Stub " + p.id }
func (p *stubProvider) Model() string { return p.id + "-model" }

func (p *stubProvider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return 0
	}
	return p.dims
}

func (p *stubProvider) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *stubProvider) Initialize(context.Context, embedding.ProgressFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initCalls++
	if p.initErr != nil {
		return p.initErr
	}
	p.ready = true
	return nil
}

func (p *stubProvider) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	return nil
}

func (p *stubProvider) HealthCheck(context.Context) health.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthy {
		return health.Healthy()
	}
	return health.Unhealthy("connection refused", "Start the stub service")
}

func (p *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *stubProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.embedCalls++
	fail := p.failEmbed
	block, entered := p.block, p.entered
	p.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.vector(text)
	}
	return out, nil
}

func (p *stubProvider) vector(text string) []float32 {
	vec := make([]float32, p.dims)
	for _, word := range queryWords(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%uint32(p.dims)]++
	}
	vec[0] += 0.01
	return embedding.Normalize(vec)
}

func (p *stubProvider) set(fn func(p *stubProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *stubProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embedCalls
}

type engineOptions struct {
	root         string
	dbPath       string
	maxSize      int
	overlap      int
	monitor      *health.Monitor
	providers    []embedding.Provider
	debounce     time.Duration
	reconcileCfg string
}

func newTestEngine(t *testing.T, opts engineOptions) *Engine {
	t.Helper()

	if opts.root == "" {
		opts.root = t.TempDir()
	}
	if opts.dbPath == "" {
		opts.dbPath = filepath.Join(t.TempDir(), "index.db")
	}
	if opts.debounce == 0 {
		opts.debounce = 50 * time.Millisecond
	}

	registry := embedding.NewRegistry(zerolog.Nop())
	for _, p := range opts.providers {
		require.NoError(t, registry.Register(p))
	}

	e, err := Open(context.Background(), EngineConfig{
		Root:              opts.root,
		DBPath:            opts.dbPath,
		ChunkMaxSize:      opts.maxSize,
		ChunkOverlap:      opts.overlap,
		Debounce:          opts.debounce,
		ReconcileSchedule: opts.reconcileCfg,
		Registry:          registry,
		Monitor:           opts.monitor,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "index.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeNote(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func vectorLengths(t *testing.T, s *Store) []int {
	t.Helper()
	if !s.VectorIndexExists() {
		return nil
	}
	rows, err := s.db.Query("SELECT vec_length(embedding) FROM " + vectorTable)
	require.NoError(t, err)
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		require.NoError(t, rows.Scan(&n))
		out = append(out, n)
	}
	require.NoError(t, rows.Err())
	return out
}

func resultPaths(results []SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.FilePath
	}
	return out
}

func testLogger() zerolog.Logger { return zerolog.Nop() }
