package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/okets/my-agent-sub003/pkg/health"
	"github.com/rs/zerolog"
)

// LocalConfig configures the in-process provider.
type LocalConfig struct {
	ModelsDir   string
	Model       string
	DownloadURL string
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

// LocalProvider embeds text in-process with a feature-hashing model: word and
// character n-gram features are hashed into a fixed number of signed buckets.
type LocalProvider struct {
	logger zerolog.Logger
	client *http.Client

	mu          sync.RWMutex
	modelsDir   string
	model       string
	downloadURL string
	manifest    *Manifest
	dims        int
	dimsHint    int
}

// NewLocalProvider creates the local provider. Nothing is loaded until Initialize.
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	model := cfg.Model
	if model == "" {
		model = "hash-embed-small"
	}
	return &LocalProvider{
		logger:      cfg.Logger.With().Str("provider", "local").Logger(),
		client:      client,
		modelsDir:   cfg.ModelsDir,
		model:       model,
		downloadURL: cfg.DownloadURL,
	}
}

func (p *LocalProvider) ID() string   { return "local" }
func (p *LocalProvider) Type() string { return PluginType }
func (p *LocalProvider) Name() string { return "Local model" }

func (p *LocalProvider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *LocalProvider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dims
}

func (p *LocalProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.manifest != nil
}

// SetDimensionHint implements DimensionHinter.
func (p *LocalProvider) SetDimensionHint(dims int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dimsHint = dims
}

func (p *LocalProvider) manifestPath() string {
	return filepath.Join(p.modelsDir, p.model+".yaml")
}

// NeedsDownload reports whether the model file is missing.
func (p *LocalProvider) NeedsDownload() bool {
	p.mu.RLock()
	path := p.manifestPath()
	p.mu.RUnlock()

	_, err := os.Stat(path)
	return errors.Is(err, os.ErrNotExist)
}

// GetDownloadSize returns the size of the model file in bytes, or -1 when the
// server does not say.
func (p *LocalProvider) GetDownloadSize(ctx context.Context) (int64, error) {
	p.mu.RLock()
	model, url := p.model, p.downloadURL
	p.mu.RUnlock()

	if url == "" {
		m, ok := builtinManifests[model]
		if !ok {
			return 0, fmt.Errorf("unknown model %q and no download URL configured", model)
		}
		data, err := m.Marshal()
		if err != nil {
			return 0, err
		}
		return int64(len(data)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to query model size: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("bad status %d querying model size", resp.StatusCode)
	}
	return resp.ContentLength, nil
}

// DeleteModel removes the cached model file and unloads the model.
func (p *LocalProvider) DeleteModel() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.manifest = nil
	p.dims = 0
	if err := os.Remove(p.manifestPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	return nil
}

// Initialize resolves the model file (writing or downloading it when
// missing), loads it and detects the output dimensionality.
func (p *LocalProvider) Initialize(ctx context.Context, progress ProgressFunc) error {
	if p.IsReady() {
		return nil
	}

	if p.NeedsDownload() {
		if err := p.download(ctx, progress); err != nil {
			return err
		}
	}

	p.mu.RLock()
	path := p.manifestPath()
	p.mu.RUnlock()

	m, err := LoadManifest(path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.manifest = &m
	if p.dimsHint > 0 && p.dimsHint == m.Dimensions {
		p.dims = p.dimsHint
	} else {
		vec := p.embed("dimension check")
		p.dims = len(vec)
	}

	p.logger.Info().Str("model", m.Name).Int("dimensions", p.dims).Msg("Local embedding model loaded")
	return nil
}

func (p *LocalProvider) download(ctx context.Context, progress ProgressFunc) error {
	p.mu.RLock()
	model, url, path := p.model, p.downloadURL, p.manifestPath()
	p.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	if url == "" {
		m, ok := builtinManifests[model]
		if !ok {
			return fmt.Errorf("unknown model %q and no download URL configured", model)
		}
		data, err := m.Marshal()
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write model: %w", err)
		}
		if progress != nil {
			progress(int64(len(data)), int64(len(data)))
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download model: bad status %d", resp.StatusCode)
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create model file: %w", err)
	}

	var src io.Reader = resp.Body
	if progress != nil {
		src = &progressReader{r: resp.Body, total: resp.ContentLength, fn: progress}
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to download model: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	p.logger.Info().Str("model", model).Str("url", url).Msg("Model downloaded")
	return os.Rename(tmp, path)
}

func (p *LocalProvider) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifest = nil
	return nil
}

func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.manifest == nil {
		return nil, ErrNotReady
	}
	return p.embed(text), nil
}

func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.manifest == nil {
		return nil, ErrNotReady
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.embed(text)
	}
	return out, nil
}

// HealthCheck reports whether the model file is present and loadable.
func (p *LocalProvider) HealthCheck(_ context.Context) health.Status {
	if p.IsReady() {
		return health.Healthy()
	}

	p.mu.RLock()
	path, model := p.manifestPath(), p.model
	p.mu.RUnlock()

	if _, err := LoadManifest(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health.Unhealthy(
				fmt.Sprintf("model %s is not downloaded", model),
				"Activate the local provider to download the model.",
			)
		}
		return health.Unhealthy(err.Error(), "Delete the model file and activate the provider again.")
	}
	return health.Healthy()
}

// Configure implements Configurable. Changing the model unloads the current one.
func (p *LocalProvider) Configure(settings map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := settings["model"].(string); ok && v != "" && v != p.model {
		p.model = v
		p.manifest = nil
		p.dims = 0
		p.dimsHint = 0
	}
	if v, ok := settings["download_url"].(string); ok {
		p.downloadURL = v
	}
	if v, ok := settings["models_dir"].(string); ok && v != "" {
		p.modelsDir = v
	}
	return nil
}

func (p *LocalProvider) Settings() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]any{
		"model":        p.model,
		"download_url": p.downloadURL,
		"models_dir":   p.modelsDir,
	}
}

// embed must be called with p.mu held and a manifest loaded.
func (p *LocalProvider) embed(text string) []float32 {
	m := p.manifest
	vec := make([]float32, m.Dimensions)

	words := tokenize(text)
	if len(words) == 0 {
		words = []string{strings.TrimSpace(text)}
	}

	for _, word := range words {
		if m.WordWeight > 0 {
			addFeature(vec, m.Seed+"w:"+word, float32(m.WordWeight))
		}
		if m.GramWeight > 0 && m.NgramMin > 0 {
			padded := []rune("<" + word + ">")
			for n := m.NgramMin; n <= m.NgramMax; n++ {
				for i := 0; i+n <= len(padded); i++ {
					addFeature(vec, m.Seed+"g:"+string(padded[i:i+n]), float32(m.GramWeight))
				}
			}
		}
	}

	return Normalize(vec)
}

func addFeature(vec []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	idx := h % uint64(len(vec))
	if h&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    ProgressFunc
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	pr.read += int64(n)
	if n > 0 {
		pr.fn(pr.read, pr.total)
	}
	return n, err
}
