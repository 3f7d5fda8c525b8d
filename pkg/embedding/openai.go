package embedding

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/okets/my-agent-sub003/pkg/health"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	HealthInterval time.Duration
	HTTPClient     *http.Client
	OnDegraded     DegradedFunc
	Logger         zerolog.Logger
}

// OpenAIProvider embeds text through any OpenAI-compatible /embeddings
// endpoint (OpenAI, LM Studio, vLLM, llama.cpp server, ...).
type OpenAIProvider struct {
	logger     zerolog.Logger
	httpClient *http.Client
	interval   time.Duration
	onDegraded DegradedFunc

	mu       sync.RWMutex
	client   openai.Client
	baseURL  string
	apiKey   string
	model    string
	dims     int
	dimsHint int
	ready    bool
	// failure is the error that degraded the provider. While set, health
	// checks include a test embedding.
	failure error
}

// NewOpenAIProvider creates the OpenAI-compatible provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	p := &OpenAIProvider{
		logger:     cfg.Logger.With().Str("provider", "openai").Logger(),
		httpClient: cfg.HTTPClient,
		interval:   cfg.HealthInterval,
		onDegraded: cfg.OnDegraded,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}
	if p.baseURL == "" {
		p.baseURL = "https://api.openai.com/v1"
	}
	p.client = p.newClient()
	return p
}

// newClient must be called with p.mu held or before p is shared.
func (p *OpenAIProvider) newClient() openai.Client {
	opts := []option.RequestOption{
		option.WithBaseURL(p.baseURL + "/"),
		option.WithAPIKey(p.apiKey),
		// retries are handled by callWithRetry so a failure degrades after exactly two attempts
		option.WithMaxRetries(0),
	}
	if p.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(p.httpClient))
	}
	return openai.NewClient(opts...)
}

func (p *OpenAIProvider) ID() string   { return "openai" }
func (p *OpenAIProvider) Type() string { return PluginType }
func (p *OpenAIProvider) Name() string { return "OpenAI-compatible" }

func (p *OpenAIProvider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *OpenAIProvider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dims
}

func (p *OpenAIProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *OpenAIProvider) HealthCheckInterval() time.Duration {
	return p.interval
}

func (p *OpenAIProvider) SetDimensionHint(dims int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dimsHint = dims
}

func (p *OpenAIProvider) OnDegraded(fn DegradedFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDegraded = fn
}

func (p *OpenAIProvider) Initialize(ctx context.Context, _ ProgressFunc) error {
	if p.IsReady() {
		return nil
	}

	if status := p.HealthCheck(ctx); !status.Healthy {
		return fmt.Errorf("embedding service not available: %s", status.Message)
	}

	p.mu.RLock()
	dims := p.dimsHint
	p.mu.RUnlock()

	if dims <= 0 {
		testCtx, cancel := context.WithTimeout(ctx, embedTimeout)
		vecs, err := p.requestEmbeddings(testCtx, []string{"dimension check"})
		cancel()
		if err != nil {
			return fmt.Errorf("test embedding failed: %w", err)
		}
		dims = len(vecs[0])
	}

	p.mu.Lock()
	p.dims = dims
	p.ready = true
	p.failure = nil
	p.mu.Unlock()

	p.logger.Info().Str("model", p.Model()).Int("dimensions", dims).Msg("OpenAI-compatible provider ready")
	return nil
}

func (p *OpenAIProvider) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	return nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text}, embedTimeout)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.embed(ctx, texts, embedBatchTimeout)
}

func (p *OpenAIProvider) embed(ctx context.Context, texts []string, timeout time.Duration) ([][]float32, error) {
	if !p.IsReady() {
		return nil, ErrNotReady
	}
	return callWithRetry(ctx, p.ID(), timeout, func(ctx context.Context) ([][]float32, error) {
		return p.requestEmbeddings(ctx, texts)
	}, p.degrade)
}

func (p *OpenAIProvider) degrade(err error) {
	p.mu.Lock()
	p.ready = false
	p.failure = err
	fn := p.onDegraded
	model := p.model
	p.mu.Unlock()

	p.logger.Error().Err(err).Msg("Embedding request failed twice")
	if fn != nil {
		fn(DegradedState{
			ProviderID:   p.ID(),
			ProviderName: p.Name(),
			Model:        model,
			Message:      err.Error(),
			Resolution:   ResolutionFor(err, model),
		})
	}
}

func (p *OpenAIProvider) requestEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.RLock()
	client, model, dims := p.client, p.model, p.dims
	p.mu.RUnlock()

	resp, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, item := range data {
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("embedding %d is empty", i)
		}
		if dims > 0 && len(item.Embedding) != dims {
			return nil, fmt.Errorf("embedding %d has size %d, expected %d", i, len(item.Embedding), dims)
		}
		out[i] = Normalize(toFloat32(item.Embedding))
	}
	return out, nil
}

// HealthCheck lists the service's models and checks the configured one is
// served. After embedding has failed, it also embeds a test string and stays
// unhealthy until that succeeds.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) health.Status {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	p.mu.RLock()
	model, failure := p.model, p.failure
	p.mu.RUnlock()

	models, err := p.listModels(ctx)
	if err != nil {
		return health.Unhealthy(err.Error(), ResolutionFor(err, model))
	}
	served := false
	for _, id := range models {
		if id == model {
			served = true
			break
		}
	}
	if !served {
		return health.Unhealthy(
			fmt.Sprintf("model %q not found on %s", model, p.baseURLSnapshot()),
			"Choose a model the service provides (see `notebook providers`).",
		)
	}

	if failure != nil {
		if _, err := p.requestEmbeddings(ctx, []string{"health check"}); err != nil {
			return health.Unhealthy(err.Error(), ResolutionFor(err, model))
		}
		p.mu.Lock()
		if p.failure == failure {
			p.failure = nil
		}
		p.mu.Unlock()
	}
	return health.Healthy()
}

// ListModels returns the model ids the service reports.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	return p.listModels(ctx)
}

func (p *OpenAIProvider) listModels(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (p *OpenAIProvider) baseURLSnapshot() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.baseURL
}

// Configure implements Configurable.
func (p *OpenAIProvider) Configure(settings map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	if v, ok := settings["base_url"].(string); ok && v != "" {
		v = strings.TrimRight(v, "/")
		if v != p.baseURL {
			p.baseURL = v
			changed = true
		}
	}
	if v, ok := settings["api_key"].(string); ok && v != p.apiKey {
		p.apiKey = v
		changed = true
	}
	if v, ok := settings["model"].(string); ok && v != "" && v != p.model {
		p.model = v
		p.dims = 0
		p.dimsHint = 0
		changed = true
	}
	if changed {
		p.client = p.newClient()
		p.ready = false
	}
	return nil
}

// Settings omits the API key.
func (p *OpenAIProvider) Settings() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]any{
		"base_url":    p.baseURL,
		"model":       p.model,
		"has_api_key": p.apiKey != "",
	}
}
