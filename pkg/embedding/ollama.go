package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/okets/my-agent-sub003/pkg/health"
	"github.com/rs/zerolog"
)

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	Host  string
	Model string
	// HealthInterval is the poll interval this provider asks the health
	// monitor for. Zero leaves the choice to configuration.
	HealthInterval time.Duration
	HTTPClient     *http.Client
	OnDegraded     DegradedFunc
	Logger         zerolog.Logger
}

// OllamaProvider embeds text through an Ollama server's native API.
type OllamaProvider struct {
	logger     zerolog.Logger
	client     *http.Client
	interval   time.Duration
	onDegraded DegradedFunc

	mu       sync.RWMutex
	host     string
	model    string
	dims     int
	dimsHint int
	ready    bool
	// failure is the error that degraded the provider. While set, health
	// checks include a test embedding.
	failure error
}

type ollamaTagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

// NewOllamaProvider creates the Ollama provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		host = "http://localhost:11434"
	}
	return &OllamaProvider{
		logger:     cfg.Logger.With().Str("provider", "ollama").Logger(),
		client:     client,
		interval:   cfg.HealthInterval,
		onDegraded: cfg.OnDegraded,
		host:       host,
		model:      cfg.Model,
	}
}

func (p *OllamaProvider) ID() string   { return "ollama" }
func (p *OllamaProvider) Type() string { return PluginType }
func (p *OllamaProvider) Name() string { return "Ollama" }

func (p *OllamaProvider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *OllamaProvider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dims
}

func (p *OllamaProvider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// HealthCheckInterval implements health.IntervalPreferrer.
func (p *OllamaProvider) HealthCheckInterval() time.Duration {
	return p.interval
}

// SetDimensionHint implements DimensionHinter.
func (p *OllamaProvider) SetDimensionHint(dims int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dimsHint = dims
}

// OnDegraded sets the callback invoked after a call fails twice.
func (p *OllamaProvider) OnDegraded(fn DegradedFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDegraded = fn
}

// Initialize checks the server and the model, then detects dimensionality
// with a test embedding unless a matching hint was given.
func (p *OllamaProvider) Initialize(ctx context.Context, _ ProgressFunc) error {
	if p.IsReady() {
		return nil
	}

	if status := p.HealthCheck(ctx); !status.Healthy {
		return fmt.Errorf("ollama not available: %s", status.Message)
	}

	p.mu.RLock()
	hint := p.dimsHint
	p.mu.RUnlock()

	dims := hint
	if dims <= 0 {
		vecs, err := p.requestEmbeddings(ctx, []string{"dimension check"}, embedTimeout)
		if err != nil {
			return fmt.Errorf("ollama test embedding failed: %w", err)
		}
		dims = len(vecs[0])
	}

	p.mu.Lock()
	p.dims = dims
	p.ready = true
	p.failure = nil
	p.mu.Unlock()

	p.logger.Info().Str("model", p.Model()).Int("dimensions", dims).Msg("Ollama provider ready")
	return nil
}

func (p *OllamaProvider) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	return nil
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text}, embedTimeout)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.embed(ctx, texts, embedBatchTimeout)
}

func (p *OllamaProvider) embed(ctx context.Context, texts []string, timeout time.Duration) ([][]float32, error) {
	if !p.IsReady() {
		return nil, ErrNotReady
	}

	return callWithRetry(ctx, p.ID(), timeout, func(ctx context.Context) ([][]float32, error) {
		return p.requestEmbeddings(ctx, texts, 0)
	}, p.degrade)
}

func (p *OllamaProvider) degrade(err error) {
	p.mu.Lock()
	p.ready = false
	p.failure = err
	fn := p.onDegraded
	model := p.model
	p.mu.Unlock()

	p.logger.Error().Err(err).Msg("Ollama embedding failed twice")
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

// requestEmbeddings performs one POST /api/embed. A non-zero timeout bounds
// the call; otherwise ctx is expected to carry a deadline.
func (p *OllamaProvider) requestEmbeddings(ctx context.Context, texts []string, timeout time.Duration) ([][]float32, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p.mu.RLock()
	host, model, dims := p.host, p.model, p.dims
	p.mu.RUnlock()

	body, err := json.Marshal(ollamaEmbedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call ollama: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, ollamaStatusError(resp)
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, values := range result.Embeddings {
		if len(values) == 0 {
			return nil, fmt.Errorf("embedding %d is empty", i)
		}
		if dims > 0 && len(values) != dims {
			return nil, fmt.Errorf("embedding %d has size %d, expected %d", i, len(values), dims)
		}
		out[i] = Normalize(toFloat32(values))
	}
	return out, nil
}

// HealthCheck checks reachability and model availability via GET /api/tags.
// After embedding has failed, it also embeds a test string and stays
// unhealthy until that succeeds.
func (p *OllamaProvider) HealthCheck(ctx context.Context) health.Status {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	p.mu.RLock()
	host, model, failure := p.host, p.model, p.failure
	p.mu.RUnlock()

	models, err := p.listModels(ctx, host)
	if err != nil {
		return health.Unhealthy(err.Error(), ResolutionFor(err, model))
	}

	if !hasModel(models, model) {
		err := fmt.Errorf("model %q not found on %s", model, host)
		return health.Unhealthy(err.Error(), ResolutionFor(err, model))
	}

	if failure != nil {
		if _, err := p.requestEmbeddings(ctx, []string{"health check"}, 0); err != nil {
			return health.Unhealthy(err.Error(), ResolutionFor(err, model))
		}
		p.clearFailure(failure)
	}
	return health.Healthy()
}

func (p *OllamaProvider) clearFailure(seen error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure == seen {
		p.failure = nil
	}
}

// ListModels returns the model names installed on the server.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	p.mu.RLock()
	host := p.host
	p.mu.RUnlock()
	return p.listModels(ctx, host)
}

func (p *OllamaProvider) listModels(ctx context.Context, host string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach ollama: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, ollamaStatusError(resp)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		names = append(names, name)
	}
	return names, nil
}

// Configure implements Configurable. Changing host or model forces a new
// Initialize.
func (p *OllamaProvider) Configure(settings map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := settings["host"].(string); ok && v != "" {
		v = strings.TrimRight(v, "/")
		if v != p.host {
			p.host = v
			p.ready = false
		}
	}
	if v, ok := settings["model"].(string); ok && v != "" && v != p.model {
		p.model = v
		p.ready = false
		p.dims = 0
		p.dimsHint = 0
	}
	return nil
}

func (p *OllamaProvider) Settings() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]any{
		"host":  p.host,
		"model": p.model,
	}
}

// hasModel matches model against installed names, treating a missing tag as
// ":latest".
func hasModel(installed []string, model string) bool {
	want := model
	if !strings.Contains(want, ":") {
		want += ":latest"
	}
	for _, name := range installed {
		if name == model || name == want {
			return true
		}
	}
	return false
}

func ollamaStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr ollamaErrorResponse
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
