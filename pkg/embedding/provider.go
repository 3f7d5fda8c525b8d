// Package embedding defines the embedding provider capability, the registry
// that tracks which provider is active, intended and degraded, and the
// concrete providers.
package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/okets/my-agent-sub003/pkg/health"
)

// PluginType is the health plugin type reported by every provider.
const PluginType = "embedding"

var (
	// ErrProviderNotFound is returned for an unknown provider id.
	ErrProviderNotFound = errors.New("embedding provider not found")
	// ErrNotReady is returned by Embed/EmbedBatch before Initialize succeeded.
	ErrNotReady = errors.New("embedding provider not ready")
)

// ProgressFunc reports model download progress. total is -1 when unknown.
type ProgressFunc func(downloaded, total int64)

// Provider turns text into unit-length vectors.
type Provider interface {
	health.Plugin

	Name() string
	Model() string
	// Dimensions is 0 until Initialize has succeeded.
	Dimensions() int
	IsReady() bool
	// Initialize is idempotent: calling it on a ready provider is a no-op.
	Initialize(ctx context.Context, progress ProgressFunc) error
	Cleanup() error
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Configurable is implemented by providers with user-editable settings.
type Configurable interface {
	Configure(settings map[string]any) error
	Settings() map[string]any
}

// DimensionHinter accepts the dimensionality already recorded for the
// provider's model so Initialize can skip its test embedding.
type DimensionHinter interface {
	SetDimensionHint(dims int)
}

// Downloader is implemented by providers backed by a local model file.
type Downloader interface {
	NeedsDownload() bool
	GetDownloadSize(ctx context.Context) (int64, error)
	DeleteModel() error
}

// DegradedState describes why the active provider was taken out of service.
type DegradedState struct {
	ProviderID   string    `json:"provider_id"`
	ProviderName string    `json:"provider_name"`
	Model        string    `json:"model,omitempty"`
	Message      string    `json:"message"`
	Resolution   string    `json:"resolution,omitempty"`
	Since        time.Time `json:"since"`
}

// DegradedFunc is invoked by a remote provider after a call failed twice.
type DegradedFunc func(state DegradedState)
