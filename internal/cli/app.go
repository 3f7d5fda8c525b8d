package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/okets/my-agent-sub003/internal/config"
	"github.com/okets/my-agent-sub003/internal/logger"
	"github.com/okets/my-agent-sub003/pkg/embedding"
	"github.com/okets/my-agent-sub003/pkg/health"
	"github.com/okets/my-agent-sub003/pkg/memory"
	"github.com/rs/zerolog"
)

// app bundles what every command needs: configuration, the process logger
// and an open engine.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	monitor *health.Monitor
	engine  *memory.Engine
}

type appOptions struct {
	// fileLog also writes to the configured log file. One-off commands log
	// to the console only.
	fileLog bool
	// monitor attaches a health monitor to the engine.
	monitor bool
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, fileLog bool) (*logger.Logger, error) {
	logCfg := logger.Config{
		Level:     cfg.Logging.Level,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	}
	if fileLog {
		logCfg.File = cfg.Logging.File
		if err := os.MkdirAll(filepath.Dir(logCfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	return logger.New(logCfg)
}

// buildRegistry registers every provider kind. Only the configured one is
// activated and health-checked; the others stay available for the providers
// command.
func buildRegistry(cfg *config.Config, log zerolog.Logger) (*embedding.Registry, error) {
	registry := embedding.NewRegistry(log)

	providers := []embedding.Provider{
		embedding.NewLocalProvider(embedding.LocalConfig{
			ModelsDir:   cfg.Embedding.Local.ModelsDir,
			Model:       cfg.Embedding.Local.Model,
			DownloadURL: cfg.Embedding.Local.DownloadURL,
			Logger:      log,
		}),
		embedding.NewOllamaProvider(embedding.OllamaConfig{
			Host:   cfg.Embedding.Ollama.Host,
			Model:  cfg.Embedding.Ollama.Model,
			Logger: log,
		}),
		embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			BaseURL: cfg.Embedding.OpenAI.BaseURL,
			APIKey:  cfg.Embedding.OpenAI.APIKey,
			Model:   cfg.Embedding.OpenAI.Model,
			Logger:  log,
		}),
	}
	for _, p := range providers {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newMonitor(cfg *config.Config, log zerolog.Logger) *health.Monitor {
	return health.NewMonitor(health.Config{
		DefaultInterval: cfg.HealthInterval(),
		Overrides:       cfg.HealthOverrides(),
		CheckTimeout:    cfg.HealthTimeout(),
		Logger:          log,
	})
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	l, err := newLogger(cfg, opts.fileLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	registry, err := buildRegistry(cfg, l.Component("embedding"))
	if err != nil {
		l.Close()
		return nil, err
	}

	var monitor *health.Monitor
	if opts.monitor {
		monitor = newMonitor(cfg, l.GetZerolog())
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Memory.DBPath), 0o755); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	engine, err := memory.Open(ctx, memory.EngineConfig{
		Root:              cfg.NotebookPath,
		DBPath:            cfg.Memory.DBPath,
		ChunkMaxSize:      cfg.Memory.ChunkMaxSize,
		ChunkOverlap:      cfg.Memory.ChunkOverlap,
		Debounce:          cfg.Debounce(),
		ReconcileSchedule: cfg.Memory.ReconcileSchedule,
		MaxResults:        cfg.Memory.MaxResults,
		MinScore:          cfg.Memory.MinScore,
		MinSimilarity:     cfg.Memory.MinSimilarity,
		RRFK:              cfg.Memory.RRFK,
		QueryCacheSize:    cfg.Memory.QueryCacheSize,
		QueryCacheTTL:     cfg.QueryCacheTTL(),
		Registry:          registry,
		Monitor:           monitor,
		Logger:            l.GetZerolog(),
	})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	return &app{cfg: cfg, log: l, monitor: monitor, engine: engine}, nil
}

// activate brings up the configured provider. A failure leaves the engine
// degraded and searching by keyword; it is logged, not returned.
func (a *app) activate(ctx context.Context) {
	id := a.cfg.Embedding.Provider
	if id == config.ProviderNone {
		return
	}

	progress := func(downloaded, total int64) {
		a.log.Debug().
			Str("provider", id).
			Int64("downloaded", downloaded).
			Int64("total", total).
			Msg("Downloading embedding model")
	}
	if err := a.engine.ActivateProvider(ctx, id, progress); err != nil {
		ev := a.log.Warn().Err(err).Str("provider", id)
		if d, ok := a.engine.Registry().Degraded(); ok && d.Resolution != "" {
			ev = ev.Str("resolution", d.Resolution)
		}
		ev.Msg("Embedding provider unavailable, using keyword search")
	}
}

func (a *app) close() error {
	err := a.engine.Close()
	if closeErr := a.log.Close(); err == nil {
		err = closeErr
	}
	return err
}
