package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/okets/my-agent-sub003/internal/observability"
	"github.com/rs/zerolog"
)

// Config configures the Monitor.
type Config struct {
	// DefaultInterval applies to plugins without an override or declared interval.
	DefaultInterval time.Duration
	// Overrides maps plugin id to a poll interval and wins over everything else.
	Overrides map[string]time.Duration
	// CheckTimeout bounds a single HealthCheck call.
	CheckTimeout time.Duration
	Logger       zerolog.Logger
}

type pluginEntry struct {
	plugin    Plugin
	interval  time.Duration
	mu        sync.Mutex
	status    Status
	checked   bool
	checkedAt time.Time
}

// Monitor polls registered plugins on independent timers and emits
// health_changed events on transitions only. It performs no recovery itself.
type Monitor struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	plugins map[string]*pluginEntry
	order   []string
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	handlerMu sync.RWMutex
	handlers  []EventHandler
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	return &Monitor{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "health").Logger(),
		plugins: make(map[string]*pluginEntry),
	}
}

// Register adds a plugin. Registering while the monitor runs performs the
// baseline check and starts the plugin's timer immediately.
func (m *Monitor) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin is required")
	}
	id := strings.TrimSpace(p.ID())
	if id == "" {
		return fmt.Errorf("plugin id is required")
	}

	entry := &pluginEntry{plugin: p, interval: m.resolveInterval(p)}

	m.mu.Lock()
	if _, exists := m.plugins[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	m.plugins[id] = entry
	m.order = append(m.order, id)
	running := m.running
	ctx := m.ctx
	if running {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if running {
		go func() {
			defer m.wg.Done()
			m.baseline(ctx, entry)
			m.pollLoop(ctx, entry)
		}()
	}
	return nil
}

// On registers a handler for health_changed events. Handlers run on the
// polling goroutine of the plugin that changed, so events for one plugin are
// delivered in order.
func (m *Monitor) On(handler EventHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Start runs a silent baseline check for every registered plugin, then starts
// each plugin's timer. Start returns once all baselines have completed.
func (m *Monitor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	entries := make([]*pluginEntry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.plugins[id])
	}
	runCtx := m.ctx
	m.mu.Unlock()

	var baselines sync.WaitGroup
	for _, entry := range entries {
		baselines.Add(1)
		go func(e *pluginEntry) {
			defer baselines.Done()
			m.baseline(runCtx, e)
		}(entry)
	}
	baselines.Wait()

	for _, entry := range entries {
		m.wg.Add(1)
		go func(e *pluginEntry) {
			defer m.wg.Done()
			m.pollLoop(runCtx, e)
		}(entry)
	}

	m.logger.Info().Int("plugins", len(entries)).Msg("Health monitor started")
}

// Stop cancels every plugin timer and waits for in-flight polls to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Health monitor stopped")
}

// Status returns the last observed status of a plugin.
func (m *Monitor) Status(id string) (Status, bool) {
	m.mu.RLock()
	entry, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.status, entry.checked
}

// Interval returns the resolved poll interval of a plugin.
func (m *Monitor) Interval(id string) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.plugins[id]
	if !ok {
		return 0, false
	}
	return entry.interval, true
}

// CheckNow polls a plugin immediately with normal transition semantics.
// A plugin that has never been checked gets a silent baseline instead.
func (m *Monitor) CheckNow(ctx context.Context, id string) (Status, error) {
	m.mu.RLock()
	entry, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("plugin %q is not registered", id)
	}

	entry.mu.Lock()
	checked := entry.checked
	entry.mu.Unlock()
	if !checked {
		return m.baseline(ctx, entry), nil
	}
	return m.poll(ctx, entry), nil
}

// Report records a status observed outside of polling, such as a failed
// call, with the same transition semantics as a poll. The next poll is
// compared against it.
func (m *Monitor) Report(id string, status Status) error {
	m.mu.RLock()
	entry, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %q is not registered", id)
	}
	m.record(entry, status)
	return nil
}

func (m *Monitor) resolveInterval(p Plugin) time.Duration {
	if d, ok := m.cfg.Overrides[p.ID()]; ok && d > 0 {
		return d
	}
	if pref, ok := p.(IntervalPreferrer); ok {
		if d := pref.HealthCheckInterval(); d > 0 {
			return d
		}
	}
	if m.cfg.DefaultInterval > 0 {
		return m.cfg.DefaultInterval
	}
	return FallbackInterval
}

func (m *Monitor) pollLoop(ctx context.Context, entry *pluginEntry) {
	ticker := time.NewTicker(entry.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx, entry)
		}
	}
}

func (m *Monitor) baseline(ctx context.Context, entry *pluginEntry) Status {
	status := m.check(ctx, entry.plugin)

	entry.mu.Lock()
	entry.status = status
	entry.checked = true
	entry.checkedAt = time.Now()
	entry.mu.Unlock()

	m.logger.Debug().
		Str("plugin", entry.plugin.ID()).
		Bool("healthy", status.Healthy).
		Msg("Baseline health check")
	return status
}

func (m *Monitor) poll(ctx context.Context, entry *pluginEntry) Status {
	status := m.check(ctx, entry.plugin)
	if ctx.Err() != nil {
		// a poll cut short by Stop says nothing about the plugin
		return status
	}
	m.record(entry, status)
	return status
}

// record stores status and emits an event when it is a transition.
func (m *Monitor) record(entry *pluginEntry, status Status) {
	entry.mu.Lock()
	previous := entry.status
	wasChecked := entry.checked
	entry.status = status
	entry.checked = true
	entry.checkedAt = time.Now()
	checkedAt := entry.checkedAt
	entry.mu.Unlock()

	if !wasChecked || !isTransition(previous, status) {
		return
	}

	event := Event{
		PluginID:   entry.plugin.ID(),
		PluginType: entry.plugin.Type(),
		Previous:   previous,
		Current:    status,
		CheckedAt:  checkedAt,
	}
	observability.RecordHealthTransition(event.PluginID, event.PluginType, status.Healthy)

	m.logger.Info().
		Str("plugin", event.PluginID).
		Str("type", event.PluginType).
		Bool("previous", previous.Healthy).
		Bool("current", status.Healthy).
		Str("message", status.Message).
		Msg("Plugin health changed")

	m.emit(event)
}

func (m *Monitor) check(ctx context.Context, p Plugin) (status Status) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			status = Unhealthy(fmt.Sprintf("health check panicked: %v", r), "")
		}
	}()
	return p.HealthCheck(checkCtx)
}

func (m *Monitor) emit(event Event) {
	m.handlerMu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlerMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
