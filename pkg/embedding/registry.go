package embedding

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/okets/my-agent-sub003/internal/observability"
	"github.com/rs/zerolog"
)

// State is a snapshot of the registry state machine.
type State struct {
	ActiveID   string         `json:"active_id,omitempty"`
	IntendedID string         `json:"intended_id,omitempty"`
	Degraded   *DegradedState `json:"degraded,omitempty"`
}

// Registry holds the known providers and the active/intended/degraded state.
// State changes only through SetActive, SetIntended and SetDegraded; while
// degraded there is never an active provider.
type Registry struct {
	logger zerolog.Logger

	mu         sync.RWMutex
	providers  map[string]Provider
	activeID   string
	intendedID string
	degraded   *DegradedState
}

// NewRegistry constructs an empty provider registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:    logger.With().Str("component", "embedding_registry").Logger(),
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is required")
	}

	id := strings.TrimSpace(p.ID())
	if id == "" {
		return fmt.Errorf("provider id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.providers[id] = p
	return nil
}

// Get returns a registered provider.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	return p, nil
}

// List returns providers sorted by id.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Active returns the active provider, or nil.
func (r *Registry) Active() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.activeID == "" {
		return nil
	}
	return r.providers[r.activeID]
}

// ActiveReady returns the active provider only if it is ready to embed.
func (r *Registry) ActiveReady() Provider {
	p := r.Active()
	if p == nil || !p.IsReady() {
		return nil
	}
	return p
}

func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

func (r *Registry) IntendedID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.intendedID
}

// IsDegraded reports whether the intended provider is out of service.
func (r *Registry) IsDegraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded != nil
}

// Degraded returns the current degraded state.
func (r *Registry) Degraded() (DegradedState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.degraded == nil {
		return DegradedState{}, false
	}
	return *r.degraded, true
}

// Snapshot returns the registry state.
func (r *Registry) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := State{ActiveID: r.activeID, IntendedID: r.intendedID}
	if r.degraded != nil {
		d := *r.degraded
		s.Degraded = &d
	}
	return s
}

// SetActive makes id the active provider, records it as intended and clears
// any degraded state. An empty id deactivates. The previously active
// provider is cleaned up when it differs from the new one. Callers initialize
// the new provider themselves.
func (r *Registry) SetActive(id string) error {
	id = strings.TrimSpace(id)

	r.mu.Lock()
	if id != "" {
		if _, ok := r.providers[id]; !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrProviderNotFound, id)
		}
	}

	var previous Provider
	if r.activeID != "" && r.activeID != id {
		previous = r.providers[r.activeID]
	}
	wasDegraded := r.degraded
	r.activeID = id
	r.intendedID = id
	r.degraded = nil
	r.mu.Unlock()

	if wasDegraded != nil {
		observability.SetProviderDegraded(wasDegraded.ProviderID, false)
	}

	if previous != nil {
		if err := previous.Cleanup(); err != nil {
			r.logger.Warn().Err(err).Str("provider", previous.ID()).Msg("Failed to clean up previous provider")
		}
	}

	r.logger.Info().Str("provider", id).Msg("Active embedding provider set")
	return nil
}

// SetIntended records the user's choice without activating it. Used when
// initialization is what fails.
func (r *Registry) SetIntended(id string) error {
	id = strings.TrimSpace(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		if _, ok := r.providers[id]; !ok {
			return fmt.Errorf("%w: %q", ErrProviderNotFound, id)
		}
	}
	r.intendedID = id
	return nil
}

// SetDegraded takes the active provider out of service. The intended
// provider is kept so recovery can reactivate it.
func (r *Registry) SetDegraded(state DegradedState) {
	if state.Since.IsZero() {
		state.Since = time.Now()
	}

	r.mu.Lock()
	if state.ProviderID == "" {
		state.ProviderID = r.intendedID
		if r.activeID != "" {
			state.ProviderID = r.activeID
		}
	}
	if r.intendedID == "" {
		r.intendedID = state.ProviderID
	}
	if p, ok := r.providers[state.ProviderID]; ok {
		if state.ProviderName == "" {
			state.ProviderName = p.Name()
		}
		if state.Model == "" {
			state.Model = p.Model()
		}
	}
	r.activeID = ""
	r.degraded = &state
	r.mu.Unlock()

	observability.SetProviderDegraded(state.ProviderID, true)
	r.logger.Warn().
		Str("provider", state.ProviderID).
		Str("message", state.Message).
		Str("resolution", state.Resolution).
		Msg("Embedding provider degraded")
}

// DegradeCallback returns a DegradedFunc that only degrades the registry when
// the failing provider is the one currently active.
func (r *Registry) DegradeCallback() DegradedFunc {
	return func(state DegradedState) {
		if r.ActiveID() != state.ProviderID {
			return
		}
		r.SetDegraded(state)
	}
}
