package health

import (
	"context"
	"errors"
	"time"
)

// EventHealthChanged is the only event type emitted by the Monitor.
const EventHealthChanged = "health_changed"

// FallbackInterval is used when neither configuration nor the plugin declares an interval.
const FallbackInterval = 60 * time.Second

// ErrAlreadyRegistered is returned when a plugin id is registered twice.
var ErrAlreadyRegistered = errors.New("plugin already registered")

// Status is the structured result of a health check.
// A failing check is reported through Status, never through a panic or error.
type Status struct {
	Healthy    bool   `json:"healthy"`
	Message    string `json:"message,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Healthy returns a healthy status.
func Healthy() Status {
	return Status{Healthy: true}
}

// Unhealthy returns a failing status with a message and remediation hint.
func Unhealthy(message, resolution string) Status {
	return Status{Healthy: false, Message: message, Resolution: resolution}
}

// Plugin is the capability the Monitor polls. Embedding providers implement it,
// and so can any other pluggable subsystem (messaging channels, ...).
type Plugin interface {
	ID() string
	Type() string
	HealthCheck(ctx context.Context) Status
}

// IntervalPreferrer is implemented by plugins that declare their own poll interval.
type IntervalPreferrer interface {
	HealthCheckInterval() time.Duration
}

// Event is emitted on a health transition.
type Event struct {
	PluginID   string    `json:"plugin_id"`
	PluginType string    `json:"plugin_type"`
	Previous   Status    `json:"previous"`
	Current    Status    `json:"current"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Recovered reports an unhealthy -> healthy transition.
func (e Event) Recovered() bool {
	return !e.Previous.Healthy && e.Current.Healthy
}

// Failed reports a healthy -> unhealthy transition.
func (e Event) Failed() bool {
	return e.Previous.Healthy && !e.Current.Healthy
}

// EventHandler handles health events.
type EventHandler func(event Event)

// isTransition decides whether moving from prev to cur should be reported.
// Healthy->healthy and identical unhealthy polls are silent.
func isTransition(prev, cur Status) bool {
	if prev.Healthy != cur.Healthy {
		return true
	}
	if cur.Healthy {
		return false
	}
	return prev.Message != cur.Message || prev.Resolution != cur.Resolution
}
