package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/okets/my-agent-sub003/pkg/memory"
	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
		{"negative", -time.Second, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestPrintStatus(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	synced := now.Add(-90 * time.Second)

	var out bytes.Buffer
	printStatus(&out, statusReport{
		Status: memory.Status{
			Root:             "/notes",
			DBPath:           "/data/index.db",
			Files:            3,
			Chunks:           7,
			Vectors:          7,
			VectorDimensions: 768,
			Model:            "ollama/nomic-embed-text",
			LastFullSync:     &synced,
		},
		ConfiguredProvider: "ollama",
		Serving:            true,
		PID:                42,
		Uptime:             "1h0m0s",
	}, now)

	text := out.String()
	assert.Contains(t, text, "running (PID 42, up 1h0m0s)")
	assert.Contains(t, text, "Chunks:     7")
	assert.Contains(t, text, "ollama/nomic-embed-text (768 dimensions)")
	assert.Contains(t, text, "(1m30s ago)")

	out.Reset()
	printStatus(&out, statusReport{}, now)
	assert.Contains(t, out.String(), "none (keyword search only)")
	assert.Contains(t, out.String(), "Last sync:  never")
}
