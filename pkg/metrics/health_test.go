package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthAggregation(t *testing.T) {
	// Shared checker state: reset by overwriting the same component names.
	RegisterComponent("board", true, "")
	RegisterComponent("ledger", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Components["board"])

	SetComponentHealth("board", false, "connection refused")
	health = GetHealth()
	assert.Equal(t, "degraded", health.Status)
	assert.Contains(t, health.Components["board"], "connection refused")

	SetComponentHealth("ledger", false, "disk full")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)

	SetComponentHealth("board", true, "")
	SetComponentHealth("ledger", true, "")
	health = GetHealth()
	assert.Equal(t, "healthy", health.Status)
}

func TestHealthVersionAndUptime(t *testing.T) {
	SetVersion("1.2.3")
	health := GetHealth()
	assert.Equal(t, "1.2.3", health.Version)
	assert.NotEmpty(t, health.Uptime)
	assert.GreaterOrEqual(t, Uptime().Nanoseconds(), int64(0))
}
