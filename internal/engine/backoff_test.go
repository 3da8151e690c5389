package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wastesync/internal/config"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := config.SweeperConfig{BackoffBase: time.Second, BackoffMultiplier: 2, MaxBackoff: 10 * time.Second}
	assert.Equal(t, time.Second, backoff(cfg, 1))
	assert.Equal(t, 2*time.Second, backoff(cfg, 2))
	assert.Equal(t, 8*time.Second, backoff(cfg, 4))
	assert.Equal(t, 10*time.Second, backoff(cfg, 5))
	assert.Equal(t, 10*time.Second, backoff(cfg, 50))
}

func TestEnsureTransition(t *testing.T) {
	k := config.KindConfig{Statuses: []string{"Pending", "InProgress", "Resolved"}}
	assert.NoError(t, ensureTransition(k, "Pending", "InProgress", false))
	assert.Error(t, ensureTransition(k, "Pending", "Resolved", false))
	assert.Error(t, ensureTransition(k, "Resolved", "Pending", false))
	assert.NoError(t, ensureTransition(k, "Resolved", "Pending", true))
	assert.Error(t, ensureTransition(k, "Unknown", "Pending", false))
}
