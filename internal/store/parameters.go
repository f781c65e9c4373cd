package store

import (
	"context"
	"sync"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/models"
	"go.uber.org/zap"
)

// ParametersCache serves the system parameters row, reading it again once
// the refresh interval has elapsed.
type ParametersCache struct {
	store   *Store
	refresh time.Duration

	mu      sync.Mutex
	params  *models.SystemParameters
	fetched time.Time
}

// NewParametersCache creates a cache over s.
func NewParametersCache(s *Store, refresh time.Duration) *ParametersCache {
	return &ParametersCache{store: s, refresh: refresh}
}

// Get returns the cached row, refreshing it when stale. A failed refresh
// keeps serving the previous row when there is one.
func (c *ParametersCache) Get(ctx context.Context) (*models.SystemParameters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.store.Now()
	if c.params != nil && now.Sub(c.fetched) < c.refresh {
		return c.params, nil
	}
	params, err := c.store.SystemParameters(ctx)
	if err != nil {
		if c.params != nil {
			c.store.logger.Warn("Keeping previous system parameters", zap.Error(err))
			return c.params, nil
		}
		return nil, err
	}
	c.params = params
	c.fetched = now
	if params.InternalDatabaseParallelCalls > 0 {
		c.store.SetParallelRequests(params.InternalDatabaseParallelCalls)
	}
	return params, nil
}

// Current returns the last row read, nil before the first Get.
func (c *ParametersCache) Current() *models.SystemParameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}
