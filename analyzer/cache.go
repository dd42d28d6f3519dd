package analyzer

import (
	"sort"
	"sync"
	"time"
)

// ResourceInsights is the precomputed view of one resource produced by the
// learning loop. A stored record is never mutated; updates replace it whole.
type ResourceInsights struct {
	ResourceID string                       `json:"resource_id"`
	Trends     map[string]Trend             `json:"trends"`
	Forecasts  map[string]*CapacityForecast `json:"forecasts,omitempty"`
	Latest     map[string]float64           `json:"latest"`
	UpdatedAt  time.Time                    `json:"updated_at"`
}

// Cache holds the latest ResourceInsights per resource for hot-path readers.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]ResourceInsights
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string]ResourceInsights)}
}

// Put replaces the insights for a resource
func (c *Cache) Put(insights ResourceInsights) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[insights.ResourceID] = insights
}

// Merge stores insights for the metrics in refreshed and keeps the previous
// trend, forecast and latest value of every other metric. The merged record
// replaces the old one whole.
func (c *Cache) Merge(insights ResourceInsights, refreshed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.entries[insights.ResourceID]
	if !ok {
		c.entries[insights.ResourceID] = insights
		return
	}

	merged := ResourceInsights{
		ResourceID: insights.ResourceID,
		Trends:     make(map[string]Trend, len(prev.Trends)+len(insights.Trends)),
		Forecasts:  make(map[string]*CapacityForecast, len(prev.Forecasts)+len(insights.Forecasts)),
		Latest:     make(map[string]float64, len(prev.Latest)+len(insights.Latest)),
		UpdatedAt:  insights.UpdatedAt,
	}
	for k, v := range prev.Trends {
		merged.Trends[k] = v
	}
	for k, v := range prev.Forecasts {
		merged.Forecasts[k] = v
	}
	for k, v := range prev.Latest {
		merged.Latest[k] = v
	}
	for _, metric := range refreshed {
		delete(merged.Trends, metric)
		delete(merged.Forecasts, metric)
		delete(merged.Latest, metric)
	}
	for k, v := range insights.Trends {
		merged.Trends[k] = v
	}
	for k, v := range insights.Forecasts {
		merged.Forecasts[k] = v
	}
	for k, v := range insights.Latest {
		merged.Latest[k] = v
	}
	c.entries[insights.ResourceID] = merged
}

// Get returns the insights for a resource
func (c *Cache) Get(resourceID string) (ResourceInsights, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ins, ok := c.entries[resourceID]
	return ins, ok
}

// Delete drops a resource
func (c *Cache) Delete(resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, resourceID)
}

// ResourceIDs returns the cached resource ids in sorted order
func (c *Cache) ResourceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every cached record ordered by resource id
func (c *Cache) All() []ResourceInsights {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ResourceInsights, 0, len(c.entries))
	for _, ins := range c.entries {
		out = append(out, ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// Len returns the number of cached resources
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
