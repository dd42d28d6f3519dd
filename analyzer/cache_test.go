package analyzer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCache_PutGetReplace(t *testing.T) {
	c := NewCache()

	_, ok := c.Get("vm-1")
	assert.False(t, ok)

	c.Put(ResourceInsights{ResourceID: "vm-2", Latest: map[string]float64{"cpu": 1}})
	c.Put(ResourceInsights{ResourceID: "vm-1", Latest: map[string]float64{"cpu": 10}})
	c.Put(ResourceInsights{ResourceID: "vm-1", Latest: map[string]float64{"cpu": 20}})

	ins, ok := c.Get("vm-1")
	assert.True(t, ok)
	assert.Equal(t, 20.0, ins.Latest["cpu"])
	assert.Equal(t, []string{"vm-1", "vm-2"}, c.ResourceIDs())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "vm-1", c.All()[0].ResourceID)

	c.Delete("vm-2")
	assert.Equal(t, 1, c.Len())
}

func TestCache_MergeKeepsUnrefreshedMetrics(t *testing.T) {
	c := NewCache()
	c.Merge(ResourceInsights{
		ResourceID: "vm-1",
		Trends:     map[string]Trend{"cpu": {Direction: TrendStable}, "memory": {Direction: TrendGrowing}},
		Forecasts:  map[string]*CapacityForecast{"cpu": {Metric: "cpu"}, "memory": {Metric: "memory"}},
		Latest:     map[string]float64{"cpu": 40, "memory": 70},
	}, []string{"cpu", "memory"})

	c.Merge(ResourceInsights{
		ResourceID: "vm-1",
		Trends:     map[string]Trend{"cpu": {Direction: TrendGrowing}},
		Forecasts:  map[string]*CapacityForecast{},
		Latest:     map[string]float64{"cpu": 55},
	}, []string{"cpu"})

	ins, ok := c.Get("vm-1")
	assert.True(t, ok)
	assert.Equal(t, TrendGrowing, ins.Trends["cpu"].Direction)
	assert.Equal(t, 55.0, ins.Latest["cpu"])
	_, hasCPUForecast := ins.Forecasts["cpu"]
	assert.False(t, hasCPUForecast, "a refreshed metric without a forecast drops the old one")

	assert.Equal(t, TrendGrowing, ins.Trends["memory"].Direction)
	assert.Equal(t, 70.0, ins.Latest["memory"])
	assert.NotNil(t, ins.Forecasts["memory"])
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Put(ResourceInsights{ResourceID: "vm-1", Latest: map[string]float64{"cpu": float64(j)}})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if ins, ok := c.Get("vm-1"); ok {
					_ = ins.Latest["cpu"]
				}
			}
		}()
	}
	wg.Wait()

	_, ok := c.Get("vm-1")
	assert.True(t, ok)
}
