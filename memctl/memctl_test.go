package memctl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bsaid97/go-geoqc/memctl"
)

func TestController_NoPressureWhenLimitUnset(t *testing.T) {
	c := memctl.New(memctl.Thresholds{})
	assert.False(t, c.IsUnderPressure())
	assert.Equal(t, 120, c.OptimalBatchSize(100, 10)) // default growth factor 1.2
}

func TestController_OptimalBatchSizeGrowsWithoutPressure(t *testing.T) {
	c := memctl.New(memctl.Thresholds{GrowthFactor: 1.5})
	// MemoryLimitBytes is 0 so never under pressure; batch should grow.
	next := c.OptimalBatchSize(100, 10)
	assert.Equal(t, 150, next)
}

func TestController_OptimalBatchSizeUnderPressureHalvesAndFloors(t *testing.T) {
	c := memctl.New(memctl.Thresholds{PressureRatio: 0.0, MemoryLimitBytes: 1, GrowthFactor: 1.2})
	// With a 1-byte limit, heap usage always exceeds the ratio: permanently
	// under pressure.
	next := c.OptimalBatchSize(20, 8)
	assert.Equal(t, 10, next)
	next = c.OptimalBatchSize(10, 8)
	assert.Equal(t, 8, next)
}

func TestController_SubscribeReceivesTransition(t *testing.T) {
	c := memctl.New(memctl.Thresholds{PressureRatio: 0.0, MemoryLimitBytes: 1})
	events := c.Subscribe()
	c.IsUnderPressure()
	select {
	case ev := <-events:
		assert.True(t, ev.UnderPressure)
	default:
		t.Fatal("expected a pressure event on first transition")
	}
}

func TestReadHeapAllocMB_NonNegative(t *testing.T) {
	assert.GreaterOrEqual(t, memctl.ReadHeapAllocMB(), 0.0)
}
