package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptimizedID(t *testing.T) {
	id := OptimizedID("momentumScalp", 3)
	assert.Equal(t, ID("momentumScalp_optimized_v3"), id)
	assert.True(t, id.IsOptimized())
	assert.Equal(t, ID("momentumScalp"), id.Base())
	assert.Equal(t, 3, id.Version())

	// Re-optimizing a variant names a sibling, not a grandchild.
	assert.Equal(t, ID("momentumScalp_optimized_v4"), OptimizedID(id, 4))
}

func TestID_NotOptimized(t *testing.T) {
	for _, id := range []ID{"trendFollower", "x_optimized_v", "x_optimized_vabc", "_optimized_v2", "x_optimized_v0"} {
		assert.False(t, id.IsOptimized(), string(id))
		assert.Equal(t, id, id.Base())
		assert.Equal(t, 0, id.Version())
	}
}
