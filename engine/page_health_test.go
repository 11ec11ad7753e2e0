package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPooledPage_Retirement(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("failures", func(t *testing.T) {
		pp := newPooledPage(nil, now)
		pp.record(false)
		pp.record(false)
		assert.False(t, pp.shouldRetire(now))
		pp.record(false)
		assert.True(t, pp.shouldRetire(now))
	})

	t.Run("success heals", func(t *testing.T) {
		pp := newPooledPage(nil, now)
		pp.record(false)
		pp.record(false)
		pp.record(true)
		pp.record(false)
		assert.Equal(t, 2.5, pp.errScore)
		assert.False(t, pp.shouldRetire(now))

		for i := 0; i < 10; i++ {
			pp.record(true)
		}
		assert.Zero(t, pp.errScore)
	})

	t.Run("uses", func(t *testing.T) {
		pp := newPooledPage(nil, now)
		for i := 0; i < retireUses-1; i++ {
			pp.record(true)
		}
		assert.False(t, pp.shouldRetire(now))
		pp.record(true)
		assert.True(t, pp.shouldRetire(now))
	})

	t.Run("age", func(t *testing.T) {
		pp := newPooledPage(nil, now)
		assert.False(t, pp.shouldRetire(now.Add(retireAge-time.Second)))
		assert.True(t, pp.shouldRetire(now.Add(retireAge)))
	})
}
