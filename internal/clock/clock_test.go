package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"vodum/internal/clock"
)

func TestFake(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	c := clock.NewFake(start)

	assert.Equal(t, time.UTC, c.Now().Location())
	assert.True(t, start.Equal(c.Now()))

	next := c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second).UTC(), next)
	assert.Equal(t, next, c.Now())

	c.Set(start)
	assert.True(t, start.Equal(c.Now()))
}

func TestReal(t *testing.T) {
	now := clock.Real{}.Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, time.Now(), now, time.Second)
}
