package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	assert.Equal(t, start, c.Now())

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, c.Now().Sub(start))

	c.Advance(-time.Second)
	assert.Equal(t, 1500*time.Millisecond, c.Now().Sub(start), "clock never goes backwards")
}

func TestSystemIsMonotonic(t *testing.T) {
	c := System()
	a := c.Now()
	b := c.Now()
	assert.False(t, b.Before(a))
}
