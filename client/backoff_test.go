package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesUpToCeiling(t *testing.T) {
	bo := newBackoff(time.Second, 30*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, bo.next(), "attempt %d", i)
	}
}

func TestBackoff_Reset(t *testing.T) {
	bo := newBackoff(time.Second, 30*time.Second)
	bo.next()
	bo.next()
	bo.next()
	assert.Equal(t, 3, bo.attempts)

	bo.reset()
	assert.Equal(t, 0, bo.attempts)

	assert.Equal(t, time.Second, bo.next())
	assert.Equal(t, 2*time.Second, bo.next())
	assert.Equal(t, 2, bo.attempts)
}
