package agent

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferWraps(t *testing.T) {
	b := newRingBuffer(3)
	now := time.Now()
	for i := 1; i <= 5; i++ {
		b.add("line "+strconv.Itoa(i), now)
	}
	assert.Equal(t, 3, b.len())

	got := b.tail(0)
	assert.Equal(t, "line 3", got[0].Text)
	assert.Equal(t, "line 5", got[2].Text)

	got = b.tail(2)
	assert.Len(t, got, 2)
	assert.Equal(t, "line 4", got[0].Text)

	assert.Len(t, b.tail(10), 3)
}

func TestRingBufferResize(t *testing.T) {
	b := newRingBuffer(4)
	now := time.Now()
	for i := 1; i <= 4; i++ {
		b.add(strconv.Itoa(i), now)
	}

	b.resize(2)
	got := b.tail(0)
	assert.Len(t, got, 2)
	assert.Equal(t, "3", got[0].Text)

	b.resize(5)
	b.add("5", now)
	assert.Equal(t, 3, b.len())
	assert.Equal(t, "5", b.tail(1)[0].Text)

	b.clear()
	assert.Zero(t, b.len())
	assert.Empty(t, b.tail(0))
}
