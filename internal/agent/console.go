package agent

import (
	"time"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

const defaultBufferLines = 1000

// ringBuffer keeps the most recent console lines.
type ringBuffer struct {
	lines []api.ConsoleLine
	start int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = defaultBufferLines
	}
	return &ringBuffer{lines: make([]api.ConsoleLine, capacity)}
}

func (b *ringBuffer) add(text string, now time.Time) {
	idx := (b.start + b.size) % len(b.lines)
	b.lines[idx] = api.ConsoleLine{Time: now.UTC(), Text: text}
	if b.size < len(b.lines) {
		b.size++
		return
	}
	b.start = (b.start + 1) % len(b.lines)
}

// tail returns up to n of the newest lines, oldest first. n <= 0 means all.
func (b *ringBuffer) tail(n int) []api.ConsoleLine {
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]api.ConsoleLine, 0, n)
	for i := b.size - n; i < b.size; i++ {
		out = append(out, b.lines[(b.start+i)%len(b.lines)])
	}
	return out
}

func (b *ringBuffer) clear() {
	b.start, b.size = 0, 0
}

func (b *ringBuffer) len() int { return b.size }

// resize keeps the newest lines that fit the new capacity.
func (b *ringBuffer) resize(capacity int) {
	if capacity <= 0 || capacity == len(b.lines) {
		return
	}
	kept := b.tail(capacity)
	b.lines = make([]api.ConsoleLine, capacity)
	copy(b.lines, kept)
	b.start, b.size = 0, len(kept)
}
