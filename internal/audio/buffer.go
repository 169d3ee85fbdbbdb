// Package audio holds the local playback buffer. Synthesized audio is
// queued here on its way to the device; an interruption discards the
// queue instead of draining it, so an injected answer is never stuck
// behind stale speech.
package audio

import "sync"

// Buffer is an unbounded FIFO of audio chunks.
type Buffer struct {
	mu        sync.Mutex
	chunks    [][]byte
	bytes     int
	enqueued  int64
	discarded int64
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Enqueue appends one chunk. The chunk is not copied; callers must not
// reuse the slice.
func (b *Buffer) Enqueue(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	b.bytes += len(chunk)
	b.enqueued++
}

// Next pops the oldest chunk, reporting false when the buffer is empty.
func (b *Buffer) Next() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return nil, false
	}
	chunk := b.chunks[0]
	b.chunks = b.chunks[1:]
	b.bytes -= len(chunk)
	return chunk, true
}

// Discard drops every buffered chunk and returns how many were dropped.
func (b *Buffer) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := len(b.chunks)
	b.chunks = nil
	b.bytes = 0
	b.discarded += int64(dropped)
	return dropped
}

// Len returns the number of buffered chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Bytes returns the buffered payload size.
func (b *Buffer) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// Stats reports lifetime counters.
type Stats struct {
	Enqueued  int64
	Discarded int64
}

// Stats returns lifetime enqueue/discard counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Enqueued: b.enqueued, Discarded: b.discarded}
}
