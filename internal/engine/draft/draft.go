// Package draft holds the per-tier draft-token buffer used for speculative
// decoding.
//
// A tier's draft buffer carries the upstream tier's best current hypothesis.
// How an update lands depends on the upstream tier's windowing mode: a
// continuous upstream replaces the whole buffer (its tokens cover the entire
// trailing window and supersede any earlier draft), while a chunked upstream
// appends, with header special tokens stripped from the head of each new
// chunk so the buffer reads as one contiguous token stream. The very first
// appended chunk keeps its header so the buffer always begins with the
// start-of-transcript marker.
package draft

import (
	"sync"

	"github.com/elvirab/echelon/pkg/asr"
)

// Buffer is a draft-token buffer. It is written by the orchestrator and read
// by the owning tier; a mutex keeps the two sides consistent.
type Buffer struct {
	mu     sync.Mutex
	tokens []asr.Token
	seeded bool
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Replace overwrites the buffer with tokens. Used when the upstream tier is
// continuous.
func (b *Buffer) Replace(tokens []asr.Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = append(b.tokens[:0], tokens...)
	if len(tokens) > 0 {
		b.seeded = true
	}
}

// Append extends the buffer with a new chunk. Used when the upstream tier is
// chunked. Header tokens (special but not timestamp) are stripped from the
// head of the chunk — except for the first chunk after a clear, whose header
// becomes the buffer's leading start-of-transcript marker. Timestamp tokens
// are content and always survive.
func (b *Buffer) Append(chunk []asr.Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seeded {
		i := 0
		for i < len(chunk) && asr.IsHeader(chunk[i]) {
			i++
		}
		chunk = chunk[i:]
	} else if len(chunk) > 0 {
		b.seeded = true
	}
	b.tokens = append(b.tokens, chunk...)
}

// Take returns a snapshot of the buffered tokens, or nil when empty.
func (b *Buffer) Take() []asr.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tokens) == 0 {
		return nil
	}
	return append([]asr.Token(nil), b.tokens...)
}

// Len returns the number of buffered tokens.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens)
}

// Clear empties the buffer. The next Append seeds a fresh buffer and keeps
// its header again.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.tokens[:0]
	b.seeded = false
}
