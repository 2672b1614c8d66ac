package audio

// Chunking constants for the STT ingest path. The provider requires chunks of
// at least MinChunkBytes (~100 ms at 16 kHz/16-bit mono); the buffer is capped
// at MaxBufferBytes (~2 s) and drops oldest bytes on overflow.
const (
	MinChunkBytes  = 3200
	MaxBufferBytes = 64000
)

// ChunkBuffer accumulates PCM bytes and releases them in chunks of at least
// MinChunk. Not safe for concurrent use; each call session owns one.
type ChunkBuffer struct {
	buf      []byte
	minChunk int
	maxSize  int
}

// NewChunkBuffer creates a buffer with the given chunk floor and size cap.
// Non-positive arguments fall back to MinChunkBytes and MaxBufferBytes.
func NewChunkBuffer(minChunk, maxSize int) *ChunkBuffer {
	if minChunk <= 0 {
		minChunk = MinChunkBytes
	}
	if maxSize <= 0 {
		maxSize = MaxBufferBytes
	}
	return &ChunkBuffer{minChunk: minChunk, maxSize: maxSize}
}

// Write appends pcm to the buffer, dropping the oldest bytes if the cap is
// exceeded. Newest bytes are always retained.
func (b *ChunkBuffer) Write(pcm []byte) {
	b.buf = append(b.buf, pcm...)
	if over := len(b.buf) - b.maxSize; over > 0 {
		b.buf = b.buf[over:]
	}
}

// Take returns the buffered bytes if at least minChunk have accumulated, and
// resets the buffer. Returns nil while below the floor.
func (b *ChunkBuffer) Take() []byte {
	if len(b.buf) < b.minChunk {
		return nil
	}
	chunk := b.buf
	b.buf = nil
	return chunk
}

// Flush returns whatever is buffered regardless of the floor, and resets.
// Used when a stream stops mid-chunk.
func (b *ChunkBuffer) Flush() []byte {
	chunk := b.buf
	b.buf = nil
	return chunk
}

// Len returns the number of buffered bytes.
func (b *ChunkBuffer) Len() int { return len(b.buf) }
