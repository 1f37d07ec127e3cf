package term

// BufferCapacity is the number of output chunks retained per session for
// replay on reconnect. Older chunks are evicted first.
const BufferCapacity = 1000

// ringBuffer is a bounded chunk buffer. Not safe for concurrent use; the
// owning Session serializes access.
type ringBuffer struct {
	chunks [][]byte
	start  int
	count  int
}

func newRingBuffer() *ringBuffer {
	return &ringBuffer{chunks: make([][]byte, BufferCapacity)}
}

// Append stores a copy of chunk, evicting the oldest entry when full.
func (r *ringBuffer) Append(chunk []byte) {
	c := make([]byte, len(chunk))
	copy(c, chunk)
	if r.count < len(r.chunks) {
		r.chunks[(r.start+r.count)%len(r.chunks)] = c
		r.count++
		return
	}
	r.chunks[r.start] = c
	r.start = (r.start + 1) % len(r.chunks)
}

// Snapshot returns the retained chunks oldest-first.
func (r *ringBuffer) Snapshot() [][]byte {
	out := make([][]byte, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.chunks[(r.start+i)%len(r.chunks)])
	}
	return out
}

// Reset drops all retained chunks.
func (r *ringBuffer) Reset() {
	for i := range r.chunks {
		r.chunks[i] = nil
	}
	r.start = 0
	r.count = 0
}

// Len returns the number of retained chunks.
func (r *ringBuffer) Len() int {
	return r.count
}
