package term

import (
	"fmt"
	"testing"
)

func TestRingBufferKeepsMostRecent(t *testing.T) {
	r := newRingBuffer()
	for i := 0; i < 1010; i++ {
		r.Append([]byte(fmt.Sprintf("chunk-%d", i)))
	}
	if r.Len() != BufferCapacity {
		t.Fatalf("len = %d, want %d", r.Len(), BufferCapacity)
	}

	snap := r.Snapshot()
	if len(snap) != BufferCapacity {
		t.Fatalf("snapshot len = %d, want %d", len(snap), BufferCapacity)
	}
	// Appending chunks 0..1009 leaves 10..1009, oldest first.
	if got := string(snap[0]); got != "chunk-10" {
		t.Fatalf("oldest = %q, want chunk-10", got)
	}
	if got := string(snap[len(snap)-1]); got != "chunk-1009" {
		t.Fatalf("newest = %q, want chunk-1009", got)
	}
	for i := 1; i < len(snap); i++ {
		var prev, cur int
		fmt.Sscanf(string(snap[i-1]), "chunk-%d", &prev)
		fmt.Sscanf(string(snap[i]), "chunk-%d", &cur)
		if cur != prev+1 {
			t.Fatalf("order broken at %d: %q then %q", i, snap[i-1], snap[i])
		}
	}
}

func TestRingBufferUnderCapacity(t *testing.T) {
	r := newRingBuffer()
	r.Append([]byte("a"))
	r.Append([]byte("b"))
	snap := r.Snapshot()
	if len(snap) != 2 || string(snap[0]) != "a" || string(snap[1]) != "b" {
		t.Fatalf("snapshot = %v", snap)
	}
}

func TestRingBufferCopiesChunks(t *testing.T) {
	r := newRingBuffer()
	buf := []byte("hello")
	r.Append(buf)
	buf[0] = 'X'
	if got := string(r.Snapshot()[0]); got != "hello" {
		t.Fatalf("buffer aliases caller memory: %q", got)
	}
}

func TestRingBufferReset(t *testing.T) {
	r := newRingBuffer()
	r.Append([]byte("a"))
	r.Reset()
	if r.Len() != 0 || len(r.Snapshot()) != 0 {
		t.Fatal("reset did not clear buffer")
	}
}
