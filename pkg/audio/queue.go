package audio

import (
	"sync"
)

// frameQueue is the ordered sequence of pending playback buffers. Frames are
// appended at the tail tagged with a turn generation and consumed from the
// head; frames whose generation is not current are dropped rather than
// queued, which is what makes barge-in flushes race-free against late server
// audio.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	gen    uint64
	bytes  int
}

// Push appends a frame tagged with gen. It reports whether the frame was
// accepted; frames from a superseded generation are discarded.
func (q *frameQueue) Push(gen uint64, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	q.frames = append(q.frames, buf)
	q.bytes += len(buf)
	return true
}

// Pull copies up to max bytes from the head of the queue into a new buffer,
// consuming whole or partial frames in FIFO order. It returns nil when the
// queue is empty.
func (q *frameQueue) Pull(max int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.bytes == 0 || max <= 0 {
		return nil
	}
	n := max
	if n > q.bytes {
		n = q.bytes
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		head := q.frames[0]
		take := n - len(out)
		if take >= len(head) {
			out = append(out, head...)
			q.frames = q.frames[1:]
		} else {
			out = append(out, head[:take]...)
			q.frames[0] = head[take:]
		}
	}
	q.bytes -= len(out)
	return out
}

// Flush empties the queue and advances the current generation to gen; any
// in-flight Push tagged with the old generation will be dropped.
func (q *frameQueue) Flush(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = nil
	q.bytes = 0
	q.gen = gen
}

// Buffered returns the number of pending bytes.
func (q *frameQueue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Generation returns the current turn generation.
func (q *frameQueue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}
