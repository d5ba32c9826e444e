// Package candidate buffers remote ICE candidates that arrive before the
// remote session description has been applied.
package candidate

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

// Queue is a FIFO of pending remote candidates. It is safe for concurrent
// use; one queue belongs to one call.
type Queue struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
}

func New() *Queue {
	return &Queue{}
}

// Enqueue appends c in arrival order.
func (q *Queue) Enqueue(c webrtc.ICECandidateInit) {
	q.mu.Lock()
	q.pending = append(q.pending, c)
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Reset discards every pending candidate.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

// Drain applies pending candidates in arrival order. Each candidate is
// removed before it is applied, so a candidate that fails is dropped
// without blocking the ones behind it. Candidates enqueued while draining
// are applied in the same call.
func (q *Queue) Drain(apply func(webrtc.ICECandidateInit) error) (applied, failed int) {
	for {
		c, ok := q.pop()
		if !ok {
			return applied, failed
		}
		if err := apply(c); err != nil {
			failed++
			util.Stats.AddCandidateFailed()
			util.LogWarning("dropping queued ICE candidate %q: %v", c.Candidate, err)
			continue
		}
		applied++
		util.Stats.AddCandidate()
	}
}

func (q *Queue) pop() (webrtc.ICECandidateInit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return webrtc.ICECandidateInit{}, false
	}
	c := q.pending[0]
	q.pending[0] = webrtc.ICECandidateInit{}
	q.pending = q.pending[1:]
	return c, true
}
