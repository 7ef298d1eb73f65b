package refresh

import (
	"sync"

	"github.com/omnihub/omnihub/plugin/metrics"
	"github.com/omnihub/omnihub/store"
)

const defaultQueueCapacity = 256

// Queue is the in-memory refresh work queue. At most one job per
// channel is queued at a time; a second enqueue for the same channel is
// dropped as a duplicate.
type Queue struct {
	mu     sync.Mutex
	queued map[string]bool
	jobs   chan *store.RefreshJob
	closed bool
}

// NewQueue creates a queue with the given capacity (0 uses the default).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Queue{
		queued: make(map[string]bool),
		jobs:   make(chan *store.RefreshJob, capacity),
	}
}

// Enqueue adds a job unless one is already queued or running for the
// same channel, or the queue is full. Returns whether the job was taken.
func (q *Queue) Enqueue(job *store.RefreshJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.queued[job.ChannelID] {
		return false
	}
	select {
	case q.jobs <- job:
		q.queued[job.ChannelID] = true
		metrics.RefreshQueueDepth.Inc()
		return true
	default:
		return false
	}
}

// Jobs returns the receive channel workers consume from.
func (q *Queue) Jobs() <-chan *store.RefreshJob {
	return q.jobs
}

// Done releases the channel's dedupe slot once its job has finished.
func (q *Queue) Done(channelID string) {
	q.mu.Lock()
	delete(q.queued, channelID)
	q.mu.Unlock()
	metrics.RefreshQueueDepth.Dec()
}

// Close stops accepting jobs and closes the channel once drained by
// workers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}
