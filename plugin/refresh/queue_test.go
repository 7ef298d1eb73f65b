package refresh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnihub/omnihub/store"
)

func TestQueueDedupePerChannel(t *testing.T) {
	q := NewQueue(8)

	assert.True(t, q.Enqueue(&store.RefreshJob{ID: "j1", ChannelID: "ch1"}))
	assert.False(t, q.Enqueue(&store.RefreshJob{ID: "j2", ChannelID: "ch1"}), "second job for the same channel must be dropped")
	assert.True(t, q.Enqueue(&store.RefreshJob{ID: "j3", ChannelID: "ch2"}))

	job := <-q.Jobs()
	require.Equal(t, "j1", job.ID)

	// The slot frees only once the job is done, not at dequeue.
	assert.False(t, q.Enqueue(&store.RefreshJob{ID: "j4", ChannelID: "ch1"}))
	q.Done("ch1")
	assert.True(t, q.Enqueue(&store.RefreshJob{ID: "j5", ChannelID: "ch1"}))
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1)
	assert.True(t, q.Enqueue(&store.RefreshJob{ID: "j1", ChannelID: "ch1"}))
	assert.False(t, q.Enqueue(&store.RefreshJob{ID: "j2", ChannelID: "ch2"}))
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(4)
	require.True(t, q.Enqueue(&store.RefreshJob{ID: "j1", ChannelID: "ch1"}))
	q.Close()

	assert.False(t, q.Enqueue(&store.RefreshJob{ID: "j2", ChannelID: "ch2"}))

	// Queued work drains, then the channel closes.
	job, ok := <-q.Jobs()
	require.True(t, ok)
	assert.Equal(t, "j1", job.ID)
	_, ok = <-q.Jobs()
	assert.False(t, ok)
}
