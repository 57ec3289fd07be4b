package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/opeva/pkg/clock"
	"github.com/cuemby/opeva/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(0, 0))
	q, err := New(t.TempDir(), 15*time.Second, fake)
	require.NoError(t, err)
	return q, fake
}

func TestEnqueueClaim_RoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.Enqueue(types.QueueEntry{JobID: "job-1", PreferredHost: "remote1", RequireHost: true}))

	entry, ok, err := q.Claim("remote1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", entry.JobID)

	// Gone from the pool now.
	n, err := q.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClaim_EmptyQueueReturnsFalse(t *testing.T) {
	q, _ := newTestQueue(t)
	_, ok, err := q.Claim("anyone")
	require.NoError(t, err)
	assert.False(t, ok)
}

// P2: an entry with require_host=true, preferred_host=H is never
// returned to a worker W != H, and stays in the queue.
func TestClaim_AffinityMismatchReleasesEntry(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.Enqueue(types.QueueEntry{JobID: "job-1", PreferredHost: "remote1", RequireHost: true}))

	_, ok, err := q.Claim("other")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, ok, err := q.Claim("remote1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", entry.JobID)
}

// P4: at most one queue entry per job_id survives any mix of
// enqueue/remove.
func TestEnqueue_OverwritesPriorEntry(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.Enqueue(types.QueueEntry{JobID: "job-1", PreferredHost: "a"}))
	require.NoError(t, q.Enqueue(types.QueueEntry{JobID: "job-1", PreferredHost: "b"}))

	n, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, ok, err := q.Claim("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", entry.PreferredHost)
}

func TestRemove_IsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.Remove("never-existed"))
	require.NoError(t, q.Enqueue(types.QueueEntry{JobID: "job-1"}))
	require.NoError(t, q.Remove("job-1"))
	require.NoError(t, q.Remove("job-1"))
}

// P7: a claim file older than the TTL is returned to the pool on the
// next Claim call, regardless of which worker created it.
func TestClaim_RecoversStaleClaimFromAnotherWorker(t *testing.T) {
	q, fake := newTestQueue(t)
	require.NoError(t, q.Enqueue(types.QueueEntry{JobID: "job-1"}))

	entry, ok, err := q.Claim("worker-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", entry.JobID)

	// Simulate worker-a crashing between rename and delete: the real
	// claim file was already deleted by Claim(), so recreate it by
	// hand to model the crash window, then age it past the TTL.
	claimPath := filepath.Join(q.dir, "job-1.json.claim.worker-a")
	raw := []byte(`{"job_id":"job-1"}`)
	require.NoError(t, os.WriteFile(claimPath, raw, 0o644))
	old := fake.Now().Add(-1 * time.Minute)
	require.NoError(t, os.Chtimes(claimPath, old, old))

	entry, ok, err = q.Claim("worker-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", entry.JobID)
}

// P1: across N workers claiming from a queue of M entries, the union
// of claimed job_ids contains each entry exactly once.
func TestClaim_ConcurrentWorkersClaimEachEntryOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	const numEntries = 50
	for i := 0; i < numEntries; i++ {
		require.NoError(t, q.Enqueue(types.QueueEntry{JobID: fmt.Sprintf("job-%d", i)}))
	}

	const numWorkers = 8
	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				entry, ok, err := q.Claim(fmt.Sprintf("worker-%d", worker))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				claimed[entry.JobID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, numEntries)
	for id, count := range claimed {
		assert.Equalf(t, 1, count, "job %s claimed %d times", id, count)
	}
}
