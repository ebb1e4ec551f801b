package bus

import (
	"container/heap"
	"time"

	"github.com/hiveworks/hived/pkg/models"
)

// delayedEntry is a message parked until its delivery deadline. seq breaks
// ties so messages with equal deadlines keep their enqueue order.
type delayedEntry struct {
	msg *models.Message
	at  time.Time
	seq uint64
}

// delayedQueue is a min-heap over (at, seq). Callers hold the bus lock.
type delayedQueue struct {
	entries delayedHeap
}

func (q *delayedQueue) Len() int { return q.entries.Len() }

func (q *delayedQueue) push(e delayedEntry) {
	heap.Push(&q.entries, e)
}

func (q *delayedQueue) peek() delayedEntry {
	return q.entries[0]
}

func (q *delayedQueue) pop() delayedEntry {
	return heap.Pop(&q.entries).(delayedEntry)
}

// removeFor drops every parked entry addressed to the agent.
func (q *delayedQueue) removeFor(agentID string) int {
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.msg.To == agentID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed > 0 {
		q.entries = kept
		heap.Init(&q.entries)
	}
	return removed
}

type delayedHeap []delayedEntry

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) { *h = append(*h, x.(delayedEntry)) }

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
