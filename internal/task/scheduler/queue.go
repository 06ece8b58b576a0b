package scheduler

import (
	"container/heap"
	"time"
)

// item is one queued dispatch. Items are never removed in place; stale ones
// (superseded generation, cancelled task, moved due time) are skipped when
// they reach the head.
type item struct {
	id     string
	gen    uint64
	at     time.Time
	seq    uint64
	forced bool
}

// runQueue orders by due time, then insertion order.
type runQueue []*item

func (q runQueue) Len() int { return len(q) }

func (q runQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q runQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *runQueue) Push(x any) { *q = append(*q, x.(*item)) }

func (q *runQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

func (q *runQueue) push(it *item) { heap.Push(q, it) }

func (q *runQueue) pop() *item { return heap.Pop(q).(*item) }

func (q runQueue) peek() *item {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
