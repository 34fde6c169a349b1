package queue

import "container/heap"

var _ heap.Interface = (*taskHeap)(nil)

type item struct {
	task Task
	// seq orders equal priorities: front tasks get decreasing negative
	// numbers (LIFO, ahead of the rest), others increasing positive ones (FIFO).
	seq int64
}

// taskHeap is a max-heap on priority, then a min-heap on seq.
type taskHeap []item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}
