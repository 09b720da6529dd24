// Package queue provides the heap used to order eviction candidates.
package queue

import "container/heap"

// Compile time check to ensure PriorityQueue satisfies the heap interface.
var _ heap.Interface = (*PriorityQueue)(nil)

// Item is an eviction candidate.
type Item struct {
	Key      string  // Key identifies the candidate inside its owner.
	Priority float64 // Priority orders the queue; lowest is evicted first.
	LastUsed int64   // LastUsed (unix nanos) breaks priority ties; older first.
	Size     int64   // Size is the number of bytes freed by evicting the candidate.
	Index    int     // Index is maintained by the heap.Interface methods.
}

// PriorityQueue is a min-heap of eviction candidates.
type PriorityQueue struct {
	Items []*Item
}

// New builds a heap from the given candidates.
func New(items []*Item) *PriorityQueue {
	pq := &PriorityQueue{Items: items}
	for i, it := range items {
		it.Index = i
	}
	heap.Init(pq)
	return pq
}

// Len returns the number of elements in the priority queue.
func (pq *PriorityQueue) Len() int { return len(pq.Items) }

// Less reports whether the element with index i should be evicted before the element with index j.
func (pq *PriorityQueue) Less(i, j int) bool {
	a, b := pq.Items[i], pq.Items[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.LastUsed != b.LastUsed {
		return a.LastUsed < b.LastUsed
	}
	return a.Key < b.Key
}

// Swap swaps the elements with indexes i and j.
func (pq *PriorityQueue) Swap(i, j int) {
	pq.Items[i], pq.Items[j] = pq.Items[j], pq.Items[i]
	pq.Items[i].Index, pq.Items[j].Index = i, j // Update indices
}

// Push adds x to the priority queue.
func (pq *PriorityQueue) Push(x any) {
	item, _ := x.(*Item)
	item.Index = len(pq.Items)
	pq.Items = append(pq.Items, item)
}

// Pop removes and returns the last element (use heap.Pop for the minimum).
func (pq *PriorityQueue) Pop() any {
	if len(pq.Items) == 0 {
		return nil
	}

	old := pq.Items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil       // Avoid memory leak
	item.Index = -1      // For safety
	pq.Items = old[:n-1] // Reslice without creating a new underlying array

	return item
}

// PopMin removes and returns the lowest-priority candidate, or nil if empty.
func (pq *PriorityQueue) PopMin() *Item {
	if pq.Len() == 0 {
		return nil
	}
	item, _ := heap.Pop(pq).(*Item)
	return item
}
