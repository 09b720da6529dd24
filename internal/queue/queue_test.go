package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityQueue_Order(t *testing.T) {
	pq := New([]*Item{
		{Key: "c", Priority: 0.9},
		{Key: "a", Priority: 0.1},
		{Key: "d", Priority: 0.5, LastUsed: 20},
		{Key: "b", Priority: 0.5, LastUsed: 10},
	})

	var keys []string
	for it := pq.PopMin(); it != nil; it = pq.PopMin() {
		keys = append(keys, it.Key)
	}
	assert.Equal(t, []string{"a", "b", "d", "c"}, keys)
}

func TestPriorityQueue_Empty(t *testing.T) {
	pq := New(nil)
	assert.Nil(t, pq.PopMin())
	assert.Nil(t, pq.Pop())
}
