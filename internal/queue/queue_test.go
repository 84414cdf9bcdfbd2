package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue(t *testing.T) {
	assert := assert.New(t)

	t.Run("Empty Queue", func(t *testing.T) {
		q := New[string](1)
		assert.True(q.IsEmpty())
		assert.Equal(0, q.Length())

		_, ok := q.Dequeue()
		assert.False(ok)
		_, ok = q.Peek()
		assert.False(ok)
	})

	t.Run("FIFO order", func(t *testing.T) {
		q := New[string](2)
		q.Enqueue("STS 2", "STS 1")
		q.Enqueue("STS 0")
		assert.Equal(3, q.Length())

		head, ok := q.Peek()
		assert.True(ok)
		assert.Equal("STS 2", head)
		assert.Equal(3, q.Length())

		for _, want := range []string{"STS 2", "STS 1", "STS 0"} {
			got, ok := q.Dequeue()
			assert.True(ok)
			assert.Equal(want, got)
		}
		assert.True(q.IsEmpty())
	})

	t.Run("Reset", func(t *testing.T) {
		q := New[int](0)
		q.Enqueue(1, 2, 3)
		q.Reset()
		assert.True(q.IsEmpty())
		q.Enqueue(4)
		v, _ := q.Dequeue()
		assert.Equal(4, v)
	})
}
