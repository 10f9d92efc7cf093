package queue

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testItem struct {
	value int
}

func TestQueueEnqueueDequeue(t *testing.T) {
	q := NewQueue("test", reflect.TypeOf(testItem{}), 10)
	assert.Equal(t, "test", q.GetName())
	assert.Equal(t, reflect.TypeOf(testItem{}), q.GetItemType())

	for i := 0; i < 5; i++ {
		err := q.Enqueue(&testItem{value: i})
		assert.NoError(t, err)
	}
	assert.Equal(t, 5, q.Length())

	for i := 0; i < 5; i++ {
		item, err := q.Dequeue(1 * time.Second)
		assert.NoError(t, err)
		assert.Equal(t, i, item.(*testItem).value)
	}
	assert.Equal(t, 0, q.Length())
}

func TestQueueEnqueueWrongType(t *testing.T) {
	q := NewQueue("test", reflect.TypeOf(testItem{}), 10)
	err := q.Enqueue("a string")
	assert.Error(t, err)
}

func TestQueueEnqueueFull(t *testing.T) {
	q := NewQueue("test", reflect.TypeOf(testItem{}), 2)
	assert.NoError(t, q.Enqueue(&testItem{}))
	assert.NoError(t, q.Enqueue(&testItem{}))
	assert.Error(t, q.Enqueue(&testItem{}))
}

func TestQueueDequeueTimeout(t *testing.T) {
	q := NewQueue("test", reflect.TypeOf(testItem{}), 10)
	item, err := q.Dequeue(10 * time.Millisecond)
	assert.Nil(t, item)
	assert.Error(t, err)
	assert.IsType(t, DequeueTimeOutError{}, err)
}

func TestQueueDequeueUnblocksOnEnqueue(t *testing.T) {
	q := NewQueue("test", reflect.TypeOf(testItem{}), 10)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(&testItem{value: 42})
	}()
	item, err := q.Dequeue(5 * time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 42, item.(*testItem).value)
}
