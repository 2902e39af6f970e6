package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// FakeQueue is an in-memory storage queue. Dequeued messages stay invisible
// until deleted or released with Release. It satisfies queue.MessageAPI and
// queue.PoisonAPI.
type FakeQueue struct {
	mu sync.Mutex

	messages []*fakeMessage
	seq      int

	// DequeueErr forces DequeueMessages to fail.
	DequeueErr error
	// EnqueueErr forces EnqueueMessage to fail.
	EnqueueErr error

	Deleted  []string
	Enqueued []string
	Dequeues int
}

type fakeMessage struct {
	id        string
	text      string
	pop       string
	count     int64
	invisible bool
}

// NewFakeQueue creates an empty queue.
func NewFakeQueue() *FakeQueue {
	return &FakeQueue{}
}

// Push adds a message and returns its id.
func (q *FakeQueue) Push(text string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(text, 0)
}

// PushWithCount adds a message that has already been dequeued count times.
func (q *FakeQueue) PushWithCount(text string, count int64) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(text, count)
}

func (q *FakeQueue) pushLocked(text string, count int64) string {
	q.seq++
	id := fmt.Sprintf("msg-%d", q.seq)
	q.messages = append(q.messages, &fakeMessage{id: id, text: text, count: count})
	return id
}

// Release makes every invisible message visible again, as an expired
// visibility timeout would.
func (q *FakeQueue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		m.invisible = false
	}
}

// Len returns the number of messages not yet deleted.
func (q *FakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// DequeueMessages implements queue.MessageAPI.
func (q *FakeQueue) DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.Dequeues++
	if q.DequeueErr != nil {
		return azqueue.DequeueMessagesResponse{}, q.DequeueErr
	}

	limit := 1
	if o != nil && o.NumberOfMessages != nil {
		limit = int(*o.NumberOfMessages)
	}

	var out []*azqueue.DequeuedMessage
	now := time.Now()
	for _, m := range q.messages {
		if len(out) == limit {
			break
		}
		if m.invisible {
			continue
		}
		m.invisible = true
		m.count++
		m.pop = fmt.Sprintf("pop-%s-%d", m.id, m.count)
		out = append(out, &azqueue.DequeuedMessage{
			MessageID:     to.Ptr(m.id),
			MessageText:   to.Ptr(m.text),
			PopReceipt:    to.Ptr(m.pop),
			DequeueCount:  to.Ptr(m.count),
			InsertionTime: &now,
		})
	}

	var resp azqueue.DequeueMessagesResponse
	resp.Messages = out
	return resp, nil
}

// DeleteMessage implements queue.MessageAPI. The pop receipt must match the
// latest dequeue.
func (q *FakeQueue) DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.messages {
		if m.id == messageID {
			if m.pop != popReceipt {
				return azqueue.DeleteMessageResponse{}, fmt.Errorf("pop receipt mismatch for %s", messageID)
			}
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			q.Deleted = append(q.Deleted, messageID)
			return azqueue.DeleteMessageResponse{}, nil
		}
	}
	return azqueue.DeleteMessageResponse{}, fmt.Errorf("message %s not found", messageID)
}

// EnqueueMessage implements queue.PoisonAPI.
func (q *FakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.EnqueueErr != nil {
		return azqueue.EnqueueMessagesResponse{}, q.EnqueueErr
	}
	q.Enqueued = append(q.Enqueued, content)
	q.pushLocked(content, 0)
	return azqueue.EnqueueMessagesResponse{}, nil
}
