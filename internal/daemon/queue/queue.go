// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue provides the run request queue feeding the engine workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/forge/pkg/pipeline"
)

// ErrQueueClosed is returned when operating on a closed queue.
var ErrQueueClosed = errors.New("queue closed")

// Priorities for run requests. Manual dispatches outrank event-driven runs
// so a release is never stuck behind a burst of push validations.
const (
	PriorityDispatch = 10
	PriorityEvent    = 5
	PrioritySchedule = 1
)

// Item is a queued run request.
type Item struct {
	// ID is the unique request identifier
	ID string `json:"id"`

	// Pipeline is the target pipeline name
	Pipeline string `json:"pipeline"`

	// Trigger records how the run was requested
	Trigger pipeline.TriggerType `json:"trigger"`

	// Inputs are the run inputs (dispatch inputs or event metadata)
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// Priority orders dequeueing; higher dequeues first
	Priority int `json:"priority"`

	// EnqueuedAt is when the request entered the queue
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewItem creates a run request with a fresh ID.
func NewItem(pipelineName string, trigger pipeline.TriggerType, inputs map[string]interface{}, priority int) *Item {
	return &Item{
		ID:         uuid.New().String(),
		Pipeline:   pipelineName,
		Trigger:    trigger,
		Inputs:     inputs,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Queue is a run request queue.
type Queue interface {
	// Enqueue adds a request. Returns ErrQueueClosed after Close.
	Enqueue(ctx context.Context, item *Item) error

	// Dequeue blocks until a request is available or the context is done.
	Dequeue(ctx context.Context) (*Item, error)

	// Len returns the number of waiting requests.
	Len() int

	// Close stops the queue. Waiting Dequeue calls return ErrQueueClosed.
	Close() error
}

// Memory is an in-memory priority queue. Requests with equal priority
// dequeue in arrival order.
type Memory struct {
	mu     sync.Mutex
	items  []*Item
	signal chan struct{}
	closed bool
}

// NewMemory creates an in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a request in priority position.
func (q *Memory) Enqueue(ctx context.Context, item *Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	pos := len(q.items)
	for i, existing := range q.items {
		if item.Priority > existing.Priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item

	// Non-blocking wake-up for one waiting consumer. Sent under q.mu so it
	// cannot race the close in Close.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return nil
}

// Dequeue blocks until a request is available.
func (q *Memory) Dequeue(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of waiting requests.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue. Already-queued items are discarded.
func (q *Memory) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.items = nil
	// Closed under q.mu: an Enqueue that passed the closed-check holds the
	// lock through its signal send, so the send cannot hit a closed channel.
	// Waking every waiter lets them observe the closed state.
	close(q.signal)
	q.mu.Unlock()
	return nil
}
