// Copyright 2025 The Conduit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"context"
	"sync"
	"time"

	"github.com/conduitspace/conduit/logging"
	"github.com/gammazero/deque"
)

const (
	initialQueueSize = 100
	dispatchMillis   = 10
	workers          = 2
)

// Handler processes a single event. A returned error is logged at the bus
// boundary, handlers that need retries have to arrange them themselves.
type Handler func(ctx context.Context, event Event) error

type delivery struct {
	Submitted time.Time
	Event     Event
	Context   context.Context
}

// Bus is an in-process event bus. Publishing never blocks on handlers, the
// event goes on a queue that a small worker pool drains.
type Bus struct {
	ctx      context.Context
	c        chan delivery
	q        *deque.Deque[delivery]
	handlers map[string][]Handler

	WaitGroup sync.WaitGroup
	sync.Mutex
}

// New creates an event bus bound to the given context, which controls the
// lifetime of its workers.
func New(ctx context.Context) *Bus {
	q := &deque.Deque[delivery]{}
	q.Grow(initialQueueSize)

	return &Bus{
		ctx:      ctx,
		c:        make(chan delivery),
		q:        q,
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for an event name. All subscriptions happen
// during startup, before Run; there is no locking around the handler map.
func (b *Bus) Subscribe(name string, h Handler) {
	b.handlers[name] = append(b.handlers[name], h)
}

// Run starts the dispatch loop and the worker pool.
func (b *Bus) Run() {
	b.WaitGroup.Add(1 + workers)
	go b.manager()
	for range workers {
		go b.worker()
	}
}

// Publish queues an event for delivery. The caller's context only travels
// along for its log labels, delivery is not cancelled with it.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.Lock()
	defer b.Unlock()
	b.q.PushBack(delivery{
		Submitted: time.Now(),
		Event:     event,
		Context:   context.WithoutCancel(ctx),
	})
}

func (b *Bus) manager() {
	// A ticker triggers the iterations so we don't hammer the queue in a
	// tight loop.
	ticker := time.NewTicker(dispatchMillis * time.Millisecond)
	for {
		select {
		case <-ticker.C:
			if b.q.Len() == 0 {
				continue
			}
			b.Lock()
			d := b.q.PopFront()
			b.Unlock()
			b.c <- d
		case <-b.ctx.Done():
			ticker.Stop()
			b.WaitGroup.Done()
			return
		}
	}
}

func (b *Bus) worker() {
	bLogger := logging.Extract(b.ctx)
	bLogger.Info("Starting event worker")
	for {
		select {
		case d := <-b.c:
			ctx, logger := logging.InjectLabels(d.Context,
				"event", d.Event.Name(),
				"submitted", d.Submitted,
			)
			handlers := b.handlers[d.Event.Name()]
			if len(handlers) == 0 {
				logger.Warn("No handlers for event")
				continue
			}
			for _, h := range handlers {
				if err := h(ctx, d.Event); err != nil {
					logger.Error("Event handler failed", "err", err)
				}
			}
		case <-b.ctx.Done():
			bLogger.Info("Context done called, exiting.")
			b.WaitGroup.Done()
			return
		}
	}
}
