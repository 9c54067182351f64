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

// Package outbox sends protocol messages to counterparty connectors. Messages
// are queued after the local state change is persisted and retried with an
// exponential backoff; a negotiation whose messages can not be delivered gets
// terminated.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/conduitspace/conduit/logging"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
)

var (
	// ErrFatal aborts the retry cycle immediately.
	ErrFatal = errors.New("fatal error")
	// ErrTransient marks an error worth retrying.
	ErrTransient = errors.New("transient error")
)

const (
	initialQueueSize = 100
	deliveryMillis   = 10
	workers          = 1

	// Backoff settings.
	maxAttempts         = 50
	maxDuration         = 1 * time.Minute
	initialRetry        = 500 * time.Millisecond
	multiplier          = 1.5
	randomizationFactor = 0.5
)

// StateSetter advances a negotiation once its outbound message has been
// delivered, or terminates it when delivery gives up.
type StateSetter interface {
	SetNegotiationState(
		ctx context.Context,
		pid uuid.UUID,
		role constants.DataspaceRole,
		state string,
	) error
}

type operation struct {
	Submitted       time.Time
	NextAttempt     time.Time
	Attempts        int
	Entry           Entry
	CurrentInterval time.Duration
}

// Entry is a single outbound protocol message.
type Entry struct {
	NegotiationID uuid.UUID
	Role          constants.DataspaceRole
	TargetState   string
	Method        string
	URL           *url.URL
	Body          []byte
	Context       context.Context
}

// Outbox tries to send out all the http requests, and retries them if
// something fails. A request has an exponential backoff that is defined in
// calculateNextAttempt. Simply said it takes the previous interval, adds 50%
// to that, and then randomises it a bit.
type Outbox struct {
	ctx context.Context
	c   chan operation
	r   shared.Requester
	s   StateSetter
	q   *deque.Deque[operation]

	WaitGroup sync.WaitGroup
	sync.Mutex
}

// New creates an outbox. The state setter is assigned later via SetStateSetter
// as the orchestrator and the outbox reference each other.
func New(ctx context.Context, r shared.Requester) *Outbox {
	q := &deque.Deque[operation]{}
	q.Grow(initialQueueSize)

	return &Outbox{
		ctx: ctx,
		c:   make(chan operation),
		r:   r,
		q:   q,
	}
}

// SetStateSetter wires in the component that applies state changes. Must be
// called before Run.
func (o *Outbox) SetStateSetter(s StateSetter) {
	o.s = s
}

// Run starts the delivery loop and the workers.
func (o *Outbox) Run() {
	o.WaitGroup.Add(1 + workers)
	go o.manager()
	for range workers {
		go o.worker()
	}
}

// Add queues an entry for delivery.
func (o *Outbox) Add(entry Entry) {
	o.Lock()
	defer o.Unlock()
	o.q.PushBack(operation{
		Submitted:       time.Now(),
		NextAttempt:     time.Now(),
		Attempts:        0,
		Entry:           entry,
		CurrentInterval: initialRetry,
	})
}

func (o *Outbox) manager() {
	// We use a ticker to trigger iterations, this is to not hammer the queue
	// in a tight loop.
	ticker := time.NewTicker(deliveryMillis * time.Millisecond)
	logger := logging.Extract(o.ctx)
	for {
		select {
		case <-ticker.C:
			if o.q.Len() == 0 {
				continue
			}

			o.Lock()
			op := o.q.PopFront()
			o.Unlock()
			if time.Now().After(op.NextAttempt) {
				logger.Info("Delivering message", "negotiation_id", op.Entry.NegotiationID)
				op.Attempts++
				o.c <- op
				continue
			}

			o.Lock()
			o.q.PushBack(op)
			o.Unlock()
		case <-o.ctx.Done():
			ticker.Stop()
			o.WaitGroup.Done()
			return
		}
	}
}

func (o *Outbox) worker() {
	oLogger := logging.Extract(o.ctx)
	oLogger.Info("Starting outbox delivery loop")
	for {
		select {
		case op := <-o.c:
			entry := op.Entry
			ctx := context.WithoutCancel(entry.Context)
			ctx, logger := logging.InjectLabels(ctx,
				"negotiation_id", entry.NegotiationID.String(),
				"role", entry.Role.String(),
				"method", entry.Method,
				"url", entry.URL.String(),
			)
			logger.Info("Attempting to deliver message")

			// The dataspace protocol doesn't require parsing the ack body,
			// so we won't.
			_, err := o.r.SendHTTPRequest(ctx, entry.Method, entry.URL, entry.Body)
			if err != nil {
				o.handleError(ctx, op, fmt.Errorf("could not send HTTP request: %w", err))
				continue
			}

			if entry.TargetState != "" {
				if err := o.s.SetNegotiationState(
					ctx, entry.NegotiationID, entry.Role, entry.TargetState,
				); err != nil {
					o.handleError(ctx, op, fmt.Errorf("could not update state: %w", err))
					continue
				}
			}
		case <-o.ctx.Done():
			oLogger.Info("Context done called, exiting.")
			o.WaitGroup.Done()
			return
		}
	}
}

func (o *Outbox) handleError(ctx context.Context, op operation, err error) {
	logger := logging.Extract(ctx).With(
		"err", err, "submitted", op.Submitted, "attempts", op.Attempts, "orig_next_attempt", op.NextAttempt)
	// A fatal error terminates the negotiation straight away.
	if errors.Is(err, ErrFatal) || op.Attempts >= maxAttempts {
		o.terminate(ctx, op.Entry)
		return
	}
	op.NextAttempt, op.CurrentInterval = calculateNextAttempt(op.CurrentInterval, op.Attempts)
	logger = logger.With("next_attempt", op.NextAttempt)
	if op.NextAttempt.Sub(op.Submitted) > maxDuration {
		o.terminate(ctx, op.Entry)
		return
	}
	logger.Error("Requeuing operation")
	o.Lock()
	o.q.PushBack(op)
	o.Unlock()
}

func (o *Outbox) terminate(ctx context.Context, entry Entry) {
	logger := logging.Extract(ctx)
	logger.Error("Giving up on delivery, terminating negotiation")

	var err error
	for range 10 {
		err = o.s.SetNegotiationState(ctx, entry.NegotiationID, entry.Role, "dspace:TERMINATED")
		if err == nil {
			logger.Debug("Negotiation terminated")
			return
		}
		logger.Debug("Could not update state", "err", err)
	}
	logger.Error("Could not terminate negotiation after giving up on delivery", "err", err)
}

func calculateNextAttempt(currentInterval time.Duration, attempts int) (time.Time, time.Duration) {
	// Base interval is currentInterval * multiplier unless it's the first
	// retry.
	ci := float64(currentInterval)
	if attempts != 1 {
		ci *= multiplier
	}

	// Randomise the interval based on the randomization factor.
	delta := randomizationFactor * ci
	minInterval := ci - delta
	maxInterval := ci + delta
	//nolint:gosec // This is not a security use of rand.
	randomValue := time.Duration(minInterval + (rand.Float64() * (maxInterval - minInterval + 1)))

	nextRun := time.Now().Add(randomValue)
	return nextRun, time.Duration(ci)
}
