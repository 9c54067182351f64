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

package outbox_test

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/outbox"
	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type requestRecord struct {
	method string
	url    string
	body   []byte
}

type mockRequester struct {
	mu       sync.Mutex
	requests []requestRecord
	failures int
}

func (m *mockRequester) SendHTTPRequest(
	_ context.Context, method string, u *url.URL, body []byte,
) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, requestRecord{method: method, url: u.String(), body: body})
	if m.failures > 0 {
		m.failures--
		return nil, fmt.Errorf("connection refused")
	}
	return []byte(`{}`), nil
}

func (m *mockRequester) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type stateChange struct {
	pid   uuid.UUID
	role  constants.DataspaceRole
	state string
}

type mockStateSetter struct {
	mu      sync.Mutex
	changes []stateChange
}

func (m *mockStateSetter) SetNegotiationState(
	_ context.Context, pid uuid.UUID, role constants.DataspaceRole, state string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, stateChange{pid: pid, role: role, state: state})
	return nil
}

func (m *mockStateSetter) last() (stateChange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.changes) == 0 {
		return stateChange{}, false
	}
	return m.changes[len(m.changes)-1], true
}

func testEntry(ctx context.Context, targetState string) outbox.Entry {
	return outbox.Entry{
		NegotiationID: uuid.New(),
		Role:          constants.DataspaceProvider,
		TargetState:   targetState,
		Method:        "POST",
		URL:           shared.MustParseURL("http://consumer.example.com/negotiations/offers"),
		Body:          []byte(`{"@type": "dspace:ContractOfferMessage"}`),
		Context:       ctx,
	}
}

func TestDeliverySuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requester := &mockRequester{}
	setter := &mockStateSetter{}
	ob := outbox.New(ctx, requester)
	ob.SetStateSetter(setter)
	ob.Run()

	entry := testEntry(ctx, "")
	ob.Add(entry)

	require.Eventually(t, func() bool {
		return requester.count() == 1
	}, 5*time.Second, 10*time.Millisecond)

	requester.mu.Lock()
	rec := requester.requests[0]
	requester.mu.Unlock()
	assert.Equal(t, "POST", rec.method)
	assert.Equal(t, entry.URL.String(), rec.url)
	assert.Equal(t, entry.Body, rec.body)

	// No target state, so no state change.
	_, ok := setter.last()
	assert.False(t, ok)
}

func TestDeliverySetsTargetState(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requester := &mockRequester{}
	setter := &mockStateSetter{}
	ob := outbox.New(ctx, requester)
	ob.SetStateSetter(setter)
	ob.Run()

	entry := testEntry(ctx, "dspace:OFFERED")
	ob.Add(entry)

	require.Eventually(t, func() bool {
		change, ok := setter.last()
		return ok && change.state == "dspace:OFFERED"
	}, 5*time.Second, 10*time.Millisecond)

	change, _ := setter.last()
	assert.Equal(t, entry.NegotiationID, change.pid)
	assert.Equal(t, entry.Role, change.role)
}

func TestDeliveryRetries(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requester := &mockRequester{failures: 2}
	setter := &mockStateSetter{}
	ob := outbox.New(ctx, requester)
	ob.SetStateSetter(setter)
	ob.Run()

	ob.Add(testEntry(ctx, ""))

	// Two failed attempts plus the successful one.
	require.Eventually(t, func() bool {
		return requester.count() == 3
	}, 10*time.Second, 10*time.Millisecond)

	// Delivery succeeded in the end, so no termination.
	_, ok := setter.last()
	assert.False(t, ok)
}
