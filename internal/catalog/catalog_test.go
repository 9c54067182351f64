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

package catalog_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conduitspace/conduit/dsp/events"
	"github.com/conduitspace/conduit/dsp/persistence"
	"github.com/conduitspace/conduit/dsp/persistence/badger"
	"github.com/conduitspace/conduit/dsp/policy"
	"github.com/conduitspace/conduit/internal/catalog"
	"github.com/conduitspace/conduit/odrl"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOffer(target string) odrl.Offer {
	return odrl.Offer{
		MessageOffer: odrl.MessageOffer{
			Type: "odrl:Offer",
			PolicyClass: odrl.PolicyClass{
				ID: uuid.New().URN(),
				AbstractPolicyRule: odrl.AbstractPolicyRule{
					Assigner: "urn:conduit:assigner",
				},
				Permission: []odrl.Permission{{Action: "odrl:use"}},
			},
			Target: target,
		},
	}
}

func writeOfferFile(t *testing.T, offers []odrl.Offer) string {
	t.Helper()
	b, err := json.Marshal(offers)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "offers.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestNewEmptyPath(t *testing.T) {
	t.Parallel()
	cat, err := catalog.New("")
	require.NoError(t, err)

	_, err = cat.CanonicalOffer(context.Background(), uuid.New().URN())
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestNewLoadsOffers(t *testing.T) {
	t.Parallel()
	target := uuid.New().URN()
	offer := testOffer(target)
	cat, err := catalog.New(writeOfferFile(t, []odrl.Offer{offer}))
	require.NoError(t, err)

	got, err := cat.CanonicalOffer(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, offer, *got)

	_, err = cat.CanonicalOffer(context.Background(), uuid.New().URN())
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestNewRejectsBadOfferFiles(t *testing.T) {
	t.Parallel()
	target := uuid.New().URN()

	_, err := catalog.New(writeOfferFile(t, []odrl.Offer{testOffer(target), testOffer(target)}))
	assert.ErrorContains(t, err, "duplicate offer")

	_, err = catalog.New(writeOfferFile(t, []odrl.Offer{testOffer("")}))
	assert.ErrorContains(t, err, "no target")
}

func TestValidationOverBus(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	slog.SetDefault(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	store, err := badger.New(ctx, true, "")
	require.NoError(t, err)

	target := uuid.New().URN()
	offer := testOffer(target)
	cat, err := catalog.New(writeOfferFile(t, []odrl.Offer{offer}))
	require.NoError(t, err)

	bus := events.New(ctx)
	evaluator := policy.New(cat, store, store)
	cat.RegisterHandlers(bus, evaluator)

	verdicts := make(chan events.OfferValidationCompleted, 2)
	bus.Subscribe(events.OfferValidationCompleted{}.Name(), func(_ context.Context, ev events.Event) error {
		if verdict, ok := ev.(events.OfferValidationCompleted); ok {
			verdicts <- verdict
		}
		return nil
	})
	bus.Run()

	// The published offer is approved; the counterparty fills in the assignee.
	requested := offer
	requested.Assignee = "urn:conduit:assignee"
	bus.Publish(ctx, events.OfferValidationRequested{
		ConsumerPID: uuid.New(),
		ProviderPID: uuid.New(),
		Offer:       requested,
	})
	select {
	case verdict := <-verdicts:
		assert.True(t, verdict.Accepted)
	case <-time.After(5 * time.Second):
		t.Fatal("no validation verdict received")
	}

	// An offer for an unpublished target is denied.
	bus.Publish(ctx, events.OfferValidationRequested{
		ConsumerPID: uuid.New(),
		ProviderPID: uuid.New(),
		Offer:       testOffer(uuid.New().URN()),
	})
	select {
	case verdict := <-verdicts:
		assert.False(t, verdict.Accepted)
		assert.Contains(t, verdict.Reason, "no offer published")
	case <-time.After(5 * time.Second):
		t.Fatal("no validation verdict received")
	}
}
