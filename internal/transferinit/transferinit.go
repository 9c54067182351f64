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

// Package transferinit hands finalized agreements over to the data transfer
// side. It listens for finalization events and keeps track of which
// agreements have already been handed over, so replayed events are no-ops.
package transferinit

import (
	"context"
	"fmt"
	"sync"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/events"
	"github.com/conduitspace/conduit/dsp/negotiation"
	"github.com/conduitspace/conduit/dsp/persistence"
	"github.com/conduitspace/conduit/logging"
	"github.com/google/uuid"
)

// Initializer marks agreements as ready for data transfer.
type Initializer struct {
	store persistence.StorageProvider

	mu          sync.Mutex
	initialized map[uuid.UUID]string
}

// New creates an Initializer backed by the given store.
func New(store persistence.StorageProvider) *Initializer {
	return &Initializer{
		store:       store,
		initialized: map[uuid.UUID]string{},
	}
}

// InitializeTransfer marks an agreement as transfer-ready in the given
// distribution format. Calling it again for the same agreement is a no-op.
func (i *Initializer) InitializeTransfer(ctx context.Context, agreementID uuid.UUID, format string) error {
	if _, err := i.store.GetAgreement(ctx, agreementID); err != nil {
		return fmt.Errorf("could not fetch agreement %s: %w", agreementID, err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.initialized[agreementID]; ok {
		return nil
	}
	i.initialized[agreementID] = format
	logging.Extract(ctx).Info("Transfer initialized",
		"agreementID", agreementID.String(), "format", format)
	return nil
}

// IsInitialized reports whether an agreement has been handed over.
func (i *Initializer) IsInitialized(agreementID uuid.UUID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.initialized[agreementID]
	return ok
}

// RegisterHandlers subscribes the initializer to finalization events. The
// negotiation state is re-checked against the store, events are delivered
// asynchronously and could race a termination.
func (i *Initializer) RegisterHandlers(bus *events.Bus) {
	bus.Subscribe(events.NegotiationFinalized{}.Name(), func(ctx context.Context, ev events.Event) error {
		fin, ok := ev.(events.NegotiationFinalized)
		if !ok {
			return fmt.Errorf("unexpected event type %T", ev)
		}
		ctx, logger := logging.InjectLabels(ctx,
			"consumerPID", fin.ConsumerPID.String(),
			"providerPID", fin.ProviderPID.String(),
			"agreementID", fin.AgreementID.String(),
		)
		n, err := i.store.GetNegotiationR(ctx, fin.ProviderPID, constants.DataspaceProvider)
		if err != nil {
			n, err = i.store.GetNegotiationR(ctx, fin.ConsumerPID, constants.DataspaceConsumer)
		}
		if err != nil {
			return fmt.Errorf("could not fetch negotiation: %w", err)
		}
		// The provider publishes on the VERIFIED edge, the consumer on
		// FINALIZED. Anything else means the negotiation died in between.
		state := n.GetState()
		if state != negotiation.States.VERIFIED && state != negotiation.States.FINALIZED {
			logger.Warn("Negotiation not verified, skipping transfer init",
				"state", state.String())
			return nil
		}
		return i.InitializeTransfer(ctx, fin.AgreementID, fin.Format)
	})
}
