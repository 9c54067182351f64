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

// Package events decouples the negotiation orchestrator from its
// collaborators. Events are explicit typed values dispatched to handlers
// registered at startup; delivery is asynchronous and at-least-once, so
// handlers re-check negotiation state instead of trusting the event payload.
package events

import (
	"time"

	"github.com/conduitspace/conduit/odrl"
	"github.com/google/uuid"
)

// Event is a message published on the Bus. Name routes it to its handlers.
type Event interface {
	Name() string
}

// OfferValidationRequested asks the catalog collaborator to evaluate an offer
// received in an incoming contract request.
type OfferValidationRequested struct {
	ConsumerPID uuid.UUID
	ProviderPID uuid.UUID
	Offer       odrl.Offer
}

func (OfferValidationRequested) Name() string { return "offer.validation.requested" }

// OfferValidationCompleted is the validation verdict, routed back to the
// orchestrator to advance or terminate the negotiation.
type OfferValidationCompleted struct {
	ConsumerPID uuid.UUID
	ProviderPID uuid.UUID
	Accepted    bool
	Reason      string
	Offer       odrl.Offer
}

func (OfferValidationCompleted) Name() string { return "offer.validation.completed" }

// NegotiationFinalized signals that a negotiation reached FINALIZED, so
// downstream systems can initialize data transfer for the agreement. Format
// is the requested distribution format, empty when the consumer picks it at
// transfer time.
type NegotiationFinalized struct {
	ConsumerPID uuid.UUID
	ProviderPID uuid.UUID
	AgreementID uuid.UUID
	Format      string
}

func (NegotiationFinalized) Name() string { return "negotiation.finalized" }

// NegotiationAudited records a state change for the audit trail.
type NegotiationAudited struct {
	Timestamp   time.Time
	ConsumerPID uuid.UUID
	ProviderPID uuid.UUID
	State       string
	Note        string
}

func (NegotiationAudited) Name() string { return "negotiation.audited" }
