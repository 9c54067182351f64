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

package orchestrator

import (
	"fmt"
	"net/http"

	"github.com/conduitspace/conduit/dsp/negotiation"
	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/google/uuid"
)

// negotiationError carries everything needed to render a dataspace
// ContractNegotiationError over HTTP. The typed errors below embed it so
// callers can match on the specific condition with errors.As.
type negotiationError struct {
	status   int
	code     string
	reason   string
	consumer uuid.UUID
	provider uuid.UUID
	msg      string
}

func (e negotiationError) Error() string     { return e.msg }
func (e negotiationError) StatusCode() int   { return e.status }
func (e negotiationError) ErrorType() string { return "dspace:ContractNegotiationError" }
func (e negotiationError) DSPCode() string   { return e.code }

func (e negotiationError) Reason() []shared.Multilanguage {
	return []shared.Multilanguage{{Value: e.reason, Language: "en"}}
}

func (e negotiationError) Description() []shared.Multilanguage {
	return []shared.Multilanguage{{Value: e.reason, Language: "en"}}
}

func (e negotiationError) ProviderPID() string {
	if e.provider == (uuid.UUID{}) {
		return ""
	}
	return e.provider.URN()
}

func (e negotiationError) ConsumerPID() string {
	if e.consumer == (uuid.UUID{}) {
		return ""
	}
	return e.consumer.URN()
}

// NegotiationExistsError means a non-terminated negotiation already exists
// for the target/initiator tuple.
type NegotiationExistsError struct {
	negotiationError
	Target string
}

func newNegotiationExistsError(consumer uuid.UUID, target string) NegotiationExistsError {
	return NegotiationExistsError{
		negotiationError: negotiationError{
			status:   http.StatusConflict,
			code:     "409",
			reason:   "A negotiation for this target already exists",
			consumer: consumer,
			msg:      fmt.Sprintf("active negotiation for target %s already exists", target),
		},
		Target: target,
	}
}

// NegotiationNotFoundError means no negotiation matches the given PID(s).
type NegotiationNotFoundError struct {
	negotiationError
}

func newNegotiationNotFoundError(consumer, provider uuid.UUID) NegotiationNotFoundError {
	return NegotiationNotFoundError{
		negotiationError: negotiationError{
			status:   http.StatusNotFound,
			code:     "404",
			reason:   "Negotiation not found",
			consumer: consumer,
			provider: provider,
			msg:      fmt.Sprintf("negotiation with consumerPid %s / providerPid %s not found", consumer, provider),
		},
	}
}

// OfferNotFoundError means no canonical offer is published for a target.
type OfferNotFoundError struct {
	negotiationError
	Target string
}

func newOfferNotFoundError(target string) OfferNotFoundError {
	return OfferNotFoundError{
		negotiationError: negotiationError{
			status: http.StatusNotFound,
			code:   "404",
			reason: "No offer found for target",
			msg:    fmt.Sprintf("no offer found for target %s", target),
		},
		Target: target,
	}
}

// InvalidStateTransitionError means a message or control request asked for a
// transition the state machine forbids.
type InvalidStateTransitionError struct {
	negotiationError
	From negotiation.State
	To   negotiation.State
}

func newInvalidStateTransitionError(
	n *negotiation.Negotiation, target negotiation.State,
) InvalidStateTransitionError {
	return InvalidStateTransitionError{
		negotiationError: negotiationError{
			status:   http.StatusBadRequest,
			code:     "400",
			reason:   fmt.Sprintf("Can not transition from %s to %s", n.GetState(), target),
			consumer: n.GetConsumerPID(),
			provider: n.GetProviderPID(),
			msg:      fmt.Sprintf("invalid transition from %s to %s", n.GetState(), target),
		},
		From: n.GetState(),
		To:   target,
	}
}
