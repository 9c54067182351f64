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

// Package orchestrator is the single authority that mutates contract
// negotiations. Every inbound trigger, protocol message, control request or
// internal event, maps to one operation here; each operation checks the
// transition table, persists, and only then queues outbound messages.
//
// Operations are idempotent with respect to replayed messages: a message
// whose PIDs resolve to a negotiation already in the target state is
// acknowledged without mutating anything.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/events"
	"github.com/conduitspace/conduit/dsp/negotiation"
	"github.com/conduitspace/conduit/dsp/outbox"
	"github.com/conduitspace/conduit/dsp/persistence"
	"github.com/conduitspace/conduit/dsp/policy"
	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/conduitspace/conduit/logging"
	"github.com/conduitspace/conduit/odrl"
	"github.com/google/uuid"
)

// Orchestrator drives contract negotiations on both the provider and the
// consumer side.
type Orchestrator struct {
	store     persistence.StorageProvider
	codec     *shared.Codec
	bus       *events.Bus
	outbox    *outbox.Outbox
	selfURL   *url.URL
	automatic bool
	offers    policy.OfferSource
}

// New creates an orchestrator. selfURL is this connector's external base URL,
// automatic controls whether negotiations progress without operator approval.
func New(
	store persistence.StorageProvider,
	codec *shared.Codec,
	bus *events.Bus,
	ob *outbox.Outbox,
	selfURL *url.URL,
	automatic bool,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		codec:     codec,
		bus:       bus,
		outbox:    ob,
		selfURL:   selfURL,
		automatic: automatic,
	}
}

// RegisterHandlers subscribes the orchestrator to the events it consumes.
// Called once during startup, before the bus runs.
func (o *Orchestrator) RegisterHandlers() {
	o.bus.Subscribe(events.OfferValidationCompleted{}.Name(), o.onOfferValidationCompleted)
}

// SetOfferSource binds the canonical offer catalog. When set, PostOffer
// refuses targets without a published offer. Late binding, same as the
// outbox's state setter, because the catalog is constructed after the
// orchestrator during startup.
func (o *Orchestrator) SetOfferSource(offers policy.OfferSource) {
	o.offers = offers
}

// StartNegotiation starts a consumer side negotiation for an offer and sends
// the contract request to the provider connector. The store insert is the
// conflict guard: a second start for the same target while the first is still
// active comes back as NegotiationExistsError.
func (o *Orchestrator) StartNegotiation(
	ctx context.Context, providerURL *url.URL, offer odrl.Offer,
) (*negotiation.Negotiation, error) {
	self := cloneURL(o.selfURL)
	self.Path = path.Join(self.Path, "callback")
	n := negotiation.New(
		emptyUUID, uuid.New(),
		negotiation.States.REQUESTED,
		offer,
		providerURL, self,
		constants.DataspaceConsumer,
		o.automatic,
	)
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)

	if err := o.store.InsertNegotiation(ctx, n); err != nil {
		if errors.Is(err, persistence.ErrDuplicateKey) {
			return nil, newNegotiationExistsError(n.GetConsumerPID(), offer.Target)
		}
		return nil, err
	}
	if err := o.sendContractRequest(ctx, n); err != nil {
		return nil, err
	}
	o.audit(ctx, n, "negotiation started")
	return n, nil
}

// HandleIncomingRequest processes a contract request on the provider side.
// The offer evaluation is asynchronous, the caller gets the REQUESTED
// negotiation back as the ack.
func (o *Orchestrator) HandleIncomingRequest(
	ctx context.Context, msg shared.ContractRequestMessage,
) (*negotiation.Negotiation, error) {
	consumerPID, err := uuid.Parse(msg.ConsumerPID)
	if err != nil {
		return nil, shared.ValidationErrorf("consumerPid is not a UUID: %s", err)
	}
	cbURL, err := url.Parse(msg.CallbackAddress)
	if err != nil {
		return nil, shared.ValidationErrorf("callback address is not a URL: %s", err)
	}

	if msg.ProviderPID != "" {
		providerPID, err := uuid.Parse(msg.ProviderPID)
		if err != nil {
			return nil, shared.ValidationErrorf("providerPid is not a UUID: %s", err)
		}
		n, err := o.store.GetNegotiationR(ctx, providerPID, constants.DataspaceProvider)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, newNegotiationNotFoundError(consumerPID, providerPID)
			}
			return nil, err
		}
		// Replays of the original request are acknowledged without change,
		// anything else asks for a transition back to REQUESTED which the
		// table forbids.
		if n.GetState() == negotiation.States.REQUESTED && n.GetConsumerPID() == consumerPID {
			return n, nil
		}
		return nil, newInvalidStateTransitionError(n, negotiation.States.REQUESTED)
	}

	n := negotiation.New(
		uuid.New(), consumerPID,
		negotiation.States.REQUESTED,
		odrl.Offer{MessageOffer: msg.Offer},
		cbURL, o.selfURL,
		constants.DataspaceProvider,
		o.automatic,
	)
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)

	if err := o.store.InsertNegotiation(ctx, n); err != nil {
		if errors.Is(err, persistence.ErrDuplicateKey) {
			return nil, newNegotiationExistsError(consumerPID, msg.Offer.Target)
		}
		return nil, err
	}
	o.bus.Publish(ctx, events.OfferValidationRequested{
		ConsumerPID: n.GetConsumerPID(),
		ProviderPID: n.GetProviderPID(),
		Offer:       n.GetOffer(),
	})
	o.audit(ctx, n, "contract request received")
	return n, nil
}

// HandleIncomingOffer processes a contract offer on the consumer side, both
// the provider-initiated kind and counter offers in a running negotiation.
func (o *Orchestrator) HandleIncomingOffer(
	ctx context.Context, msg shared.ContractOfferMessage,
) (*negotiation.Negotiation, error) {
	providerPID, err := uuid.Parse(msg.ProviderPID)
	if err != nil {
		return nil, shared.ValidationErrorf("providerPid is not a UUID: %s", err)
	}
	cbURL, err := url.Parse(msg.CallbackAddress)
	if err != nil {
		return nil, shared.ValidationErrorf("callback address is not a URL: %s", err)
	}
	offer := odrl.Offer{MessageOffer: msg.Offer}

	if msg.ConsumerPID != "" {
		consumerPID, err := uuid.Parse(msg.ConsumerPID)
		if err != nil {
			return nil, shared.ValidationErrorf("consumerPid is not a UUID: %s", err)
		}
		n, err := o.store.GetNegotiationRW(ctx, consumerPID, constants.DataspaceConsumer)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, newNegotiationNotFoundError(consumerPID, providerPID)
			}
			return nil, err
		}
		ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)
		if n.GetState() == negotiation.States.OFFERED {
			o.release(ctx, n)
			return n, nil
		}
		if err := n.SetState(negotiation.States.OFFERED); err != nil {
			o.release(ctx, n)
			return nil, newInvalidStateTransitionError(n, negotiation.States.OFFERED)
		}
		if n.GetProviderPID() == emptyUUID {
			n.SetProviderPID(providerPID)
		}
		n.SetOffer(offer)
		if err := o.store.PutNegotiation(ctx, n); err != nil {
			return nil, err
		}
		o.publishValidationRequest(ctx, n)
		o.audit(ctx, n, "counter offer received")
		return n, nil
	}

	self := cloneURL(o.selfURL)
	self.Path = path.Join(self.Path, "callback")
	n := negotiation.New(
		providerPID, uuid.New(),
		negotiation.States.REQUESTED,
		offer,
		cbURL, self,
		constants.DataspaceConsumer,
		o.automatic,
	)
	if err := n.SetState(negotiation.States.OFFERED); err != nil {
		return nil, err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)

	if err := o.store.InsertNegotiation(ctx, n); err != nil {
		if errors.Is(err, persistence.ErrDuplicateKey) {
			return nil, newNegotiationExistsError(n.GetConsumerPID(), msg.Offer.Target)
		}
		return nil, err
	}
	o.publishValidationRequest(ctx, n)
	o.audit(ctx, n, "offer received")
	return n, nil
}

// HandleOfferResponse is the offer validation callback. A denial terminates
// the negotiation; an approval advances it as far as the automatic flag
// allows.
func (o *Orchestrator) HandleOfferResponse(
	ctx context.Context, consumerPID, providerPID uuid.UUID, accepted bool, reason string,
) error {
	ro, err := o.store.FindNegotiationByPids(ctx, consumerPID, providerPID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return newNegotiationNotFoundError(consumerPID, providerPID)
		}
		return err
	}
	if ro.GetState() == negotiation.States.TERMINATED {
		// Redelivered verdict for a dead negotiation.
		return nil
	}
	n, err := o.store.GetNegotiationRW(ctx, ro.GetLocalPID(), ro.GetRole())
	if err != nil {
		return err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)
	if n.GetState() == negotiation.States.TERMINATED {
		o.release(ctx, n)
		return nil
	}

	if !accepted {
		return o.terminateLocked(ctx, n, "POLICY_DENIED", []shared.Multilanguage{
			{Value: reason, Language: "en"},
		})
	}

	switch n.GetRole() {
	case constants.DataspaceProvider:
		return o.progressValidatedRequest(ctx, n)
	case constants.DataspaceConsumer:
		return o.progressValidatedOffer(ctx, n)
	default:
		o.release(ctx, n)
		return fmt.Errorf("invalid role %d", n.GetRole())
	}
}

// progressValidatedRequest moves a provider negotiation on from REQUESTED
// after its offer checked out. Automatic mode accepts and agrees in one go,
// manual mode answers with the canonical counter offer.
func (o *Orchestrator) progressValidatedRequest(
	ctx context.Context, n *negotiation.Negotiation,
) error {
	if n.GetState() != negotiation.States.REQUESTED {
		// Redelivered validation verdict, the negotiation moved on already.
		o.release(ctx, n)
		return nil
	}
	if n.Automatic() {
		if err := n.SetState(negotiation.States.ACCEPTED); err != nil {
			o.release(ctx, n)
			return err
		}
		if err := o.store.PutNegotiation(ctx, n); err != nil {
			return err
		}
		o.audit(ctx, n, "offer validated, auto-accepted")
		_, err := o.SendAgreement(ctx, n.GetConsumerPID(), n.GetProviderPID())
		return err
	}

	if err := n.SetState(negotiation.States.OFFERED); err != nil {
		o.release(ctx, n)
		return err
	}
	if err := o.store.PutNegotiation(ctx, n); err != nil {
		return err
	}
	if err := o.sendContractOffer(ctx, n); err != nil {
		return err
	}
	o.audit(ctx, n, "offer validated, counter offer sent")
	return nil
}

// progressValidatedOffer moves a consumer negotiation on from OFFERED after
// the provider's offer checked out. In manual mode this stops here and waits
// for the operator to call Accept.
func (o *Orchestrator) progressValidatedOffer(
	ctx context.Context, n *negotiation.Negotiation,
) error {
	if n.GetState() != negotiation.States.OFFERED {
		o.release(ctx, n)
		return nil
	}
	if !n.Automatic() {
		o.audit(ctx, n, "offer validated, awaiting operator accept")
		o.release(ctx, n)
		return nil
	}
	return o.acceptLocked(ctx, n)
}

// PostOffer starts a provider side negotiation by sending an offer to a
// consumer connector.
func (o *Orchestrator) PostOffer(
	ctx context.Context, consumerURL *url.URL, offer odrl.Offer,
) (*negotiation.Negotiation, error) {
	if o.offers != nil {
		if _, err := o.offers.CanonicalOffer(ctx, offer.Target); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, newOfferNotFoundError(offer.Target)
			}
			return nil, err
		}
	}
	n := negotiation.New(
		uuid.New(), emptyUUID,
		negotiation.States.REQUESTED,
		offer,
		consumerURL, o.selfURL,
		constants.DataspaceProvider,
		o.automatic,
	)
	if err := n.SetState(negotiation.States.OFFERED); err != nil {
		return nil, err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)

	if err := o.store.InsertNegotiation(ctx, n); err != nil {
		if errors.Is(err, persistence.ErrDuplicateKey) {
			return nil, newNegotiationExistsError(emptyUUID, offer.Target)
		}
		return nil, err
	}
	if err := o.sendContractOffer(ctx, n); err != nil {
		return nil, err
	}
	o.audit(ctx, n, "offer posted")
	return n, nil
}

// Accept accepts the current offer on the consumer side and notifies the
// provider with an ACCEPTED event message.
func (o *Orchestrator) Accept(
	ctx context.Context, consumerPID uuid.UUID,
) (*negotiation.Negotiation, error) {
	n, err := o.store.GetNegotiationRW(ctx, consumerPID, constants.DataspaceConsumer)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, newNegotiationNotFoundError(consumerPID, emptyUUID)
		}
		return nil, err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)
	if n.GetState() == negotiation.States.ACCEPTED {
		o.release(ctx, n)
		return n, nil
	}
	if err := o.acceptLocked(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (o *Orchestrator) acceptLocked(ctx context.Context, n *negotiation.Negotiation) error {
	if err := n.SetState(negotiation.States.ACCEPTED); err != nil {
		o.release(ctx, n)
		return newInvalidStateTransitionError(n, negotiation.States.ACCEPTED)
	}
	if err := o.store.PutNegotiation(ctx, n); err != nil {
		return err
	}
	if err := o.sendContractEvent(ctx, n, n.GetProviderPID(), negotiation.States.ACCEPTED); err != nil {
		return err
	}
	o.audit(ctx, n, "offer accepted")
	return nil
}

// SendAgreement transitions a provider negotiation from ACCEPTED to AGREED,
// creating and persisting the agreement exactly once, and sends it to the
// consumer.
func (o *Orchestrator) SendAgreement(
	ctx context.Context, consumerPID, providerPID uuid.UUID,
) (*negotiation.Negotiation, error) {
	n, err := o.store.GetNegotiationRW(ctx, providerPID, constants.DataspaceProvider)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, newNegotiationNotFoundError(consumerPID, providerPID)
		}
		return nil, err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)
	if n.GetState() == negotiation.States.AGREED {
		o.release(ctx, n)
		return n, nil
	}
	if err := n.SetState(negotiation.States.AGREED); err != nil {
		o.release(ctx, n)
		return nil, newInvalidStateTransitionError(n, negotiation.States.AGREED)
	}

	offer := n.GetOffer()
	n.SetAgreement(&odrl.Agreement{
		PolicyClass: offer.PolicyClass,
		Type:        "odrl:Agreement",
		ID:          uuid.New().URN(),
		Target:      offer.Target,
		Timestamp:   time.Now(),
	})
	if err := o.store.PutAgreement(ctx, n.GetAgreement()); err != nil {
		o.release(ctx, n)
		return nil, err
	}
	if err := o.store.PutNegotiation(ctx, n); err != nil {
		return nil, err
	}
	if err := o.sendContractAgreement(ctx, n); err != nil {
		return nil, err
	}
	o.audit(ctx, n, "agreement sent")
	return n, nil
}

// HandleAgreement processes an incoming contract agreement on the consumer
// side.
func (o *Orchestrator) HandleAgreement(
	ctx context.Context, consumerPID uuid.UUID, msg shared.ContractAgreementMessage,
) (*negotiation.Negotiation, error) {
	n, err := o.store.GetNegotiationRW(ctx, consumerPID, constants.DataspaceConsumer)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, newNegotiationNotFoundError(consumerPID, emptyUUID)
		}
		return nil, err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)

	if n.GetState() == negotiation.States.AGREED {
		existing := n.GetAgreement()
		if existing != nil && existing.ID == msg.Agreement.ID {
			o.release(ctx, n)
			return n, nil
		}
		o.release(ctx, n)
		return nil, newInvalidStateTransitionError(n, negotiation.States.AGREED)
	}
	if err := n.SetState(negotiation.States.AGREED); err != nil {
		o.release(ctx, n)
		return nil, newInvalidStateTransitionError(n, negotiation.States.AGREED)
	}
	n.SetAgreement(&msg.Agreement)
	if err := o.store.PutAgreement(ctx, n.GetAgreement()); err != nil &&
		!errors.Is(err, persistence.ErrDuplicateKey) {
		o.release(ctx, n)
		return nil, err
	}
	if err := o.store.PutNegotiation(ctx, n); err != nil {
		return nil, err
	}
	o.audit(ctx, n, "agreement received")

	if n.Automatic() {
		if _, err := o.SubmitVerification(ctx, consumerPID); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// SubmitVerification transitions a consumer negotiation from AGREED to
// VERIFIED and sends the verification message to the provider.
func (o *Orchestrator) SubmitVerification(
	ctx context.Context, consumerPID uuid.UUID,
) (*negotiation.Negotiation, error) {
	n, err := o.store.GetNegotiationRW(ctx, consumerPID, constants.DataspaceConsumer)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, newNegotiationNotFoundError(consumerPID, emptyUUID)
		}
		return nil, err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)
	if n.GetState() == negotiation.States.VERIFIED {
		o.release(ctx, n)
		return n, nil
	}
	if err := n.SetState(negotiation.States.VERIFIED); err != nil {
		o.release(ctx, n)
		return nil, newInvalidStateTransitionError(n, negotiation.States.VERIFIED)
	}
	if err := o.store.PutNegotiation(ctx, n); err != nil {
		return nil, err
	}
	if err := o.sendContractVerification(ctx, n); err != nil {
		return nil, err
	}
	o.audit(ctx, n, "verification submitted")
	return n, nil
}

// HandleVerification processes an incoming agreement verification on the
// provider side and kicks off transfer initialization. In automatic mode the
// negotiation finalizes right after.
func (o *Orchestrator) HandleVerification(
	ctx context.Context, providerPID uuid.UUID, msg shared.ContractAgreementVerificationMessage,
) (*negotiation.Negotiation, error) {
	n, err := o.store.GetNegotiationRW(ctx, providerPID, constants.DataspaceProvider)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, newNegotiationNotFoundError(emptyUUID, providerPID)
		}
		return nil, err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)
	if n.GetState() == negotiation.States.VERIFIED {
		o.release(ctx, n)
		return n, nil
	}
	if err := n.SetState(negotiation.States.VERIFIED); err != nil {
		o.release(ctx, n)
		return nil, newInvalidStateTransitionError(n, negotiation.States.VERIFIED)
	}
	if err := o.store.PutNegotiation(ctx, n); err != nil {
		return nil, err
	}
	o.publishFinalized(ctx, n)
	o.audit(ctx, n, "verification received")

	if n.Automatic() {
		if _, err := o.Finalize(ctx, n.GetConsumerPID(), providerPID); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Finalize transitions a provider negotiation from VERIFIED to FINALIZED and
// notifies the consumer with a FINALIZED event message. Transfer
// initialization already started when the verification came in.
func (o *Orchestrator) Finalize(
	ctx context.Context, consumerPID, providerPID uuid.UUID,
) (*negotiation.Negotiation, error) {
	n, err := o.store.GetNegotiationRW(ctx, providerPID, constants.DataspaceProvider)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, newNegotiationNotFoundError(consumerPID, providerPID)
		}
		return nil, err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)
	if n.GetState() == negotiation.States.FINALIZED {
		o.release(ctx, n)
		return n, nil
	}
	if err := n.SetState(negotiation.States.FINALIZED); err != nil {
		o.release(ctx, n)
		return nil, newInvalidStateTransitionError(n, negotiation.States.FINALIZED)
	}
	if err := o.store.PutNegotiation(ctx, n); err != nil {
		return nil, err
	}
	if err := o.sendContractEvent(ctx, n, n.GetConsumerPID(), negotiation.States.FINALIZED); err != nil {
		return nil, err
	}
	o.audit(ctx, n, "negotiation finalized")
	return n, nil
}

// HandleEvent processes an incoming negotiation event message. ACCEPTED
// events land on the provider, FINALIZED events on the consumer.
func (o *Orchestrator) HandleEvent(
	ctx context.Context, pid uuid.UUID, msg shared.ContractNegotiationEventMessage,
) (*negotiation.Negotiation, error) {
	state, err := negotiation.ParseState(msg.EventType)
	if err != nil {
		return nil, shared.ValidationErrorf("invalid event type %s", msg.EventType)
	}

	var role constants.DataspaceRole
	switch state {
	case negotiation.States.ACCEPTED:
		role = constants.DataspaceProvider
	case negotiation.States.FINALIZED:
		role = constants.DataspaceConsumer
	default:
		return nil, shared.ValidationErrorf("unsupported event type %s", msg.EventType)
	}

	n, err := o.store.GetNegotiationRW(ctx, pid, role)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, newNegotiationNotFoundError(emptyUUID, pid)
		}
		return nil, err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)
	if n.GetState() == state {
		o.release(ctx, n)
		return n, nil
	}
	// A negotiation started via PostOffer doesn't know the consumer PID until
	// the consumer's first message; the ACCEPTED event carries it.
	if state == negotiation.States.ACCEPTED && n.GetConsumerPID() == emptyUUID {
		consumerPID, err := uuid.Parse(msg.ConsumerPID)
		if err != nil {
			o.release(ctx, n)
			return nil, shared.ValidationErrorf("invalid consumerPid %s", msg.ConsumerPID)
		}
		n.SetConsumerPID(consumerPID)
	}
	if err := n.SetState(state); err != nil {
		o.release(ctx, n)
		return nil, newInvalidStateTransitionError(n, state)
	}
	if err := o.store.PutNegotiation(ctx, n); err != nil {
		return nil, err
	}
	if state == negotiation.States.FINALIZED {
		o.publishFinalized(ctx, n)
	}
	o.audit(ctx, n, fmt.Sprintf("event %s received", msg.EventType))
	return n, nil
}

// Terminate moves a negotiation to TERMINATED and notifies the counterparty.
// Terminating an already terminated negotiation succeeds without side
// effects.
func (o *Orchestrator) Terminate(
	ctx context.Context, consumerPID, providerPID uuid.UUID, code string, reason []shared.Multilanguage,
) error {
	ro, err := o.store.FindNegotiationByPids(ctx, consumerPID, providerPID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return newNegotiationNotFoundError(consumerPID, providerPID)
		}
		return err
	}
	if ro.GetState() == negotiation.States.TERMINATED {
		return nil
	}
	n, err := o.store.GetNegotiationRW(ctx, ro.GetLocalPID(), ro.GetRole())
	if err != nil {
		return err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)
	if n.GetState() == negotiation.States.TERMINATED {
		o.release(ctx, n)
		return nil
	}
	return o.terminateLocked(ctx, n, code, reason)
}

func (o *Orchestrator) terminateLocked(
	ctx context.Context, n *negotiation.Negotiation, code string, reason []shared.Multilanguage,
) error {
	if err := n.SetState(negotiation.States.TERMINATED); err != nil {
		o.release(ctx, n)
		return newInvalidStateTransitionError(n, negotiation.States.TERMINATED)
	}
	if err := o.store.PutNegotiation(ctx, n); err != nil {
		return err
	}
	if err := o.sendContractTermination(ctx, n, code, reason); err != nil {
		return err
	}
	o.audit(ctx, n, "negotiation terminated: "+code)
	return nil
}

// HandleTermination processes an incoming termination message. No response
// message goes out, the counterparty already considers the negotiation dead.
func (o *Orchestrator) HandleTermination(
	ctx context.Context, pid uuid.UUID, role constants.DataspaceRole,
	msg shared.ContractNegotiationTerminationMessage,
) (*negotiation.Negotiation, error) {
	n, err := o.store.GetNegotiationRW(ctx, pid, role)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, newNegotiationNotFoundError(emptyUUID, pid)
		}
		return nil, err
	}
	ctx, _ = logging.InjectLabels(ctx, n.GetLogFields("")...)
	if n.GetState() == negotiation.States.TERMINATED {
		o.release(ctx, n)
		return n, nil
	}
	if err := n.SetState(negotiation.States.TERMINATED); err != nil {
		o.release(ctx, n)
		return nil, newInvalidStateTransitionError(n, negotiation.States.TERMINATED)
	}
	if err := o.store.PutNegotiation(ctx, n); err != nil {
		return nil, err
	}
	o.audit(ctx, n, "termination received: "+msg.Code)
	return n, nil
}

// GetNegotiation returns a read-only negotiation for status endpoints.
func (o *Orchestrator) GetNegotiation(
	ctx context.Context, pid uuid.UUID, role constants.DataspaceRole,
) (*negotiation.Negotiation, error) {
	n, err := o.store.GetNegotiationR(ctx, pid, role)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, newNegotiationNotFoundError(emptyUUID, pid)
		}
		return nil, err
	}
	return n, nil
}

// SetNegotiationState applies a state change requested by the outbox, either
// the delivery-confirmed target state or the terminated state after delivery
// gave up.
func (o *Orchestrator) SetNegotiationState(
	ctx context.Context, pid uuid.UUID, role constants.DataspaceRole, state string,
) error {
	target, err := negotiation.ParseState(state)
	if err != nil {
		return fmt.Errorf("%w: invalid state: %w", outbox.ErrFatal, err)
	}
	n, err := o.store.GetNegotiationRW(ctx, pid, role)
	if err != nil {
		return fmt.Errorf("can't find negotiation: %w", err)
	}
	if n.GetState() == target {
		o.release(ctx, n)
		return nil
	}
	if err := n.SetState(target); err != nil {
		o.release(ctx, n)
		return fmt.Errorf("can't change state: %w", err)
	}
	if err := o.store.PutNegotiation(ctx, n); err != nil {
		return fmt.Errorf("can't save negotiation: %w", err)
	}
	o.audit(ctx, n, "state set to "+state)
	return nil
}

func (o *Orchestrator) onOfferValidationCompleted(ctx context.Context, e events.Event) error {
	ev, ok := e.(events.OfferValidationCompleted)
	if !ok {
		return fmt.Errorf("unexpected event type %T", e)
	}
	return o.HandleOfferResponse(ctx, ev.ConsumerPID, ev.ProviderPID, ev.Accepted, ev.Reason)
}

func (o *Orchestrator) publishValidationRequest(ctx context.Context, n *negotiation.Negotiation) {
	o.bus.Publish(ctx, events.OfferValidationRequested{
		ConsumerPID: n.GetConsumerPID(),
		ProviderPID: n.GetProviderPID(),
		Offer:       n.GetOffer(),
	})
}

func (o *Orchestrator) publishFinalized(ctx context.Context, n *negotiation.Negotiation) {
	agreementID := emptyUUID
	if a := n.GetAgreement(); a != nil {
		if id, err := uuid.Parse(a.ID); err == nil {
			agreementID = id
		}
	}
	o.bus.Publish(ctx, events.NegotiationFinalized{
		ConsumerPID: n.GetConsumerPID(),
		ProviderPID: n.GetProviderPID(),
		AgreementID: agreementID,
	})
}

func (o *Orchestrator) audit(ctx context.Context, n *negotiation.Negotiation, note string) {
	o.bus.Publish(ctx, events.NegotiationAudited{
		Timestamp:   time.Now(),
		ConsumerPID: n.GetConsumerPID(),
		ProviderPID: n.GetProviderPID(),
		State:       n.GetState().String(),
		Note:        note,
	})
}

func (o *Orchestrator) release(ctx context.Context, n *negotiation.Negotiation) {
	if err := o.store.ReleaseNegotiation(ctx, n); err != nil {
		logging.Extract(ctx).Error("Could not release negotiation", "err", err)
	}
}
