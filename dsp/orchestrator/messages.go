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
	"context"
	"fmt"
	"net/url"
	"path"

	"github.com/conduitspace/conduit/dsp/negotiation"
	"github.com/conduitspace/conduit/dsp/outbox"
	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/conduitspace/conduit/logging"
	"github.com/google/uuid"
)

var emptyUUID = uuid.UUID{}

func cloneURL(u *url.URL) *url.URL {
	nu, err := url.Parse(u.String())
	if err != nil {
		panic(fmt.Sprintf("couldn't clone url %s: %s", u.String(), err.Error()))
	}
	return nu
}

// queue hands a prepared request to the outbox. The local transition has
// already been persisted at this point; delivery failures are the outbox's
// problem from here on.
func (o *Orchestrator) queue(ctx context.Context, n *negotiation.Negotiation, u *url.URL, body []byte) {
	o.outbox.Add(outbox.Entry{
		NegotiationID: n.GetLocalPID(),
		Role:          n.GetRole(),
		Method:        "POST",
		URL:           u,
		Body:          body,
		Context:       ctx,
	})
}

func (o *Orchestrator) sendContractRequest(ctx context.Context, n *negotiation.Negotiation) error {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractRequest")
	contractRequest := shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     n.GetConsumerPID().URN(),
		Offer:           n.GetOffer().MessageOffer,
		CallbackAddress: n.GetSelf().String(),
	}
	if n.GetProviderPID() != emptyUUID {
		contractRequest.ProviderPID = n.GetProviderPID().URN()
	}

	reqBody, err := shared.Encode(o.codec, contractRequest)
	if err != nil {
		logger.Error("Could not encode contract request", "err", err)
		return fmt.Errorf("could not encode contract request: %w", err)
	}

	cu := cloneURL(n.GetCallback())
	if n.GetProviderPID() != emptyUUID {
		cu.Path = path.Join(cu.Path, "negotiations", n.GetProviderPID().String(), "request")
	} else {
		cu.Path = path.Join(cu.Path, "negotiations", "request")
	}

	o.queue(ctx, n, cu, reqBody)
	return nil
}

func (o *Orchestrator) sendContractOffer(ctx context.Context, n *negotiation.Negotiation) error {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractOffer")
	contractOffer := shared.ContractOfferMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractOfferMessage",
		ProviderPID:     n.GetProviderPID().URN(),
		Offer:           n.GetOffer().MessageOffer,
		CallbackAddress: n.GetSelf().String(),
	}
	if n.GetConsumerPID() != emptyUUID {
		contractOffer.ConsumerPID = n.GetConsumerPID().URN()
	}

	reqBody, err := shared.Encode(o.codec, contractOffer)
	if err != nil {
		logger.Error("Could not encode contract offer", "err", err)
		return fmt.Errorf("could not encode contract offer: %w", err)
	}

	// A consumer's callback address already carries its callback prefix, so
	// the offer paths join straight onto it.
	cu := cloneURL(n.GetCallback())
	if n.GetConsumerPID() != emptyUUID {
		cu.Path = path.Join(cu.Path, "negotiations", n.GetConsumerPID().String(), "offers")
	} else {
		cu.Path = path.Join(cu.Path, "negotiations", "offers")
	}

	o.queue(ctx, n, cu, reqBody)
	return nil
}

func (o *Orchestrator) sendContractAgreement(ctx context.Context, n *negotiation.Negotiation) error {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractAgreement")
	contractAgreement := shared.ContractAgreementMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractAgreementMessage",
		ProviderPID:     n.GetProviderPID().URN(),
		ConsumerPID:     n.GetConsumerPID().URN(),
		Agreement:       *n.GetAgreement(),
		CallbackAddress: n.GetSelf().String(),
	}

	reqBody, err := shared.Encode(o.codec, contractAgreement)
	if err != nil {
		logger.Error("Could not encode contract agreement", "err", err)
		return fmt.Errorf("could not encode contract agreement: %w", err)
	}

	cu := cloneURL(n.GetCallback())
	cu.Path = path.Join(cu.Path, "negotiations", n.GetConsumerPID().String(), "agreement")

	o.queue(ctx, n, cu, reqBody)
	return nil
}

func (o *Orchestrator) sendContractEvent(
	ctx context.Context, n *negotiation.Negotiation, pid uuid.UUID, state negotiation.State,
) error {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractEvent")
	contractEvent := shared.ContractNegotiationEventMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiationEventMessage",
		ProviderPID: n.GetProviderPID().URN(),
		ConsumerPID: n.GetConsumerPID().URN(),
		EventType:   state.String(),
	}

	reqBody, err := shared.Encode(o.codec, contractEvent)
	if err != nil {
		logger.Error("Could not encode contract event", "err", err)
		return fmt.Errorf("could not encode contract event: %w", err)
	}

	cu := cloneURL(n.GetCallback())
	cu.Path = path.Join(cu.Path, "negotiations", pid.String(), "events")

	o.queue(ctx, n, cu, reqBody)
	return nil
}

func (o *Orchestrator) sendContractVerification(ctx context.Context, n *negotiation.Negotiation) error {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractVerification")
	contractVerification := shared.ContractAgreementVerificationMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractAgreementVerificationMessage",
		ProviderPID: n.GetProviderPID().URN(),
		ConsumerPID: n.GetConsumerPID().URN(),
	}

	reqBody, err := shared.Encode(o.codec, contractVerification)
	if err != nil {
		logger.Error("Could not encode contract verification", "err", err)
		return fmt.Errorf("could not encode contract verification: %w", err)
	}

	cu := cloneURL(n.GetCallback())
	cu.Path = path.Join(cu.Path, "negotiations", n.GetProviderPID().String(), "agreement", "verification")

	o.queue(ctx, n, cu, reqBody)
	return nil
}

func (o *Orchestrator) sendContractTermination(
	ctx context.Context, n *negotiation.Negotiation, code string, reason []shared.Multilanguage,
) error {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractTermination")
	termination := shared.ContractNegotiationTerminationMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiationTerminationMessage",
		ProviderPID: n.GetProviderPID().URN(),
		ConsumerPID: n.GetConsumerPID().URN(),
		Code:        code,
		Reason:      reason,
	}

	reqBody, err := shared.Encode(o.codec, termination)
	if err != nil {
		logger.Error("Could not encode contract termination", "err", err)
		return fmt.Errorf("could not encode contract termination: %w", err)
	}

	cu := cloneURL(n.GetCallback())
	cu.Path = path.Join(cu.Path, "negotiations", n.GetRemotePID().String(), "termination")

	o.queue(ctx, n, cu, reqBody)
	return nil
}
