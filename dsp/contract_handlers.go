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

package dsp

import (
	"errors"
	"net/http"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/negotiation"
	"github.com/conduitspace/conduit/dsp/orchestrator"
	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/conduitspace/conduit/logging"
	"github.com/google/uuid"
)

func parsePathPID(req *http.Request, name string) (uuid.UUID, error) {
	pid, err := uuid.Parse(req.PathValue(name))
	if err != nil {
		return uuid.UUID{}, shared.ValidationErrorf("%s is not a UUID: %s", name, err)
	}
	return pid, nil
}

// ackNegotiation serves the negotiation's current state document, the ack for
// every processed protocol message.
func (dh *dspHandlers) ackNegotiation(
	w http.ResponseWriter, req *http.Request, n *negotiation.Negotiation,
) error {
	if err := shared.EncodeResponse(dh.codec, w, http.StatusOK, n.GetContractNegotiation()); err != nil {
		logging.Extract(req.Context()).Error("Couldn't serve response", "err", err)
	}
	return nil
}

func (dh *dspHandlers) providerContractStateHandler(w http.ResponseWriter, req *http.Request) error {
	providerPID, err := parsePathPID(req, "providerPID")
	if err != nil {
		return err
	}
	n, err := dh.orch.GetNegotiation(req.Context(), providerPID, constants.DataspaceProvider)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) providerContractRequestHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "providerContractRequestHandler")
	msg, err := shared.DecodeRequest[shared.ContractRequestMessage](
		dh.codec, req, "dspace:ContractRequestMessage")
	if err != nil {
		return err
	}
	n, err := dh.orch.HandleIncomingRequest(ctx, msg)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) providerContractSpecificRequestHandler(
	w http.ResponseWriter, req *http.Request,
) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "providerContractSpecificRequestHandler")
	providerPID, err := parsePathPID(req, "providerPID")
	if err != nil {
		return err
	}
	msg, err := shared.DecodeRequest[shared.ContractRequestMessage](
		dh.codec, req, "dspace:ContractRequestMessage")
	if err != nil {
		return err
	}
	if msg.ProviderPID == "" {
		return shared.ValidationErrorf("providerPid missing from message on ongoing negotiation")
	}
	msgPID, err := uuid.Parse(msg.ProviderPID)
	if err != nil || msgPID != providerPID {
		return shared.ValidationErrorf("providerPid does not match the request path")
	}
	n, err := dh.orch.HandleIncomingRequest(ctx, msg)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) providerContractEventHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "providerContractEventHandler")
	providerPID, err := parsePathPID(req, "providerPID")
	if err != nil {
		return err
	}
	msg, err := shared.DecodeRequest[shared.ContractNegotiationEventMessage](
		dh.codec, req, "dspace:ContractNegotiationEventMessage")
	if err != nil {
		return err
	}
	n, err := dh.orch.HandleEvent(ctx, providerPID, msg)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) providerContractVerificationHandler(
	w http.ResponseWriter, req *http.Request,
) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "providerContractVerificationHandler")
	providerPID, err := parsePathPID(req, "providerPID")
	if err != nil {
		return err
	}
	msg, err := shared.DecodeRequest[shared.ContractAgreementVerificationMessage](
		dh.codec, req, "dspace:ContractAgreementVerificationMessage")
	if err != nil {
		return err
	}
	n, err := dh.orch.HandleVerification(ctx, providerPID, msg)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

// contractTerminationHandler serves both the provider endpoint and the
// consumer callback, the PID decides which negotiation it lands on.
func (dh *dspHandlers) contractTerminationHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "contractTerminationHandler")
	pid, err := parsePathPID(req, "PID")
	if err != nil {
		return err
	}
	msg, err := shared.DecodeRequest[shared.ContractNegotiationTerminationMessage](
		dh.codec, req, "dspace:ContractNegotiationTerminationMessage")
	if err != nil {
		return err
	}
	n, err := dh.orch.HandleTermination(ctx, pid, constants.DataspaceProvider, msg)
	if err != nil {
		var notFound orchestrator.NegotiationNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		n, err = dh.orch.HandleTermination(ctx, pid, constants.DataspaceConsumer, msg)
		if err != nil {
			return err
		}
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) consumerContractOfferHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "consumerContractOfferHandler")
	msg, err := shared.DecodeRequest[shared.ContractOfferMessage](
		dh.codec, req, "dspace:ContractOfferMessage")
	if err != nil {
		return err
	}
	n, err := dh.orch.HandleIncomingOffer(ctx, msg)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) consumerContractSpecificOfferHandler(
	w http.ResponseWriter, req *http.Request,
) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "consumerContractSpecificOfferHandler")
	consumerPID, err := parsePathPID(req, "consumerPID")
	if err != nil {
		return err
	}
	msg, err := shared.DecodeRequest[shared.ContractOfferMessage](
		dh.codec, req, "dspace:ContractOfferMessage")
	if err != nil {
		return err
	}
	if msg.ConsumerPID == "" {
		return shared.ValidationErrorf("consumerPid missing from message on ongoing negotiation")
	}
	msgPID, err := uuid.Parse(msg.ConsumerPID)
	if err != nil || msgPID != consumerPID {
		return shared.ValidationErrorf("consumerPid does not match the request path")
	}
	n, err := dh.orch.HandleIncomingOffer(ctx, msg)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) consumerContractAgreementHandler(
	w http.ResponseWriter, req *http.Request,
) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "consumerContractAgreementHandler")
	consumerPID, err := parsePathPID(req, "consumerPID")
	if err != nil {
		return err
	}
	msg, err := shared.DecodeRequest[shared.ContractAgreementMessage](
		dh.codec, req, "dspace:ContractAgreementMessage")
	if err != nil {
		return err
	}
	n, err := dh.orch.HandleAgreement(ctx, consumerPID, msg)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) consumerContractEventHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "consumerContractEventHandler")
	consumerPID, err := parsePathPID(req, "consumerPID")
	if err != nil {
		return err
	}
	msg, err := shared.DecodeRequest[shared.ContractNegotiationEventMessage](
		dh.codec, req, "dspace:ContractNegotiationEventMessage")
	if err != nil {
		return err
	}
	n, err := dh.orch.HandleEvent(ctx, consumerPID, msg)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}
