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
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/negotiation"
	"github.com/conduitspace/conduit/dsp/orchestrator"
	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/conduitspace/conduit/logging"
	"github.com/conduitspace/conduit/odrl"
	"github.com/google/uuid"
)

// startNegotiationRequest is the operator request to start a consumer side
// negotiation.
type startNegotiationRequest struct {
	ProviderURL string     `json:"providerUrl"`
	Offer       odrl.Offer `json:"offer"`
}

// postOfferRequest is the operator request to send a provider side offer.
type postOfferRequest struct {
	ConsumerURL string     `json:"consumerUrl"`
	Offer       odrl.Offer `json:"offer"`
}

// terminateRequest is the operator request to terminate a negotiation.
type terminateRequest struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func decodeControlRequest[T any](req *http.Request) (T, error) {
	var body T
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return body, shared.ValidationErrorf("malformed control request: %s", err)
	}
	return body, nil
}

func (dh *dspHandlers) controlStartHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "controlStartHandler")
	body, err := decodeControlRequest[startNegotiationRequest](req)
	if err != nil {
		return err
	}
	providerURL, err := url.Parse(body.ProviderURL)
	if err != nil || body.ProviderURL == "" {
		return shared.ValidationErrorf("providerUrl is not a valid URL")
	}
	n, err := dh.orch.StartNegotiation(ctx, providerURL, body.Offer)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) controlPostOfferHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "controlPostOfferHandler")
	body, err := decodeControlRequest[postOfferRequest](req)
	if err != nil {
		return err
	}
	consumerURL, err := url.Parse(body.ConsumerURL)
	if err != nil || body.ConsumerURL == "" {
		return shared.ValidationErrorf("consumerUrl is not a valid URL")
	}
	n, err := dh.orch.PostOffer(ctx, consumerURL, body.Offer)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) controlAcceptHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "controlAcceptHandler")
	consumerPID, err := parsePathPID(req, "consumerPID")
	if err != nil {
		return err
	}
	n, err := dh.orch.Accept(ctx, consumerPID)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) controlVerifyHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "controlVerifyHandler")
	consumerPID, err := parsePathPID(req, "consumerPID")
	if err != nil {
		return err
	}
	n, err := dh.orch.SubmitVerification(ctx, consumerPID)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) controlAgreementHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "controlAgreementHandler")
	providerPID, err := parsePathPID(req, "providerPID")
	if err != nil {
		return err
	}
	ro, err := dh.orch.GetNegotiation(ctx, providerPID, constants.DataspaceProvider)
	if err != nil {
		return err
	}
	n, err := dh.orch.SendAgreement(ctx, ro.GetConsumerPID(), providerPID)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) controlFinalizeHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "controlFinalizeHandler")
	providerPID, err := parsePathPID(req, "providerPID")
	if err != nil {
		return err
	}
	ro, err := dh.orch.GetNegotiation(ctx, providerPID, constants.DataspaceProvider)
	if err != nil {
		return err
	}
	n, err := dh.orch.Finalize(ctx, ro.GetConsumerPID(), providerPID)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) controlTerminateHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "controlTerminateHandler")
	pid, err := parsePathPID(req, "PID")
	if err != nil {
		return err
	}
	body, err := decodeControlRequest[terminateRequest](req)
	if err != nil {
		return err
	}
	n, err := dh.findNegotiation(req, pid)
	if err != nil {
		return err
	}
	if err := dh.orch.Terminate(
		ctx, n.GetConsumerPID(), n.GetProviderPID(),
		body.Code,
		[]shared.Multilanguage{{Value: body.Reason, Language: "en"}},
	); err != nil {
		return err
	}
	n, err = dh.findNegotiation(req, pid)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

func (dh *dspHandlers) controlStatusHandler(w http.ResponseWriter, req *http.Request) error {
	pid, err := parsePathPID(req, "PID")
	if err != nil {
		return err
	}
	n, err := dh.findNegotiation(req, pid)
	if err != nil {
		return err
	}
	return dh.ackNegotiation(w, req, n)
}

// findNegotiation resolves a local PID regardless of role, consumer first.
func (dh *dspHandlers) findNegotiation(
	req *http.Request, pid uuid.UUID,
) (*negotiation.Negotiation, error) {
	n, err := dh.orch.GetNegotiation(req.Context(), pid, constants.DataspaceConsumer)
	if err == nil {
		return n, nil
	}
	var notFound orchestrator.NegotiationNotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}
	return dh.orch.GetNegotiation(req.Context(), pid, constants.DataspaceProvider)
}
