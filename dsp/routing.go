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

// Package dsp serves the dataspace protocol endpoints and the operator
// control API.
package dsp

import (
	"fmt"
	"net/http"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/orchestrator"
	"github.com/conduitspace/conduit/dsp/shared"
)

type dspHandlers struct {
	orch  *orchestrator.Orchestrator
	codec *shared.Codec
}

// GetWellKnownRoutes returns the well-known protocol metadata routes.
func GetWellKnownRoutes(codec *shared.Codec) http.Handler {
	dh := &dspHandlers{codec: codec}
	mux := http.NewServeMux()
	mux.Handle("GET /dspace-version", dh.wrapHandlerWithError(dh.dspaceVersionHandler))
	// Optional proof endpoint for protected datasets.
	mux.HandleFunc("GET /dspace-trust", routeNotImplemented)
	return mux
}

// GetDSPRoutes returns the dataspace protocol routes, both the provider
// endpoints and the consumer callbacks.
func GetDSPRoutes(orch *orchestrator.Orchestrator, codec *shared.Codec) http.Handler {
	dh := &dspHandlers{orch: orch, codec: codec}
	mux := http.NewServeMux()

	// Contract negotiation endpoints.
	mux.Handle("GET /negotiations/{providerPID}",
		dh.wrapHandlerWithError(dh.providerContractStateHandler))
	mux.Handle("POST /negotiations/request",
		dh.wrapHandlerWithError(dh.providerContractRequestHandler))
	mux.Handle("POST /negotiations/{providerPID}/request",
		dh.wrapHandlerWithError(dh.providerContractSpecificRequestHandler))
	mux.Handle("POST /negotiations/{providerPID}/events",
		dh.wrapHandlerWithError(dh.providerContractEventHandler))
	mux.Handle("POST /negotiations/{providerPID}/agreement/verification",
		dh.wrapHandlerWithError(dh.providerContractVerificationHandler))
	mux.Handle("POST /negotiations/{PID}/termination",
		dh.wrapHandlerWithError(dh.contractTerminationHandler))

	// Contract negotiation consumer callbacks.
	mux.Handle("POST /negotiations/offers",
		dh.wrapHandlerWithError(dh.consumerContractOfferHandler))
	mux.Handle("POST /callback/negotiations/{consumerPID}/offers",
		dh.wrapHandlerWithError(dh.consumerContractSpecificOfferHandler))
	mux.Handle("POST /callback/negotiations/{consumerPID}/agreement",
		dh.wrapHandlerWithError(dh.consumerContractAgreementHandler))
	mux.Handle("POST /callback/negotiations/{consumerPID}/events",
		dh.wrapHandlerWithError(dh.consumerContractEventHandler))
	mux.Handle("POST /callback/negotiations/{PID}/termination",
		dh.wrapHandlerWithError(dh.contractTerminationHandler))

	return mux
}

// GetControlRoutes returns the operator control API routes.
func GetControlRoutes(orch *orchestrator.Orchestrator, codec *shared.Codec) http.Handler {
	dh := &dspHandlers{orch: orch, codec: codec}
	mux := http.NewServeMux()

	mux.Handle("GET /negotiations/{PID}",
		dh.wrapHandlerWithError(dh.controlStatusHandler))
	mux.Handle("POST /negotiations",
		dh.wrapHandlerWithError(dh.controlStartHandler))
	mux.Handle("POST /offers",
		dh.wrapHandlerWithError(dh.controlPostOfferHandler))
	mux.Handle("POST /negotiations/{consumerPID}/accept",
		dh.wrapHandlerWithError(dh.controlAcceptHandler))
	mux.Handle("POST /negotiations/{consumerPID}/verify",
		dh.wrapHandlerWithError(dh.controlVerifyHandler))
	mux.Handle("POST /negotiations/{providerPID}/agreement",
		dh.wrapHandlerWithError(dh.controlAgreementHandler))
	mux.Handle("POST /negotiations/{providerPID}/finalize",
		dh.wrapHandlerWithError(dh.controlFinalizeHandler))
	mux.Handle("POST /negotiations/{PID}/terminate",
		dh.wrapHandlerWithError(dh.controlTerminateHandler))

	return mux
}

func routeNotImplemented(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotImplemented)
	fmt.Fprintf(w, `{"error": "%s %s has not been implemented"}`, req.Method, req.URL.Path)
}

func (dh *dspHandlers) dspaceVersionHandler(w http.ResponseWriter, req *http.Request) error {
	return shared.EncodeResponse(dh.codec, w, http.StatusOK, shared.VersionResponse{
		Context: shared.GetDSPContext(),
		ProtocolVersions: []shared.ProtocolVersion{
			{
				Version: constants.DSPVersion,
				Path:    constants.APIPath,
			},
		},
	})
}
