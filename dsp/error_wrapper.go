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

	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/conduitspace/conduit/logging"
)

// HTTPReturnError is an interface for a dataspace protocol error, containing
// all the information needed to return a sane dataspace error over HTTP.
type HTTPReturnError interface {
	error
	StatusCode() int
	ErrorType() string
	DSPCode() string
	Reason() []shared.Multilanguage
	Description() []shared.Multilanguage
	ProviderPID() string
	ConsumerPID() string
}

// WrapHandlerWithError wraps an error-returning http handler into a generic
// http.Handler. Errors implementing HTTPReturnError render as proper
// dataspace errors, message validation failures as a 400, anything else as a
// generic 500.
func (dh *dspHandlers) wrapHandlerWithError(
	h func(w http.ResponseWriter, r *http.Request) error,
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		logger := logging.Extract(r.Context())
		logger.Error("HTTP handler returned error", "err", err.Error())

		var httpError HTTPReturnError
		if errors.As(err, &httpError) {
			dh.writeDSPError(w, r, httpError.StatusCode(), shared.DSPError{
				Context:     shared.GetDSPContext(),
				Type:        httpError.ErrorType(),
				ProviderPID: httpError.ProviderPID(),
				ConsumerPID: httpError.ConsumerPID(),
				Code:        httpError.DSPCode(),
				Reason:      httpError.Reason(),
				Description: httpError.Description(),
			})
			return
		}

		var validationError shared.ValidationError
		if errors.As(err, &validationError) {
			dh.writeDSPError(w, r, http.StatusBadRequest, shared.DSPError{
				Context: shared.GetDSPContext(),
				Type:    "dspace:ContractNegotiationError",
				Code:    "400",
				Reason: []shared.Multilanguage{
					{Value: validationError.Reason(), Language: "en"},
				},
			})
			return
		}

		dh.writeDSPError(w, r, http.StatusInternalServerError, shared.DSPError{
			Context: shared.GetDSPContext(),
			Type:    "dspace:UnknownError",
			Code:    "INTERNAL",
			Reason: []shared.Multilanguage{
				{Value: "Internal Server Error", Language: "en"},
			},
		})
	})
}

func (dh *dspHandlers) writeDSPError(
	w http.ResponseWriter, r *http.Request, status int, dErr shared.DSPError,
) {
	if err := shared.EncodeResponse(dh.codec, w, status, dErr); err != nil {
		logging.Extract(r.Context()).Error("Error while encoding DSP error", "err", err)
	}
}
