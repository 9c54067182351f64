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

package dsp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/conduitspace/conduit/dsp"
	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/events"
	"github.com/conduitspace/conduit/dsp/negotiation"
	"github.com/conduitspace/conduit/dsp/orchestrator"
	"github.com/conduitspace/conduit/dsp/outbox"
	"github.com/conduitspace/conduit/dsp/persistence/badger"
	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/conduitspace/conduit/odrl"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	staticProviderPID = uuid.MustParse("42e3656b-751c-40e1-a59c-3a07ec047c01")
	staticConsumerPID = uuid.MustParse("435b1eb7-824a-4a88-8dd3-9034b65db45c")
	targetID          = uuid.MustParse("271d90b7-80ed-4f02-856d-5a881efba4ec")
	odrlOffer         = odrl.Offer{
		MessageOffer: odrl.MessageOffer{
			Type: "odrl:Offer",
			PolicyClass: odrl.PolicyClass{
				ID: uuid.MustParse("4e3770fd-63d5-4cd7-bb82-bca2ce0cf563").URN(),
				AbstractPolicyRule: odrl.AbstractPolicyRule{
					Assigner: "urn:conduit:assigner",
				},
				Permission: []odrl.Permission{
					{
						Action: "odrl:use",
					},
				},
			},
			Target: targetID.URN(),
		},
	}
	callBack = shared.MustParseURL("http://example.com")
	selfURL  = shared.MustParseURL("http://example.org")
)

// nullRequester swallows outbound protocol sends, the handler tests only
// exercise the inbound side.
type nullRequester struct{}

func (nr *nullRequester) SendHTTPRequest(
	_ context.Context, _ string, _ *url.URL, _ []byte,
) ([]byte, error) {
	return []byte(`{}`), nil
}

type environment struct {
	server *httptest.Server
	store  *badger.StorageProvider
}

func setupEnvironment(t *testing.T) (context.Context, *environment) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	slog.SetDefault(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	store, err := badger.New(ctx, true, "")
	require.NoError(t, err)
	codec, err := shared.NewCodec()
	require.NoError(t, err)

	bus := events.New(ctx)
	ob := outbox.New(ctx, &nullRequester{})
	orch := orchestrator.New(store, codec, bus, ob, selfURL, false)
	ob.SetStateSetter(orch)
	ob.Run()

	ts := httptest.NewServer(dsp.GetDSPRoutes(orch, codec))
	t.Cleanup(ts.Close)
	return ctx, &environment{server: ts, store: store}
}

func fetchAndDecode[T any](
	ctx context.Context, t *testing.T, method, url string, body io.Reader,
) T {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	return decode[T](t, resp.Body)
}

func decode[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var thing T
	err := json.NewDecoder(body).Decode(&thing)
	require.NoError(t, err)
	return thing
}

func encode[T any](t *testing.T, thing T) io.Reader {
	t.Helper()
	b := &bytes.Buffer{}
	err := json.NewEncoder(b).Encode(thing)
	require.NoError(t, err)
	return b
}

func createNegotiation(
	ctx context.Context,
	t *testing.T,
	store *badger.StorageProvider,
	state negotiation.State,
	role constants.DataspaceRole,
) {
	t.Helper()
	n := negotiation.New(
		staticProviderPID,
		staticConsumerPID,
		negotiation.States.REQUESTED,
		odrlOffer,
		callBack,
		selfURL,
		role,
		false,
	)
	if state != negotiation.States.REQUESTED {
		require.NoError(t, n.SetState(state))
	}
	require.NoError(t, store.InsertNegotiation(ctx, n))
}

func TestNegotiationStatus(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t)
	createNegotiation(ctx, t, env.store, negotiation.States.OFFERED, constants.DataspaceProvider)

	u := env.server.URL + fmt.Sprintf("/negotiations/%s", staticProviderPID.String())
	status := fetchAndDecode[shared.ContractNegotiation](ctx, t, http.MethodGet, u, nil)
	assert.Equal(t, "dspace:ContractNegotiation", status.Type)
	assert.Equal(t, staticConsumerPID.URN(), status.ConsumerPID)
	assert.Equal(t, staticProviderPID.URN(), status.ProviderPID)
	assert.Equal(t, negotiation.States.OFFERED.String(), status.State)
}

func TestNegotiationStatusNotFound(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t)

	u := env.server.URL + fmt.Sprintf("/negotiations/%s", uuid.New())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	dspErr := decode[shared.DSPError](t, resp.Body)
	assert.Equal(t, "dspace:ContractNegotiationError", dspErr.Type)
	assert.Equal(t, "404", dspErr.Code)
}

func TestNegotiationProviderInitialRequest(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t)

	u := env.server.URL + "/negotiations/request"
	body := encode(t, shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     staticConsumerPID.URN(),
		Offer:           odrlOffer.MessageOffer,
		CallbackAddress: callBack.String(),
	})
	status := fetchAndDecode[shared.ContractNegotiation](ctx, t, http.MethodPost, u, body)
	assert.Equal(t, "dspace:ContractNegotiation", status.Type)
	assert.Equal(t, staticConsumerPID.URN(), status.ConsumerPID)
	assert.NotEmpty(t, status.ProviderPID)
	assert.Equal(t, negotiation.States.REQUESTED.String(), status.State)

	providerPID := uuid.MustParse(status.ProviderPID)
	n, err := env.store.GetNegotiationR(ctx, providerPID, constants.DataspaceProvider)
	require.NoError(t, err)
	assert.Equal(t, staticConsumerPID, n.GetConsumerPID())
	assert.Equal(t, negotiation.States.REQUESTED, n.GetState())
	assert.Equal(t, odrlOffer, n.GetOffer())
	assert.Equal(t, callBack.String(), n.GetCallback().String())
}

func TestNegotiationProviderInitialRequestRejectsBadEnvelope(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t)

	u := env.server.URL + "/negotiations/request"
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, u, bytes.NewBufferString(`{"@type": "dspace:ContractRequestMessage"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	dspErr := decode[shared.DSPError](t, resp.Body)
	assert.Equal(t, "dspace:ContractNegotiationError", dspErr.Type)
	assert.Equal(t, "400", dspErr.Code)
}

func TestNegotiationConsumerOffer(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t)

	u := env.server.URL + "/negotiations/offers"
	body := encode(t, shared.ContractOfferMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractOfferMessage",
		ProviderPID:     staticProviderPID.URN(),
		Offer:           odrlOffer.MessageOffer,
		CallbackAddress: callBack.String(),
	})
	status := fetchAndDecode[shared.ContractNegotiation](ctx, t, http.MethodPost, u, body)
	assert.Equal(t, staticProviderPID.URN(), status.ProviderPID)
	assert.NotEmpty(t, status.ConsumerPID)
	assert.Equal(t, negotiation.States.OFFERED.String(), status.State)

	consumerPID := uuid.MustParse(status.ConsumerPID)
	n, err := env.store.GetNegotiationR(ctx, consumerPID, constants.DataspaceConsumer)
	require.NoError(t, err)
	assert.Equal(t, constants.DataspaceConsumer, n.GetRole())
	assert.Equal(t, negotiation.States.OFFERED, n.GetState())
}

func TestNegotiationSpecificRequestPIDMismatch(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t)
	createNegotiation(ctx, t, env.store, negotiation.States.REQUESTED, constants.DataspaceProvider)

	u := env.server.URL + "/negotiations/" + staticProviderPID.String() + "/request"
	body := encode(t, shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ProviderPID:     uuid.New().URN(), // Does not match the path.
		ConsumerPID:     staticConsumerPID.URN(),
		Offer:           odrlOffer.MessageOffer,
		CallbackAddress: callBack.String(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNegotiationTermination(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t)
	createNegotiation(ctx, t, env.store, negotiation.States.OFFERED, constants.DataspaceProvider)

	u := env.server.URL + "/negotiations/" + staticProviderPID.String() + "/termination"
	body := encode(t, shared.ContractNegotiationTerminationMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiationTerminationMessage",
		ProviderPID: staticProviderPID.URN(),
		ConsumerPID: staticConsumerPID.URN(),
		Code:        "POLICY_DENIED",
	})
	status := fetchAndDecode[shared.ContractNegotiation](ctx, t, http.MethodPost, u, body)
	assert.Equal(t, negotiation.States.TERMINATED.String(), status.State)

	n, err := env.store.GetNegotiationR(ctx, staticProviderPID, constants.DataspaceProvider)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.TERMINATED, n.GetState())
}

func TestWellKnownVersion(t *testing.T) {
	t.Parallel()
	codec, err := shared.NewCodec()
	require.NoError(t, err)
	ts := httptest.NewServer(dsp.GetWellKnownRoutes(codec))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/dspace-version")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	version := decode[shared.VersionResponse](t, resp.Body)
	require.Len(t, version.ProtocolVersions, 1)
	assert.Equal(t, "2024-1", version.ProtocolVersions[0].Version)
}
