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

package negotiation_test

import (
	"testing"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/negotiation"
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
	testOffer         = odrl.Offer{
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

func allStates() []negotiation.State {
	return []negotiation.State{
		negotiation.States.REQUESTED,
		negotiation.States.OFFERED,
		negotiation.States.ACCEPTED,
		negotiation.States.AGREED,
		negotiation.States.VERIFIED,
		negotiation.States.FINALIZED,
		negotiation.States.TERMINATED,
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	forward := map[negotiation.State][]negotiation.State{
		negotiation.States.REQUESTED: {negotiation.States.OFFERED, negotiation.States.ACCEPTED},
		negotiation.States.OFFERED:   {negotiation.States.ACCEPTED},
		negotiation.States.ACCEPTED:  {negotiation.States.AGREED},
		negotiation.States.AGREED:    {negotiation.States.VERIFIED},
		negotiation.States.VERIFIED:  {negotiation.States.FINALIZED},
	}

	for _, from := range allStates() {
		for _, to := range allStates() {
			want := false
			if !from.Terminal() && to == negotiation.States.TERMINATED {
				want = true
			}
			for _, allowed := range forward[from] {
				if to == allowed {
					want = true
				}
			}
			got := negotiation.CanTransition(from, to)
			assert.Equal(t, want, got, "transition %s -> %s", from, to)
		}
	}
}

func TestSetState(t *testing.T) {
	t.Parallel()

	n := negotiation.New(
		staticProviderPID, staticConsumerPID,
		negotiation.States.REQUESTED,
		testOffer,
		callBack, selfURL,
		constants.DataspaceProvider,
		false,
	)

	assert.Error(t, n.SetState(negotiation.States.AGREED))
	assert.Equal(t, negotiation.States.REQUESTED, n.GetState())

	require.NoError(t, n.SetState(negotiation.States.OFFERED))
	require.NoError(t, n.SetState(negotiation.States.ACCEPTED))
	require.NoError(t, n.SetState(negotiation.States.AGREED))
	require.NoError(t, n.SetState(negotiation.States.VERIFIED))
	require.NoError(t, n.SetState(negotiation.States.FINALIZED))

	assert.Error(t, n.SetState(negotiation.States.TERMINATED))
}

func TestReadOnlyPanics(t *testing.T) {
	t.Parallel()

	n := negotiation.New(
		staticProviderPID, staticConsumerPID,
		negotiation.States.REQUESTED,
		testOffer,
		callBack, selfURL,
		constants.DataspaceConsumer,
		false,
	)
	n.SetReadOnly()
	assert.Panics(t, func() { _ = n.SetState(negotiation.States.OFFERED) })
	assert.Panics(t, func() { n.SetProviderPID(uuid.New()) })
}

func TestBytesRoundTrip(t *testing.T) {
	t.Parallel()

	n := negotiation.New(
		staticProviderPID, staticConsumerPID,
		negotiation.States.OFFERED,
		testOffer,
		callBack, selfURL,
		constants.DataspaceConsumer,
		true,
	)

	b, err := n.ToBytes()
	require.NoError(t, err)
	got, err := negotiation.FromBytes(b)
	require.NoError(t, err)

	assert.Equal(t, n.GetProviderPID(), got.GetProviderPID())
	assert.Equal(t, n.GetConsumerPID(), got.GetConsumerPID())
	assert.Equal(t, n.GetState(), got.GetState())
	assert.Equal(t, n.GetOffer(), got.GetOffer())
	assert.Equal(t, n.GetRole(), got.GetRole())
	assert.Equal(t, n.GetCallback().String(), got.GetCallback().String())
	assert.Equal(t, n.GetSelf().String(), got.GetSelf().String())
	assert.True(t, got.Automatic())
}

func TestGetContractNegotiation(t *testing.T) {
	t.Parallel()

	n := negotiation.New(
		staticProviderPID, staticConsumerPID,
		negotiation.States.ACCEPTED,
		testOffer,
		callBack, selfURL,
		constants.DataspaceProvider,
		false,
	)
	cn := n.GetContractNegotiation()
	assert.Equal(t, "dspace:ContractNegotiation", cn.Type)
	assert.Equal(t, staticProviderPID.URN(), cn.ProviderPID)
	assert.Equal(t, staticConsumerPID.URN(), cn.ConsumerPID)
	assert.Equal(t, "dspace:ACCEPTED", cn.State)
}
