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

package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/events"
	"github.com/conduitspace/conduit/dsp/negotiation"
	"github.com/conduitspace/conduit/dsp/orchestrator"
	"github.com/conduitspace/conduit/dsp/outbox"
	"github.com/conduitspace/conduit/dsp/persistence"
	"github.com/conduitspace/conduit/dsp/persistence/badger"
	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/conduitspace/conduit/odrl"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	providerURL = shared.MustParseURL("http://provider.example.com")
	consumerURL = shared.MustParseURL("http://consumer.example.com")
	selfURL     = shared.MustParseURL("http://self.example.org")
)

type sentRequest struct {
	method string
	url    string
	body   []byte
}

type recordingRequester struct {
	mu   sync.Mutex
	sent []sentRequest
}

func (r *recordingRequester) SendHTTPRequest(
	_ context.Context, method string, u *url.URL, body []byte,
) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentRequest{method: method, url: u.String(), body: body})
	return []byte(`{}`), nil
}

func (r *recordingRequester) sentTo(snippet string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sent {
		if strings.Contains(s.url, snippet) {
			return true
		}
	}
	return false
}

type environment struct {
	orch      *orchestrator.Orchestrator
	store     *badger.StorageProvider
	bus       *events.Bus
	requester *recordingRequester
}

func setupEnvironment(t *testing.T, automatic bool) (context.Context, *environment) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	slog.SetDefault(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	store, err := badger.New(ctx, true, "")
	require.NoError(t, err)
	codec, err := shared.NewCodec()
	require.NoError(t, err)

	bus := events.New(ctx)
	requester := &recordingRequester{}
	ob := outbox.New(ctx, requester)
	orch := orchestrator.New(store, codec, bus, ob, selfURL, automatic)
	ob.SetStateSetter(orch)
	ob.Run()

	return ctx, &environment{
		orch:      orch,
		store:     store,
		bus:       bus,
		requester: requester,
	}
}

func testOffer() odrl.Offer {
	return odrl.Offer{
		MessageOffer: odrl.MessageOffer{
			Type: "odrl:Offer",
			PolicyClass: odrl.PolicyClass{
				ID: uuid.New().URN(),
				AbstractPolicyRule: odrl.AbstractPolicyRule{
					Assigner: "urn:conduit:assigner",
				},
				Permission: []odrl.Permission{
					{
						Action: "odrl:use",
					},
				},
			},
			Target: uuid.New().URN(),
		},
	}
}

func waitForSend(t *testing.T, r *recordingRequester, snippet string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.sentTo(snippet)
	}, 10*time.Second, 10*time.Millisecond, "no request sent to %s", snippet)
}

func TestStartNegotiation(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	offer := testOffer()
	n, err := env.orch.StartNegotiation(ctx, providerURL, offer)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.REQUESTED, n.GetState())
	assert.Equal(t, constants.DataspaceConsumer, n.GetRole())
	assert.NotEqual(t, uuid.UUID{}, n.GetConsumerPID())
	assert.Equal(t, uuid.UUID{}, n.GetProviderPID())
	assert.Equal(t, selfURL.String()+"/callback", n.GetSelf().String())

	waitForSend(t, env.requester, "/negotiations/request")

	// A second start for the same target conflicts while the first one is
	// still active.
	_, err = env.orch.StartNegotiation(ctx, providerURL, offer)
	var exists orchestrator.NegotiationExistsError
	assert.True(t, errors.As(err, &exists))
}

func TestHandleIncomingRequest(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	offer := testOffer()
	consumerPID := uuid.New()
	msg := shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     consumerPID.URN(),
		Offer:           offer.MessageOffer,
		CallbackAddress: consumerURL.String(),
	}

	n, err := env.orch.HandleIncomingRequest(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.REQUESTED, n.GetState())
	assert.Equal(t, consumerPID, n.GetConsumerPID())
	assert.NotEqual(t, uuid.UUID{}, n.GetProviderPID())

	// A replay carrying our providerPid acks without mutation.
	replay := msg
	replay.ProviderPID = n.GetProviderPID().URN()
	ack, err := env.orch.HandleIncomingRequest(ctx, replay)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.REQUESTED, ack.GetState())
	assert.Equal(t, n.GetProviderPID(), ack.GetProviderPID())

	// A fresh request for the same target conflicts.
	dup := msg
	dup.ConsumerPID = uuid.New().URN()
	_, err = env.orch.HandleIncomingRequest(ctx, dup)
	var exists orchestrator.NegotiationExistsError
	assert.True(t, errors.As(err, &exists))
}

func TestHandleOfferResponseProviderManual(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	msg := shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     uuid.New().URN(),
		Offer:           testOffer().MessageOffer,
		CallbackAddress: consumerURL.String(),
	}
	n, err := env.orch.HandleIncomingRequest(ctx, msg)
	require.NoError(t, err)

	err = env.orch.HandleOfferResponse(ctx, n.GetConsumerPID(), n.GetProviderPID(), true, "")
	require.NoError(t, err)

	got, err := env.store.GetNegotiationR(ctx, n.GetProviderPID(), constants.DataspaceProvider)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.OFFERED, got.GetState())

	// Manual mode answers with a counter offer to the consumer callback.
	waitForSend(t, env.requester, "/negotiations/"+n.GetConsumerPID().String()+"/offers")
}

func TestHandleOfferResponseDenied(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	msg := shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     uuid.New().URN(),
		Offer:           testOffer().MessageOffer,
		CallbackAddress: consumerURL.String(),
	}
	n, err := env.orch.HandleIncomingRequest(ctx, msg)
	require.NoError(t, err)

	err = env.orch.HandleOfferResponse(ctx, n.GetConsumerPID(), n.GetProviderPID(), false, "no such offer")
	require.NoError(t, err)

	got, err := env.store.GetNegotiationR(ctx, n.GetProviderPID(), constants.DataspaceProvider)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.TERMINATED, got.GetState())

	waitForSend(t, env.requester, "/termination")
}

func TestHandleOfferResponseDeniedAfterTermination(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	msg := shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     uuid.New().URN(),
		Offer:           testOffer().MessageOffer,
		CallbackAddress: consumerURL.String(),
	}
	n, err := env.orch.HandleIncomingRequest(ctx, msg)
	require.NoError(t, err)

	_, err = env.orch.HandleTermination(
		ctx, n.GetProviderPID(), constants.DataspaceProvider,
		shared.ContractNegotiationTerminationMessage{
			Context:     shared.GetDSPContext(),
			Type:        "dspace:ContractNegotiationTerminationMessage",
			ProviderPID: n.GetProviderPID().URN(),
			ConsumerPID: n.GetConsumerPID().URN(),
			Code:        "POLICY_DENIED",
		})
	require.NoError(t, err)

	// A verdict delivered after the negotiation died is a no-op, not an
	// invalid transition.
	err = env.orch.HandleOfferResponse(ctx, n.GetConsumerPID(), n.GetProviderPID(), false, "no such offer")
	require.NoError(t, err)

	got, err := env.store.GetNegotiationR(ctx, n.GetProviderPID(), constants.DataspaceProvider)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.TERMINATED, got.GetState())
}

func TestProviderAutomaticFlow(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, true)

	msg := shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     uuid.New().URN(),
		Offer:           testOffer().MessageOffer,
		CallbackAddress: consumerURL.String(),
	}
	n, err := env.orch.HandleIncomingRequest(ctx, msg)
	require.NoError(t, err)

	// The validation verdict auto-accepts and agrees in one go.
	err = env.orch.HandleOfferResponse(ctx, n.GetConsumerPID(), n.GetProviderPID(), true, "")
	require.NoError(t, err)

	got, err := env.store.GetNegotiationR(ctx, n.GetProviderPID(), constants.DataspaceProvider)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.AGREED, got.GetState())
	require.NotNil(t, got.GetAgreement())
	agreementID := uuid.MustParse(strings.TrimPrefix(got.GetAgreement().ID, "urn:uuid:"))

	// The agreement is persisted exactly once.
	stored, err := env.store.GetAgreement(ctx, agreementID)
	require.NoError(t, err)
	assert.Equal(t, got.GetAgreement().Target, stored.Target)

	waitForSend(t, env.requester, "/agreement")

	// The verification finalizes automatically.
	_, err = env.orch.HandleVerification(ctx, n.GetProviderPID(), shared.ContractAgreementVerificationMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractAgreementVerificationMessage",
		ProviderPID: n.GetProviderPID().URN(),
		ConsumerPID: n.GetConsumerPID().URN(),
	})
	require.NoError(t, err)

	got, err = env.store.GetNegotiationR(ctx, n.GetProviderPID(), constants.DataspaceProvider)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.FINALIZED, got.GetState())

	waitForSend(t, env.requester, "/events")
}

func TestHandleVerificationPublishesFinalized(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	finalized := make(chan events.NegotiationFinalized, 1)
	env.bus.Subscribe(events.NegotiationFinalized{}.Name(), func(_ context.Context, ev events.Event) error {
		if fin, ok := ev.(events.NegotiationFinalized); ok {
			finalized <- fin
		}
		return nil
	})
	env.bus.Run()

	n, err := env.orch.HandleIncomingRequest(ctx, shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     uuid.New().URN(),
		Offer:           testOffer().MessageOffer,
		CallbackAddress: consumerURL.String(),
	})
	require.NoError(t, err)
	require.NoError(t, env.orch.HandleOfferResponse(
		ctx, n.GetConsumerPID(), n.GetProviderPID(), true, ""))
	_, err = env.orch.HandleEvent(ctx, n.GetProviderPID(), shared.ContractNegotiationEventMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiationEventMessage",
		ProviderPID: n.GetProviderPID().URN(),
		ConsumerPID: n.GetConsumerPID().URN(),
		EventType:   "dspace:ACCEPTED",
	})
	require.NoError(t, err)
	agreed, err := env.orch.SendAgreement(ctx, n.GetConsumerPID(), n.GetProviderPID())
	require.NoError(t, err)
	require.NotNil(t, agreed.GetAgreement())
	agreementID := uuid.MustParse(strings.TrimPrefix(agreed.GetAgreement().ID, "urn:uuid:"))

	// The incoming verification starts transfer initialization even though the
	// operator has not finalized yet.
	verified, err := env.orch.HandleVerification(ctx, n.GetProviderPID(), shared.ContractAgreementVerificationMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractAgreementVerificationMessage",
		ProviderPID: n.GetProviderPID().URN(),
		ConsumerPID: n.GetConsumerPID().URN(),
	})
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.VERIFIED, verified.GetState())

	select {
	case fin := <-finalized:
		assert.Equal(t, agreementID, fin.AgreementID)
		assert.Equal(t, n.GetConsumerPID(), fin.ConsumerPID)
		assert.Equal(t, n.GetProviderPID(), fin.ProviderPID)
	case <-time.After(5 * time.Second):
		t.Fatal("no finalization event published")
	}
}

type fakeOfferSource struct {
	offers map[string]odrl.Offer
}

func (f *fakeOfferSource) CanonicalOffer(_ context.Context, target string) (*odrl.Offer, error) {
	offer, ok := f.offers[target]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &offer, nil
}

func TestPostOffer(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	offer := testOffer()
	env.orch.SetOfferSource(&fakeOfferSource{offers: map[string]odrl.Offer{
		offer.Target: offer,
	}})

	n, err := env.orch.PostOffer(ctx, consumerURL, offer)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.OFFERED, n.GetState())
	assert.Equal(t, constants.DataspaceProvider, n.GetRole())
	waitForSend(t, env.requester, "/negotiations/offers")

	// A target without a published offer is refused.
	_, err = env.orch.PostOffer(ctx, consumerURL, testOffer())
	var notFound orchestrator.OfferNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestPostOfferAdoptsConsumerPID(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	offer := testOffer()
	env.orch.SetOfferSource(&fakeOfferSource{offers: map[string]odrl.Offer{
		offer.Target: offer,
	}})

	n, err := env.orch.PostOffer(ctx, consumerURL, offer)
	require.NoError(t, err)
	assert.Equal(t, uuid.UUID{}, n.GetConsumerPID())

	// The consumer's ACCEPTED event carries its PID, which the negotiation
	// picks up.
	consumerPID := uuid.New()
	accepted, err := env.orch.HandleEvent(ctx, n.GetProviderPID(), shared.ContractNegotiationEventMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiationEventMessage",
		ProviderPID: n.GetProviderPID().URN(),
		ConsumerPID: consumerPID.URN(),
		EventType:   "dspace:ACCEPTED",
	})
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.ACCEPTED, accepted.GetState())
	assert.Equal(t, consumerPID, accepted.GetConsumerPID())

	// The pair index resolves the negotiation under the adopted PID.
	found, err := env.store.FindNegotiationByPids(ctx, consumerPID, n.GetProviderPID())
	require.NoError(t, err)
	assert.Equal(t, n.GetProviderPID(), found.GetProviderPID())

	// The agreement goes to the consumer's callback, not the zero PID.
	_, err = env.orch.SendAgreement(ctx, consumerPID, n.GetProviderPID())
	require.NoError(t, err)
	waitForSend(t, env.requester, "/negotiations/"+consumerPID.String()+"/agreement")
}

func TestConsumerFlowManual(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	offer := testOffer()
	providerPID := uuid.New()
	n, err := env.orch.HandleIncomingOffer(ctx, shared.ContractOfferMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractOfferMessage",
		ProviderPID:     providerPID.URN(),
		Offer:           offer.MessageOffer,
		CallbackAddress: providerURL.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.OFFERED, n.GetState())
	assert.Equal(t, constants.DataspaceConsumer, n.GetRole())
	consumerPID := n.GetConsumerPID()

	// Operator accepts.
	accepted, err := env.orch.Accept(ctx, consumerPID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.ACCEPTED, accepted.GetState())
	waitForSend(t, env.requester, "/negotiations/"+providerPID.String()+"/events")

	// Accepting again is a replay ack.
	again, err := env.orch.Accept(ctx, consumerPID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.ACCEPTED, again.GetState())

	// The provider's agreement comes in.
	agreement := odrl.Agreement{
		PolicyClass: offer.PolicyClass,
		Type:        "odrl:Agreement",
		ID:          uuid.New().URN(),
		Target:      offer.Target,
		Timestamp:   time.Now(),
	}
	agreed, err := env.orch.HandleAgreement(ctx, consumerPID, shared.ContractAgreementMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractAgreementMessage",
		ProviderPID:     providerPID.URN(),
		ConsumerPID:     consumerPID.URN(),
		Agreement:       agreement,
		CallbackAddress: providerURL.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.AGREED, agreed.GetState())

	// Manual mode waits for the operator to verify.
	verified, err := env.orch.SubmitVerification(ctx, consumerPID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.VERIFIED, verified.GetState())
	waitForSend(t, env.requester, "/agreement/verification")

	// The provider's FINALIZED event lands.
	final, err := env.orch.HandleEvent(ctx, consumerPID, shared.ContractNegotiationEventMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiationEventMessage",
		ProviderPID: providerPID.URN(),
		ConsumerPID: consumerPID.URN(),
		EventType:   "dspace:FINALIZED",
	})
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.FINALIZED, final.GetState())
}

func TestHandleAgreementReplay(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	offer := testOffer()
	providerPID := uuid.New()
	n, err := env.orch.HandleIncomingOffer(ctx, shared.ContractOfferMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractOfferMessage",
		ProviderPID:     providerPID.URN(),
		Offer:           offer.MessageOffer,
		CallbackAddress: providerURL.String(),
	})
	require.NoError(t, err)
	_, err = env.orch.Accept(ctx, n.GetConsumerPID())
	require.NoError(t, err)

	msg := shared.ContractAgreementMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractAgreementMessage",
		ProviderPID: providerPID.URN(),
		ConsumerPID: n.GetConsumerPID().URN(),
		Agreement: odrl.Agreement{
			PolicyClass: offer.PolicyClass,
			Type:        "odrl:Agreement",
			ID:          uuid.New().URN(),
			Target:      offer.Target,
			Timestamp:   time.Now(),
		},
		CallbackAddress: providerURL.String(),
	}
	_, err = env.orch.HandleAgreement(ctx, n.GetConsumerPID(), msg)
	require.NoError(t, err)

	// The same agreement again is a replay ack.
	again, err := env.orch.HandleAgreement(ctx, n.GetConsumerPID(), msg)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.AGREED, again.GetState())

	// A different agreement for the same negotiation is not.
	other := msg
	other.Agreement.ID = uuid.New().URN()
	_, err = env.orch.HandleAgreement(ctx, n.GetConsumerPID(), other)
	var transition orchestrator.InvalidStateTransitionError
	assert.True(t, errors.As(err, &transition))
}

func TestTerminateIdempotent(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	msg := shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     uuid.New().URN(),
		Offer:           testOffer().MessageOffer,
		CallbackAddress: consumerURL.String(),
	}
	n, err := env.orch.HandleIncomingRequest(ctx, msg)
	require.NoError(t, err)

	reason := []shared.Multilanguage{{Value: "operator terminated", Language: "en"}}
	require.NoError(t, env.orch.Terminate(
		ctx, n.GetConsumerPID(), n.GetProviderPID(), "OPERATOR_REQUESTED", reason))

	got, err := env.store.GetNegotiationR(ctx, n.GetProviderPID(), constants.DataspaceProvider)
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.TERMINATED, got.GetState())

	// Terminating again succeeds without side effects.
	require.NoError(t, env.orch.Terminate(
		ctx, n.GetConsumerPID(), n.GetProviderPID(), "OPERATOR_REQUESTED", reason))
}

func TestHandleTermination(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	msg := shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     uuid.New().URN(),
		Offer:           testOffer().MessageOffer,
		CallbackAddress: consumerURL.String(),
	}
	n, err := env.orch.HandleIncomingRequest(ctx, msg)
	require.NoError(t, err)

	got, err := env.orch.HandleTermination(
		ctx, n.GetProviderPID(), constants.DataspaceProvider,
		shared.ContractNegotiationTerminationMessage{
			Context:     shared.GetDSPContext(),
			Type:        "dspace:ContractNegotiationTerminationMessage",
			ProviderPID: n.GetProviderPID().URN(),
			ConsumerPID: n.GetConsumerPID().URN(),
			Code:        "POLICY_DENIED",
		})
	require.NoError(t, err)
	assert.Equal(t, negotiation.States.TERMINATED, got.GetState())

	// No outbound message goes out for an incoming termination.
	assert.False(t, env.requester.sentTo("/termination"))
}

func TestSetNegotiationStateInvalid(t *testing.T) {
	t.Parallel()
	ctx, env := setupEnvironment(t, false)

	err := env.orch.SetNegotiationState(ctx, uuid.New(), constants.DataspaceProvider, "dspace:BOGUS")
	assert.True(t, errors.Is(err, outbox.ErrFatal))
}
