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

// Package catalog serves the offers this connector publishes. It is the
// canonical offer source for policy evaluation, and it answers offer
// validation requests coming over the event bus.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/conduitspace/conduit/dsp/events"
	"github.com/conduitspace/conduit/dsp/persistence"
	"github.com/conduitspace/conduit/dsp/policy"
	"github.com/conduitspace/conduit/logging"
	"github.com/conduitspace/conduit/odrl"
)

// Service holds the published offers, keyed by target. The offer file is read
// once at startup, the map is never mutated afterwards so no locking is
// needed.
type Service struct {
	offers map[string]odrl.Offer
}

// New loads the offer file and returns the catalog service. An empty path
// gives an empty catalog, which makes every incoming offer fail validation.
func New(offerFile string) (*Service, error) {
	s := &Service{offers: map[string]odrl.Offer{}}
	if offerFile == "" {
		return s, nil
	}
	data, err := os.ReadFile(offerFile)
	if err != nil {
		return nil, fmt.Errorf("could not read offer file %s: %w", offerFile, err)
	}
	var offers []odrl.Offer
	if err := json.Unmarshal(data, &offers); err != nil {
		return nil, fmt.Errorf("could not parse offer file %s: %w", offerFile, err)
	}
	for _, o := range offers {
		if o.Target == "" {
			return nil, fmt.Errorf("offer %s in %s has no target", o.ID, offerFile)
		}
		if _, ok := s.offers[o.Target]; ok {
			return nil, fmt.Errorf("duplicate offer for target %s in %s", o.Target, offerFile)
		}
		s.offers[o.Target] = o
	}
	return s, nil
}

// CanonicalOffer returns the published offer for a target, or
// persistence.ErrNotFound when the target is not in the catalog.
func (s *Service) CanonicalOffer(_ context.Context, target string) (*odrl.Offer, error) {
	o, ok := s.offers[target]
	if !ok {
		return nil, fmt.Errorf("target %s: %w", target, persistence.ErrNotFound)
	}
	return &o, nil
}

// RegisterHandlers subscribes the catalog's validation handler to the bus.
// Incoming offers are checked against the catalog by the evaluator, and the
// verdict goes back over the bus.
func (s *Service) RegisterHandlers(bus *events.Bus, evaluator *policy.Evaluator) {
	bus.Subscribe(events.OfferValidationRequested{}.Name(), func(ctx context.Context, ev events.Event) error {
		req, ok := ev.(events.OfferValidationRequested)
		if !ok {
			return fmt.Errorf("unexpected event type %T", ev)
		}
		ctx, logger := logging.InjectLabels(ctx,
			"consumerPID", req.ConsumerPID.String(),
			"providerPID", req.ProviderPID.String(),
			"target", req.Offer.Target,
		)
		outcome := evaluator.EvaluateOffer(ctx, &req.Offer)
		if outcome.Approved {
			logger.Info("Offer validated")
		} else {
			logger.Info("Offer rejected", "reason", outcome.Reason)
		}
		bus.Publish(ctx, events.OfferValidationCompleted{
			ConsumerPID: req.ConsumerPID,
			ProviderPID: req.ProviderPID,
			Accepted:    outcome.Approved,
			Reason:      outcome.Reason,
			Offer:       req.Offer,
		})
		return nil
	})
}
