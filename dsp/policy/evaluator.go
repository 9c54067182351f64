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

// Package policy decides whether offers are acceptable and whether agreements
// remain valid for continued access. Evaluation outcomes are values, a denied
// offer is a normal result and not an error.
package policy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/conduitspace/conduit/dsp/persistence"
	"github.com/conduitspace/conduit/logging"
	"github.com/conduitspace/conduit/odrl"
	"github.com/google/uuid"
)

// Outcome is the result of a policy decision.
type Outcome struct {
	Approved bool
	Reason   string
}

// Approved returns an approving outcome.
func Approved() Outcome {
	return Outcome{Approved: true}
}

// Denied returns a denying outcome with the given reason.
func Denied(format string, args ...any) Outcome {
	return Outcome{Reason: fmt.Sprintf(format, args...)}
}

// OfferSource supplies the canonical offer published for a target.
type OfferSource interface {
	CanonicalOffer(ctx context.Context, target string) (*odrl.Offer, error)
}

// Evaluator implements the policy decisions for contract negotiation and
// post-agreement access.
type Evaluator struct {
	offers      OfferSource
	agreements  persistence.AgreementSaver
	enforcement persistence.EnforcementSaver
	now         func() time.Time
}

// New creates an Evaluator.
func New(
	offers OfferSource,
	agreements persistence.AgreementSaver,
	enforcement persistence.EnforcementSaver,
) *Evaluator {
	return &Evaluator{
		offers:      offers,
		agreements:  agreements,
		enforcement: enforcement,
		now:         time.Now,
	}
}

// EvaluateOffer compares an offer received in a negotiation against the
// canonical offer published for the same target. The assignee field is the
// counterparty's to fill in, so it is blanked before comparing; everything
// else has to match structurally.
func (e *Evaluator) EvaluateOffer(ctx context.Context, offer *odrl.Offer) Outcome {
	logger := logging.Extract(ctx).With("offer_id", offer.ID, "target", offer.Target)
	canonical, err := e.offers.CanonicalOffer(ctx, offer.Target)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Denied("no offer published for target %s", offer.Target)
		}
		logger.Error("Could not fetch canonical offer", "err", err)
		return Denied("could not resolve target %s", offer.Target)
	}
	if !offersEqual(offer, canonical) {
		return Denied("offer does not match the published offer for target %s", offer.Target)
	}
	return Approved()
}

func offersEqual(a, b *odrl.Offer) bool {
	return reflect.DeepEqual(blankAssignee(a), blankAssignee(b))
}

func blankAssignee(o *odrl.Offer) odrl.Offer {
	c := *o
	c.Assignee = ""
	c.Permission = make([]odrl.Permission, len(o.Permission))
	for i, p := range o.Permission {
		p.Assignee = ""
		c.Permission[i] = p
	}
	return c
}

// EvaluateConstraint evaluates a single constraint against the current time.
// Only temporal operands are dispatched here; anything unrecognized or
// unparsable evaluates to false and is logged, a malformed constraint must not
// abort processing of the rest of the policy.
func (e *Evaluator) EvaluateConstraint(ctx context.Context, c odrl.Constraint) bool {
	logger := logging.Extract(ctx).With(
		"left_operand", c.LeftOperand,
		"operator", c.Operator,
		"right_operand", c.RightOperand,
	)
	switch c.LeftOperand {
	case odrl.LeftOperandDateTime:
		instant, err := time.Parse(time.RFC3339, c.RightOperand)
		if err != nil {
			logger.Warn("Constraint has unparsable datetime, denying", "err", err)
			return false
		}
		switch c.Operator {
		case odrl.OperatorGT:
			return e.now().After(instant)
		case odrl.OperatorLT:
			return e.now().Before(instant)
		default:
			logger.Warn("Unsupported operator for datetime constraint, denying")
			return false
		}
	default:
		logger.Warn("Unsupported constraint operand, denying")
		return false
	}
}

// IsAgreementValid reports whether an agreement authorizes another data
// access. A positive outcome counts as an access and bumps the enforcement
// counter; count-based constraints are checked against the bumped value.
func (e *Evaluator) IsAgreementValid(ctx context.Context, agreementID uuid.UUID) (Outcome, error) {
	agreement, err := e.agreements.GetAgreement(ctx, agreementID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Denied("agreement %s does not exist", agreementID), nil
		}
		return Outcome{}, err
	}

	var countConstraints []odrl.Constraint
	for _, perm := range agreement.Permission {
		for _, c := range perm.Constraint {
			if c.LeftOperand == odrl.LeftOperandCount {
				countConstraints = append(countConstraints, c)
				continue
			}
			if !e.EvaluateConstraint(ctx, c) {
				return Denied("constraint %s %s %s does not hold",
					c.LeftOperand, c.Operator, c.RightOperand), nil
			}
		}
	}

	if len(countConstraints) == 0 {
		if _, err := e.enforcement.IncrementEnforcement(ctx, agreementID); err != nil {
			return Outcome{}, err
		}
		return Approved(), nil
	}

	count, err := e.enforcement.IncrementEnforcement(ctx, agreementID)
	if err != nil {
		return Outcome{}, err
	}
	for _, c := range countConstraints {
		if outcome := checkCount(ctx, c, count); !outcome.Approved {
			return outcome, nil
		}
	}
	return Approved(), nil
}

func checkCount(ctx context.Context, c odrl.Constraint, count int64) Outcome {
	limit, err := strconv.ParseInt(c.RightOperand, 10, 64)
	if err != nil {
		logging.Extract(ctx).Warn("Count constraint has unparsable limit, denying",
			"right_operand", c.RightOperand, "err", err)
		return Denied("count constraint limit %q is not a number", c.RightOperand)
	}
	var ok bool
	switch c.Operator {
	case odrl.OperatorLT:
		ok = count < limit
	case odrl.OperatorLTEQ:
		ok = count <= limit
	default:
		logging.Extract(ctx).Warn("Unsupported operator for count constraint, denying",
			"operator", c.Operator)
		return Denied("unsupported count operator %s", c.Operator)
	}
	if !ok {
		return Denied("access count %d exceeds limit %s %d", count, c.Operator, limit)
	}
	return Approved()
}
