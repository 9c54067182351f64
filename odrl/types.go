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

// Package odrl contains the ODRL policy types used in negotiation messages.
package odrl

import "time"

//nolint:lll
// This is a partial port of this JSON schema:
// https://international-data-spaces-association.github.io/ids-specification/2024-1/negotiation/message/schema/contract-schema.json

// Operand and operator identifiers the policy evaluator recognizes. Offers may
// carry any valid ODRL vocabulary; constraints outside this set evaluate
// fail-closed.
const (
	LeftOperandDateTime = "odrl:dateTime"
	LeftOperandCount    = "odrl:count"

	OperatorEQ   = "odrl:eq"
	OperatorGT   = "odrl:gt"
	OperatorLT   = "odrl:lt"
	OperatorLTEQ = "odrl:lteq"
)

// Offer is an ODRL offer.
type Offer struct {
	MessageOffer
}

// MessageOffer is an ODRL MessageOffer.
type MessageOffer struct {
	PolicyClass
	Type   string `json:"@type" validate:"required,eq=odrl:Offer"`
	Target string `json:"odrl:target" validate:"required"`
}

// PolicyClass is an ODRL PolicyClass.
type PolicyClass struct {
	AbstractPolicyRule
	ID          string       `json:"@id" validate:"required"`
	Profile     []Reference  `json:"odrl:profile,omitempty" validate:"dive"`
	Permission  []Permission `json:"odrl:permission,omitempty" validate:"dive"`
	Obligation  []Duty       `json:"odrl:obligation,omitempty" validate:"dive"`
	Prohibition []any        `json:"odrl:prohibition"` // Required by the schema, even if empty.
}

// AbstractPolicyRule defines an ODRL abstract policy rule.
type AbstractPolicyRule struct {
	Assigner string `json:"odrl:assigner,omitempty"`
	Assignee string `json:"odrl:assignee,omitempty"`
}

// Reference is a reference.
type Reference struct {
	ID string `json:"@id,omitempty" validate:"required"`
}

// Permission is a permission entry.
type Permission struct {
	AbstractPolicyRule
	Action     string       `json:"odrl:action" validate:"required,odrl_action"`
	Target     string       `json:"odrl:target,omitempty"`
	Constraint []Constraint `json:"odrl:constraint,omitempty" validate:"dive"`
	Duty       *Duty        `json:"odrl:duty,omitempty"`
}

// Duty is an ODRL duty.
type Duty struct {
	AbstractPolicyRule
	ID         string       `json:"@id,omitempty"`
	Action     string       `json:"odrl:action,omitempty" validate:"required,odrl_action"`
	Constraint []Constraint `json:"odrl:constraint,omitempty" validate:"dive"`
}

// Constraint is an ODRL constraint: a single operand/operator/value condition.
// It is an immutable value object; the rightOperand is a string literal
// interpreted per operand type.
type Constraint struct {
	LeftOperand  string `json:"odrl:leftOperand" validate:"required,odrl_leftoperand"`
	Operator     string `json:"odrl:operator" validate:"required,odrl_operator"`
	RightOperand string `json:"odrl:rightOperand" validate:"required"`
}

// Agreement is an ODRL agreement: the finalized usage terms of a negotiation.
// Created exactly once, immutable thereafter.
type Agreement struct {
	PolicyClass
	Type      string    `json:"@type" validate:"required,eq=odrl:Agreement"`
	ID        string    `json:"@id" validate:"required"`
	Target    string    `json:"odrl:target" validate:"required"`
	Timestamp time.Time `json:"dspace:timestamp"`
}
