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

// Package negotiation contains the contract negotiation record and its state
// transition rules.
package negotiation

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/shared"
	"github.com/conduitspace/conduit/odrl"
	"github.com/google/uuid"
)

// Negotiation is the authoritative local record of one contract negotiation.
// Once both PIDs are set they never change, and the state only moves per the
// transition table. Terminal negotiations are retained for audit and replay
// detection, never deleted.
type Negotiation struct {
	providerPID uuid.UUID
	consumerPID uuid.UUID
	state       State
	offer       odrl.Offer
	agreement   *odrl.Agreement
	callback    *url.URL
	self        *url.URL
	role        constants.DataspaceRole
	automatic   bool
	createdAt   time.Time
	updatedAt   time.Time

	initial  bool
	ro       bool
	modified bool
}

// New creates a negotiation record in the given state.
func New(
	providerPID, consumerPID uuid.UUID,
	state State,
	offer odrl.Offer,
	callback, self *url.URL,
	role constants.DataspaceRole,
	automatic bool,
) *Negotiation {
	now := time.Now()
	return &Negotiation{
		providerPID: providerPID,
		consumerPID: consumerPID,
		state:       state,
		offer:       offer,
		callback:    callback,
		self:        self,
		role:        role,
		automatic:   automatic,
		createdAt:   now,
		updatedAt:   now,
		modified:    true,
	}
}

// GenerateStorageKey generates the primary storage key for a negotiation.
func GenerateStorageKey(id uuid.UUID, role constants.DataspaceRole) []byte {
	return []byte("negotiation-" + id.String() + "-" + strconv.Itoa(int(role)))
}

// GeneratePairKey generates the uniqueness-index key for a PID pair.
func GeneratePairKey(consumerPID, providerPID uuid.UUID, role constants.DataspaceRole) []byte {
	return []byte("negotiation-pair-" + consumerPID.String() + "-" + providerPID.String() +
		"-" + strconv.Itoa(int(role)))
}

// GenerateTargetKey generates the active-negotiation index key for a
// target/role tuple, used as the StartNegotiation conflict guard.
func GenerateTargetKey(target string, role constants.DataspaceRole) []byte {
	return []byte("negotiation-target-" + target + "-" + strconv.Itoa(int(role)))
}

// Negotiation getters.
func (cn *Negotiation) GetProviderPID() uuid.UUID          { return cn.providerPID }
func (cn *Negotiation) GetConsumerPID() uuid.UUID          { return cn.consumerPID }
func (cn *Negotiation) GetState() State                    { return cn.state }
func (cn *Negotiation) GetOffer() odrl.Offer               { return cn.offer }
func (cn *Negotiation) GetAgreement() *odrl.Agreement      { return cn.agreement }
func (cn *Negotiation) GetRole() constants.DataspaceRole   { return cn.role }
func (cn *Negotiation) GetCallback() *url.URL              { return cn.callback }
func (cn *Negotiation) GetSelf() *url.URL                  { return cn.self }
func (cn *Negotiation) GetCreatedAt() time.Time            { return cn.createdAt }
func (cn *Negotiation) GetUpdatedAt() time.Time            { return cn.updatedAt }

// GetLocalPID returns the PID this side assigned.
func (cn *Negotiation) GetLocalPID() uuid.UUID {
	switch cn.role {
	case constants.DataspaceConsumer:
		return cn.consumerPID
	case constants.DataspaceProvider:
		return cn.providerPID
	default:
		panic("not a valid role")
	}
}

// GetRemotePID returns the PID the counterparty assigned.
func (cn *Negotiation) GetRemotePID() uuid.UUID {
	switch cn.role {
	case constants.DataspaceConsumer:
		return cn.providerPID
	case constants.DataspaceProvider:
		return cn.consumerPID
	default:
		panic("not a valid role")
	}
}

// GetLogFields returns relevant log fields for the negotiation. The suffix
// argument is appended to the keys.
func (cn *Negotiation) GetLogFields(suffix string) []any {
	return []any{
		"role" + suffix, cn.role.String(),
		"consumerPID" + suffix, cn.consumerPID.String(),
		"providerPID" + suffix, cn.providerPID.String(),
		"state" + suffix, cn.state.String(),
		"callback" + suffix, cn.callback.String(),
		"automatic" + suffix, cn.automatic,
	}
}

// Negotiation setters, these will panic when the negotiation is read-only.
func (cn *Negotiation) SetProviderPID(u uuid.UUID) {
	cn.panicRO()
	cn.providerPID = u
	cn.modify()
}

func (cn *Negotiation) SetConsumerPID(u uuid.UUID) {
	cn.panicRO()
	cn.consumerPID = u
	cn.modify()
}

func (cn *Negotiation) SetAgreement(a *odrl.Agreement) {
	cn.panicRO()
	cn.agreement = a
	cn.modify()
}

// SetOffer replaces the offer, used when a counter offer comes in.
func (cn *Negotiation) SetOffer(o odrl.Offer) {
	cn.panicRO()
	cn.offer = o
	cn.modify()
}

// SetState transitions the negotiation, consulting the transition table.
func (cn *Negotiation) SetState(state State) error {
	cn.panicRO()
	if !CanTransition(cn.state, state) {
		return fmt.Errorf("can't transition from %s to %s", cn.state, state)
	}
	cn.state = state
	cn.modify()
	return nil
}

// SetCallback sets the remote callback root.
func (cn *Negotiation) SetCallback(u string) error {
	cn.panicRO()
	nu, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	cn.callback = nu
	cn.modify()
	return nil
}

// Automatic decides whether this connector progresses the negotiation without
// operator involvement.
func (cn *Negotiation) Automatic() bool { return cn.automatic }
func (cn *Negotiation) SetAutomatic()   { cn.automatic = true }

// Properties that storage decisions are based on.
func (cn *Negotiation) ReadOnly() bool { return cn.ro }
func (cn *Negotiation) Initial() bool  { return cn.initial }
func (cn *Negotiation) Modified() bool { return cn.modified }

func (cn *Negotiation) SetReadOnly()  { cn.ro = true }
func (cn *Negotiation) SetInitial()   { cn.initial = true }
func (cn *Negotiation) UnsetInitial() { cn.initial = false }

// StorageKey returns the primary key for this negotiation.
func (cn *Negotiation) StorageKey() []byte {
	return GenerateStorageKey(cn.GetLocalPID(), cn.role)
}

// PairKey returns the uniqueness-index key for this negotiation's PID pair.
func (cn *Negotiation) PairKey() []byte {
	return GeneratePairKey(cn.consumerPID, cn.providerPID, cn.role)
}

// TargetKey returns the active-negotiation index key for this negotiation's
// dataset target.
func (cn *Negotiation) TargetKey() []byte {
	return GenerateTargetKey(cn.offer.Target, cn.role)
}

// GetContractNegotiation returns the negotiation's protocol representation.
func (cn *Negotiation) GetContractNegotiation() shared.ContractNegotiation {
	return shared.ContractNegotiation{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiation",
		ConsumerPID: cn.consumerPID.URN(),
		ProviderPID: cn.providerPID.URN(),
		State:       cn.state.String(),
	}
}

func (cn *Negotiation) panicRO() {
	if cn.ro {
		panic("Trying to write to a read-only negotiation, this is certainly a bug.")
	}
}

func (cn *Negotiation) modify() {
	cn.modified = true
	cn.updatedAt = time.Now()
}

// storedNegotiation is the gob shadow of Negotiation.
type storedNegotiation struct {
	ProviderPID uuid.UUID
	ConsumerPID uuid.UUID
	State       State
	Offer       odrl.Offer
	Agreement   *odrl.Agreement
	Callback    string
	Self        string
	Role        constants.DataspaceRole
	Automatic   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToBytes encodes the negotiation for storage.
func (cn *Negotiation) ToBytes() ([]byte, error) {
	s := storedNegotiation{
		ProviderPID: cn.providerPID,
		ConsumerPID: cn.consumerPID,
		State:       cn.state,
		Offer:       cn.offer,
		Agreement:   cn.agreement,
		Callback:    cn.callback.String(),
		Self:        cn.self.String(),
		Role:        cn.role,
		Automatic:   cn.automatic,
		CreatedAt:   cn.createdAt,
		UpdatedAt:   cn.updatedAt,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("couldn't encode negotiation: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes decodes a stored negotiation.
func FromBytes(b []byte) (*Negotiation, error) {
	var s storedNegotiation
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return nil, fmt.Errorf("couldn't decode negotiation: %w", err)
	}
	callback, err := url.Parse(s.Callback)
	if err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}
	self, err := url.Parse(s.Self)
	if err != nil {
		return nil, fmt.Errorf("invalid self URL: %w", err)
	}
	return &Negotiation{
		providerPID: s.ProviderPID,
		consumerPID: s.ConsumerPID,
		state:       s.State,
		offer:       s.Offer,
		agreement:   s.Agreement,
		callback:    callback,
		self:        self,
		role:        s.Role,
		automatic:   s.Automatic,
		createdAt:   s.CreatedAt,
		updatedAt:   s.UpdatedAt,
	}, nil
}
