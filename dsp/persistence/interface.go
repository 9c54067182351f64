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

// Package persistence contains the storage interfaces for the dataspace code.
// It also contains shared errors for the implementation packages.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/negotiation"
	"github.com/conduitspace/conduit/odrl"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned by inserts whose key already exists. It is
	// the linearization point for concurrent check-then-create sequences; the
	// orchestrator maps it to a negotiation conflict.
	ErrDuplicateKey = errors.New("duplicate key")
)

// StorageProvider is an interface that combines the *Saver interfaces.
type StorageProvider interface {
	NegotiationSaver
	AgreementSaver
	EnforcementSaver
	AuditSaver
}

// NegotiationSaver stores and retrieves contract negotiations.
// It supports both read-only and read/write versions. Read-only is enforced at
// save time. It is up to the implementer to handle locking of negotiations for
// the read/write instances.
type NegotiationSaver interface {
	// GetNegotiationR gets a read-only version of a negotiation.
	GetNegotiationR(
		ctx context.Context,
		pid uuid.UUID,
		role constants.DataspaceRole,
	) (*negotiation.Negotiation, error)
	// GetNegotiationRW gets a read/write version of a negotiation. This sets a
	// negotiation specific lock.
	GetNegotiationRW(
		ctx context.Context,
		pid uuid.UUID,
		role constants.DataspaceRole,
	) (*negotiation.Negotiation, error)
	// FindNegotiationByPids returns the read-only negotiation matching both
	// PIDs, or ErrNotFound.
	FindNegotiationByPids(
		ctx context.Context,
		consumerPID, providerPID uuid.UUID,
	) (*negotiation.Negotiation, error)
	// InsertNegotiation stores a brand new negotiation, it returns
	// ErrDuplicateKey when the primary key already exists, or when a
	// non-terminated negotiation for the same target is active in the same
	// role.
	InsertNegotiation(ctx context.Context, n *negotiation.Negotiation) error
	// PutNegotiation saves an existing negotiation with a full replace, and
	// releases the negotiation specific lock.
	PutNegotiation(ctx context.Context, n *negotiation.Negotiation) error
	// ReleaseNegotiation releases any lock the negotiation has without saving.
	ReleaseNegotiation(ctx context.Context, n *negotiation.Negotiation) error
}

// AgreementSaver stores and retrieves agreements. No locking is involved as
// agreements are immutable.
type AgreementSaver interface {
	// GetAgreement gets an agreement by ID, or ErrNotFound.
	GetAgreement(ctx context.Context, id uuid.UUID) (*odrl.Agreement, error)
	// PutAgreement stores an agreement, it returns ErrDuplicateKey if the
	// agreement ID already exists.
	PutAgreement(ctx context.Context, agreement *odrl.Agreement) error
}

// EnforcementSaver maintains the per-agreement access counters backing
// count-based constraints. One record per agreement, upserted.
type EnforcementSaver interface {
	// GetEnforcementCount returns the current access count, zero when the
	// agreement was never accessed.
	GetEnforcementCount(ctx context.Context, agreementID uuid.UUID) (int64, error)
	// IncrementEnforcement upserts the counter and returns the new count.
	IncrementEnforcement(ctx context.Context, agreementID uuid.UUID) (int64, error)
}

// AuditRecord is a single negotiation audit entry.
type AuditRecord struct {
	Timestamp   time.Time
	ConsumerPID uuid.UUID
	ProviderPID uuid.UUID
	State       string
	Note        string
}

// AuditSaver appends negotiation audit records, best effort.
type AuditSaver interface {
	PutAuditRecord(ctx context.Context, rec AuditRecord) error
	GetAuditRecords(ctx context.Context, consumerPID, providerPID uuid.UUID) ([]AuditRecord, error)
}
