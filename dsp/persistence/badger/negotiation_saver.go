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

package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/conduitspace/conduit/dsp/constants"
	"github.com/conduitspace/conduit/dsp/negotiation"
	"github.com/conduitspace/conduit/dsp/persistence"
	"github.com/conduitspace/conduit/logging"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// GetNegotiationR gets a negotiation and sets the read-only property.
// It does not check any locks, as the database transaction already freezes the
// view.
func (sp *StorageProvider) GetNegotiationR(
	ctx context.Context,
	pid uuid.UUID,
	role constants.DataspaceRole,
) (*negotiation.Negotiation, error) {
	key := negotiation.GenerateStorageKey(pid, role)
	b, err := get(sp.db, key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}
	n, err := negotiation.FromBytes(b)
	if err != nil {
		return nil, err
	}

	n.SetReadOnly()
	return n, nil
}

// GetNegotiationRW gets a negotiation but does NOT set the read-only property,
// allowing changes to be saved. It acquires the negotiation lock.
func (sp *StorageProvider) GetNegotiationRW(
	ctx context.Context,
	pid uuid.UUID,
	role constants.DataspaceRole,
) (*negotiation.Negotiation, error) {
	key := negotiation.GenerateStorageKey(pid, role)
	ctx, _ = logging.InjectLabels(ctx, "type", "negotiation", "pid", pid.String(), "role", role.String())
	b, err := getLocked(ctx, sp, key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}

	n, err := negotiation.FromBytes(b)
	if err != nil {
		_ = sp.ReleaseLock(ctx, newLockKey(key))
		return nil, err
	}

	return n, nil
}

// FindNegotiationByPids resolves a negotiation via the PID pair index, trying
// both roles. The result is read-only.
func (sp *StorageProvider) FindNegotiationByPids(
	ctx context.Context,
	consumerPID, providerPID uuid.UUID,
) (*negotiation.Negotiation, error) {
	for _, role := range []constants.DataspaceRole{
		constants.DataspaceConsumer,
		constants.DataspaceProvider,
	} {
		pairKey := negotiation.GeneratePairKey(consumerPID, providerPID, role)
		primary, err := get(sp.db, pairKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		b, err := get(sp.db, primary)
		if err != nil {
			return nil, err
		}
		n, err := negotiation.FromBytes(b)
		if err != nil {
			return nil, err
		}
		n.SetReadOnly()
		return n, nil
	}
	return nil, persistence.ErrNotFound
}

// InsertNegotiation stores a brand new negotiation. The existence checks and
// the writes share one transaction, which makes this the linearization point
// for two concurrent creates racing on the same PID pair or target.
func (sp *StorageProvider) InsertNegotiation(
	ctx context.Context,
	n *negotiation.Negotiation,
) error {
	key := n.StorageKey()
	logger := logging.Extract(ctx).With("key", string(key))
	b, err := n.ToBytes()
	if err != nil {
		return err
	}
	err = sp.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); !errors.Is(err, badger.ErrKeyNotFound) {
			if err != nil {
				return err
			}
			return persistence.ErrDuplicateKey
		}
		// A non-terminated negotiation for the same target and role also
		// counts as a conflict.
		targetKey := n.TargetKey()
		if item, err := txn.Get(targetKey); err == nil {
			var activeKey []byte
			if err := item.Value(func(v []byte) error {
				activeKey = append([]byte{}, v...)
				return nil
			}); err != nil {
				return err
			}
			if item, err := txn.Get(activeKey); err == nil {
				var existing *negotiation.Negotiation
				if err := item.Value(func(v []byte) error {
					var convErr error
					existing, convErr = negotiation.FromBytes(v)
					return convErr
				}); err != nil {
					return err
				}
				if !existing.GetState().Terminal() {
					return fmt.Errorf("%w: active negotiation for target %s",
						persistence.ErrDuplicateKey, n.GetOffer().Target)
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(key, b); err != nil {
			return err
		}
		if err := txn.Set(targetKey, key); err != nil {
			return err
		}
		return txn.Set(n.PairKey(), key)
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			// Two creates raced on the same keys, the other one won.
			return fmt.Errorf("%w: concurrent insert", persistence.ErrDuplicateKey)
		}
		if !errors.Is(err, persistence.ErrDuplicateKey) {
			logger.Error("Could not insert negotiation", "err", err)
		}
		return err
	}
	logger.Debug("Inserted negotiation")
	return nil
}

// PutNegotiation saves a negotiation with a full replace, refreshes its
// indices, and releases its lock.
func (sp *StorageProvider) PutNegotiation(ctx context.Context, n *negotiation.Negotiation) error {
	if n.Modified() && !n.ReadOnly() {
		// Refresh the pair index, the remote PID may have been assigned since
		// the insert.
		err := sp.db.Update(func(txn *badger.Txn) error {
			return txn.Set(n.PairKey(), n.StorageKey())
		})
		if err != nil {
			return err
		}
	}
	return putUnlock(ctx, sp, n)
}

// ReleaseNegotiation releases any lock the negotiation has without saving.
func (sp *StorageProvider) ReleaseNegotiation(
	ctx context.Context,
	n *negotiation.Negotiation,
) error {
	key := negotiation.GenerateStorageKey(n.GetLocalPID(), n.GetRole())

	n.SetReadOnly()
	return sp.ReleaseLock(ctx, newLockKey(key))
}
