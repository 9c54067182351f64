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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/conduitspace/conduit/dsp/persistence"
	"github.com/conduitspace/conduit/odrl"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

func agreementKey(id uuid.UUID) []byte {
	return []byte("agreement-" + id.String())
}

// GetAgreement gets an agreement by ID. Agreements are immutable so no
// locking or read-only marking is involved.
func (sp *StorageProvider) GetAgreement(
	ctx context.Context,
	id uuid.UUID,
) (*odrl.Agreement, error) {
	b, err := get(sp.db, agreementKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}
	var agreement odrl.Agreement
	if err := json.Unmarshal(b, &agreement); err != nil {
		return nil, err
	}
	return &agreement, nil
}

// PutAgreement stores an agreement keyed by its ID. An agreement is never
// overwritten, a second write to the same ID returns ErrDuplicateKey.
func (sp *StorageProvider) PutAgreement(ctx context.Context, agreement *odrl.Agreement) error {
	id, err := uuid.Parse(agreement.ID)
	if err != nil {
		return fmt.Errorf("agreement ID is not a UUID: %w", err)
	}
	b, err := json.Marshal(agreement)
	if err != nil {
		return err
	}
	key := agreementKey(id)
	return sp.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); !errors.Is(err, badger.ErrKeyNotFound) {
			if err != nil {
				return err
			}
			return persistence.ErrDuplicateKey
		}
		return txn.Set(key, b)
	})
}
