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
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

func enforcementKey(agreementID uuid.UUID) []byte {
	return []byte("enforcement-" + agreementID.String())
}

// GetEnforcementCount returns the access counter for an agreement, zero when
// the agreement was never accessed.
func (sp *StorageProvider) GetEnforcementCount(
	ctx context.Context,
	agreementID uuid.UUID,
) (int64, error) {
	b, err := get(sp.db, enforcementKey(agreementID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(string(b), 10, 64)
}

// IncrementEnforcement bumps the access counter in a single transaction and
// returns the new count.
func (sp *StorageProvider) IncrementEnforcement(
	ctx context.Context,
	agreementID uuid.UUID,
) (int64, error) {
	key := enforcementKey(agreementID)
	var count int64
	err := sp.db.Update(func(txn *badger.Txn) error {
		count = 0
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				count, err = strconv.ParseInt(string(v), 10, 64)
				return err
			}); err != nil {
				return err
			}
		}
		count++
		return txn.Set(key, []byte(strconv.FormatInt(count, 10)))
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
