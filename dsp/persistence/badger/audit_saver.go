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
	"fmt"

	"github.com/conduitspace/conduit/dsp/persistence"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

func auditPrefix(consumerPID, providerPID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("audit-%s-%s-", consumerPID, providerPID))
}

// PutAuditRecord appends an audit record for a negotiation. Records are keyed
// by insertion time so a prefix scan returns them in order.
func (sp *StorageProvider) PutAuditRecord(ctx context.Context, rec persistence.AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d-%s",
		auditPrefix(rec.ConsumerPID, rec.ProviderPID),
		rec.Timestamp.UnixNano(),
		uuid.New(),
	)
	return put(sp.db, []byte(key), b)
}

// GetAuditRecords returns all audit records for a negotiation, oldest first.
func (sp *StorageProvider) GetAuditRecords(
	ctx context.Context,
	consumerPID, providerPID uuid.UUID,
) ([]persistence.AuditRecord, error) {
	var records []persistence.AuditRecord
	err := sp.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = auditPrefix(consumerPID, providerPID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec persistence.AuditRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
