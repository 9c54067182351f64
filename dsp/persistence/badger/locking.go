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
	"time"

	"github.com/conduitspace/conduit/logging"
	"github.com/dgraph-io/badger/v4"
)

const (
	lockTTL       = 15 * time.Minute
	maxWaitTime   = 10 * time.Minute
	lockCheckTime = 10 * time.Millisecond
)

type lockKey struct {
	k []byte
}

func newLockKey(key []byte) lockKey {
	return lockKey{
		k: append([]byte("lock-"), key...),
	}
}

func (l lockKey) key() []byte {
	return l.k
}

func (l lockKey) String() string {
	return string(l.k)
}

// AcquireLock waits for, and then sets, the given lock. The lock carries a TTL
// so a crashed process can't hold a negotiation hostage forever.
func (sp *StorageProvider) AcquireLock(ctx context.Context, k lockKey) error {
	if err := sp.waitLock(ctx, k); err != nil {
		return err
	}
	return sp.setLock(ctx, k)
}

// ReleaseLock deletes the lock entry. A missing lock counts as released, this
// will most likely only happen on first time saves.
func (sp *StorageProvider) ReleaseLock(ctx context.Context, k lockKey) error {
	logger := logging.Extract(ctx).With("lock_key", k.String())
	return sp.db.Update(func(txn *badger.Txn) error {
		logger.Debug("Attempting to release lock")
		err := txn.Delete(k.key())
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			logger.Error("Failed to unlock, will have to depend on TTL", "err", err)
		}
		return err
	})
}

func (sp *StorageProvider) isLocked(ctx context.Context, k lockKey) bool {
	err := sp.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(k.key())
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false
		}
		logging.Extract(ctx).Error("Got an error checking lock, reporting locked", "err", err)
		return true
	}
	return true
}

func (sp *StorageProvider) setLock(ctx context.Context, k lockKey) error {
	logger := logging.Extract(ctx).With("lock_key", k.String())
	err := sp.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(k.key(), []byte{1}).WithTTL(lockTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		logger.Error("Couldn't set lock", "err", err)
		return err
	}
	logger.Debug("Lock set")
	return nil
}

func (sp *StorageProvider) waitLock(ctx context.Context, k lockKey) error {
	ticker := time.NewTicker(lockCheckTime)
	defer ticker.Stop()
	timer := time.NewTimer(maxWaitTime)
	defer timer.Stop()
	for {
		select {
		case <-ticker.C:
			if sp.isLocked(ctx, k) {
				continue
			}
			return nil
		case <-timer.C:
			return errors.New("timed out waiting for lock")
		case <-ctx.Done():
			return errors.New("context cancelled while waiting for lock")
		}
	}
}
