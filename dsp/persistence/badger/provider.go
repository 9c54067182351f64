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

// Package badger is the badger backed implementation of the storage
// interfaces.
package badger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conduitspace/conduit/logging"
	"github.com/dgraph-io/badger/v4"
)

const gcInterval = 5 * time.Minute

// StorageProvider is a badger backed persistence.StorageProvider.
type StorageProvider struct {
	ctx context.Context
	db  *badger.DB
}

type storageKeyGenerator interface {
	StorageKey() []byte
}

type writeController interface {
	SetReadOnly()
	ReadOnly() bool
	Modified() bool
	ToBytes() ([]byte, error)
	storageKeyGenerator
}

// New returns a new badger storage provider, using an in-memory setup if the
// boolean is set, or it will create/reuse the badger database located in
// dbPath.
func New(ctx context.Context, inMemory bool, dbPath string) (*StorageProvider, error) {
	var opt badger.Options
	var dbType string
	if inMemory {
		opt = badger.DefaultOptions("").WithInMemory(true)
		dbType = "memory"
	} else {
		opt = badger.DefaultOptions(dbPath)
		dbType = "disk"
	}
	logger := logging.Extract(ctx)
	opt = opt.WithLogger(logAdaptor{logger})

	ctx, _ = logging.InjectLabels(ctx,
		"module", "badger",
		"db_type", dbType,
		"db_path", dbPath,
	)
	db, err := badger.Open(opt)
	if err != nil {
		return nil, err
	}
	sp := &StorageProvider{
		ctx: ctx,
		db:  db,
	}
	go sp.maintenance()
	return sp, nil
}

// maintenance runs the badger garbage collection every gcInterval, and closes
// the database on shutdown.
func (sp *StorageProvider) maintenance() {
	logger := logging.Extract(sp.ctx)
	logger.Info("Starting database maintenance loop")
	ticker := time.NewTicker(gcInterval)
	for {
		select {
		case <-ticker.C:
			logger.Debug("Garbage collection starting")
			if err := sp.db.RunValueLogGC(0.7); err != nil {
				logger.Debug("GC not completed cleanly", "err", err)
			}
		case <-sp.ctx.Done():
			ticker.Stop()
			sp.db.Close()
			return
		}
	}
}

// get fetches the raw bytes stored under a key.
func get(db *badger.DB, key []byte) ([]byte, error) {
	var b []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			b = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// getLocked wraps get in a lock acquire, releasing again on fetch failure.
func getLocked(ctx context.Context, sp *StorageProvider, key []byte) ([]byte, error) {
	logger := logging.Extract(ctx)
	logger.Debug("Acquiring lock")
	if err := sp.AcquireLock(ctx, newLockKey(key)); err != nil {
		return nil, fmt.Errorf("could not acquire lock: %w", err)
	}
	b, err := get(sp.db, key)
	if err != nil {
		if lockErr := sp.ReleaseLock(ctx, newLockKey(key)); lockErr != nil {
			logger.Error("Failed to unlock, will have to depend on TTL", "err", lockErr)
		}
		return nil, err
	}
	return b, nil
}

func put(db *badger.DB, key, value []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// putUnlock saves an entry and releases its lock. Writing a read-only entry is
// a bug, so it panics.
func putUnlock[T writeController](ctx context.Context, sp *StorageProvider, thing T) error {
	key := thing.StorageKey()
	logger := logging.Extract(ctx).With("type", fmt.Sprintf("%T", thing), "key", string(key))
	if thing.ReadOnly() {
		logger.Error("Trying to write a read only entry")
		panic("Trying to write a read only entry")
	}
	if thing.Modified() {
		b, err := thing.ToBytes()
		if err != nil {
			return err
		}
		logger.Debug("Writing to store")
		if err := put(sp.db, key, b); err != nil {
			logger.Error("Could not save entry, not releasing lock", "err", err)
			return err
		}
	}
	return sp.ReleaseLock(ctx, newLockKey(key))
}

// logAdaptor translates badger's logger interface to slog.
type logAdaptor struct {
	logger *slog.Logger
}

func (la logAdaptor) Errorf(format string, args ...any) {
	la.logger.Error(fmt.Sprintf(format, args...))
}

func (la logAdaptor) Warningf(format string, args ...any) {
	la.logger.Warn(fmt.Sprintf(format, args...))
}

func (la logAdaptor) Infof(format string, args ...any) {
	la.logger.Info(fmt.Sprintf(format, args...))
}

func (la logAdaptor) Debugf(format string, args ...any) {
	la.logger.Debug(fmt.Sprintf(format, args...))
}
