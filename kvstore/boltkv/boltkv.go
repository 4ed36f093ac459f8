// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package boltkv is the production kvstore.Store, backed by go.etcd.io/bbolt.
// Grounded on evalgo-org-eve's db/bolt package: a single bucket holding all
// keys (this module's key layout is already namespaced by prefix, per
// spec.md §6, so one bucket is sufficient), Update/View transaction
// wrapping, and Tx.WriteTo for checkpointing.
package boltkv

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nimbus-labs/searchcore/kvstore"
)

var rootBucket = []byte("searchcore")

// Store is a bbolt-backed kvstore.Store.
type Store struct {
	db   *bolt.DB
	dir  string
	path string
	seq  atomic.Uint64
}

// Open opens or creates a bbolt database at path, under the given state
// directory (used verbatim by StateDirPath).
func Open(dir, file string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("boltkv: create dir: %w", err)
	}
	path := filepath.Join(dir, file)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltkv: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("boltkv: create bucket: %w", err)
	}
	return &Store{db: db, dir: dir, path: path}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootBucket).Get(key)
		if v == nil {
			return kvstore.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *Store) Insert(key, value []byte) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		existed = b.Get(key) != nil
		return b.Put(key, value)
	})
	if err == nil {
		s.seq.Add(1)
	}
	return existed, err
}

func (s *Store) Remove(key []byte) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		existed = b.Get(key) != nil
		return b.Delete(key)
	})
	if err == nil && existed {
		s.seq.Add(1)
	}
	return existed, err
}

func (s *Store) Scan(lo, hi []byte, fn func(key, value []byte) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		for k, v := c.Seek(lo); k != nil; k, v = c.Next() {
			if hi != nil && bytes.Compare(k, hi) >= 0 {
				break
			}
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

func (s *Store) ScanFill(lo, hi []byte) ([]kvstore.KV, error) {
	var out []kvstore.KV
	err := s.Scan(lo, hi, func(k, v []byte) bool {
		out = append(out, kvstore.KV{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
		return true
	})
	return out, err
}

func (s *Store) DeleteRange(lo, hi []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(lo); k != nil; k, _ = c.Next() {
			if hi != nil && bytes.Compare(k, hi) >= 0 {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.seq.Add(1)
	}
	return err
}

func (s *Store) Increment(key []byte, delta int64) (int64, error) {
	var result int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		cur := decodeInt64(b.Get(key))
		cur += delta
		result = cur
		return b.Put(key, encodeInt64(cur))
	})
	if err == nil {
		s.seq.Add(1)
	}
	return result, err
}

// CreateCheckpoint uses bbolt's hot-backup API (Tx.WriteTo), matching the
// "hard-linked copy" checkpoint described in spec.md §4.2 — bbolt does not
// expose hard-link snapshotting directly, so a consistent read-transaction
// copy is the closest faithful equivalent on this backend.
func (s *Store) CreateCheckpoint(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("boltkv: checkpoint dir: %w", err)
	}
	return s.db.View(func(tx *bolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltkv: create checkpoint file: %w", err)
		}
		defer f.Close()
		if _, err := tx.WriteTo(f); err != nil {
			return fmt.Errorf("boltkv: write checkpoint: %w", err)
		}
		return nil
	})
}

// Reload replaces this store's database file with a previously created
// checkpoint and reopens it, returning the number of top-level keys.
func (s *Store) Reload(fromPath string) (int, error) {
	if err := s.db.Close(); err != nil {
		return 0, fmt.Errorf("boltkv: close before reload: %w", err)
	}
	if err := copyFile(fromPath, s.path); err != nil {
		return 0, fmt.Errorf("boltkv: restore checkpoint: %w", err)
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return 0, fmt.Errorf("boltkv: reopen after reload: %w", err)
	}
	s.db = db
	count := 0
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

func (s *Store) Flush() error {
	return s.db.Sync()
}

func (s *Store) StateDirPath() string { return s.dir }

func (s *Store) LatestSeqNumber() uint64 { return s.seq.Load() }

func (s *Store) Close() error { return s.db.Close() }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Sync()
}

func encodeInt64(v int64) []byte {
	if v == 0 {
		return nil
	}
	b := make([]byte, 8)
	u := uint64(v)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u)
}
