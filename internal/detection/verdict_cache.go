// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package detection

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/gatewatch/internal/logging"
)

// VerdictCache memoizes orchestration results for identical request
// fingerprints, backed by an in-memory BadgerDB with per-entry TTL. A nil
// *VerdictCache is valid and disables caching.
type VerdictCache struct {
	db  *badger.DB
	ttl time.Duration
}

// NewVerdictCache opens an in-memory badger store. ttl bounds how long a
// verdict may be served without re-running detection.
func NewVerdictCache(ttl time.Duration) (*VerdictCache, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open verdict cache: %w", err)
	}

	return &VerdictCache{db: db, ttl: ttl}, nil
}

// Fingerprint derives the cache key for a request: FNV-64a over the signals
// that determine detection input. Same fingerprint, same verdict within TTL.
func Fingerprint(req *RequestContext) string {
	h := fnv.New64a()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	h.Write([]byte(req.Path))
	h.Write([]byte{0})
	h.Write([]byte(req.UserAgent()))
	h.Write([]byte{0})
	h.Write([]byte(req.ClientIP()))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Get returns a cached result for the request's fingerprint.
func (c *VerdictCache) Get(req *RequestContext) (*Result, bool) {
	if c == nil {
		return nil, false
	}

	var result Result
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(Fingerprint(req)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logging.Warn().Err(err).Msg("verdict cache read failed")
		}
		return nil, false
	}

	return &result, true
}

// Set stores a result under the request's fingerprint with the cache TTL.
// Failures are logged and swallowed; caching is best-effort.
func (c *VerdictCache) Set(req *RequestContext, result *Result) {
	if c == nil || result == nil {
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		logging.Warn().Err(err).Msg("verdict cache encode failed")
		return
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(Fingerprint(req)), payload).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		logging.Warn().Err(err).Msg("verdict cache write failed")
	}
}

// Close releases the underlying store.
func (c *VerdictCache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
