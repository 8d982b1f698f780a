// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cache

import (
	"bytes"
	"encoding/gob"
	"io"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/pgzip"
)

// compressThreshold is the payload size above which warm writes are
// pgzip-compressed before hitting the store, mirroring the teacher's
// DecodeLibrary/pgzip.NewReader pattern in gob.go.
const compressThreshold = 4096

// warmRecord is the gob-encoded envelope written to the durable store: the
// raw (possibly compressed) payload plus the bookkeeping the TTL sweep and
// decompression path need.
type warmRecord struct {
	Payload    []byte
	Compressed bool
	Timestamp  int64
}

// warmTier wraps a pebble database as the durable KV tier. A nil *warmTier
// (construction failure) is a legal value: callers check for nil before using it,
// degrading the cache to memory-only per spec.md section 4.4.
type warmTier struct {
	db *pebble.DB
}

func openWarmTier(dir string) (*warmTier, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &warmTier{db: db}, nil
}

func (w *warmTier) close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *warmTier) get(key string) ([]byte, int64, bool, error) {
	data, closer, err := w.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	defer closer.Close()

	var rec warmRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, 0, false, err
	}
	payload := rec.Payload
	if rec.Compressed {
		zr, err := pgzip.NewReader(bytes.NewReader(rec.Payload))
		if err != nil {
			return nil, 0, false, err
		}
		defer zr.Close()
		decoded, err := io.ReadAll(zr)
		if err != nil {
			return nil, 0, false, err
		}
		payload = decoded
	}
	return payload, rec.Timestamp, true, nil
}

func (w *warmTier) set(key string, payload []byte, now int64) error {
	rec := warmRecord{Payload: payload, Timestamp: now}
	if len(payload) > compressThreshold {
		var buf bytes.Buffer
		zw := pgzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		rec = warmRecord{Payload: buf.Bytes(), Compressed: true, Timestamp: now}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return err
	}
	return w.db.Set([]byte(key), buf.Bytes(), pebble.Sync)
}

func (w *warmTier) invalidate(key string) error {
	return w.db.Delete([]byte(key), pebble.Sync)
}

func (w *warmTier) clear() error {
	iter, err := w.db.NewIter(nil)
	if err != nil {
		return err
	}
	defer iter.Close()
	batch := w.db.NewBatch()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// sweepExpired deletes every warm entry older than maxAge, via a full index
// scan (spec.md section 4.4: "on open, expired entries are cleaned up via an
// index scan").
func (w *warmTier) sweepExpired(now int64, maxAge time.Duration) error {
	iter, err := w.db.NewIter(nil)
	if err != nil {
		return err
	}
	defer iter.Close()
	cutoff := now - int64(maxAge.Seconds())
	batch := w.db.NewBatch()
	for iter.First(); iter.Valid(); iter.Next() {
		var rec warmRecord
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(&rec); err != nil {
			continue
		}
		if rec.Timestamp < cutoff {
			if err := batch.Delete(iter.Key(), nil); err != nil {
				return err
			}
		}
	}
	return batch.Commit(pebble.Sync)
}
