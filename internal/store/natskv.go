// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/huddleshare/huddle/internal/models"
)

// casMaxRetries bounds the optimistic-concurrency retry loop. Contention on
// a single group is a handful of writers updating every 2-3 seconds, so
// conflicts are rare and short-lived.
const casMaxRetries = 8

// groupDoc is the JSON document stored per group. Keeping the whole group
// in one KV entry makes every mutation atomic (compare-and-swap on the
// entry revision) and gives the exact TTL semantics the engine needs: any
// write to the group rewrites the entry and resets its TTL.
type groupDoc struct {
	Members   []string                `json:"members"`
	Locations []models.LocationRecord `json:"locations"` // first update order
}

// NATSKV is a Store backed by a NATS JetStream key-value bucket with a
// per-entry TTL. It is shared by all server instances.
type NATSKV struct {
	kv jetstream.KeyValue
}

// NewNATSKV creates (or binds to) the KV bucket and returns the store.
// The bucket uses memory storage: the state is ephemeral by contract and
// a broker restart merely loses what TTL would soon reclaim anyway.
func NewNATSKV(ctx context.Context, nc *nats.Conn, cfg jetstream.KeyValueConfig) (*NATSKV, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if cfg.Storage == 0 {
		cfg.Storage = jetstream.MemoryStorage
	}
	if cfg.History == 0 {
		cfg.History = 1
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %q: %w", cfg.Bucket, err)
	}
	return &NATSKV{kv: kv}, nil
}

// Join implements Store.
func (s *NATSKV) Join(ctx context.Context, group, member string) error {
	return s.casUpdate(ctx, group, true, func(doc *groupDoc) {
		for _, m := range doc.Members {
			if m == member {
				return
			}
		}
		doc.Members = append(doc.Members, member)
	})
}

// Leave implements Store. The member's location record is removed in the
// same compare-and-swap write as the membership entry. Leaving an expired
// or unknown group is a no-op and never resurrects it.
func (s *NATSKV) Leave(ctx context.Context, group, member string) error {
	return s.casUpdate(ctx, group, false, func(doc *groupDoc) {
		members := doc.Members[:0]
		for _, m := range doc.Members {
			if m != member {
				members = append(members, m)
			}
		}
		doc.Members = members

		locations := doc.Locations[:0]
		for _, rec := range doc.Locations {
			if rec.MemberID != member {
				locations = append(locations, rec)
			}
		}
		doc.Locations = locations
	})
}

// UpdateLocation implements Store.
func (s *NATSKV) UpdateLocation(ctx context.Context, group string, rec models.LocationRecord) error {
	return s.casUpdate(ctx, group, true, func(doc *groupDoc) {
		for i := range doc.Locations {
			if doc.Locations[i].MemberID == rec.MemberID {
				doc.Locations[i] = rec
				return
			}
		}
		doc.Locations = append(doc.Locations, rec)
	})
}

// Locations implements Store.
func (s *NATSKV) Locations(ctx context.Context, group string) ([]models.LocationRecord, error) {
	doc, _, err := s.getDoc(ctx, group)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return []models.LocationRecord{}, nil
		}
		return nil, err
	}
	if doc.Locations == nil {
		return []models.LocationRecord{}, nil
	}
	return doc.Locations, nil
}

// Members implements Store.
func (s *NATSKV) Members(ctx context.Context, group string) ([]string, error) {
	doc, _, err := s.getDoc(ctx, group)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	out := make([]string, len(doc.Members))
	copy(out, doc.Members)
	sort.Strings(out)
	return out, nil
}

// key maps a group id to its KV key.
func key(group string) string {
	return "group." + group
}

// getDoc fetches and decodes the group document with its revision.
func (s *NATSKV) getDoc(ctx context.Context, group string) (*groupDoc, uint64, error) {
	entry, err := s.kv.Get(ctx, key(group))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	doc := &groupDoc{}
	if err := json.Unmarshal(entry.Value(), doc); err != nil {
		return nil, 0, fmt.Errorf("decode group %s: %w", group, err)
	}
	return doc, entry.Revision(), nil
}

// casUpdate applies mutate under optimistic concurrency: read the entry,
// mutate the document, write back conditioned on the read revision. Every
// successful write resets the entry's TTL, which is exactly the "any
// update refreshes the group" expiry rule. With createIfMissing false a
// missing key is a no-op, so a Leave never resurrects an expired group.
func (s *NATSKV) casUpdate(ctx context.Context, group string, createIfMissing bool, mutate func(*groupDoc)) error {
	k := key(group)

	for attempt := 0; attempt < casMaxRetries; attempt++ {
		entry, err := s.kv.Get(ctx, k)
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			if !createIfMissing {
				return nil
			}
		}

		doc := &groupDoc{}
		if err == nil {
			if decodeErr := json.Unmarshal(entry.Value(), doc); decodeErr != nil {
				return fmt.Errorf("decode group %s: %w", group, decodeErr)
			}
		}
		mutate(doc)

		if err == nil && len(doc.Members) == 0 && len(doc.Locations) == 0 {
			// Nothing left in the group: purge the entry instead of
			// writing an empty document with a fresh TTL.
			deleteErr := s.kv.Delete(ctx, k, jetstream.LastRevision(entry.Revision()))
			if deleteErr == nil || errors.Is(deleteErr, jetstream.ErrKeyNotFound) {
				return nil
			}
			if isWrongRevision(deleteErr) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, deleteErr)
		}

		data, marshalErr := json.Marshal(doc)
		if marshalErr != nil {
			return fmt.Errorf("encode group %s: %w", group, marshalErr)
		}

		if err != nil {
			// Key absent: create, retrying if another writer won the race.
			_, createErr := s.kv.Create(ctx, k, data)
			if createErr == nil {
				return nil
			}
			if errors.Is(createErr, jetstream.ErrKeyExists) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, createErr)
		}

		_, updateErr := s.kv.Update(ctx, k, data, entry.Revision())
		if updateErr == nil {
			return nil
		}
		if isWrongRevision(updateErr) {
			continue
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, updateErr)
	}

	return fmt.Errorf("%w: group %s: revision conflict persisted after %d attempts",
		ErrUnavailable, group, casMaxRetries)
}

// isWrongRevision reports whether a KV update failed the revision check.
func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}
