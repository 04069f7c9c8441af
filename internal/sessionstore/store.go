// MIT License
//
// Copyright (c) 2025 TTBT Enterprises LLC
// Copyright (c) 2025 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package sessionstore keeps the engine's short-lived state: which providers
// each browser session logged in to, outbound request IDs awaiting their
// response, seen response IDs, and the progress of native-chain logouts.
// Everything is held in bounded in-memory LRUs with a TTL, so an abandoned
// flow cleans up after itself.
package sessionstore

import (
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Record is one provider login bound to a browser session. It is what the
// logout orchestrator walks when the session ends.
type Record struct {
	// Provider is the provider name.
	Provider string
	// UserID identifies the principal the assertion was issued for.
	UserID string
	// NameID and NameIDFormat are what the assertion called the
	// principal. Logout requests must repeat them exactly.
	NameID       string
	NameIDFormat string
	// SessionIndex is the value issued in the assertion.
	SessionIndex string
}

// Store is the per-session login registry.
type Store struct {
	lru *expirable.LRU[string, []byte]
}

// New returns a Store holding at most maxEntries records for at most ttl.
func New(maxEntries int, ttl time.Duration) *Store {
	return &Store{lru: expirable.NewLRU[string, []byte](maxEntries, nil, ttl)}
}

func recordKey(sessionKey, provider string) string {
	return sessionKey + "\x00" + provider
}

// Add binds a login record to sessionKey, replacing any previous record for
// the same provider.
func (s *Store) Add(sessionKey string, r Record) error {
	b, err := cbor.Marshal(r)
	if err != nil {
		return err
	}
	s.lru.Add(recordKey(sessionKey, r.Provider), b)
	return nil
}

// Records returns the login records of one browser session.
func (s *Store) Records(sessionKey string) []Record {
	prefix := sessionKey + "\x00"
	var out []Record
	for _, k := range s.lru.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		b, ok := s.lru.Get(k)
		if !ok {
			continue
		}
		var r Record
		if err := cbor.Unmarshal(b, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Delete removes the record of one provider login.
func (s *Store) Delete(sessionKey, provider string) {
	s.lru.Remove(recordKey(sessionKey, provider))
}

// DeleteSession removes all records of a browser session.
func (s *Store) DeleteSession(sessionKey string) {
	prefix := sessionKey + "\x00"
	for _, k := range s.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.lru.Remove(k)
		}
	}
}

// Correlations remembers outbound request IDs and who they were issued
// for, so that the matching response can be validated. Entries are
// single use.
type Correlations struct {
	lru *expirable.LRU[string, string]
}

// NewCorrelations returns a correlation store.
func NewCorrelations(maxEntries int, ttl time.Duration) *Correlations {
	return &Correlations{lru: expirable.NewLRU[string, string](maxEntries, nil, ttl)}
}

// Put records that requestID was issued for owner.
func (c *Correlations) Put(requestID, owner string) {
	c.lru.Add(requestID, owner)
}

// Take returns and removes the owner recorded for requestID.
func (c *Correlations) Take(requestID string) (string, bool) {
	owner, ok := c.lru.Get(requestID)
	if ok {
		c.lru.Remove(requestID)
	}
	return owner, ok
}

// ReplayCache remembers message IDs that have already been accepted.
type ReplayCache struct {
	lru *expirable.LRU[string, struct{}]
}

// NewReplayCache returns a replay cache.
func NewReplayCache(maxEntries int, ttl time.Duration) *ReplayCache {
	return &ReplayCache{lru: expirable.NewLRU[string, struct{}](maxEntries, nil, ttl)}
}

// Seen records id and reports whether it had been recorded before.
func (r *ReplayCache) Seen(id string) bool {
	if _, ok := r.lru.Get(id); ok {
		return true
	}
	r.lru.Add(id, struct{}{})
	return false
}
