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

package sessionstore

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ProgressTTL is how long a native-chain logout may take before it is
// abandoned.
const ProgressTTL = 5 * time.Minute

// Progress is the state of one native-chain logout: an ordered walk over
// the session's providers, one browser redirect at a time. All transitions
// return a new value; the stored copy only changes through Put.
type Progress struct {
	// LogoutID names this walk.
	LogoutID string
	// SessionKey is the browser session being logged out.
	SessionKey string
	// Providers is the ordered list of provider names to visit.
	Providers []string
	// Records holds the login records the logout requests are built
	// from, aligned with Providers.
	Records []Record
	// Index is the position of the provider currently being visited.
	Index int
	// Completed and Failed record the visited providers.
	Completed []string
	Failed    []string
	// StartedAt is when the walk began.
	StartedAt time.Time
}

// Expired reports whether the walk has been running longer than ProgressTTL.
func (p Progress) Expired(now time.Time) bool {
	return now.Sub(p.StartedAt) > ProgressTTL
}

// Current returns the provider currently being visited.
func (p Progress) Current() (string, bool) {
	if p.Index < 0 || p.Index >= len(p.Providers) {
		return "", false
	}
	return p.Providers[p.Index], true
}

// Done reports whether every provider has been visited.
func (p Progress) Done() bool {
	return p.Index >= len(p.Providers)
}

// Advance marks the current provider as completed or failed and moves to
// the next one.
func (p Progress) Advance(ok bool) Progress {
	cur, exists := p.Current()
	if !exists {
		return p
	}
	next := p
	next.Completed = append([]string(nil), p.Completed...)
	next.Failed = append([]string(nil), p.Failed...)
	if ok {
		next.Completed = append(next.Completed, cur)
	} else {
		next.Failed = append(next.Failed, cur)
	}
	next.Index++
	return next
}

// Skip moves past the current provider without recording an outcome, for
// providers that disappeared from the configuration mid-walk.
func (p Progress) Skip() Progress {
	next := p
	next.Index++
	return next
}

// ProgressStore persists Progress records across the redirects of the walk.
type ProgressStore struct {
	lru *expirable.LRU[string, []byte]
}

// NewProgressStore returns a ProgressStore. Entries expire shortly after
// ProgressTTL; expiry of an active walk is detected through
// Progress.Expired, not through cache eviction.
func NewProgressStore(maxEntries int) *ProgressStore {
	return &ProgressStore{lru: expirable.NewLRU[string, []byte](maxEntries, nil, ProgressTTL+time.Minute)}
}

// Put stores p under its logout ID.
func (s *ProgressStore) Put(p Progress) error {
	b, err := cbor.Marshal(p)
	if err != nil {
		return err
	}
	s.lru.Add(p.LogoutID, b)
	return nil
}

// Get returns the stored progress for logoutID.
func (s *ProgressStore) Get(logoutID string) (Progress, bool) {
	b, ok := s.lru.Get(logoutID)
	if !ok {
		return Progress{}, false
	}
	var p Progress
	if err := cbor.Unmarshal(b, &p); err != nil {
		return Progress{}, false
	}
	return p, true
}

// Delete removes the walk.
func (s *ProgressStore) Delete(logoutID string) {
	s.lru.Remove(logoutID)
}
