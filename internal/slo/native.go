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

package slo

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/sessionstore"
)

// The redirect chain visits one provider at a time. Each hop carries a
// signed continuation token in its RelayState; the provider sends the
// browser back to ContinueURL with that token, which resumes the walk.

type chainClaims struct {
	LogoutID string `json:"lid"`
	Index    int    `json:"idx"`
	jwt.RegisteredClaims
}

func (o *Orchestrator) startChain(sessionKey string, targets []Target) (*Hop, error) {
	p := sessionstore.Progress{
		LogoutID:   saml.RandomID(),
		SessionKey: sessionKey,
		StartedAt:  o.clock.Now(),
	}
	for _, t := range targets {
		p.Providers = append(p.Providers, t.Provider.Name)
		p.Records = append(p.Records, t.Record)
	}
	hop, err := o.chainHop(p)
	if err != nil {
		return nil, err
	}
	if err := o.progress.Put(p); err != nil {
		return nil, err
	}
	o.logf("INF logout chain %s started with %d providers", p.LogoutID, len(p.Providers))
	return hop, nil
}

// Continue resumes a chain after a provider sent the browser back. A
// token for a hop other than the current one is treated as a reload and
// re-issues the current hop without advancing. Missing or expired chain
// state ends the walk at DoneURL.
func (o *Orchestrator) Continue(token string) (*Hop, error) {
	claims, err := o.parseToken(token)
	if err != nil {
		return nil, fmt.Errorf("slo: invalid continuation token: %w", err)
	}
	p, ok := o.progress.Get(claims.LogoutID)
	if !ok {
		return o.doneHop(), nil
	}
	if p.Expired(o.clock.Now()) {
		o.progress.Delete(p.LogoutID)
		o.logf("ERR logout chain %s expired at provider %d of %d", p.LogoutID, p.Index, len(p.Providers))
		o.recordEvent("logout_failed", fmt.Sprintf("Logout chain expired after %d of %d providers", p.Index, len(p.Providers)))
		return o.doneHop(), nil
	}
	if claims.Index != p.Index {
		if _, ok := p.Current(); !ok {
			o.progress.Delete(p.LogoutID)
			return o.doneHop(), nil
		}
		return o.chainHop(p)
	}
	p = p.Advance(true)
	// Providers can be removed from the configuration while a chain is
	// in flight.
	for {
		name, ok := p.Current()
		if !ok {
			break
		}
		if prov := o.cfg.Lookup(name); prov == nil || prov.SLSURL == "" {
			p = p.Skip()
			continue
		}
		break
	}
	if p.Done() {
		o.progress.Delete(p.LogoutID)
		o.logf("INF logout chain %s done: %d completed, %d skipped", p.LogoutID, len(p.Completed), len(p.Failed))
		return o.doneHop(), nil
	}
	if err := o.progress.Put(p); err != nil {
		return nil, err
	}
	return o.chainHop(p)
}

// chainHop builds the delivery for the chain's current provider, with a
// continuation token for this hop in the RelayState.
func (o *Orchestrator) chainHop(p sessionstore.Progress) (*Hop, error) {
	name, ok := p.Current()
	if !ok {
		return o.doneHop(), nil
	}
	prov := o.cfg.Lookup(name)
	if prov == nil {
		return nil, fmt.Errorf("slo: provider %q is gone", name)
	}
	token, err := o.continuationToken(p)
	if err != nil {
		return nil, err
	}
	relay := o.cfg.ContinueURL
	if strings.Contains(relay, "?") {
		relay += "&token=" + url.QueryEscape(token)
	} else {
		relay += "?token=" + url.QueryEscape(token)
	}
	hop, err := o.deliverHop(Target{Provider: prov, Record: p.Records[p.Index]}, relay)
	if err != nil {
		return nil, err
	}
	return &hop, nil
}

func (o *Orchestrator) continuationToken(p sessionstore.Progress) (string, error) {
	now := o.clock.Now()
	claims := chainClaims{
		LogoutID: p.LogoutID,
		Index:    p.Index,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionstore.ProgressTTL + time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(o.tokenKey)
}

func (o *Orchestrator) parseToken(token string) (*chainClaims, error) {
	var claims chainClaims
	if _, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return o.tokenKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(o.clock.Now),
	); err != nil {
		return nil, err
	}
	return &claims, nil
}
