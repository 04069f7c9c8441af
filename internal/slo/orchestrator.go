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

// Package slo walks a user's active logins across every provider and
// delivers a LogoutRequest to each one, using the delivery method the
// provider is configured for: server-side backchannel, concurrent
// frontchannel iframes, or a sequential frontchannel redirect chain.
package slo

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/c2FmZQ/samlfed/internal/logout"
	"github.com/c2FmZQ/samlfed/internal/provider"
	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/sessionstore"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

// Config carries the orchestrator's dependencies and tunables.
type Config struct {
	// Lookup resolves a provider name to its current configuration, or
	// nil when the provider no longer exists.
	Lookup func(name string) *provider.Provider
	// Sessions is the login registry logouts are discovered from.
	Sessions *sessionstore.Store
	// Progress stores redirect chain state. A default store is created
	// when nil.
	Progress *sessionstore.ProgressStore

	// TokenKey signs the chain continuation tokens. A random key is
	// generated when empty, which invalidates in-flight chains on
	// restart.
	TokenKey []byte
	// ContinueURL is this engine's chain continuation endpoint. Each
	// chain hop sends the browser back here via RelayState.
	ContinueURL string
	// DoneURL is where the browser lands when a chain completes or its
	// state is gone. Defaults to "/".
	DoneURL string

	// FrameTimeout bounds how long the logout page waits for iframes
	// before moving on. Defaults to 5s.
	FrameTimeout time.Duration
	// BackchannelRetries is how many times a failed backchannel request
	// is retried. 0 means a single attempt.
	BackchannelRetries int
	// BackchannelTimeout is the per-request timeout. Defaults to 10s.
	BackchannelTimeout time.Duration
	// BackchannelRate caps outbound logout requests per second.
	// Defaults to 10.
	BackchannelRate rate.Limit

	// Clock defaults to real time.
	Clock clockwork.Clock
	// Logf defaults to log.Printf.
	Logf func(format string, args ...any)
	// RecordEvent, when set, receives audit events such as delivery
	// failures.
	RecordEvent func(kind, message string)
}

const (
	defaultFrameTimeout       = 5 * time.Second
	defaultBackchannelTimeout = 10 * time.Second
	defaultBackchannelRate    = rate.Limit(10)
)

// Orchestrator coordinates single logout across all providers a session
// is logged in to.
type Orchestrator struct {
	cfg      Config
	progress *sessionstore.ProgressStore
	tokenKey []byte
	client   *retryablehttp.Client
	limiter  *rate.Limiter
	clock    clockwork.Clock
	bg       backgroundJobs
}

// New returns a ready orchestrator. Lookup and Sessions are required.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		progress: cfg.Progress,
		tokenKey: cfg.TokenKey,
		clock:    cfg.Clock,
	}
	if o.progress == nil {
		o.progress = sessionstore.NewProgressStore(1000)
	}
	if len(o.tokenKey) == 0 {
		o.tokenKey = make([]byte, 32)
		if _, err := rand.Read(o.tokenKey); err != nil {
			panic(err)
		}
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	o.client = retryablehttp.NewClient()
	o.client.Logger = nil
	o.client.RetryMax = cfg.BackchannelRetries
	timeout := cfg.BackchannelTimeout
	if timeout == 0 {
		timeout = defaultBackchannelTimeout
	}
	o.client.HTTPClient.Timeout = timeout
	rl := cfg.BackchannelRate
	if rl == 0 {
		rl = defaultBackchannelRate
	}
	o.limiter = rate.NewLimiter(rl, 1)
	return o
}

// Target is one provider a logout must be delivered to.
type Target struct {
	Provider *provider.Provider
	Record   sessionstore.Record
}

// Hop is one browser-visible logout delivery: a URL to load for the
// redirect binding, or an auto-submitted form for the post binding.
type Hop struct {
	// Provider is empty for the final hop to DoneURL.
	Provider string
	// URL is the redirect target, or the form action when SAMLRequest
	// is set.
	URL string
	// SAMLRequest is the form payload for the post binding.
	SAMLRequest string
	RelayState  string
}

// Post reports whether the hop is delivered with an auto-submitted form.
func (h Hop) Post() bool {
	return h.SAMLRequest != ""
}

// Plan is what the logout page must do after the server-side work is
// dispatched.
type Plan struct {
	// Frames are loaded concurrently, each delivering one logout.
	Frames []Hop
	// FrameTimeout bounds how long the page waits for the frames.
	FrameTimeout time.Duration
	// Native, when set, is the first hop of the redirect chain. The
	// browser follows it after the frames settle.
	Native *Hop
	// Backchannel is how many requests were dispatched server-side.
	Backchannel int
}

// Discover returns the providers the session is logged in to that
// participate in single logout, sorted by provider name.
func (o *Orchestrator) Discover(sessionKey string) []Target {
	var out []Target
	for _, rec := range o.cfg.Sessions.Records(sessionKey) {
		p := o.cfg.Lookup(rec.Provider)
		if p == nil || p.SLSURL == "" {
			continue
		}
		out = append(out, Target{Provider: p, Record: rec})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Provider.Name < out[j].Provider.Name
	})
	return out
}

// Logout discovers the session's logins, dispatches the backchannel
// requests, and returns the plan for the frontchannel deliveries. The
// session records are cleared before returning.
func (o *Orchestrator) Logout(ctx context.Context, sessionKey string) (*Plan, error) {
	targets := o.Discover(sessionKey)
	plan := &Plan{FrameTimeout: o.cfg.FrameTimeout}
	if plan.FrameTimeout == 0 {
		plan.FrameTimeout = defaultFrameTimeout
	}
	var chain []Target
	for _, t := range targets {
		switch t.Provider.LogoutMethod {
		case provider.LogoutBackchannel:
			o.dispatchBackchannel(ctx, t)
			plan.Backchannel++
		case provider.LogoutFrontchannelFrame:
			hop, err := o.frameHop(t)
			if err != nil {
				// One broken provider must not block the
				// others.
				o.logf("ERR logout frame for %s: %v", t.Provider.Name, err)
				o.recordEvent("logout_failed", fmt.Sprintf("Failed to build logout frame for %s: %v", t.Provider.Name, err))
				continue
			}
			plan.Frames = append(plan.Frames, hop)
		case provider.LogoutFrontchannelChain:
			chain = append(chain, t)
		default:
			o.logf("ERR logout for %s: unknown method %q", t.Provider.Name, t.Provider.LogoutMethod)
		}
	}
	if len(chain) > 0 {
		hop, err := o.startChain(sessionKey, chain)
		if err != nil {
			return nil, err
		}
		plan.Native = hop
	}
	o.cfg.Sessions.DeleteSession(sessionKey)
	return plan, nil
}

// Wait blocks until all dispatched backchannel requests have finished.
func (o *Orchestrator) Wait() {
	o.bg.wait()
}

// targetSigner returns nil for providers with no signing key. Their
// logout requests go out unsigned.
func targetSigner(t Target) (*xmlsig.Signer, error) {
	if !t.Provider.SigningKeyPair.HasPrivateKey() {
		return nil, nil
	}
	return t.Provider.Signer()
}

func logoutRequestFor(t Target) logout.Request {
	return logout.Request{
		Issuer:       t.Provider.Issuer,
		Destination:  t.Provider.SLSURL,
		NameID:       t.Record.NameID,
		NameIDFormat: t.Record.NameIDFormat,
		SessionIndex: t.Record.SessionIndex,
	}
}

// deliverHop renders the logout request for one target as a browser
// delivery. For the redirect binding the document stays unsigned and the
// query carries the detached signature.
func (o *Orchestrator) deliverHop(t Target, relayState string) (Hop, error) {
	signer, err := targetSigner(t)
	if err != nil {
		return Hop{}, err
	}
	now := o.clock.Now()
	if t.Provider.SLSBinding == saml.BindingRedirect {
		raw, err := logout.BuildRequest(logoutRequestFor(t), nil, now)
		if err != nil {
			return Hop{}, err
		}
		u, err := logout.RedirectURL(t.Provider.SLSURL, "SAMLRequest", raw, relayState, signer)
		if err != nil {
			return Hop{}, err
		}
		return Hop{Provider: t.Provider.Name, URL: u}, nil
	}
	raw, err := logout.BuildRequest(logoutRequestFor(t), signer, now)
	if err != nil {
		return Hop{}, err
	}
	return Hop{
		Provider:    t.Provider.Name,
		URL:         t.Provider.SLSURL,
		SAMLRequest: saml.EncodePost(raw),
		RelayState:  relayState,
	}, nil
}

func (o *Orchestrator) frameHop(t Target) (Hop, error) {
	return o.deliverHop(t, "")
}

func (o *Orchestrator) doneHop() *Hop {
	u := o.cfg.DoneURL
	if u == "" {
		u = "/"
	}
	return &Hop{URL: u}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.cfg.Logf != nil {
		o.cfg.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (o *Orchestrator) recordEvent(kind, message string) {
	if o.cfg.RecordEvent != nil {
		o.cfg.RecordEvent(kind, message)
	}
}
