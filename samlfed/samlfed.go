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

// Package samlfed is a SAML 2.0 identity-provider-and-service-provider
// engine: it issues signed assertions to configured service providers,
// consumes assertions from upstream identity providers, and coordinates
// single logout across all of them.
//
// The engine never implements login itself. The surrounding application
// supplies the authenticated session through the SessionResolver
// interface.
package samlfed

import (
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/c2FmZQ/samlfed/internal/provider"
	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/sessionstore"
	"github.com/c2FmZQ/samlfed/internal/slo"
	"github.com/c2FmZQ/samlfed/internal/source"
)

// SessionResolver is the contract the engine requires from the
// surrounding application's session handling.
type SessionResolver interface {
	// CurrentSession returns the authenticated session for the request,
	// or nil when the user is not logged in.
	CurrentSession(req *http.Request) *saml.Session
	// LoginEvent returns how the session was authenticated, or nil when
	// unknown.
	LoginEvent(session *saml.Session) *saml.LoginEvent
	// UpstreamLogin is called after an upstream assertion was validated
	// at /acs/{source}. The resolver establishes the local session and
	// returns the URL to send the browser to.
	UpstreamLogin(w http.ResponseWriter, req *http.Request, sourceName string, info *source.AssertionInfo, relayState string) (string, error)
	// UpstreamSession returns what the upstream IdP called the current
	// user at login time, or nil. It is needed to build the logout
	// request toward that IdP.
	UpstreamSession(req *http.Request, sourceName string) *source.AssertionInfo
	// EndSession terminates the local session.
	EndSession(w http.ResponseWriter, req *http.Request, session *saml.Session)
}

// Server is the SAML engine. It implements http.Handler for the
// endpoints described in the package documentation.
type Server struct {
	mu        sync.RWMutex
	cfg       *Config
	providers map[string]*provider.Provider
	provCfgs  map[string]*ConfigProvider
	sources   map[string]*source.Source
	srcCfgs   map[string]*ConfigSource

	resolver     SessionResolver
	events       EventRecorder
	clock        clockwork.Clock
	sessions     *sessionstore.Store
	correlations *sessionstore.Correlations
	replay       *sessionstore.ReplayCache
	orch         *slo.Orchestrator
	mux          *http.ServeMux
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithClock substitutes the time source.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithEventRecorder substitutes the audit event sink.
func WithEventRecorder(er EventRecorder) Option {
	return func(s *Server) { s.events = er }
}

// New returns a new Server for the given configuration.
func New(cfg *Config, resolver SessionResolver, opts ...Option) (*Server, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	s := &Server{
		resolver: resolver,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = logRecorder{logf: s.logErrorF}
	}
	if err := s.Reconfigure(cfg); err != nil {
		return nil, err
	}
	s.sessions = sessionstore.New(cfg.MaxSessions, cfg.SessionTTL)
	s.correlations = sessionstore.NewCorrelations(cfg.MaxSessions, 5*time.Minute)
	s.replay = sessionstore.NewReplayCache(cfg.MaxSessions, time.Hour)
	tokenKey, err := readTokenKey(cfg.TokenKey)
	if err != nil {
		return nil, err
	}
	s.orch = slo.New(slo.Config{
		Lookup:             s.provider,
		Sessions:           s.sessions,
		TokenKey:           tokenKey,
		ContinueURL:        cfg.BaseURL + "/slo/continue",
		DoneURL:            cfg.PostLogoutURL,
		FrameTimeout:       cfg.IframeTimeout,
		BackchannelRetries: cfg.BackchannelRetries,
		BackchannelTimeout: cfg.BackchannelTimeout,
		BackchannelRate:    rate.Limit(cfg.BackchannelRateLimit),
		Clock:              s.clock,
		Logf:               s.logRequestF,
		RecordEvent:        s.events.Record,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/sso/{provider}", s.handleSSO)
	mux.HandleFunc("GET /metadata/{provider}", s.handleProviderMetadata)
	mux.HandleFunc("GET /metadata/source/{source}", s.handleSourceMetadata)
	mux.HandleFunc("GET /login/{source}", s.handleLogin)
	mux.HandleFunc("POST /acs/{source}", s.handleACS)
	mux.HandleFunc("/slo/{provider}", s.handleProviderSLO)
	mux.HandleFunc("/slo/source/{source}", s.handleSourceSLO)
	mux.HandleFunc("/slo/continue", s.handleContinue)
	s.mux = mux
	return s, nil
}

// Reconfigure replaces the provider and source records. Active sessions
// and in-flight logout chains are preserved.
func (s *Server) Reconfigure(cfg *Config) error {
	if err := cfg.Check(); err != nil {
		return err
	}
	providers := make(map[string]*provider.Provider, len(cfg.Providers))
	provCfgs := make(map[string]*ConfigProvider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name] = p.provider()
		provCfgs[p.Name] = p
	}
	sources := make(map[string]*source.Source, len(cfg.Sources))
	srcCfgs := make(map[string]*ConfigSource, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		sources[sc.Name] = sc.source(cfg.BaseURL)
		srcCfgs[sc.Name] = sc
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.providers = providers
	s.provCfgs = provCfgs
	s.sources = sources
	s.srcCfgs = srcCfgs
	return nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.logRequestF("REQ %s ➔ %s %s", req.RemoteAddr, req.Method, req.URL.Path)
	s.mux.ServeHTTP(w, req)
}

// Shutdown waits for in-flight backchannel logout deliveries.
func (s *Server) Shutdown() {
	s.orch.Wait()
}

func (s *Server) provider(name string) *provider.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providers[name]
}

func (s *Server) providerConfig(name string) *ConfigProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provCfgs[name]
}

func (s *Server) source(name string) *source.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sources[name]
}

func (s *Server) sourceConfig(name string) *ConfigSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.srcCfgs[name]
}

func (s *Server) baseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.BaseURL
}

func (s *Server) postLogoutURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.PostLogoutURL
}
