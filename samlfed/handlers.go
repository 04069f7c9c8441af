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

package samlfed

import (
	"fmt"
	"net/http"

	"github.com/c2FmZQ/samlfed/internal/keypair"
	"github.com/c2FmZQ/samlfed/internal/logout"
	"github.com/c2FmZQ/samlfed/internal/metadata"
	"github.com/c2FmZQ/samlfed/internal/provider"
	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/sessionstore"
	"github.com/c2FmZQ/samlfed/internal/slo"
	"github.com/c2FmZQ/samlfed/internal/source"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

// reject surfaces a protocol or signature failure: terse body, details
// only in the log.
func (s *Server) reject(w http.ResponseWriter, what string, err error) {
	s.logErrorF("ERR %s: %v", what, err)
	http.Error(w, "invalid request", http.StatusBadRequest)
}

// handleSSO receives an AuthnRequest in either binding, or starts an
// IdP-initiated login when no request parameter is present, and delivers
// the response via the provider's response binding.
func (s *Server) handleSSO(w http.ResponseWriter, req *http.Request) {
	prov := s.provider(req.PathValue("provider"))
	if prov == nil {
		http.NotFound(w, req)
		return
	}
	req.ParseForm()

	var ar *provider.AuthnRequest
	var err error
	switch {
	case req.Method == http.MethodPost && req.PostForm.Get("SAMLRequest") != "":
		ar, err = prov.ParsePostRequest(req.PostForm.Get("SAMLRequest"), req.PostForm.Get("RelayState"))
	case req.Form.Get("SAMLRequest") != "":
		ar, err = prov.ParseRedirectRequest(req.Form.Get("SAMLRequest"), req.Form.Get("RelayState"),
			req.Form.Get("SigAlg"), req.Form.Get("Signature"))
	default:
		ar = prov.IdPInitiatedRequest()
	}
	if err != nil {
		s.reject(w, "authentication request for "+prov.Name, err)
		return
	}
	sess := s.resolver.CurrentSession(req)
	if sess == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	b := &provider.ResponseBuilder{
		Provider:    prov,
		Request:     ar,
		Session:     sess,
		LoginEvent:  s.resolver.LoginEvent(sess),
		Clock:       s.clock,
		RecordEvent: s.events.Record,
	}
	nameID, nameIDFormat, err := b.ResolveNameID()
	if err != nil {
		s.reject(w, "NameID for "+prov.Name, err)
		return
	}

	var deliver func() error
	if prov.SPBinding == saml.BindingRedirect {
		var u string
		if u, err = b.BuildRedirectURL(); err == nil {
			deliver = func() error {
				http.Redirect(w, req, u, http.StatusFound)
				return nil
			}
		}
	} else {
		var encoded, relayState string
		if encoded, relayState, err = b.BuildPost(); err == nil {
			deliver = func() error {
				return s.renderAutoPost(w, formPost{
					Action:     prov.ACSURL,
					Param:      "SAMLResponse",
					Value:      encoded,
					RelayState: relayState,
				})
			}
		}
	}
	if err != nil {
		s.logErrorF("ERR response for %s: %v", prov.Name, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.sessions.Add(sess.Key, sessionstore.Record{
		Provider:     prov.Name,
		UserID:       sess.User.UID,
		NameID:       nameID,
		NameIDFormat: nameIDFormat,
		SessionIndex: saml.HashedID(sess.Key),
	}); err != nil {
		s.logErrorF("ERR session record for %s: %v", prov.Name, err)
	}
	s.logRequestF("INF assertion issued to %s for %s", prov.Name, sess.User.UID)
	if err := deliver(); err != nil {
		s.logErrorF("ERR response for %s: %v", prov.Name, err)
	}
}

func (s *Server) handleProviderMetadata(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("provider")
	prov, pc := s.provider(name), s.providerConfig(name)
	if prov == nil || pc == nil {
		http.NotFound(w, req)
		return
	}
	base := s.baseURL()
	opts := metadata.IdPOptions{
		EntityID: prov.Issuer,
		SSO: []metadata.Endpoint{
			{Binding: saml.BindingRedirect, Location: base + "/sso/" + name},
			{Binding: saml.BindingPost, Location: base + "/sso/" + name},
		},
		SLO: []metadata.Endpoint{
			{Binding: saml.BindingRedirect, Location: base + "/slo/" + name},
			{Binding: saml.BindingPost, Location: base + "/slo/" + name},
		},
		NameIDFormats:           validNameIDFormats,
		SigningKeyPair:          prov.SigningKeyPair,
		WantAuthnRequestsSigned: prov.VerificationKeyPair != nil,
	}
	if pc.SignMetadata {
		signer, err := prov.Signer()
		if err != nil {
			s.logErrorF("ERR metadata for %s: %v", name, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		opts.Signer = signer
	}
	raw, err := metadata.BuildIdP(opts)
	if err != nil {
		s.logErrorF("ERR metadata for %s: %v", name, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(raw)
}

func (s *Server) handleSourceMetadata(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("source")
	src, sc := s.source(name), s.sourceConfig(name)
	if src == nil || sc == nil {
		http.NotFound(w, req)
		return
	}
	base := s.baseURL()
	opts := metadata.SPOptions{
		EntityID: src.EntityID,
		ACS:      metadata.Endpoint{Binding: saml.BindingPost, Location: src.ACSURL},
		SLO: []metadata.Endpoint{
			{Binding: src.Binding, Location: base + "/slo/source/" + name},
		},
		NameIDFormat:         src.NameIDPolicy,
		SigningKeyPair:       src.SigningKeyPair,
		AuthnRequestsSigned:  src.SigningKeyPair.HasPrivateKey(),
		WantAssertionsSigned: src.VerificationKeyPair != nil,
	}
	if sc.SignMetadata {
		signer, err := src.Signer()
		if err != nil {
			s.logErrorF("ERR metadata for source %s: %v", name, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		opts.Signer = signer
	}
	raw, err := metadata.BuildSP(opts)
	if err != nil {
		s.logErrorF("ERR metadata for source %s: %v", name, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(raw)
}

// handleLogin starts a login against an upstream IdP.
func (s *Server) handleLogin(w http.ResponseWriter, req *http.Request) {
	src := s.source(req.PathValue("source"))
	if src == nil {
		http.NotFound(w, req)
		return
	}
	ar, err := src.NewAuthnRequest(req.FormValue("RelayState"), s.clock.Now())
	if err != nil {
		s.logErrorF("ERR authentication request for source %s: %v", src.Slug, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.correlations.Put(ar.ID, src.Slug)
	s.logRequestF("INF login started with source %s", src.Slug)
	if src.Binding == saml.BindingRedirect {
		http.Redirect(w, req, ar.URL, http.StatusFound)
		return
	}
	if err := s.renderAutoPost(w, formPost{
		Action:     src.SSOURL,
		Param:      "SAMLRequest",
		Value:      ar.Encoded,
		RelayState: ar.RelayState,
	}); err != nil {
		s.logErrorF("ERR authentication request for source %s: %v", src.Slug, err)
	}
}

// handleACS consumes an assertion from an upstream IdP.
func (s *Server) handleACS(w http.ResponseWriter, req *http.Request) {
	src := s.source(req.PathValue("source"))
	if src == nil {
		http.NotFound(w, req)
		return
	}
	encoded := req.PostFormValue("SAMLResponse")
	raw, err := saml.DecodePost(encoded)
	if err != nil {
		s.reject(w, "response from source "+src.Slug, err)
		return
	}
	doc, err := saml.ParseDocument(raw)
	if err != nil {
		s.reject(w, "response from source "+src.Slug, err)
		return
	}
	// The correlation and replay checks key off unauthenticated
	// attributes. ParseResponse re-checks InResponseTo after signature
	// validation.
	inResponseTo := doc.Root().SelectAttrValue("InResponseTo", "")
	responseID := doc.Root().SelectAttrValue("ID", "")
	requestID := ""
	if inResponseTo != "" {
		slug, ok := s.correlations.Take(inResponseTo)
		if !ok || slug != src.Slug {
			s.reject(w, "response from source "+src.Slug, fmt.Errorf("unknown or expired request %q", inResponseTo))
			return
		}
		requestID = inResponseTo
	} else if s.replay.Seen(responseID) {
		s.reject(w, "response from source "+src.Slug, fmt.Errorf("replayed response %q", responseID))
		return
	}
	info, err := src.ParseResponse(encoded, requestID, s.clock)
	if err != nil {
		s.reject(w, "response from source "+src.Slug, err)
		return
	}
	next, err := s.resolver.UpstreamLogin(w, req, src.Slug, info, req.PostFormValue("RelayState"))
	if err != nil {
		s.logErrorF("ERR login with source %s: %v", src.Slug, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.logRequestF("INF login completed with source %s: %s", src.Slug, info.NameID)
	http.Redirect(w, req, next, http.StatusFound)
}

// handleProviderSLO is the IdP-role single logout endpoint: it receives
// LogoutRequests from service providers, terminates the local session,
// cascades the logout to the other providers, and answers with a
// LogoutResponse.
func (s *Server) handleProviderSLO(w http.ResponseWriter, req *http.Request) {
	prov := s.provider(req.PathValue("provider"))
	if prov == nil {
		http.NotFound(w, req)
		return
	}
	req.ParseForm()

	if encoded := req.Form.Get("SAMLResponse"); encoded != "" {
		// A provider acknowledging one of our LogoutRequests.
		var lr *logout.Response
		var err error
		if req.Method == http.MethodPost {
			lr, err = logout.ParseResponsePost(encoded, prov.Verifier())
		} else {
			lr, err = logout.ParseResponseRedirect(encoded, req.Form.Get("RelayState"),
				req.Form.Get("SigAlg"), req.Form.Get("Signature"), prov.Verifier())
		}
		if err != nil {
			s.reject(w, "logout response from "+prov.Name, err)
			return
		}
		if !lr.Success() {
			s.logErrorF("ERR logout response from %s: %s %s", prov.Name, lr.Status, lr.StatusMessage)
		}
		http.Redirect(w, req, s.postLogoutURL(), http.StatusFound)
		return
	}

	encoded := req.Form.Get("SAMLRequest")
	if encoded == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	var lr *logout.Request
	var err error
	if req.Method == http.MethodPost {
		lr, err = logout.ParseRequestPost(encoded, prov.Verifier())
	} else {
		lr, err = logout.ParseRequestRedirect(encoded, req.Form.Get("RelayState"),
			req.Form.Get("SigAlg"), req.Form.Get("Signature"), prov.Verifier())
	}
	if err != nil {
		s.reject(w, "logout request from "+prov.Name, err)
		return
	}
	var plan *slo.Plan
	if sess := s.resolver.CurrentSession(req); sess != nil {
		// The requester is already logging itself out.
		s.sessions.Delete(sess.Key, prov.Name)
		s.resolver.EndSession(w, req, sess)
		if plan, err = s.orch.Logout(req.Context(), sess.Key); err != nil {
			s.logErrorF("ERR logout for session of %s: %v", prov.Name, err)
			plan = nil
		}
	}
	s.logRequestF("INF logout requested by %s", prov.Name)
	final, err := s.logoutResponseHop(prov, lr.ID, req.Form.Get("RelayState"))
	if err != nil {
		s.logErrorF("ERR logout response to %s: %v", prov.Name, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.renderLogout(w, req, plan, final)
}

// logoutResponseHop builds the LogoutResponse delivery back to the
// provider that requested the logout.
func (s *Server) logoutResponseHop(prov *provider.Provider, inResponseTo, relayState string) (formPost, error) {
	if prov.SLSURL == "" {
		return formPost{URL: s.postLogoutURL()}, nil
	}
	resp := logout.Response{
		InResponseTo: inResponseTo,
		Issuer:       prov.Issuer,
		Destination:  prov.SLSURL,
	}
	signer, err := optionalSigner(prov.SigningKeyPair, prov.SignatureAlgorithm)
	if err != nil {
		return formPost{}, err
	}
	return s.deliverLogout(prov.SLSURL, prov.SLSBinding, "SAMLResponse", relayState, signer,
		func(signer *xmlsig.Signer) ([]byte, error) {
			return logout.BuildResponse(resp, signer, s.clock.Now())
		})
}

// handleSourceSLO is the SP-role single logout endpoint toward one
// upstream IdP: it initiates a logout, receives the IdP's response, and
// accepts IdP-initiated LogoutRequests.
func (s *Server) handleSourceSLO(w http.ResponseWriter, req *http.Request) {
	src := s.source(req.PathValue("source"))
	if src == nil {
		http.NotFound(w, req)
		return
	}
	req.ParseForm()

	if encoded := req.Form.Get("SAMLResponse"); encoded != "" {
		var lr *logout.Response
		var err error
		if req.Method == http.MethodPost {
			lr, err = logout.ParseResponsePost(encoded, src.Verifier())
		} else {
			lr, err = logout.ParseResponseRedirect(encoded, req.Form.Get("RelayState"),
				req.Form.Get("SigAlg"), req.Form.Get("Signature"), src.Verifier())
		}
		if err != nil {
			s.reject(w, "logout response from source "+src.Slug, err)
			return
		}
		if !lr.Success() {
			// The upstream refused, but the local session is
			// already gone. Log and move on.
			s.logErrorF("ERR logout response from source %s: %s %s", src.Slug, lr.Status, lr.StatusMessage)
			s.events.Record("logout_failed", fmt.Sprintf("Source %s refused logout: %s", src.Slug, lr.StatusMessage))
		}
		http.Redirect(w, req, s.postLogoutURL(), http.StatusFound)
		return
	}

	if encoded := req.Form.Get("SAMLRequest"); encoded != "" {
		// IdP-initiated logout.
		var lr *logout.Request
		var err error
		if req.Method == http.MethodPost {
			lr, err = logout.ParseRequestPost(encoded, src.Verifier())
		} else {
			lr, err = logout.ParseRequestRedirect(encoded, req.Form.Get("RelayState"),
				req.Form.Get("SigAlg"), req.Form.Get("Signature"), src.Verifier())
		}
		if err != nil {
			s.reject(w, "logout request from source "+src.Slug, err)
			return
		}
		var plan *slo.Plan
		if sess := s.resolver.CurrentSession(req); sess != nil {
			s.resolver.EndSession(w, req, sess)
			if plan, err = s.orch.Logout(req.Context(), sess.Key); err != nil {
				s.logErrorF("ERR logout for source %s: %v", src.Slug, err)
				plan = nil
			}
		}
		s.logRequestF("INF logout requested by source %s", src.Slug)
		final, err := s.sourceLogoutResponseHop(src, lr.ID, req.Form.Get("RelayState"))
		if err != nil {
			s.logErrorF("ERR logout response to source %s: %v", src.Slug, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.renderLogout(w, req, plan, final)
		return
	}

	// Initiate: end the local session, cascade to the providers, then
	// send the browser to the upstream IdP with our LogoutRequest.
	sess := s.resolver.CurrentSession(req)
	if sess == nil {
		http.Redirect(w, req, s.postLogoutURL(), http.StatusFound)
		return
	}
	info := s.resolver.UpstreamSession(req, src.Slug)
	s.resolver.EndSession(w, req, sess)
	plan, err := s.orch.Logout(req.Context(), sess.Key)
	if err != nil {
		s.logErrorF("ERR logout for source %s: %v", src.Slug, err)
		plan = nil
	}
	final := formPost{URL: s.postLogoutURL()}
	if src.SLOURL != "" && info != nil {
		lreq := logout.Request{
			Issuer:       src.EntityID,
			Destination:  src.SLOURL,
			NameID:       info.NameID,
			NameIDFormat: info.NameIDFormat,
			SessionIndex: info.SessionIndex,
		}
		signer, err := optionalSigner(src.SigningKeyPair, src.SignatureAlgorithm)
		if err == nil {
			final, err = s.deliverLogout(src.SLOURL, src.Binding, "SAMLRequest", "", signer,
				func(signer *xmlsig.Signer) ([]byte, error) {
					return logout.BuildRequest(lreq, signer, s.clock.Now())
				})
		}
		if err != nil {
			s.logErrorF("ERR logout request to source %s: %v", src.Slug, err)
			final = formPost{URL: s.postLogoutURL()}
		}
	}
	s.logRequestF("INF logout started toward source %s", src.Slug)
	s.renderLogout(w, req, plan, final)
}

func (s *Server) sourceLogoutResponseHop(src *source.Source, inResponseTo, relayState string) (formPost, error) {
	if src.SLOURL == "" {
		return formPost{URL: s.postLogoutURL()}, nil
	}
	resp := logout.Response{
		InResponseTo: inResponseTo,
		Issuer:       src.EntityID,
		Destination:  src.SLOURL,
	}
	signer, err := optionalSigner(src.SigningKeyPair, src.SignatureAlgorithm)
	if err != nil {
		return formPost{}, err
	}
	return s.deliverLogout(src.SLOURL, src.Binding, "SAMLResponse", relayState, signer,
		func(signer *xmlsig.Signer) ([]byte, error) {
			return logout.BuildResponse(resp, signer, s.clock.Now())
		})
}

// handleContinue resumes a frontchannel native logout chain.
func (s *Server) handleContinue(w http.ResponseWriter, req *http.Request) {
	hop, err := s.orch.Continue(req.FormValue("token"))
	if err != nil {
		s.reject(w, "logout continuation", err)
		return
	}
	if hop.Post() {
		if err := s.renderAutoPost(w, formPost{
			Action:     hop.URL,
			Param:      "SAMLRequest",
			Value:      hop.SAMLRequest,
			RelayState: hop.RelayState,
		}); err != nil {
			s.logErrorF("ERR logout continuation: %v", err)
		}
		return
	}
	http.Redirect(w, req, hop.URL, http.StatusFound)
}

// optionalSigner returns nil when kp holds no private key.
func optionalSigner(kp *keypair.KeyPair, alg xmlsig.SignatureAlgorithm) (*xmlsig.Signer, error) {
	if !kp.HasPrivateKey() {
		return nil, nil
	}
	return xmlsig.NewSigner(kp, alg)
}

// deliverLogout renders a logout message as a browser delivery: a
// redirect URL with a detached signature, or an auto-submitted form with
// an enveloped one.
func (s *Server) deliverLogout(endpoint, binding, param, relayState string, signer *xmlsig.Signer, build func(*xmlsig.Signer) ([]byte, error)) (formPost, error) {
	if binding == saml.BindingRedirect {
		raw, err := build(nil)
		if err != nil {
			return formPost{}, err
		}
		u, err := logout.RedirectURL(endpoint, param, raw, relayState, signer)
		if err != nil {
			return formPost{}, err
		}
		return formPost{URL: u}, nil
	}
	raw, err := build(signer)
	if err != nil {
		return formPost{}, err
	}
	return formPost{
		Action:     endpoint,
		Param:      param,
		Value:      saml.EncodePost(raw),
		RelayState: relayState,
	}, nil
}
