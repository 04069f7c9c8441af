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

// Package provider implements the identity provider role for one configured
// service provider: it parses the SP's authentication requests and issues
// signed assertions back to it.
package provider

import (
	"errors"
	"time"

	"github.com/c2FmZQ/samlfed/internal/keypair"
	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

// Logout methods.
const (
	LogoutBackchannel       = "backchannel"
	LogoutFrontchannelFrame = "frontchannel_iframe"
	LogoutFrontchannelChain = "frontchannel_native"
)

// ErrCannotHandle wraps all request validation failures. The handler shows a
// generic error page for these instead of a stack trace.
var ErrCannotHandle = errors.New("cannot handle request")

// ErrUnsupportedNameIDFormat is returned when a request asks for a NameID
// format this engine cannot produce.
var ErrUnsupportedNameIDFormat = errors.New("unsupported NameID format")

// PropertyMapping produces one SAML attribute of an assertion.
type PropertyMapping struct {
	// SAMLName is the attribute Name. Attributes are emitted sorted by
	// this value.
	SAMLName string
	// FriendlyName is optional.
	FriendlyName string
	// Evaluate returns the attribute value for a user: a string, a
	// []string, or nil to omit the attribute. An error skips the
	// attribute and is reported through the event recorder.
	Evaluate func(user *saml.User) (any, error)
}

// Provider is one service provider this engine issues assertions to.
type Provider struct {
	// Name identifies the provider in logs, URLs, and session records.
	Name string
	// ACSURL is the SP's assertion consumer service.
	ACSURL string
	// Issuer is the IdP entity ID presented to this SP.
	Issuer string
	// Audience restricts the assertion. Empty omits the restriction.
	Audience string
	// SPBinding is how responses are delivered: BindingPost or
	// BindingRedirect.
	SPBinding string
	// DefaultRelayState is used for IdP-initiated flows.
	DefaultRelayState string

	// SLSURL is the SP's single logout service. Empty means the SP does
	// not participate in single logout.
	SLSURL string
	// SLSBinding is the binding of SLSURL.
	SLSBinding string
	// LogoutMethod is one of the Logout* constants.
	LogoutMethod string

	// SigningKeyPair signs assertions, responses, and logout requests.
	SigningKeyPair *keypair.KeyPair
	// VerificationKeyPair, when set, makes inbound request signatures
	// mandatory and verifies them.
	VerificationKeyPair *keypair.KeyPair
	SignatureAlgorithm  xmlsig.SignatureAlgorithm
	DigestAlgorithm     xmlsig.DigestAlgorithm
	SignAssertion       bool
	SignResponse        bool

	// Validity windows, as offsets from issue time. NotBeforeOffset is
	// typically negative to absorb clock skew.
	NotBeforeOffset     time.Duration
	NotOnOrAfterOffset  time.Duration
	SessionNotOnOrAfter time.Duration

	// NameIDMapping, when set, overrides the NameID value regardless of
	// the requested format.
	NameIDMapping func(user *saml.User) (string, error)
	// AuthnContextMapping, when set, overrides the derived
	// AuthnContextClassRef. Returning "" keeps the derived value.
	AuthnContextMapping func(ev *saml.LoginEvent) string
	PropertyMappings    []PropertyMapping
}

// Defaults, matching common SP expectations.
const (
	DefaultNotBeforeOffset     = -5 * time.Minute
	DefaultNotOnOrAfterOffset  = 5 * time.Minute
	DefaultSessionNotOnOrAfter = 24 * time.Hour
)

func (p *Provider) notBefore(now time.Time) time.Time {
	off := p.NotBeforeOffset
	if off == 0 {
		off = DefaultNotBeforeOffset
	}
	return now.Add(off)
}

func (p *Provider) notOnOrAfter(now time.Time) time.Time {
	off := p.NotOnOrAfterOffset
	if off == 0 {
		off = DefaultNotOnOrAfterOffset
	}
	return now.Add(off)
}

func (p *Provider) sessionNotOnOrAfter(now time.Time) time.Time {
	off := p.SessionNotOnOrAfter
	if off == 0 {
		off = DefaultSessionNotOnOrAfter
	}
	return now.Add(off)
}

// Signer returns the enveloped signature signer for this provider.
func (p *Provider) Signer() (*xmlsig.Signer, error) {
	return xmlsig.NewSigner(p.SigningKeyPair, p.SignatureAlgorithm)
}

// Verifier returns the signature verifier for inbound messages, or nil when
// no verification material is configured.
func (p *Provider) Verifier() *xmlsig.Verifier {
	if p.VerificationKeyPair == nil {
		return nil
	}
	return xmlsig.NewVerifier(p.VerificationKeyPair.Certificates())
}
