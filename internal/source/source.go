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

// Package source implements the service provider role against one upstream
// identity provider: it builds authentication requests and consumes the
// responses.
package source

import (
	"errors"
	"time"

	"github.com/c2FmZQ/samlfed/internal/keypair"
	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

// ErrInvalidResponse wraps all response validation failures.
var ErrInvalidResponse = errors.New("invalid response")

// Source is one upstream identity provider this engine can log in with.
type Source struct {
	// Slug identifies the source in URLs and logs.
	Slug string
	// EntityID is our SP entity ID presented to the IdP.
	EntityID string
	// ACSURL is where the IdP posts responses back to us.
	ACSURL string
	// SSOURL is the IdP's single sign-on service.
	SSOURL string
	// SLOURL is the IdP's single logout service. May be empty.
	SLOURL string
	// Binding selects how requests are delivered: BindingRedirect or
	// BindingPost.
	Binding string
	// NameIDPolicy is the requested NameID format.
	NameIDPolicy string
	// AllowIDPInitiated accepts responses that answer no request of ours.
	AllowIDPInitiated bool

	// SigningKeyPair signs outbound requests when set.
	SigningKeyPair *keypair.KeyPair
	// VerificationKeyPair holds the IdP certificates. When set, response
	// signatures are mandatory.
	VerificationKeyPair *keypair.KeyPair
	SignatureAlgorithm  xmlsig.SignatureAlgorithm
	DigestAlgorithm     xmlsig.DigestAlgorithm

	// DriftTolerance widens the validity window checks to absorb clock
	// skew between us and the IdP.
	DriftTolerance time.Duration
}

// DefaultDriftTolerance is used when DriftTolerance is zero.
const DefaultDriftTolerance = 5 * time.Minute

func (s *Source) driftTolerance() time.Duration {
	if s.DriftTolerance != 0 {
		return s.DriftTolerance
	}
	return DefaultDriftTolerance
}

func (s *Source) nameIDPolicy() string {
	if s.NameIDPolicy != "" {
		return s.NameIDPolicy
	}
	return saml.NameIDPersistent
}

// Signer returns the signer for outbound messages.
func (s *Source) Signer() (*xmlsig.Signer, error) {
	return xmlsig.NewSigner(s.SigningKeyPair, s.SignatureAlgorithm)
}

// Verifier returns the verifier for messages from the IdP, or nil when
// no verification material is configured.
func (s *Source) Verifier() *xmlsig.Verifier {
	if s.VerificationKeyPair == nil {
		return nil
	}
	return xmlsig.NewVerifier(s.VerificationKeyPair.Certificates())
}
