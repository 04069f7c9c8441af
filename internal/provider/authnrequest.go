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

package provider

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/c2FmZQ/samlfed/internal/saml"
)

// AuthnRequest is a validated inbound authentication request.
type AuthnRequest struct {
	// ID is echoed as InResponseTo. Empty for IdP-initiated flows.
	ID string
	// Issuer is the requesting entity.
	Issuer string
	// NameIDPolicy is the requested NameID format.
	NameIDPolicy string
	// RelayState is passed back to the SP untouched.
	RelayState string
}

// ParsePostRequest validates a request received with the HTTP-POST binding.
// The request document must carry an enveloped signature when verification
// material is configured.
func (p *Provider) ParsePostRequest(encoded, relayState string) (*AuthnRequest, error) {
	raw, err := saml.DecodePost(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotHandle, err)
	}
	root, err := p.parseRequestDocument(raw)
	if err != nil {
		return nil, err
	}
	if v := p.Verifier(); v != nil {
		validated, err := v.Verify(root)
		if err != nil {
			return nil, fmt.Errorf("%w: signature: %v", ErrCannotHandle, err)
		}
		root = validated
	}
	return p.requestFromElement(root, relayState)
}

// ParseRedirectRequest validates a request received with the HTTP-Redirect
// binding. encoded is the raw SAMLRequest query parameter; sigAlg and
// signature come from the companion parameters and must be present when
// verification material is configured.
func (p *Provider) ParseRedirectRequest(encoded, relayState, sigAlg, signature string) (*AuthnRequest, error) {
	if v := p.Verifier(); v != nil {
		if signature == "" || sigAlg == "" {
			return nil, fmt.Errorf("%w: signature required but absent", ErrCannotHandle)
		}
		if err := v.VerifyQuery("SAMLRequest", encoded, relayState, sigAlg, signature); err != nil {
			return nil, fmt.Errorf("%w: signature: %v", ErrCannotHandle, err)
		}
	}
	raw, err := saml.DecodeRedirect(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotHandle, err)
	}
	root, err := p.parseRequestDocument(raw)
	if err != nil {
		return nil, err
	}
	return p.requestFromElement(root, relayState)
}

// IdPInitiatedRequest returns the synthetic request used when the flow
// starts at the IdP. The response it produces has no InResponseTo.
func (p *Provider) IdPInitiatedRequest() *AuthnRequest {
	return &AuthnRequest{
		NameIDPolicy: saml.NameIDUnspecified,
		RelayState:   p.DefaultRelayState,
	}
}

func (p *Provider) parseRequestDocument(raw []byte) (*etree.Element, error) {
	doc, err := saml.ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotHandle, err)
	}
	root := doc.Root()
	if root.Tag != "AuthnRequest" || root.NamespaceURI() != saml.NSProtocol {
		return nil, fmt.Errorf("%w: unexpected element %s", ErrCannotHandle, root.Tag)
	}
	return root, nil
}

func (p *Provider) requestFromElement(root *etree.Element, relayState string) (*AuthnRequest, error) {
	// The SP may name its own consumer service. It has to match the
	// configured one, compared case-insensitively because some stacks
	// normalize URL case.
	if acs := root.SelectAttrValue("AssertionConsumerServiceURL", ""); acs != "" &&
		!strings.EqualFold(acs, p.ACSURL) {
		return nil, fmt.Errorf("%w: AssertionConsumerServiceURL %q not recognized", ErrCannotHandle, acs)
	}
	req := &AuthnRequest{
		ID:           root.SelectAttrValue("ID", ""),
		Issuer:       saml.FindElementText(root, "./Issuer"),
		NameIDPolicy: saml.NameIDUnspecified,
		RelayState:   relayState,
	}
	if policy := root.FindElement("./NameIDPolicy"); policy != nil {
		if f := policy.SelectAttrValue("Format", ""); f != "" {
			req.NameIDPolicy = f
		}
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: request has no ID", ErrCannotHandle)
	}
	return req, nil
}
