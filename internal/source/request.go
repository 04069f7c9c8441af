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

package source

import (
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/c2FmZQ/samlfed/internal/saml"
)

// AuthnRequest is an outbound authentication request. The ID must be
// remembered so the response can be correlated.
type AuthnRequest struct {
	ID string
	// URL is set for the redirect binding: the complete location to send
	// the browser to.
	URL string
	// Encoded is set for the POST binding: the base64 form value.
	Encoded string
	// RelayState accompanies the request in either binding.
	RelayState string
}

// NewAuthnRequest builds a request for this source's configured binding.
// Redirect requests are signed with the detached query signature, POST
// requests with an enveloped signature, both only when signing material is
// configured.
func (s *Source) NewAuthnRequest(relayState string, now time.Time) (*AuthnRequest, error) {
	id := saml.RandomID()
	doc := s.requestDocument(id, now)
	if s.Binding == saml.BindingPost {
		return s.finishPost(doc, id, relayState)
	}
	return s.finishRedirect(doc, id, relayState)
}

func (s *Source) requestDocument(id string, now time.Time) *etree.Document {
	doc := etree.NewDocument()
	req := doc.CreateElement("samlp:AuthnRequest")
	req.CreateAttr("xmlns:samlp", saml.NSProtocol)
	req.CreateAttr("xmlns:saml", saml.NSAssertion)
	req.CreateAttr("ID", id)
	req.CreateAttr("Version", saml.Version)
	req.CreateAttr("IssueInstant", saml.TimeString(now))
	req.CreateAttr("Destination", s.SSOURL)
	req.CreateAttr("ProtocolBinding", saml.BindingPost)
	req.CreateAttr("AssertionConsumerServiceURL", s.ACSURL)
	req.CreateElement("saml:Issuer").SetText(s.EntityID)
	policy := req.CreateElement("samlp:NameIDPolicy")
	policy.CreateAttr("Format", s.nameIDPolicy())
	policy.CreateAttr("AllowCreate", "true")
	return doc
}

func (s *Source) finishPost(doc *etree.Document, id, relayState string) (*AuthnRequest, error) {
	if s.SigningKeyPair.HasPrivateKey() {
		signer, err := s.Signer()
		if err != nil {
			return nil, err
		}
		if err := signer.SignEnveloped(doc.Root()); err != nil {
			return nil, err
		}
	}
	raw, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	return &AuthnRequest{ID: id, Encoded: saml.EncodePost(raw), RelayState: relayState}, nil
}

func (s *Source) finishRedirect(doc *etree.Document, id, relayState string) (*AuthnRequest, error) {
	raw, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	encoded, err := saml.EncodeRedirect(raw)
	if err != nil {
		return nil, err
	}
	var query string
	if s.SigningKeyPair.HasPrivateKey() {
		signer, err := s.Signer()
		if err != nil {
			return nil, err
		}
		if query, err = signer.SignQuery("SAMLRequest", encoded, relayState); err != nil {
			return nil, err
		}
	} else {
		query = unsignedQuery("SAMLRequest", encoded, relayState)
	}
	sep := "?"
	if strings.Contains(s.SSOURL, "?") {
		sep = "&"
	}
	return &AuthnRequest{ID: id, URL: s.SSOURL + sep + query, RelayState: relayState}, nil
}

func unsignedQuery(param, payload, relayState string) string {
	q := param + "=" + url.QueryEscape(payload)
	if relayState != "" {
		q += "&RelayState=" + url.QueryEscape(relayState)
	}
	return q
}
