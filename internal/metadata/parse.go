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

package metadata

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

// SPMetadata is what a peer's service provider metadata resolves to. It maps
// directly onto a provider configuration.
type SPMetadata struct {
	EntityID             string
	ACSURL               string
	ACSBinding           string
	SLOURL               string
	SLOBinding           string
	AuthnRequestsSigned  bool
	WantAssertionsSigned bool
	NameIDFormat         string
	// SigningCerts are the certificates the SP will sign with, if it
	// advertised any.
	SigningCerts []*x509.Certificate
}

// ParseSP extracts a service provider configuration from an entity
// descriptor. When the descriptor advertises a signing certificate and the
// document itself is signed, the document signature is verified with that
// certificate before any field is trusted. An unsigned document is accepted.
func ParseSP(raw []byte) (*SPMetadata, error) {
	doc, err := saml.ParseDocument(raw)
	if err != nil {
		return nil, err
	}
	root := doc.Root()
	if root.Tag != "EntityDescriptor" || root.NamespaceURI() != saml.NSMetadata {
		return nil, fmt.Errorf("metadata: unexpected root element %s", root.Tag)
	}
	sp := root.FindElement("./SPSSODescriptor")
	if sp == nil {
		return nil, errors.New("metadata: no SPSSODescriptor")
	}

	m := &SPMetadata{
		EntityID:             saml.FindElementAttr(root, ".", "entityID"),
		AuthnRequestsSigned:  boolAttr(sp, "AuthnRequestsSigned"),
		WantAssertionsSigned: boolAttr(sp, "WantAssertionsSigned"),
		NameIDFormat:         saml.FindElementText(sp, "./NameIDFormat"),
	}
	if m.EntityID == "" {
		return nil, errors.New("metadata: no entityID")
	}
	certs, err := signingCerts(sp)
	if err != nil {
		return nil, err
	}
	m.SigningCerts = certs

	if len(certs) > 0 {
		v := xmlsig.NewVerifier(certs)
		if _, err := v.Verify(root); err != nil && !errors.Is(err, xmlsig.ErrMissingSignature) {
			return nil, fmt.Errorf("metadata: document signature: %w", err)
		}
	}

	acs := defaultACS(sp)
	if acs == nil {
		return nil, errors.New("metadata: no AssertionConsumerService")
	}
	m.ACSURL = acs.SelectAttrValue("Location", "")
	m.ACSBinding = acs.SelectAttrValue("Binding", "")
	if slo := pickEndpoint(sp.FindElements("./SingleLogoutService")); slo != nil {
		m.SLOURL = slo.SelectAttrValue("Location", "")
		m.SLOBinding = slo.SelectAttrValue("Binding", "")
	}
	return m, nil
}

// defaultACS picks the endpoint marked isDefault, then the lowest index,
// then document order.
func defaultACS(sp *etree.Element) *etree.Element {
	all := sp.FindElements("./AssertionConsumerService")
	var best *etree.Element
	bestIndex := -1
	for _, e := range all {
		if strings.EqualFold(e.SelectAttrValue("isDefault", ""), "true") {
			return e
		}
		idx, err := strconv.Atoi(e.SelectAttrValue("index", ""))
		if err != nil {
			idx = 1 << 30
		}
		if best == nil || idx < bestIndex {
			best, bestIndex = e, idx
		}
	}
	return best
}

// pickEndpoint prefers the POST binding over Redirect.
func pickEndpoint(all []*etree.Element) *etree.Element {
	var fallback *etree.Element
	for _, e := range all {
		switch e.SelectAttrValue("Binding", "") {
		case saml.BindingPost:
			return e
		case saml.BindingRedirect:
			if fallback == nil {
				fallback = e
			}
		}
	}
	return fallback
}

func signingCerts(sp *etree.Element) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, kd := range sp.FindElements("./KeyDescriptor") {
		if use := kd.SelectAttrValue("use", ""); use != "" && use != "signing" {
			continue
		}
		for _, c := range kd.FindElements(".//X509Certificate") {
			der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(c.Text()), ""))
			if err != nil {
				return nil, fmt.Errorf("metadata: certificate: %w", err)
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("metadata: certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

func boolAttr(e *etree.Element, name string) bool {
	return strings.EqualFold(e.SelectAttrValue(name, ""), "true")
}
