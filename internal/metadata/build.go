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

// Package metadata builds the SAML metadata documents this engine publishes
// and parses the metadata documents its peers publish. Building the same
// descriptor twice yields identical bytes, so the documents can be served
// from a cache or diffed.
package metadata

import (
	"github.com/beevik/etree"

	"github.com/c2FmZQ/samlfed/internal/keypair"
	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

// Endpoint is a bound service location.
type Endpoint struct {
	Binding  string
	Location string
}

// IdPOptions describes the identity provider descriptor to build.
type IdPOptions struct {
	EntityID string
	// SSO and SLO list the endpoints in the order they should appear.
	SSO []Endpoint
	SLO []Endpoint
	// NameIDFormats advertises the supported formats.
	NameIDFormats []string
	// SigningKeyPair, when set, is advertised in a KeyDescriptor.
	SigningKeyPair *keypair.KeyPair
	// WantAuthnRequestsSigned advertises that inbound requests must carry
	// a signature.
	WantAuthnRequestsSigned bool
	// Signer, when set, signs the whole document.
	Signer *xmlsig.Signer
}

// SPOptions describes the service provider descriptor to build.
type SPOptions struct {
	EntityID string
	ACS      Endpoint
	SLO      []Endpoint
	// NameIDFormat is the single format this SP asks for.
	NameIDFormat         string
	SigningKeyPair       *keypair.KeyPair
	AuthnRequestsSigned  bool
	WantAssertionsSigned bool
	Signer               *xmlsig.Signer
}

// BuildIdP renders the IdP entity descriptor.
func BuildIdP(opts IdPOptions) ([]byte, error) {
	doc, root := entityDescriptor(opts.EntityID)
	d := root.CreateElement("md:IDPSSODescriptor")
	d.CreateAttr("protocolSupportEnumeration", saml.NSProtocol)
	if opts.WantAuthnRequestsSigned {
		d.CreateAttr("WantAuthnRequestsSigned", "true")
	}
	if opts.SigningKeyPair != nil {
		addKeyDescriptor(d, opts.SigningKeyPair)
	}
	for _, f := range opts.NameIDFormats {
		d.CreateElement("md:NameIDFormat").SetText(f)
	}
	for _, ep := range opts.SLO {
		addEndpoint(d, "md:SingleLogoutService", ep)
	}
	for _, ep := range opts.SSO {
		addEndpoint(d, "md:SingleSignOnService", ep)
	}
	return finish(doc, root, opts.Signer)
}

// BuildSP renders the SP entity descriptor for the source role.
func BuildSP(opts SPOptions) ([]byte, error) {
	doc, root := entityDescriptor(opts.EntityID)
	d := root.CreateElement("md:SPSSODescriptor")
	d.CreateAttr("protocolSupportEnumeration", saml.NSProtocol)
	if opts.AuthnRequestsSigned {
		d.CreateAttr("AuthnRequestsSigned", "true")
	}
	if opts.WantAssertionsSigned {
		d.CreateAttr("WantAssertionsSigned", "true")
	}
	if opts.SigningKeyPair != nil {
		addKeyDescriptor(d, opts.SigningKeyPair)
	}
	for _, ep := range opts.SLO {
		addEndpoint(d, "md:SingleLogoutService", ep)
	}
	if opts.NameIDFormat != "" {
		d.CreateElement("md:NameIDFormat").SetText(opts.NameIDFormat)
	}
	acs := d.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", opts.ACS.Binding)
	acs.CreateAttr("Location", opts.ACS.Location)
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")
	return finish(doc, root, opts.Signer)
}

func entityDescriptor(entityID string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	root := doc.CreateElement("md:EntityDescriptor")
	root.CreateAttr("xmlns:md", saml.NSMetadata)
	root.CreateAttr("xmlns:ds", saml.NSSignature)
	// The ID is derived from the entity ID so that rebuilding the
	// document never changes it.
	root.CreateAttr("ID", "id-"+saml.HashedID(entityID)[:32])
	root.CreateAttr("entityID", entityID)
	return doc, root
}

func addKeyDescriptor(d *etree.Element, kp *keypair.KeyPair) {
	kd := d.CreateElement("md:KeyDescriptor")
	kd.CreateAttr("use", "signing")
	ki := kd.CreateElement("ds:KeyInfo")
	data := ki.CreateElement("ds:X509Data")
	data.CreateElement("ds:X509Certificate").SetText(kp.CertificateBase64())
}

func addEndpoint(d *etree.Element, tag string, ep Endpoint) {
	e := d.CreateElement(tag)
	e.CreateAttr("Binding", ep.Binding)
	e.CreateAttr("Location", ep.Location)
}

func finish(doc *etree.Document, root *etree.Element, signer *xmlsig.Signer) ([]byte, error) {
	if signer != nil {
		if err := signer.SignEnveloped(root); err != nil {
			return nil, err
		}
	}
	return doc.WriteToBytes()
}
