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

package xmlsig

import (
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	dsig "github.com/russellhaering/goxmldsig"
)

var (
	// ErrMissingSignature is returned when an expected signature is
	// absent. Callers that tolerate unsigned documents test for it.
	ErrMissingSignature = errors.New("xmlsig: no signature element")
	// ErrAmbiguousSignature is returned when a document carries more than
	// one signature where exactly one is expected.
	ErrAmbiguousSignature = errors.New("xmlsig: more than one signature element")
)

const signatureNS = "http://www.w3.org/2000/09/xmldsig#"

// Verifier checks enveloped signatures against a set of trusted
// certificates.
type Verifier struct {
	certs []*x509.Certificate
	// Clock overrides the time source for certificate validity checks.
	// Nil means real time.
	Clock clockwork.Clock
}

// NewVerifier returns a Verifier trusting certs.
func NewVerifier(certs []*x509.Certificate) *Verifier {
	return &Verifier{certs: certs}
}

// Verify checks the enveloped signature of el. Exactly one ds:Signature
// child must be present; zero yields ErrMissingSignature and two or more
// yield ErrAmbiguousSignature, so that a signature smuggled into an
// unexpected location can never satisfy a requirement. On success it returns
// the validated element, re-derived from the canonical form, which callers
// must use for any further data extraction.
func (v *Verifier) Verify(el *etree.Element) (*etree.Element, error) {
	var sigs []*etree.Element
	for _, tok := range el.Child {
		if c, ok := tok.(*etree.Element); ok && c.Tag == "Signature" && c.NamespaceURI() == signatureNS {
			sigs = append(sigs, c)
		}
	}
	switch {
	case len(sigs) == 0:
		return nil, ErrMissingSignature
	case len(sigs) > 1:
		return nil, ErrAmbiguousSignature
	}
	// An empty KeyInfo makes the validator give up before consulting its
	// root store. Dropping it lets validation proceed against our
	// configured certificates.
	if ki := sigs[0].FindElement("./KeyInfo"); ki != nil && ki.FindElement(".//X509Certificate") == nil {
		sigs[0].RemoveChild(ki)
	}
	vctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{Roots: v.certs})
	vctx.IdAttribute = "ID"
	if v.Clock != nil {
		vctx.Clock = dsig.NewFakeClock(v.Clock)
	}
	validated, err := vctx.Validate(el)
	if err != nil {
		return nil, fmt.Errorf("xmlsig: %w", err)
	}
	return validated, nil
}
