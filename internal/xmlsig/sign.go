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
	"errors"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/c2FmZQ/samlfed/internal/keypair"
)

// Signer computes enveloped XML signatures with a fixed key and algorithm.
type Signer struct {
	kp  *keypair.KeyPair
	alg SignatureAlgorithm
}

// NewSigner returns a Signer using kp's private key. The digest method of
// the SignedInfo references follows the hash of the signature algorithm.
func NewSigner(kp *keypair.KeyPair, alg SignatureAlgorithm) (*Signer, error) {
	if kp == nil || !kp.HasPrivateKey() {
		return nil, errors.New("xmlsig: signing requires a private key")
	}
	return &Signer{kp: kp, alg: alg}, nil
}

func (s *Signer) signingContext() (*dsig.SigningContext, error) {
	ks, err := s.kp.KeyStore()
	if err != nil {
		return nil, err
	}
	ctx := dsig.NewDefaultSigningContext(ks)
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	if err := ctx.SetSignatureMethod(s.alg.URI()); err != nil {
		return nil, err
	}
	return ctx, nil
}

// SignEnveloped computes an enveloped signature over el, which must carry an
// ID attribute, and inserts the ds:Signature element immediately after the
// Issuer child. Interoperability note: some SAML stacks insist on that exact
// position.
func (s *Signer) SignEnveloped(el *etree.Element) error {
	ctx, err := s.signingContext()
	if err != nil {
		return err
	}
	sig, err := ctx.ConstructSignature(el, true)
	if err != nil {
		return err
	}
	insertAfterIssuer(el, sig)
	return nil
}

// insertAfterIssuer places sig right after the saml:Issuer child of el, or
// first when there is no Issuer, as is the case for metadata descriptors.
func insertAfterIssuer(el, sig *etree.Element) {
	at := 0
	for i, tok := range el.Child {
		if c, ok := tok.(*etree.Element); ok && c.Tag == "Issuer" {
			at = i + 1
			break
		}
	}
	el.InsertChildAt(at, sig)
}
