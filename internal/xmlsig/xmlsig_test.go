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
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"

	"github.com/c2FmZQ/samlfed/internal/keypair"
)

func testKeyPair(t *testing.T) *keypair.KeyPair {
	t.Helper()
	kp, err := keypair.GenerateSelfSigned("sig.example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	return kp
}

func testDocument() *etree.Document {
	doc := etree.NewDocument()
	root := doc.CreateElement("samlp:Response")
	root.CreateAttr("xmlns:samlp", "urn:oasis:names:tc:SAML:2.0:protocol")
	root.CreateAttr("xmlns:saml", "urn:oasis:names:tc:SAML:2.0:assertion")
	root.CreateAttr("ID", "id-0123456789abcdef")
	root.CreateAttr("Version", "2.0")
	iss := root.CreateElement("saml:Issuer")
	iss.SetText("https://idp.example.com")
	st := root.CreateElement("samlp:Status")
	st.CreateElement("samlp:StatusCode").CreateAttr("Value", "urn:oasis:names:tc:SAML:2.0:status:Success")
	return doc
}

func TestSignAndVerifyEnveloped(t *testing.T) {
	kp := testKeyPair(t)
	signer, err := NewSigner(kp, SigRSASHA256)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	doc := testDocument()
	if err := signer.SignEnveloped(doc.Root()); err != nil {
		t.Fatalf("SignEnveloped: %v", err)
	}

	// The signature must directly follow the Issuer element.
	children := doc.Root().ChildElements()
	if len(children) < 2 || children[0].Tag != "Issuer" || children[1].Tag != "Signature" {
		tags := make([]string, len(children))
		for i, c := range children {
			tags[i] = c.Tag
		}
		t.Fatalf("Unexpected child order: %v", tags)
	}

	// Serialize and re-parse, like a real peer would.
	raw, err := doc.WriteToBytes()
	if err != nil {
		t.Fatalf("WriteToBytes: %v", err)
	}
	doc2 := etree.NewDocument()
	if err := doc2.ReadFromBytes(raw); err != nil {
		t.Fatalf("ReadFromBytes: %v", err)
	}
	v := NewVerifier([]*x509.Certificate{kp.Certificate()})
	validated, err := v.Verify(doc2.Root())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := validated.FindElement("./Issuer"); got == nil || got.Text() != "https://idp.example.com" {
		t.Errorf("Validated element lost its Issuer: %v", got)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	kp := testKeyPair(t)
	signer, err := NewSigner(kp, SigRSASHA256)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	doc := testDocument()
	if err := signer.SignEnveloped(doc.Root()); err != nil {
		t.Fatalf("SignEnveloped: %v", err)
	}
	doc.Root().FindElement("./Issuer").SetText("https://evil.example.com")

	v := NewVerifier([]*x509.Certificate{kp.Certificate()})
	if _, err := v.Verify(doc.Root()); err == nil {
		t.Error("Verify accepted a tampered document")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer, err := NewSigner(testKeyPair(t), SigRSASHA256)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	doc := testDocument()
	if err := signer.SignEnveloped(doc.Root()); err != nil {
		t.Fatalf("SignEnveloped: %v", err)
	}
	v := NewVerifier([]*x509.Certificate{testKeyPair(t).Certificate()})
	if _, err := v.Verify(doc.Root()); err == nil {
		t.Error("Verify accepted a signature from an untrusted key")
	}
}

func TestVerifySignatureCount(t *testing.T) {
	kp := testKeyPair(t)
	v := NewVerifier([]*x509.Certificate{kp.Certificate()})

	doc := testDocument()
	if _, err := v.Verify(doc.Root()); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("Verify() = %v, want ErrMissingSignature", err)
	}

	signer, err := NewSigner(kp, SigRSASHA256)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if err := signer.SignEnveloped(doc.Root()); err != nil {
		t.Fatalf("SignEnveloped: %v", err)
	}
	// Duplicate the signature element, the classic wrapping setup.
	sig := doc.Root().FindElement("./Signature")
	doc.Root().AddChild(sig.Copy())
	if _, err := v.Verify(doc.Root()); !errors.Is(err, ErrAmbiguousSignature) {
		t.Errorf("Verify() = %v, want ErrAmbiguousSignature", err)
	}
}

func TestSignerRequiresPrivateKey(t *testing.T) {
	kp := testKeyPair(t)
	pub, err := keypair.New(kp.CertificatePEM(), "")
	if err != nil {
		t.Fatalf("keypair.New: %v", err)
	}
	if _, err := NewSigner(pub, SigRSASHA256); err == nil {
		t.Error("NewSigner should reject a pair without a private key")
	}
}

func TestSignAndVerifyQuery(t *testing.T) {
	kp := testKeyPair(t)
	signer, err := NewSigner(kp, SigRSASHA256)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	const payload = "pZJBj9owEIX/SuR7Eqd0" // arbitrary base64-ish payload
	q, err := signer.SignQuery("SAMLRequest", payload, "/next")
	if err != nil {
		t.Fatalf("SignQuery: %v", err)
	}

	// Parameter order is part of the contract.
	names := []string{}
	for _, kv := range strings.Split(q, "&") {
		names = append(names, strings.SplitN(kv, "=", 2)[0])
	}
	want := []string{"SAMLRequest", "RelayState", "SigAlg", "Signature"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Query parameter order = %v, want %v", names, want)
	}

	vals, err := url.ParseQuery(q)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if got, want := vals.Get("SigAlg"), SigRSASHA256.URI(); got != want {
		t.Errorf("SigAlg = %q, want %q", got, want)
	}

	v := NewVerifier([]*x509.Certificate{kp.Certificate()})
	if err := v.VerifyQuery("SAMLRequest", vals.Get("SAMLRequest"), vals.Get("RelayState"), vals.Get("SigAlg"), vals.Get("Signature")); err != nil {
		t.Errorf("VerifyQuery: %v", err)
	}
	// Any change to the signed parameters must break the signature.
	if err := v.VerifyQuery("SAMLRequest", vals.Get("SAMLRequest"), "/elsewhere", vals.Get("SigAlg"), vals.Get("Signature")); err == nil {
		t.Error("VerifyQuery accepted a modified RelayState")
	}
	if err := v.VerifyQuery("SAMLResponse", vals.Get("SAMLRequest"), vals.Get("RelayState"), vals.Get("SigAlg"), vals.Get("Signature")); err == nil {
		t.Error("VerifyQuery accepted a swapped parameter name")
	}
}

func TestSignQueryWithoutRelayState(t *testing.T) {
	kp := testKeyPair(t)
	signer, err := NewSigner(kp, SigRSASHA256)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	q, err := signer.SignQuery("SAMLRequest", "abc", "")
	if err != nil {
		t.Fatalf("SignQuery: %v", err)
	}
	if strings.Contains(q, "RelayState") {
		t.Errorf("Empty RelayState must be omitted: %q", q)
	}
	vals, _ := url.ParseQuery(q)
	v := NewVerifier([]*x509.Certificate{kp.Certificate()})
	if err := v.VerifyQuery("SAMLRequest", vals.Get("SAMLRequest"), "", vals.Get("SigAlg"), vals.Get("Signature")); err != nil {
		t.Errorf("VerifyQuery: %v", err)
	}
}

func TestVerifyQueryRejectsUnknownAlgorithm(t *testing.T) {
	v := NewVerifier(nil)
	err := v.VerifyQuery("SAMLRequest", "abc", "", "http://www.w3.org/2000/09/xmldsig#dsa-sha1", "c2ln")
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("VerifyQuery() = %v, want unsupported algorithm error", err)
	}
}

func TestAlgorithmDefaults(t *testing.T) {
	if got, want := SignatureAlgorithm("rot13").URI(), SigRSASHA256.URI(); got != want {
		t.Errorf("Unknown signature algorithm resolved to %q, want %q", got, want)
	}
	if got, want := DigestAlgorithm("crc32").URI(), DigestSHA256.URI(); got != want {
		t.Errorf("Unknown digest algorithm resolved to %q, want %q", got, want)
	}
}

func TestSignatureDigest(t *testing.T) {
	for sig, want := range map[SignatureAlgorithm]DigestAlgorithm{
		SigRSASHA1:     DigestSHA1,
		SigRSASHA256:   DigestSHA256,
		SigECDSASHA384: DigestSHA384,
		SigRSASHA512:   DigestSHA512,
		"rot13":        DigestSHA256,
	} {
		if got := sig.Digest(); got != want {
			t.Errorf("%s.Digest() = %q, want %q", sig, got, want)
		}
	}
}
