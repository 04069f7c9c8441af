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
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/jonboulle/clockwork"

	"github.com/c2FmZQ/samlfed/internal/keypair"
	"github.com/c2FmZQ/samlfed/internal/provider"
	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

func testKeyPair(t *testing.T, name string) *keypair.KeyPair {
	t.Helper()
	kp, err := keypair.GenerateSelfSigned(name, time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	return kp
}

func testSource(t *testing.T, idpKP *keypair.KeyPair) *Source {
	return &Source{
		Slug:                "upstream",
		EntityID:            "https://engine.example.com/metadata/source/upstream",
		ACSURL:              "https://engine.example.com/acs/upstream",
		SSOURL:              "https://idp.example.com/sso",
		SLOURL:              "https://idp.example.com/slo",
		Binding:             saml.BindingRedirect,
		NameIDPolicy:        saml.NameIDEmail,
		SigningKeyPair:      testKeyPair(t, "sp.example.com"),
		VerificationKeyPair: idpKP,
		SignatureAlgorithm:  xmlsig.SigRSASHA256,
	}
}

func TestNewAuthnRequestRedirect(t *testing.T) {
	idpKP := testKeyPair(t, "idp.example.com")
	s := testSource(t, idpKP)
	req, err := s.NewAuthnRequest("/after", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewAuthnRequest: %v", err)
	}
	if req.Encoded != "" {
		t.Error("redirect request should not have a POST payload")
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", req.URL, err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != "https://idp.example.com/sso" {
		t.Errorf("Destination = %q", got)
	}
	vals := u.Query()
	for _, p := range []string{"SAMLRequest", "RelayState", "SigAlg", "Signature"} {
		if vals.Get(p) == "" {
			t.Errorf("missing query parameter %s", p)
		}
	}
	if got, want := vals.Get("SigAlg"), xmlsig.SigRSASHA256.URI(); got != want {
		t.Errorf("SigAlg = %q, want %q", got, want)
	}

	// The receiving side must accept the signature.
	v := xmlsig.NewVerifier(s.SigningKeyPair.Certificates())
	if err := v.VerifyQuery("SAMLRequest", vals.Get("SAMLRequest"), vals.Get("RelayState"), vals.Get("SigAlg"), vals.Get("Signature")); err != nil {
		t.Errorf("VerifyQuery: %v", err)
	}

	raw, err := saml.DecodeRedirect(vals.Get("SAMLRequest"))
	if err != nil {
		t.Fatalf("DecodeRedirect: %v", err)
	}
	doc, err := saml.ParseDocument(raw)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	root := doc.Root()
	if got := root.SelectAttrValue("ID", ""); got != req.ID {
		t.Errorf("request ID = %q, want %q", got, req.ID)
	}
	if got := saml.FindElementText(root, "./Issuer"); got != s.EntityID {
		t.Errorf("Issuer = %q", got)
	}
	if got := saml.FindElementAttr(root, "./NameIDPolicy", "Format"); got != saml.NameIDEmail {
		t.Errorf("NameIDPolicy = %q", got)
	}
}

func TestNewAuthnRequestPostSigned(t *testing.T) {
	idpKP := testKeyPair(t, "idp.example.com")
	s := testSource(t, idpKP)
	s.Binding = saml.BindingPost
	req, err := s.NewAuthnRequest("", time.Now())
	if err != nil {
		t.Fatalf("NewAuthnRequest: %v", err)
	}
	if req.URL != "" || req.Encoded == "" {
		t.Fatalf("POST request should only have an encoded payload: %+v", req)
	}
	raw, err := saml.DecodePost(req.Encoded)
	if err != nil {
		t.Fatalf("DecodePost: %v", err)
	}
	doc, err := saml.ParseDocument(raw)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	v := xmlsig.NewVerifier(s.SigningKeyPair.Certificates())
	if _, err := v.Verify(doc.Root()); err != nil {
		t.Errorf("enveloped request signature: %v", err)
	}
}

// TestLoginRoundtrip drives a full SP-initiated login across the two roles:
// the source builds the request, the provider side answers it, and the
// source validates the answer.
func TestLoginRoundtrip(t *testing.T) {
	idpKP := testKeyPair(t, "idp.example.com")
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	s := testSource(t, idpKP)
	authnReq, err := s.NewAuthnRequest("/after-login", clock.Now())
	if err != nil {
		t.Fatalf("NewAuthnRequest: %v", err)
	}
	u, err := url.Parse(authnReq.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	vals := u.Query()

	p := &provider.Provider{
		Name:                "engine",
		ACSURL:              s.ACSURL,
		Issuer:              "https://idp.example.com",
		Audience:            s.EntityID,
		VerificationKeyPair: mustPublic(t, s.SigningKeyPair),
		SigningKeyPair:      idpKP,
		SignatureAlgorithm:  xmlsig.SigRSASHA256,
		SignAssertion:       true,
	}
	inbound, err := p.ParseRedirectRequest(vals.Get("SAMLRequest"), vals.Get("RelayState"), vals.Get("SigAlg"), vals.Get("Signature"))
	if err != nil {
		t.Fatalf("ParseRedirectRequest: %v", err)
	}
	if inbound.ID != authnReq.ID {
		t.Fatalf("request ID = %q, want %q", inbound.ID, authnReq.ID)
	}

	builder := &provider.ResponseBuilder{
		Provider: p,
		Request:  inbound,
		Session: &saml.Session{Key: "sess-1", User: &saml.User{
			UID: "u-1", Username: "alice", Email: "alice@example.com",
		}},
		LoginEvent: &saml.LoginEvent{Method: "password", At: clock.Now()},
		Clock:      clock,
	}
	encoded, relayState, err := builder.BuildPost()
	if err != nil {
		t.Fatalf("BuildPost: %v", err)
	}
	if relayState != "/after-login" {
		t.Errorf("RelayState = %q", relayState)
	}

	info, err := s.ParseResponse(encoded, authnReq.ID, clock)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	want := &AssertionInfo{
		ResponseID:   info.ResponseID,
		InResponseTo: authnReq.ID,
		NameID:       "alice@example.com",
		NameIDFormat: saml.NameIDEmail,
		SessionIndex: saml.HashedID("sess-1"),
		Attributes:   map[string][]string{},
	}
	if diff := deep.Equal(info, want); diff != nil {
		t.Errorf("AssertionInfo mismatch: %v", diff)
	}

	// The same response must not validate against another request ID.
	if _, err := s.ParseResponse(encoded, "id-other", clock); err == nil {
		t.Error("ParseResponse accepted a mismatched InResponseTo")
	}
}

func TestParseResponseRejectsUnsigned(t *testing.T) {
	idpKP := testKeyPair(t, "idp.example.com")
	s := testSource(t, idpKP)

	p := &provider.Provider{
		Name:           "engine",
		ACSURL:         s.ACSURL,
		Issuer:         "https://idp.example.com",
		SigningKeyPair: idpKP,
		// Neither the assertion nor the response is signed.
	}
	builder := &provider.ResponseBuilder{
		Provider: p,
		Request:  &provider.AuthnRequest{ID: "id-req", NameIDPolicy: saml.NameIDEmail},
		Session:  &saml.Session{Key: "k", User: &saml.User{UID: "u", Email: "e@example.com"}},
	}
	encoded, _, err := builder.BuildPost()
	if err != nil {
		t.Fatalf("BuildPost: %v", err)
	}
	_, err = s.ParseResponse(encoded, "id-req", nil)
	if err == nil || !strings.Contains(err.Error(), "signature required but absent") {
		t.Errorf("ParseResponse = %v, want signature-required error", err)
	}

	// Without verification material the unsigned response is fine.
	s.VerificationKeyPair = nil
	if _, err := s.ParseResponse(encoded, "id-req", nil); err != nil {
		t.Errorf("ParseResponse without verification material: %v", err)
	}
}

func TestParseResponseSignedResponseOnly(t *testing.T) {
	idpKP := testKeyPair(t, "idp.example.com")
	s := testSource(t, idpKP)
	p := &provider.Provider{
		Name:               "engine",
		ACSURL:             s.ACSURL,
		Issuer:             "https://idp.example.com",
		SigningKeyPair:     idpKP,
		SignatureAlgorithm: xmlsig.SigRSASHA256,
		SignResponse:       true,
	}
	builder := &provider.ResponseBuilder{
		Provider: p,
		Request:  &provider.AuthnRequest{ID: "id-req", NameIDPolicy: saml.NameIDEmail},
		Session:  &saml.Session{Key: "k", User: &saml.User{UID: "u", Email: "e@example.com"}},
	}
	encoded, _, err := builder.BuildPost()
	if err != nil {
		t.Fatalf("BuildPost: %v", err)
	}
	if _, err := s.ParseResponse(encoded, "id-req", nil); err != nil {
		t.Errorf("ParseResponse: %v", err)
	}
}

func TestParseResponseErrorStatus(t *testing.T) {
	s := testSource(t, testKeyPair(t, "idp.example.com"))
	raw := `<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="id-r" Version="2.0">
  <samlp:Status>
    <samlp:StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Requester"/>
    <samlp:StatusMessage>access denied</samlp:StatusMessage>
  </samlp:Status>
</samlp:Response>`
	_, err := s.ParseResponse(saml.EncodePost([]byte(raw)), "id-req", nil)
	if !errors.Is(err, ErrInvalidResponse) || !strings.Contains(err.Error(), "access denied") {
		t.Errorf("ParseResponse = %v, want status error with message", err)
	}
}

func TestParseResponseUnsolicited(t *testing.T) {
	idpKP := testKeyPair(t, "idp.example.com")
	s := testSource(t, idpKP)
	p := &provider.Provider{
		Name:               "engine",
		ACSURL:             s.ACSURL,
		Issuer:             "https://idp.example.com",
		SigningKeyPair:     idpKP,
		SignatureAlgorithm: xmlsig.SigRSASHA256,
		SignAssertion:      true,
	}
	builder := &provider.ResponseBuilder{
		Provider: p,
		Request:  p.IdPInitiatedRequest(),
		Session:  &saml.Session{Key: "k", User: &saml.User{UID: "u-1"}},
	}
	encoded, _, err := builder.BuildPost()
	if err != nil {
		t.Fatalf("BuildPost: %v", err)
	}
	if _, err := s.ParseResponse(encoded, "", nil); err == nil {
		t.Error("unsolicited response accepted without AllowIDPInitiated")
	}
	s.AllowIDPInitiated = true
	info, err := s.ParseResponse(encoded, "", nil)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if info.NameID != "u-1" || info.InResponseTo != "" {
		t.Errorf("AssertionInfo = %+v", info)
	}
}

func TestParseResponseExpired(t *testing.T) {
	idpKP := testKeyPair(t, "idp.example.com")
	s := testSource(t, idpKP)
	p := &provider.Provider{
		Name:               "engine",
		ACSURL:             s.ACSURL,
		Issuer:             "https://idp.example.com",
		SigningKeyPair:     idpKP,
		SignatureAlgorithm: xmlsig.SigRSASHA256,
		SignAssertion:      true,
	}
	issued := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	builder := &provider.ResponseBuilder{
		Provider: p,
		Request:  &provider.AuthnRequest{ID: "id-req", NameIDPolicy: saml.NameIDUnspecified},
		Session:  &saml.Session{Key: "k", User: &saml.User{UID: "u-1"}},
		Clock:    issued,
	}
	encoded, _, err := builder.BuildPost()
	if err != nil {
		t.Fatalf("BuildPost: %v", err)
	}
	late := clockwork.NewFakeClockAt(issued.Now().Add(time.Hour))
	if _, err := s.ParseResponse(encoded, "id-req", late); err == nil {
		t.Error("ParseResponse accepted an expired assertion")
	}
	if _, err := s.ParseResponse(encoded, "id-req", issued); err != nil {
		t.Errorf("ParseResponse at issue time: %v", err)
	}
}

func mustPublic(t *testing.T, kp *keypair.KeyPair) *keypair.KeyPair {
	t.Helper()
	pub, err := keypair.New(kp.CertificatePEM(), "")
	if err != nil {
		t.Fatalf("keypair.New: %v", err)
	}
	return pub
}
