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
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"

	"github.com/c2FmZQ/samlfed/internal/keypair"
	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

func testProvider(t *testing.T) *Provider {
	t.Helper()
	kp, err := keypair.GenerateSelfSigned("idp.example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	return &Provider{
		Name:               "app",
		ACSURL:             "https://sp.example.com/acs",
		Issuer:             "https://idp.example.com",
		Audience:           "https://sp.example.com",
		SPBinding:          saml.BindingPost,
		SigningKeyPair:     kp,
		SignatureAlgorithm: xmlsig.SigRSASHA256,
		SignAssertion:      true,
	}
}

func testSession() *saml.Session {
	return &saml.Session{
		Key: "opaque-session-key",
		User: &saml.User{
			UID:      "u-12345",
			Username: "alice",
			Email:    "alice@example.com",
			Attributes: map[string]any{
				"upn":               "alice@corp.example.com",
				"distinguishedName": "CN=alice,DC=example,DC=com",
			},
		},
	}
}

func testRequestXML(acsURL string) []byte {
	return []byte(fmt.Sprintf(`<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="id-req1" Version="2.0" IssueInstant="2024-03-01T00:00:00Z"%s>
  <saml:Issuer>https://sp.example.com</saml:Issuer>
  <samlp:NameIDPolicy Format="%s"/>
</samlp:AuthnRequest>`, acsURL, saml.NameIDEmail))
}

func TestParsePostRequest(t *testing.T) {
	p := testProvider(t)
	encoded := saml.EncodePost(testRequestXML(` AssertionConsumerServiceURL="https://sp.example.com/acs"`))
	req, err := p.ParsePostRequest(encoded, "/dashboard")
	if err != nil {
		t.Fatalf("ParsePostRequest: %v", err)
	}
	if req.ID != "id-req1" || req.Issuer != "https://sp.example.com" ||
		req.NameIDPolicy != saml.NameIDEmail || req.RelayState != "/dashboard" {
		t.Errorf("Unexpected request: %+v", req)
	}
}

func TestParsePostRequestCaseInsensitiveACS(t *testing.T) {
	p := testProvider(t)
	encoded := saml.EncodePost(testRequestXML(` AssertionConsumerServiceURL="https://SP.Example.COM/ACS"`))
	if _, err := p.ParsePostRequest(encoded, ""); err != nil {
		t.Errorf("ParsePostRequest should accept a case-variant ACS URL: %v", err)
	}
}

func TestParsePostRequestRejectsForeignACS(t *testing.T) {
	p := testProvider(t)
	encoded := saml.EncodePost(testRequestXML(` AssertionConsumerServiceURL="https://evil.example.com/acs"`))
	_, err := p.ParsePostRequest(encoded, "")
	if !errors.Is(err, ErrCannotHandle) {
		t.Errorf("ParsePostRequest = %v, want ErrCannotHandle", err)
	}
}

func TestParseRedirectRequestRequiresSignature(t *testing.T) {
	p := testProvider(t)
	spKP, err := keypair.GenerateSelfSigned("sp.example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	p.VerificationKeyPair = spKP

	encoded, err := saml.EncodeRedirect(testRequestXML(""))
	if err != nil {
		t.Fatalf("EncodeRedirect: %v", err)
	}
	if _, err := p.ParseRedirectRequest(encoded, "", "", ""); !errors.Is(err, ErrCannotHandle) {
		t.Fatalf("ParseRedirectRequest without signature = %v, want ErrCannotHandle", err)
	}

	// Sign with the SP key and try again.
	signer, err := xmlsig.NewSigner(spKP, xmlsig.SigRSASHA256)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	q, err := signer.SignQuery("SAMLRequest", encoded, "/next")
	if err != nil {
		t.Fatalf("SignQuery: %v", err)
	}
	vals := parseQuery(t, q)
	req, err := p.ParseRedirectRequest(vals["SAMLRequest"], vals["RelayState"], vals["SigAlg"], vals["Signature"])
	if err != nil {
		t.Fatalf("ParseRedirectRequest: %v", err)
	}
	if req.ID != "id-req1" {
		t.Errorf("ID = %q", req.ID)
	}

	// A signature from a different key must be rejected.
	otherKP, err := keypair.GenerateSelfSigned("other.example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	otherSigner, err := xmlsig.NewSigner(otherKP, xmlsig.SigRSASHA256)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	q2, err := otherSigner.SignQuery("SAMLRequest", encoded, "/next")
	if err != nil {
		t.Fatalf("SignQuery: %v", err)
	}
	vals2 := parseQuery(t, q2)
	if _, err := p.ParseRedirectRequest(vals2["SAMLRequest"], vals2["RelayState"], vals2["SigAlg"], vals2["Signature"]); err == nil {
		t.Error("ParseRedirectRequest accepted a signature from the wrong key")
	}
}

func TestBuildResponse(t *testing.T) {
	p := testProvider(t)
	p.PropertyMappings = []PropertyMapping{
		{SAMLName: "urn:oid:1.3.6.1.4.1.5923.1.1.1.6", FriendlyName: "eduPersonPrincipalName",
			Evaluate: func(u *saml.User) (any, error) { return u.Email, nil }},
		{SAMLName: "memberOf",
			Evaluate: func(u *saml.User) (any, error) { return []string{"admins", "users"}, nil }},
		{SAMLName: "broken",
			Evaluate: func(u *saml.User) (any, error) { return nil, errors.New("boom") }},
		{SAMLName: "absent",
			Evaluate: func(u *saml.User) (any, error) { return nil, nil }},
	}
	var events []string
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	b := &ResponseBuilder{
		Provider: p,
		Request:  &AuthnRequest{ID: "id-req1", NameIDPolicy: saml.NameIDEmail, RelayState: "/dashboard"},
		Session:  testSession(),
		LoginEvent: &saml.LoginEvent{
			Method: "password",
			At:     time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
		},
		Clock:       clock,
		RecordEvent: func(kind, msg string) { events = append(events, kind+": "+msg) },
	}
	raw, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		t.Fatalf("ReadFromBytes: %v", err)
	}
	root := doc.Root()
	if got := root.SelectAttrValue("InResponseTo", ""); got != "id-req1" {
		t.Errorf("InResponseTo = %q", got)
	}
	if got := root.SelectAttrValue("Destination", ""); got != "https://sp.example.com/acs" {
		t.Errorf("Destination = %q", got)
	}
	if got := saml.FindElementAttr(root, "./Status/StatusCode", "Value"); got != saml.StatusSuccess {
		t.Errorf("StatusCode = %q", got)
	}

	assertion := root.FindElement("./Assertion")
	if assertion == nil {
		t.Fatal("No assertion in response")
	}
	// The assertion signature must verify and sit right after the Issuer.
	children := assertion.ChildElements()
	if children[0].Tag != "Issuer" || children[1].Tag != "Signature" {
		t.Errorf("Assertion child order: %s, %s", children[0].Tag, children[1].Tag)
	}
	v := xmlsig.NewVerifier(p.SigningKeyPair.Certificates())
	if _, err := v.Verify(assertion); err != nil {
		t.Errorf("Assertion signature: %v", err)
	}

	if got := saml.FindElementText(assertion, "./Subject/NameID"); got != "alice@example.com" {
		t.Errorf("NameID = %q", got)
	}
	if got := saml.FindElementAttr(assertion, "./Subject/NameID", "Format"); got != saml.NameIDEmail {
		t.Errorf("NameID Format = %q", got)
	}
	if got := saml.FindElementText(assertion, "./Conditions/AudienceRestriction/Audience"); got != "https://sp.example.com" {
		t.Errorf("Audience = %q", got)
	}
	if got := saml.FindElementAttr(assertion, "./Conditions", "NotBefore"); got != "2024-03-01T11:55:00Z" {
		t.Errorf("NotBefore = %q", got)
	}
	if got := saml.FindElementAttr(assertion, "./Conditions", "NotOnOrAfter"); got != "2024-03-01T12:05:00Z" {
		t.Errorf("NotOnOrAfter = %q", got)
	}
	if got := saml.FindElementAttr(assertion, "./AuthnStatement", "AuthnInstant"); got != "2024-03-01T11:00:00Z" {
		t.Errorf("AuthnInstant = %q", got)
	}
	if got := saml.FindElementText(assertion, "./AuthnStatement/AuthnContext/AuthnContextClassRef"); got != saml.AuthnContextPassword {
		t.Errorf("AuthnContextClassRef = %q", got)
	}

	// Attributes come out sorted by name, minus the broken and empty ones.
	var names []string
	for _, a := range assertion.FindElements("./AttributeStatement/Attribute") {
		names = append(names, a.SelectAttrValue("Name", ""))
	}
	if got, want := strings.Join(names, ","), "memberOf,urn:oid:1.3.6.1.4.1.5923.1.1.1.6"; got != want {
		t.Errorf("Attribute names = %q, want %q", got, want)
	}
	if len(events) != 1 || !strings.Contains(events[0], "configuration_error") {
		t.Errorf("events = %v, want one configuration_error", events)
	}
}

func TestNameIDFormats(t *testing.T) {
	p := testProvider(t)
	session := testSession()
	for _, tc := range []struct {
		format string
		want   string
	}{
		{saml.NameIDEmail, "alice@example.com"},
		{saml.NameIDPersistent, "u-12345"},
		{saml.NameIDUnspecified, "u-12345"},
		{saml.NameIDX509, "CN=alice,DC=example,DC=com"},
		{saml.NameIDWindows, "alice@corp.example.com"},
		{saml.NameIDTransient, saml.HashedID(session.Key)},
	} {
		b := &ResponseBuilder{
			Provider: p,
			Request:  &AuthnRequest{ID: "id-x", NameIDPolicy: tc.format},
			Session:  session,
		}
		raw, err := b.Build()
		if err != nil {
			t.Fatalf("%s: Build: %v", tc.format, err)
		}
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(raw); err != nil {
			t.Fatalf("ReadFromBytes: %v", err)
		}
		if got := saml.FindElementText(doc.Root(), "./Assertion/Subject/NameID"); got != tc.want {
			t.Errorf("%s: NameID = %q, want %q", tc.format, got, tc.want)
		}
	}
}

func TestNameIDFallbacks(t *testing.T) {
	p := testProvider(t)
	session := &saml.Session{Key: "k", User: &saml.User{UID: "u-1"}}
	for _, format := range []string{saml.NameIDX509, saml.NameIDWindows} {
		b := &ResponseBuilder{
			Provider: p,
			Request:  &AuthnRequest{ID: "id-x", NameIDPolicy: format},
			Session:  session,
		}
		raw, err := b.Build()
		if err != nil {
			t.Fatalf("%s: Build: %v", format, err)
		}
		if !strings.Contains(string(raw), ">u-1<") {
			t.Errorf("%s: expected fallback to the user ID", format)
		}
	}
}

func TestNameIDMappingOverride(t *testing.T) {
	p := testProvider(t)
	p.NameIDMapping = func(u *saml.User) (string, error) { return "override-" + u.Username, nil }
	b := &ResponseBuilder{
		Provider: p,
		Request:  &AuthnRequest{ID: "id-x", NameIDPolicy: saml.NameIDEmail},
		Session:  testSession(),
	}
	raw, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(string(raw), ">override-alice<") {
		t.Error("NameID mapping override was not applied")
	}
}

func TestUnsupportedNameIDFormat(t *testing.T) {
	b := &ResponseBuilder{
		Provider: testProvider(t),
		Request:  &AuthnRequest{ID: "id-x", NameIDPolicy: "urn:example:made-up"},
		Session:  testSession(),
	}
	if _, err := b.Build(); !errors.Is(err, ErrUnsupportedNameIDFormat) {
		t.Errorf("Build = %v, want ErrUnsupportedNameIDFormat", err)
	}
}

func TestIdPInitiatedResponseHasNoInResponseTo(t *testing.T) {
	p := testProvider(t)
	p.DefaultRelayState = "https://sp.example.com/start"
	b := &ResponseBuilder{
		Provider: p,
		Request:  p.IdPInitiatedRequest(),
		Session:  testSession(),
	}
	raw, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if strings.Contains(string(raw), "InResponseTo") {
		t.Error("IdP-initiated response must not have InResponseTo")
	}
	if _, relayState, err := b.BuildPost(); err != nil || relayState != "https://sp.example.com/start" {
		t.Errorf("BuildPost relay state = %q, %v", relayState, err)
	}
}

func parseQuery(t *testing.T, q string) map[string]string {
	t.Helper()
	vals := map[string]string{}
	for _, kv := range strings.Split(q, "&") {
		parts := strings.SplitN(kv, "=", 2)
		v, err := url.QueryUnescape(parts[1])
		if err != nil {
			t.Fatalf("unescape %q: %v", parts[1], err)
		}
		vals[parts[0]] = v
	}
	return vals
}
