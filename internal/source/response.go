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
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"

	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

// AssertionInfo is the validated content of a successful response.
type AssertionInfo struct {
	// ResponseID identifies the response document, for replay caches.
	ResponseID string
	// InResponseTo is empty for IdP-initiated responses.
	InResponseTo string
	NameID       string
	NameIDFormat string
	SessionIndex string
	Attributes   map[string][]string
}

// ParseResponse validates a response received at the ACS with the HTTP-POST
// binding. requestID is the ID of the request this response should answer;
// pass "" for an IdP-initiated response, which is only accepted when the
// source allows it.
func (s *Source) ParseResponse(encoded, requestID string, clock clockwork.Clock) (*AssertionInfo, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	raw, err := saml.DecodePost(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	doc, err := saml.ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	root := doc.Root()
	if root.Tag != "Response" || root.NamespaceURI() != saml.NSProtocol {
		return nil, fmt.Errorf("%w: unexpected element %s", ErrInvalidResponse, root.Tag)
	}

	if code := saml.FindElementAttr(root, "./Status/StatusCode", "Value"); code != saml.StatusSuccess {
		msg := saml.FindElementText(root, "./Status/StatusMessage")
		return nil, fmt.Errorf("%w: status %s %q", ErrInvalidResponse, code, msg)
	}

	assertion, err := s.verifiedAssertion(root)
	if err != nil {
		return nil, err
	}

	info := &AssertionInfo{
		ResponseID:   root.SelectAttrValue("ID", ""),
		InResponseTo: root.SelectAttrValue("InResponseTo", ""),
	}
	switch {
	case requestID != "" && info.InResponseTo != requestID:
		return nil, fmt.Errorf("%w: InResponseTo %q does not match request %q",
			ErrInvalidResponse, info.InResponseTo, requestID)
	case requestID == "" && !s.AllowIDPInitiated:
		return nil, fmt.Errorf("%w: unsolicited response", ErrInvalidResponse)
	}

	if err := s.checkConditions(assertion, clock.Now()); err != nil {
		return nil, err
	}

	nameID := assertion.FindElement("./Subject/NameID")
	if nameID == nil {
		return nil, fmt.Errorf("%w: no NameID", ErrInvalidResponse)
	}
	info.NameID = nameID.Text()
	info.NameIDFormat = nameID.SelectAttrValue("Format", saml.NameIDUnspecified)
	info.SessionIndex = saml.FindElementAttr(assertion, "./AuthnStatement", "SessionIndex")
	info.Attributes = attributes(assertion)
	return info, nil
}

// verifiedAssertion enforces the signature policy and returns the assertion
// element that further data may be extracted from. The signature may cover
// the whole response or just the assertion; when verification material is
// configured at least one of the two must be present and valid.
func (s *Source) verifiedAssertion(root *etree.Element) (*etree.Element, error) {
	v := s.Verifier()
	if v == nil {
		a := root.FindElement("./Assertion")
		if a == nil {
			return nil, fmt.Errorf("%w: no assertion", ErrInvalidResponse)
		}
		return a, nil
	}
	validated, err := v.Verify(root)
	if err == nil {
		a := validated.FindElement("./Assertion")
		if a == nil {
			return nil, fmt.Errorf("%w: no assertion", ErrInvalidResponse)
		}
		return a, nil
	}
	if !errors.Is(err, xmlsig.ErrMissingSignature) {
		return nil, fmt.Errorf("%w: response signature: %v", ErrInvalidResponse, err)
	}
	a := root.FindElement("./Assertion")
	if a == nil {
		return nil, fmt.Errorf("%w: no assertion", ErrInvalidResponse)
	}
	validated, err = v.Verify(a)
	if err != nil {
		if errors.Is(err, xmlsig.ErrMissingSignature) {
			return nil, fmt.Errorf("%w: signature required but absent", ErrInvalidResponse)
		}
		return nil, fmt.Errorf("%w: assertion signature: %v", ErrInvalidResponse, err)
	}
	return validated, nil
}

func (s *Source) checkConditions(assertion *etree.Element, now time.Time) error {
	cond := assertion.FindElement("./Conditions")
	if cond == nil {
		return nil
	}
	drift := s.driftTolerance()
	if v := cond.SelectAttrValue("NotBefore", ""); v != "" {
		t, err := saml.ParseTime(v)
		if err != nil {
			return fmt.Errorf("%w: NotBefore: %v", ErrInvalidResponse, err)
		}
		if now.Add(drift).Before(t) {
			return fmt.Errorf("%w: assertion not valid before %s", ErrInvalidResponse, v)
		}
	}
	if v := cond.SelectAttrValue("NotOnOrAfter", ""); v != "" {
		t, err := saml.ParseTime(v)
		if err != nil {
			return fmt.Errorf("%w: NotOnOrAfter: %v", ErrInvalidResponse, err)
		}
		if !now.Add(-drift).Before(t) {
			return fmt.Errorf("%w: assertion expired at %s", ErrInvalidResponse, v)
		}
	}
	return nil
}

func attributes(assertion *etree.Element) map[string][]string {
	attrs := make(map[string][]string)
	for _, a := range assertion.FindElements("./AttributeStatement/Attribute") {
		name := a.SelectAttrValue("Name", "")
		if name == "" {
			continue
		}
		for _, v := range a.FindElements("./AttributeValue") {
			attrs[name] = append(attrs[name], v.Text())
		}
	}
	return attrs
}
