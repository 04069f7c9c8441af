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
	"net/url"
	"sort"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"

	"github.com/c2FmZQ/samlfed/internal/saml"
)

// ResponseBuilder issues the SAML response for one authentication request.
type ResponseBuilder struct {
	Provider *Provider
	Request  *AuthnRequest
	Session  *saml.Session
	// LoginEvent may be nil when the session origin is unknown.
	LoginEvent *saml.LoginEvent
	// Clock defaults to real time.
	Clock clockwork.Clock
	// RecordEvent, when set, receives audit events such as property
	// mapping failures.
	RecordEvent func(kind, message string)

	now time.Time
}

// Build renders the response document. Signing is applied according to the
// provider configuration: the assertion signature, then the response
// signature over the finished document.
func (b *ResponseBuilder) Build() ([]byte, error) {
	return b.build(b.Provider.SignResponse)
}

func (b *ResponseBuilder) build(signResponse bool) ([]byte, error) {
	if b.Clock == nil {
		b.Clock = clockwork.NewRealClock()
	}
	b.now = b.Clock.Now()

	doc := etree.NewDocument()
	resp := doc.CreateElement("samlp:Response")
	resp.CreateAttr("xmlns:samlp", saml.NSProtocol)
	resp.CreateAttr("xmlns:saml", saml.NSAssertion)
	resp.CreateAttr("ID", saml.RandomID())
	resp.CreateAttr("Version", saml.Version)
	resp.CreateAttr("IssueInstant", saml.TimeString(b.now))
	resp.CreateAttr("Destination", b.Provider.ACSURL)
	if b.Request.ID != "" {
		resp.CreateAttr("InResponseTo", b.Request.ID)
	}
	resp.CreateElement("saml:Issuer").SetText(b.Provider.Issuer)
	status := resp.CreateElement("samlp:Status")
	status.CreateElement("samlp:StatusCode").CreateAttr("Value", saml.StatusSuccess)

	assertion, err := b.assertion()
	if err != nil {
		return nil, err
	}
	if b.Provider.SignAssertion {
		signer, err := b.Provider.Signer()
		if err != nil {
			return nil, err
		}
		if err := signer.SignEnveloped(assertion); err != nil {
			return nil, err
		}
	}
	resp.AddChild(assertion)

	if signResponse {
		signer, err := b.Provider.Signer()
		if err != nil {
			return nil, err
		}
		if err := signer.SignEnveloped(resp); err != nil {
			return nil, err
		}
	}
	return doc.WriteToBytes()
}

// BuildPost renders the response and encodes it for the HTTP-POST binding.
// It returns the form value and the relay state to post with it.
func (b *ResponseBuilder) BuildPost() (string, string, error) {
	raw, err := b.Build()
	if err != nil {
		return "", "", err
	}
	return saml.EncodePost(raw), b.relayState(), nil
}

// BuildRedirectURL renders the response and encodes it as a redirect to the
// SP's consumer service. When a response signature is configured it is the
// detached form; the enveloped response signature is skipped because the
// redirect binding replaces it.
func (b *ResponseBuilder) BuildRedirectURL() (string, error) {
	raw, err := b.build(false)
	if err != nil {
		return "", err
	}
	encoded, err := saml.EncodeRedirect(raw)
	if err != nil {
		return "", err
	}
	if b.Provider.SignResponse && b.Provider.SigningKeyPair.HasPrivateKey() {
		signer, err := b.Provider.Signer()
		if err != nil {
			return "", err
		}
		q, err := signer.SignQuery("SAMLResponse", encoded, b.relayState())
		if err != nil {
			return "", err
		}
		return b.Provider.ACSURL + "?" + q, nil
	}
	return b.Provider.ACSURL + "?" + unsignedQuery("SAMLResponse", encoded, b.relayState()), nil
}

func (b *ResponseBuilder) relayState() string {
	if b.Request.RelayState != "" {
		return b.Request.RelayState
	}
	return b.Provider.DefaultRelayState
}

func (b *ResponseBuilder) assertion() (*etree.Element, error) {
	a := etree.NewElement("saml:Assertion")
	a.CreateAttr("xmlns:saml", saml.NSAssertion)
	a.CreateAttr("xmlns:xs", "http://www.w3.org/2001/XMLSchema")
	a.CreateAttr("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance")
	a.CreateAttr("ID", saml.RandomID())
	a.CreateAttr("Version", saml.Version)
	a.CreateAttr("IssueInstant", saml.TimeString(b.now))
	a.CreateElement("saml:Issuer").SetText(b.Provider.Issuer)

	subject, err := b.subject()
	if err != nil {
		return nil, err
	}
	a.AddChild(subject)
	a.AddChild(b.conditions())
	a.AddChild(b.authnStatement())
	a.AddChild(b.attributeStatement())
	return a, nil
}

func (b *ResponseBuilder) subject() (*etree.Element, error) {
	subject := etree.NewElement("saml:Subject")
	nameID, err := b.nameID()
	if err != nil {
		return nil, err
	}
	subject.AddChild(nameID)
	conf := subject.CreateElement("saml:SubjectConfirmation")
	conf.CreateAttr("Method", saml.ConfirmationBearer)
	data := conf.CreateElement("saml:SubjectConfirmationData")
	if b.Request.ID != "" {
		data.CreateAttr("InResponseTo", b.Request.ID)
	}
	data.CreateAttr("NotOnOrAfter", saml.TimeString(b.Provider.notOnOrAfter(b.now)))
	data.CreateAttr("Recipient", b.Provider.ACSURL)
	return subject, nil
}

// ResolveNameID returns the subject identifier and its format. A
// configured NameID mapping overrides the format-based resolution
// unconditionally. Callers that track issued sessions use this to record
// what the assertion called the principal.
func (b *ResponseBuilder) ResolveNameID() (value, format string, err error) {
	format = b.Request.NameIDPolicy
	user := b.Session.User

	if b.Provider.NameIDMapping != nil {
		v, err := b.Provider.NameIDMapping(user)
		if err != nil {
			return "", "", err
		}
		return v, format, nil
	}
	switch format {
	case saml.NameIDEmail:
		value = user.Email
	case saml.NameIDPersistent, saml.NameIDUnspecified:
		value = user.UID
	case saml.NameIDX509:
		value = user.AttrString("distinguishedName", user.UID)
	case saml.NameIDWindows:
		value = user.AttrString("upn", user.UID)
	case saml.NameIDTransient:
		// Opaque and stable for the lifetime of the session.
		value = saml.HashedID(b.Session.Key)
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedNameIDFormat, format)
	}
	return value, format, nil
}

func (b *ResponseBuilder) nameID() (*etree.Element, error) {
	value, format, err := b.ResolveNameID()
	if err != nil {
		return nil, err
	}
	el := etree.NewElement("saml:NameID")
	el.CreateAttr("Format", format)
	el.SetText(value)
	return el, nil
}

func (b *ResponseBuilder) conditions() *etree.Element {
	cond := etree.NewElement("saml:Conditions")
	cond.CreateAttr("NotBefore", saml.TimeString(b.Provider.notBefore(b.now)))
	cond.CreateAttr("NotOnOrAfter", saml.TimeString(b.Provider.notOnOrAfter(b.now)))
	if b.Provider.Audience != "" {
		ar := cond.CreateElement("saml:AudienceRestriction")
		ar.CreateElement("saml:Audience").SetText(b.Provider.Audience)
	}
	return cond
}

func (b *ResponseBuilder) authnStatement() *etree.Element {
	authnInstant := b.now
	if b.LoginEvent != nil && !b.LoginEvent.At.IsZero() {
		authnInstant = b.LoginEvent.At
	}
	st := etree.NewElement("saml:AuthnStatement")
	st.CreateAttr("AuthnInstant", saml.TimeString(authnInstant))
	st.CreateAttr("SessionIndex", saml.HashedID(b.Session.Key))
	st.CreateAttr("SessionNotOnOrAfter", saml.TimeString(b.Provider.sessionNotOnOrAfter(b.now)))

	class := b.LoginEvent.AuthnContextClass()
	if b.Provider.AuthnContextMapping != nil {
		if v := b.Provider.AuthnContextMapping(b.LoginEvent); v != "" {
			class = v
		}
	}
	ctx := st.CreateElement("saml:AuthnContext")
	ctx.CreateElement("saml:AuthnContextClassRef").SetText(class)
	return st
}

func (b *ResponseBuilder) attributeStatement() *etree.Element {
	st := etree.NewElement("saml:AttributeStatement")
	mappings := make([]PropertyMapping, len(b.Provider.PropertyMappings))
	copy(mappings, b.Provider.PropertyMappings)
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].SAMLName < mappings[j].SAMLName })

	for _, m := range mappings {
		value, err := m.Evaluate(b.Session.User)
		if err != nil {
			// One broken mapping must not block the login.
			if b.RecordEvent != nil {
				b.RecordEvent("configuration_error",
					fmt.Sprintf("Failed to evaluate property mapping %q: %v", m.SAMLName, err))
			}
			continue
		}
		if value == nil {
			continue
		}
		attr := st.CreateElement("saml:Attribute")
		attr.CreateAttr("Name", m.SAMLName)
		if m.FriendlyName != "" {
			attr.CreateAttr("FriendlyName", m.FriendlyName)
		}
		attr.CreateAttr("NameFormat", attributeNameFormat(m.SAMLName))
		for _, v := range attributeValues(value) {
			av := attr.CreateElement("saml:AttributeValue")
			av.CreateAttr("xsi:type", "xs:string")
			av.SetText(v)
		}
	}
	return st
}

func attributeNameFormat(name string) string {
	if len(name) > 4 && name[:4] == "urn:" {
		return saml.AttributeFormatURI
	}
	return saml.AttributeFormatBasic
}

func attributeValues(v any) []string {
	switch v := v.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case fmt.Stringer:
		return []string{v.String()}
	default:
		return []string{fmt.Sprint(v)}
	}
}

func unsignedQuery(param, payload, relayState string) string {
	q := param + "=" + url.QueryEscape(payload)
	if relayState != "" {
		q += "&RelayState=" + url.QueryEscape(relayState)
	}
	return q
}
