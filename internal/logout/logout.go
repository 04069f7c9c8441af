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

// Package logout builds and parses LogoutRequest and LogoutResponse
// messages. Both message directions and both bindings are supported: the
// engine sends logout requests to service providers it manages and receives
// them from upstream identity providers.
package logout

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

// Request is a LogoutRequest in either direction.
type Request struct {
	// ID is generated when empty.
	ID string
	// Issuer is the sending entity.
	Issuer string
	// Destination is the endpoint the request is sent to. Optional; some
	// peers omit it.
	Destination string
	// NameID names the principal to log out, with its format.
	NameID       string
	NameIDFormat string
	// SessionIndex limits the logout to one session. Optional.
	SessionIndex string
}

// Response answers a LogoutRequest.
type Response struct {
	// ID is generated when empty.
	ID string
	// InResponseTo is the ID of the request being answered. Optional.
	InResponseTo string
	Issuer       string
	Destination  string
	// Status defaults to success when empty.
	Status        string
	StatusMessage string
}

// BuildRequest renders the request document, signed when signer is not nil.
func BuildRequest(r Request, signer *xmlsig.Signer, now time.Time) ([]byte, error) {
	if r.ID == "" {
		r.ID = saml.RandomID()
	}
	doc := etree.NewDocument()
	req := doc.CreateElement("samlp:LogoutRequest")
	req.CreateAttr("xmlns:samlp", saml.NSProtocol)
	req.CreateAttr("xmlns:saml", saml.NSAssertion)
	req.CreateAttr("ID", r.ID)
	req.CreateAttr("Version", saml.Version)
	req.CreateAttr("IssueInstant", saml.TimeString(now))
	if r.Destination != "" {
		req.CreateAttr("Destination", r.Destination)
	}
	req.CreateElement("saml:Issuer").SetText(r.Issuer)
	nameID := req.CreateElement("saml:NameID")
	if r.NameIDFormat != "" {
		nameID.CreateAttr("Format", r.NameIDFormat)
	}
	nameID.SetText(r.NameID)
	if r.SessionIndex != "" {
		req.CreateElement("samlp:SessionIndex").SetText(r.SessionIndex)
	}
	return sign(doc, signer)
}

// BuildResponse renders the response document, signed when signer is not
// nil.
func BuildResponse(r Response, signer *xmlsig.Signer, now time.Time) ([]byte, error) {
	if r.ID == "" {
		r.ID = saml.RandomID()
	}
	if r.Status == "" {
		r.Status = saml.StatusSuccess
	}
	doc := etree.NewDocument()
	resp := doc.CreateElement("samlp:LogoutResponse")
	resp.CreateAttr("xmlns:samlp", saml.NSProtocol)
	resp.CreateAttr("xmlns:saml", saml.NSAssertion)
	resp.CreateAttr("ID", r.ID)
	resp.CreateAttr("Version", saml.Version)
	resp.CreateAttr("IssueInstant", saml.TimeString(now))
	if r.Destination != "" {
		resp.CreateAttr("Destination", r.Destination)
	}
	if r.InResponseTo != "" {
		resp.CreateAttr("InResponseTo", r.InResponseTo)
	}
	resp.CreateElement("saml:Issuer").SetText(r.Issuer)
	status := resp.CreateElement("samlp:Status")
	status.CreateElement("samlp:StatusCode").CreateAttr("Value", r.Status)
	if r.StatusMessage != "" {
		status.CreateElement("samlp:StatusMessage").SetText(r.StatusMessage)
	}
	return sign(doc, signer)
}

func sign(doc *etree.Document, signer *xmlsig.Signer) ([]byte, error) {
	if signer != nil {
		if err := signer.SignEnveloped(doc.Root()); err != nil {
			return nil, err
		}
	}
	return doc.WriteToBytes()
}

// RedirectURL encodes raw for the HTTP-Redirect binding and appends it to
// endpoint. With a signer the query carries the detached signature; the
// document itself should then be built unsigned.
func RedirectURL(endpoint, param string, raw []byte, relayState string, signer *xmlsig.Signer) (string, error) {
	encoded, err := saml.EncodeRedirect(raw)
	if err != nil {
		return "", err
	}
	var query string
	if signer != nil {
		if query, err = signer.SignQuery(param, encoded, relayState); err != nil {
			return "", err
		}
	} else {
		query = param + "=" + url.QueryEscape(encoded)
		if relayState != "" {
			query += "&RelayState=" + url.QueryEscape(relayState)
		}
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + query, nil
}

// ParseRequestPost parses a request received with the HTTP-POST binding.
// When v is not nil an enveloped signature is required and verified.
func ParseRequestPost(encoded string, v *xmlsig.Verifier) (*Request, error) {
	raw, err := saml.DecodePost(encoded)
	if err != nil {
		return nil, fmt.Errorf("logout: %w", err)
	}
	return parseRequest(raw, v)
}

// ParseRequestRedirect parses a request received with the HTTP-Redirect
// binding. When v is not nil the detached query signature is required and
// verified.
func ParseRequestRedirect(encoded, relayState, sigAlg, signature string, v *xmlsig.Verifier) (*Request, error) {
	if err := verifyRedirect("SAMLRequest", encoded, relayState, sigAlg, signature, v); err != nil {
		return nil, err
	}
	raw, err := saml.DecodeRedirect(encoded)
	if err != nil {
		return nil, fmt.Errorf("logout: %w", err)
	}
	return parseRequest(raw, nil)
}

// ParseResponsePost parses a response received with the HTTP-POST binding.
func ParseResponsePost(encoded string, v *xmlsig.Verifier) (*Response, error) {
	raw, err := saml.DecodePost(encoded)
	if err != nil {
		return nil, fmt.Errorf("logout: %w", err)
	}
	return parseResponse(raw, v)
}

// ParseResponseRedirect parses a response received with the HTTP-Redirect
// binding.
func ParseResponseRedirect(encoded, relayState, sigAlg, signature string, v *xmlsig.Verifier) (*Response, error) {
	if err := verifyRedirect("SAMLResponse", encoded, relayState, sigAlg, signature, v); err != nil {
		return nil, err
	}
	raw, err := saml.DecodeRedirect(encoded)
	if err != nil {
		return nil, fmt.Errorf("logout: %w", err)
	}
	return parseResponse(raw, nil)
}

func verifyRedirect(param, encoded, relayState, sigAlg, signature string, v *xmlsig.Verifier) error {
	if v == nil {
		return nil
	}
	if signature == "" || sigAlg == "" {
		return fmt.Errorf("logout: %w", xmlsig.ErrMissingSignature)
	}
	if err := v.VerifyQuery(param, encoded, relayState, sigAlg, signature); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func parseRequest(raw []byte, v *xmlsig.Verifier) (*Request, error) {
	root, err := parseDocument(raw, "LogoutRequest", v)
	if err != nil {
		return nil, err
	}
	r := &Request{
		ID:           root.SelectAttrValue("ID", ""),
		Issuer:       saml.FindElementText(root, "./Issuer"),
		Destination:  root.SelectAttrValue("Destination", ""),
		NameID:       saml.FindElementText(root, "./NameID"),
		NameIDFormat: saml.FindElementAttr(root, "./NameID", "Format"),
		SessionIndex: saml.FindElementText(root, "./SessionIndex"),
	}
	if r.ID == "" {
		return nil, fmt.Errorf("logout: request has no ID")
	}
	return r, nil
}

func parseResponse(raw []byte, v *xmlsig.Verifier) (*Response, error) {
	root, err := parseDocument(raw, "LogoutResponse", v)
	if err != nil {
		return nil, err
	}
	return &Response{
		ID:            root.SelectAttrValue("ID", ""),
		InResponseTo:  root.SelectAttrValue("InResponseTo", ""),
		Issuer:        saml.FindElementText(root, "./Issuer"),
		Destination:   root.SelectAttrValue("Destination", ""),
		Status:        saml.FindElementAttr(root, "./Status/StatusCode", "Value"),
		StatusMessage: saml.FindElementText(root, "./Status/StatusMessage"),
	}, nil
}

func parseDocument(raw []byte, tag string, v *xmlsig.Verifier) (*etree.Element, error) {
	doc, err := saml.ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("logout: %w", err)
	}
	root := doc.Root()
	if root.Tag != tag || root.NamespaceURI() != saml.NSProtocol {
		return nil, fmt.Errorf("logout: unexpected element %s", root.Tag)
	}
	if v != nil {
		validated, err := v.Verify(root)
		if err != nil {
			return nil, fmt.Errorf("logout: %w", err)
		}
		root = validated
	}
	return root, nil
}

// Success reports whether the response indicates a successful logout.
func (r *Response) Success() bool {
	return r.Status == saml.StatusSuccess
}
