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

package samlfed

import (
	"encoding/pem"
	"strings"

	"github.com/c2FmZQ/samlfed/internal/metadata"
	"github.com/c2FmZQ/samlfed/internal/provider"
	"github.com/c2FmZQ/samlfed/internal/saml"
)

// ImportSPMetadata converts a service provider's entity descriptor into a
// provider configuration named name. The returned record still needs
// signing material before it passes Check; everything the metadata
// advertises is filled in, and the defaults of a hand-written provider
// apply for the rest.
func ImportSPMetadata(name string, raw []byte) (*ConfigProvider, error) {
	m, err := metadata.ParseSP(raw)
	if err != nil {
		return nil, err
	}
	p := &ConfigProvider{
		Name:            name,
		ACSURL:          m.ACSURL,
		Audience:        m.EntityID,
		ResponseBinding: bindingName(m.ACSBinding),
		SLSURL:          m.SLOURL,
		LogoutMethod:    provider.LogoutFrontchannelFrame,
	}
	if m.SLOURL != "" {
		p.SLSBinding = bindingName(m.SLOBinding)
	}
	if m.AuthnRequestsSigned || len(m.SigningCerts) > 0 {
		var b strings.Builder
		for _, cert := range m.SigningCerts {
			pem.Encode(&b, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
		}
		p.VerificationCerts = b.String()
	}
	return p, nil
}

// bindingName maps a binding URI to its configuration name. Unknown
// bindings fall back to post, the safer default for large messages.
func bindingName(uri string) string {
	if uri == saml.BindingRedirect {
		return BindingRedirect
	}
	return BindingPost
}
