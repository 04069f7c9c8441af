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
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
)

// The HTTP-Redirect binding signs the URL-encoded query parameters, in this
// exact order, with RelayState omitted entirely when empty:
//
//	SAMLRequest=value&RelayState=value&SigAlg=value
//
// The Signature parameter is then appended last. SignQuery and VerifyQuery
// both reconstruct this string from the decoded parameter values.

// SignQuery returns the complete, signed query string for a redirect
// message. param is "SAMLRequest" or "SAMLResponse" and payload is the
// deflated, base64-encoded document.
func (s *Signer) SignQuery(param, payload, relayState string) (string, error) {
	ctx, err := s.signingContext()
	if err != nil {
		return "", err
	}
	q := signedQuery(param, payload, relayState, ctx.GetSignatureMethodIdentifier())
	sig, err := ctx.SignString(q)
	if err != nil {
		return "", err
	}
	return q + "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(sig)), nil
}

// VerifyQuery checks a detached redirect binding signature. All values are
// the decoded query parameters as returned by url.Values.Get.
func (v *Verifier) VerifyQuery(param, payload, relayState, sigAlg, signature string) error {
	hash, ok := hashForSignatureURI[sigAlg]
	if !ok {
		return fmt.Errorf("xmlsig: unsupported signature algorithm %q", sigAlg)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("xmlsig: signature: %w", err)
	}
	h := hash.New()
	h.Write([]byte(signedQuery(param, payload, relayState, sigAlg)))
	digest := h.Sum(nil)

	var lastErr error
	for _, cert := range v.certs {
		if err := verifyDigest(cert, hash, digest, sig); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("xmlsig: no verification certificate")
	}
	return lastErr
}

func verifyDigest(cert *x509.Certificate, hash crypto.Hash, digest, sig []byte) error {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, hash, digest, sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return errors.New("xmlsig: invalid ecdsa signature")
		}
		return nil
	default:
		return fmt.Errorf("xmlsig: unsupported public key type %T", pub)
	}
}

func signedQuery(param, payload, relayState, sigAlg string) string {
	q := param + "=" + url.QueryEscape(payload)
	if relayState != "" {
		q += "&RelayState=" + url.QueryEscape(relayState)
	}
	q += "&SigAlg=" + url.QueryEscape(sigAlg)
	return q
}
