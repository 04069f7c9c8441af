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

// Package xmlsig signs and verifies SAML documents: enveloped XML-DSig
// signatures with exclusive canonicalization, and the detached query string
// signatures of the HTTP-Redirect binding.
package xmlsig

import "crypto"

// SignatureAlgorithm selects the signature method by its configuration name.
type SignatureAlgorithm string

const (
	SigRSASHA1     SignatureAlgorithm = "rsa-sha1"
	SigRSASHA256   SignatureAlgorithm = "rsa-sha256"
	SigRSASHA384   SignatureAlgorithm = "rsa-sha384"
	SigRSASHA512   SignatureAlgorithm = "rsa-sha512"
	SigECDSASHA1   SignatureAlgorithm = "ecdsa-sha1"
	SigECDSASHA256 SignatureAlgorithm = "ecdsa-sha256"
	SigECDSASHA384 SignatureAlgorithm = "ecdsa-sha384"
	SigECDSASHA512 SignatureAlgorithm = "ecdsa-sha512"
	SigDSASHA1     SignatureAlgorithm = "dsa-sha1"
)

// DigestAlgorithm selects the digest method by its configuration name.
type DigestAlgorithm string

const (
	DigestSHA1   DigestAlgorithm = "sha1"
	DigestSHA256 DigestAlgorithm = "sha256"
	DigestSHA384 DigestAlgorithm = "sha384"
	DigestSHA512 DigestAlgorithm = "sha512"
)

var signatureURIs = map[SignatureAlgorithm]string{
	SigRSASHA1:     "http://www.w3.org/2000/09/xmldsig#rsa-sha1",
	SigRSASHA256:   "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256",
	SigRSASHA384:   "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384",
	SigRSASHA512:   "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512",
	SigECDSASHA1:   "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha1",
	SigECDSASHA256: "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256",
	SigECDSASHA384: "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384",
	SigECDSASHA512: "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha512",
	SigDSASHA1:     "http://www.w3.org/2000/09/xmldsig#dsa-sha1",
}

var digestURIs = map[DigestAlgorithm]string{
	DigestSHA1:   "http://www.w3.org/2000/09/xmldsig#sha1",
	DigestSHA256: "http://www.w3.org/2001/04/xmlenc#sha256",
	DigestSHA384: "http://www.w3.org/2001/04/xmldsig-more#sha384",
	DigestSHA512: "http://www.w3.org/2001/04/xmlenc#sha512",
}

// hashForSignatureURI is used when verifying detached signatures. DSA is
// deliberately absent: peers may advertise it but we never accept it.
var hashForSignatureURI = map[string]crypto.Hash{
	"http://www.w3.org/2000/09/xmldsig#rsa-sha1":          crypto.SHA1,
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha256":   crypto.SHA256,
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha384":   crypto.SHA384,
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha512":   crypto.SHA512,
	"http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha1":   crypto.SHA1,
	"http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256": crypto.SHA256,
	"http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384": crypto.SHA384,
	"http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha512": crypto.SHA512,
}

// Valid reports whether a names a known signature algorithm.
func (a SignatureAlgorithm) Valid() bool {
	_, ok := signatureURIs[a]
	return ok
}

// Valid reports whether a names a known digest algorithm.
func (a DigestAlgorithm) Valid() bool {
	_, ok := digestURIs[a]
	return ok
}

var digestForSignature = map[SignatureAlgorithm]DigestAlgorithm{
	SigRSASHA1:     DigestSHA1,
	SigRSASHA256:   DigestSHA256,
	SigRSASHA384:   DigestSHA384,
	SigRSASHA512:   DigestSHA512,
	SigECDSASHA1:   DigestSHA1,
	SigECDSASHA256: DigestSHA256,
	SigECDSASHA384: DigestSHA384,
	SigECDSASHA512: DigestSHA512,
	SigDSASHA1:     DigestSHA1,
}

// Digest returns the digest algorithm a uses. Enveloped signatures hash the
// signed reference with the signature method's own hash, so a signature
// algorithm fully determines its digest.
func (a SignatureAlgorithm) Digest() DigestAlgorithm {
	if d, ok := digestForSignature[a]; ok {
		return d
	}
	return DigestSHA256
}

// URI returns the XML-DSig identifier for a, falling back to rsa-sha256 for
// unrecognized values so that a config typo degrades to a safe default
// instead of an insecure one.
func (a SignatureAlgorithm) URI() string {
	if uri, ok := signatureURIs[a]; ok {
		return uri
	}
	return signatureURIs[SigRSASHA256]
}

// URI returns the XML-DSig identifier for a, falling back to sha256.
func (a DigestAlgorithm) URI() string {
	if uri, ok := digestURIs[a]; ok {
		return uri
	}
	return digestURIs[DigestSHA256]
}
