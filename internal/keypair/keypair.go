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

// Package keypair loads and describes the X.509 material used to sign and
// verify SAML documents. A KeyPair always has at least one certificate; the
// private key is optional for verification-only material.
package keypair

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	dsig "github.com/russellhaering/goxmldsig"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// KeyPair is a certificate (chain) with an optional private key.
type KeyPair struct {
	certs []*x509.Certificate
	key   crypto.Signer
}

// New parses PEM-encoded certificates and an optional PEM-encoded private
// key. Both arguments accept either inline PEM data or, when the value starts
// with '/', the name of a file to read.
func New(certPEM, keyPEM string) (*KeyPair, error) {
	certs, err := readCerts(certPEM)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, errors.New("keypair: no certificate")
	}
	kp := &KeyPair{certs: certs}
	if keyPEM != "" {
		key, err := readKey(keyPEM)
		if err != nil {
			return nil, err
		}
		kp.key = key
	}
	return kp, nil
}

// FromPKCS12 loads a certificate and private key from PKCS#12 data.
func FromPKCS12(data []byte, password string) (*KeyPair, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("keypair: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("keypair: private key cannot sign")
	}
	return &KeyPair{certs: append([]*x509.Certificate{cert}, caCerts...), key: signer}, nil
}

// Certificate returns the leaf certificate.
func (kp *KeyPair) Certificate() *x509.Certificate {
	return kp.certs[0]
}

// Certificates returns the full chain, leaf first.
func (kp *KeyPair) Certificates() []*x509.Certificate {
	return kp.certs
}

// HasPrivateKey reports whether this material can sign.
func (kp *KeyPair) HasPrivateKey() bool {
	return kp != nil && kp.key != nil
}

// PrivateKey returns the signer, or nil.
func (kp *KeyPair) PrivateKey() crypto.Signer {
	if kp == nil {
		return nil
	}
	return kp.key
}

// KeyStore adapts the pair for XML signature creation. It returns an error
// when there is no private key or the key is not RSA, the only key type the
// signing stack supports.
func (kp *KeyPair) KeyStore() (dsig.X509KeyStore, error) {
	if !kp.HasPrivateKey() {
		return nil, errors.New("keypair: no private key")
	}
	if _, ok := kp.key.(*rsa.PrivateKey); !ok {
		return nil, fmt.Errorf("keypair: unsupported key type %T", kp.key)
	}
	cert := tls.Certificate{PrivateKey: kp.key}
	for _, c := range kp.certs {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return dsig.TLSCertKeyStore(cert), nil
}

// KeyID is a stable identifier for the leaf certificate, the hex SHA-256 of
// its DER encoding.
func (kp *KeyPair) KeyID() string {
	sum := sha256.Sum256(kp.certs[0].Raw)
	return hex.EncodeToString(sum[:])
}

// FingerprintSHA256 returns the colon-separated SHA-256 fingerprint of the
// leaf certificate.
func (kp *KeyPair) FingerprintSHA256() string {
	sum := sha256.Sum256(kp.certs[0].Raw)
	return colonHex(sum[:])
}

// FingerprintSHA1 returns the colon-separated SHA-1 fingerprint of the leaf
// certificate. Some peers still display this form.
func (kp *KeyPair) FingerprintSHA1() string {
	sum := sha1.Sum(kp.certs[0].Raw)
	return colonHex(sum[:])
}

// CertificateBase64 returns the leaf certificate as the bare base64 string
// that goes inside a ds:X509Certificate element.
func (kp *KeyPair) CertificateBase64() string {
	return base64.StdEncoding.EncodeToString(kp.certs[0].Raw)
}

// CertificatePEM returns the full chain in PEM form.
func (kp *KeyPair) CertificatePEM() string {
	var b strings.Builder
	for _, c := range kp.certs {
		pem.Encode(&b, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return b.String()
}

func colonHex(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, ":")
}

func readCerts(s string) ([]*x509.Certificate, error) {
	b, err := readPEM(s)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for len(b) > 0 {
		block, rest := pem.Decode(b)
		if block == nil {
			break
		}
		b = rest
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, err
			}
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

func readKey(s string) (crypto.Signer, error) {
	b, err := readPEM(s)
	if err != nil {
		return nil, err
	}
	for len(b) > 0 {
		block, rest := pem.Decode(b)
		if block == nil {
			break
		}
		b = rest
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("keypair: unsupported key type %T", key)
			}
			return signer, nil
		}
	}
	return nil, errors.New("keypair: no private key found")
}

func readPEM(s string) ([]byte, error) {
	if len(s) > 0 && s[0] == '/' {
		return os.ReadFile(s)
	}
	return []byte(s), nil
}
