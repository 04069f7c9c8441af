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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c2FmZQ/samlfed/internal/keypair"
	"github.com/c2FmZQ/samlfed/internal/metadata"
	"github.com/c2FmZQ/samlfed/internal/provider"
	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

// testPEM returns a self-signed certificate and its RSA key, both
// PEM-encoded.
func testPEM(t *testing.T, commonName string) (certPEM, keyPEM string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	templ := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, templ, templ, key.Public(), key)
	if err != nil {
		t.Fatalf("x509.CreateCertificate: %v", err)
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	return
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM := testPEM(t, "bridge.example.com")
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, []byte(certPEM), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, []byte(keyPEM), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgFile := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgFile, []byte(`
baseURL: https://bridge.example.com/
tokenKey: local-test-key
providers:
  - name: app
    acsURL: https://sp.example.com/acs
    slsURL: https://sp.example.com/sls
    certificate: `+certFile+`
    key: `+keyFile+`
sources:
  - name: corp
    ssoURL: https://corp.example.com/sso
`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := ReadConfig(cfgFile)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if got, want := cfg.BaseURL, "https://bridge.example.com"; got != want {
		t.Errorf("BaseURL = %q, want %q", got, want)
	}
	p := cfg.Providers[0]
	if got, want := p.Issuer, "https://bridge.example.com/metadata/app"; got != want {
		t.Errorf("Issuer = %q, want %q", got, want)
	}
	if got, want := p.ResponseBinding, BindingPost; got != want {
		t.Errorf("ResponseBinding = %q, want %q", got, want)
	}
	if got, want := p.SLSBinding, BindingRedirect; got != want {
		t.Errorf("SLSBinding = %q, want %q", got, want)
	}
	if got, want := p.LogoutMethod, provider.LogoutFrontchannelFrame; got != want {
		t.Errorf("LogoutMethod = %q, want %q", got, want)
	}
	if !p.keyPair.HasPrivateKey() {
		t.Error("provider key material not loaded")
	}
	src := cfg.Sources[0]
	if got, want := src.EntityID, "https://bridge.example.com/metadata/source/corp"; got != want {
		t.Errorf("EntityID = %q, want %q", got, want)
	}
	if got, want := src.Binding, BindingRedirect; got != want {
		t.Errorf("Binding = %q, want %q", got, want)
	}
}

func TestReadConfigRejectsUnknownFields(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgFile, []byte(`
baseURL: https://bridge.example.com
bogusOption: true
`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadConfig(cfgFile); err == nil {
		t.Error("ReadConfig accepted an unknown field")
	}
}

func TestConfigCheck(t *testing.T) {
	certPEM, keyPEM := testPEM(t, "bridge.example.com")
	signedProvider := func() *ConfigProvider {
		return &ConfigProvider{
			Name:        "app",
			ACSURL:      "https://sp.example.com/acs",
			Certificate: certPEM,
			Key:         keyPEM,
		}
	}
	f := false
	for _, tc := range []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing base url",
			cfg:  Config{Providers: []*ConfigProvider{signedProvider()}},
			want: "BaseURL must be set",
		},
		{
			name: "empty",
			cfg:  Config{BaseURL: "https://x.example.com"},
			want: "at least one provider or source",
		},
		{
			name: "duplicate provider name",
			cfg: Config{
				BaseURL:   "https://x.example.com",
				Providers: []*ConfigProvider{signedProvider(), signedProvider()},
			},
			want: "duplicate name",
		},
		{
			name: "provider without acs",
			cfg: Config{
				BaseURL:   "https://x.example.com",
				Providers: []*ConfigProvider{{Name: "app"}},
			},
			want: "ACSURL must be set",
		},
		{
			name: "invalid binding",
			cfg: Config{
				BaseURL: "https://x.example.com",
				Providers: []*ConfigProvider{{
					Name:            "app",
					ACSURL:          "https://sp.example.com/acs",
					ResponseBinding: "artifact",
					SignAssertion:   &f,
				}},
			},
			want: "ResponseBinding",
		},
		{
			name: "backchannel needs post",
			cfg: Config{
				BaseURL: "https://x.example.com",
				Providers: []*ConfigProvider{{
					Name:          "app",
					ACSURL:        "https://sp.example.com/acs",
					SLSURL:        "https://sp.example.com/sls",
					SLSBinding:    BindingRedirect,
					LogoutMethod:  provider.LogoutBackchannel,
					SignAssertion: &f,
				}},
			},
			want: "backchannel requires",
		},
		{
			name: "signing without key",
			cfg: Config{
				BaseURL: "https://x.example.com",
				Providers: []*ConfigProvider{{
					Name:   "app",
					ACSURL: "https://sp.example.com/acs",
				}},
			},
			want: "no private key",
		},
		{
			name: "invalid signature algorithm",
			cfg: Config{
				BaseURL: "https://x.example.com",
				Providers: []*ConfigProvider{{
					Name:               "app",
					ACSURL:             "https://sp.example.com/acs",
					Certificate:        certPEM,
					Key:                keyPEM,
					SignatureAlgorithm: "rsa-md5",
				}},
			},
			want: "SignatureAlgorithm",
		},
		{
			name: "digest does not match signature",
			cfg: Config{
				BaseURL: "https://x.example.com",
				Providers: []*ConfigProvider{{
					Name:               "app",
					ACSURL:             "https://sp.example.com/acs",
					Certificate:        certPEM,
					Key:                keyPEM,
					SignatureAlgorithm: "rsa-sha256",
					DigestAlgorithm:    "sha512",
				}},
			},
			want: "does not match SignatureAlgorithm",
		},
		{
			name: "digest does not match default signature",
			cfg: Config{
				BaseURL: "https://x.example.com",
				Providers: []*ConfigProvider{{
					Name:            "app",
					ACSURL:          "https://sp.example.com/acs",
					Certificate:     certPEM,
					Key:             keyPEM,
					DigestAlgorithm: "sha1",
				}},
			},
			want: "does not match SignatureAlgorithm",
		},
		{
			name: "mapping with attribute and value",
			cfg: Config{
				BaseURL: "https://x.example.com",
				Providers: []*ConfigProvider{{
					Name:        "app",
					ACSURL:      "https://sp.example.com/acs",
					Certificate: certPEM,
					Key:         keyPEM,
					PropertyMappings: []*ConfigMapping{{
						Name:      "role",
						Attribute: "role",
						Value:     "admin",
					}},
				}},
			},
			want: "exactly one of Attribute and Value",
		},
		{
			name: "source without sso url",
			cfg: Config{
				BaseURL: "https://x.example.com",
				Sources: []*ConfigSource{{Name: "corp"}},
			},
			want: "SSOURL must be set",
		},
		{
			name: "source with invalid name id policy",
			cfg: Config{
				BaseURL: "https://x.example.com",
				Sources: []*ConfigSource{{
					Name:         "corp",
					SSOURL:       "https://corp.example.com/sso",
					NameIDPolicy: "urn:example:bogus",
				}},
			},
			want: "NameIDPolicy",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Check()
			if err == nil {
				t.Fatal("Check did not fail")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Check: %v, want %q", err, tc.want)
			}
		})
	}
}

func TestImportSPMetadata(t *testing.T) {
	kp, err := keypair.GenerateSelfSigned("sp.example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	raw, err := metadata.BuildSP(metadata.SPOptions{
		EntityID: "https://sp.example.com",
		ACS: metadata.Endpoint{
			Binding:  saml.BindingPost,
			Location: "https://sp.example.com/acs",
		},
		SLO: []metadata.Endpoint{{
			Binding:  saml.BindingRedirect,
			Location: "https://sp.example.com/sls",
		}},
		NameIDFormat:        saml.NameIDEmail,
		SigningKeyPair:      kp,
		AuthnRequestsSigned: true,
	})
	if err != nil {
		t.Fatalf("BuildSP: %v", err)
	}
	p, err := ImportSPMetadata("app", raw)
	if err != nil {
		t.Fatalf("ImportSPMetadata: %v", err)
	}
	if got, want := p.ACSURL, "https://sp.example.com/acs"; got != want {
		t.Errorf("ACSURL = %q, want %q", got, want)
	}
	if got, want := p.Audience, "https://sp.example.com"; got != want {
		t.Errorf("Audience = %q, want %q", got, want)
	}
	if got, want := p.ResponseBinding, BindingPost; got != want {
		t.Errorf("ResponseBinding = %q, want %q", got, want)
	}
	if got, want := p.SLSURL, "https://sp.example.com/sls"; got != want {
		t.Errorf("SLSURL = %q, want %q", got, want)
	}
	if got, want := p.SLSBinding, BindingRedirect; got != want {
		t.Errorf("SLSBinding = %q, want %q", got, want)
	}
	if got, want := p.LogoutMethod, provider.LogoutFrontchannelFrame; got != want {
		t.Errorf("LogoutMethod = %q, want %q", got, want)
	}
	if p.VerificationCerts == "" {
		t.Error("VerificationCerts not imported")
	}
	vkp, err := keypair.New(p.VerificationCerts, "")
	if err != nil {
		t.Fatalf("keypair.New: %v", err)
	}
	if got, want := vkp.FingerprintSHA256(), kp.FingerprintSHA256(); got != want {
		t.Errorf("imported certificate fingerprint = %s, want %s", got, want)
	}

	// The imported record must pass validation once signing material is
	// added.
	certPEM, keyPEM := testPEM(t, "bridge.example.com")
	p.Certificate = certPEM
	p.Key = keyPEM
	p.SignatureAlgorithm = string(xmlsig.SigRSASHA256)
	cfg := Config{BaseURL: "https://bridge.example.com", Providers: []*ConfigProvider{p}}
	if err := cfg.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}
