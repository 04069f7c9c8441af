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
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/c2FmZQ/samlfed/internal/keypair"
	"github.com/c2FmZQ/samlfed/internal/provider"
	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/source"
	"github.com/c2FmZQ/samlfed/internal/xmlsig"
)

const (
	BindingPost     = "post"
	BindingRedirect = "redirect"
)

var (
	validBindings = []string{
		BindingPost,
		BindingRedirect,
	}
	validLogoutMethods = []string{
		provider.LogoutBackchannel,
		provider.LogoutFrontchannelFrame,
		provider.LogoutFrontchannelChain,
	}
	validNameIDFormats = []string{
		saml.NameIDEmail,
		saml.NameIDPersistent,
		saml.NameIDX509,
		saml.NameIDWindows,
		saml.NameIDTransient,
		saml.NameIDUnspecified,
	}
)

// Config is the engine configuration.
type Config struct {
	// Definitions is a section where yaml anchors can be defined. It is
	// otherwise ignored by the engine.
	Definitions any `yaml:"definitions,omitempty"`

	// BaseURL is the external URL of this engine, e.g.
	// https://sso.example.com. Endpoint URLs in metadata and logout
	// continuation URLs are derived from it.
	BaseURL string `yaml:"baseURL"`
	// PostLogoutURL is where the browser lands when a logout completes.
	// The default is BaseURL.
	PostLogoutURL string `yaml:"postLogoutURL,omitempty"`
	// MaxSessions is the maximum number of tracked provider logins.
	MaxSessions int `yaml:"maxSessions,omitempty"`
	// SessionTTL is how long a tracked login stays discoverable for
	// logout.
	SessionTTL time.Duration `yaml:"sessionTTL,omitempty"`
	// IframeTimeout bounds the frontchannel iframe logout barrier.
	IframeTimeout time.Duration `yaml:"iframeTimeout,omitempty"`
	// BackchannelRetries is how many times a failed backchannel logout
	// request is retried. The default of 0 means a single attempt.
	BackchannelRetries int `yaml:"backchannelRetries,omitempty"`
	// BackchannelTimeout is the per-request timeout for backchannel
	// logout requests.
	BackchannelTimeout time.Duration `yaml:"backchannelTimeout,omitempty"`
	// BackchannelRateLimit caps outbound logout requests per second.
	BackchannelRateLimit float64 `yaml:"backchannelRateLimit,omitempty"`
	// TokenKey signs logout continuation tokens. It can be inline or a
	// file name that starts with /. When empty, a random key is used
	// and in-flight logout chains don't survive a restart.
	TokenKey string `yaml:"tokenKey,omitempty"`
	// LogFilter controls what gets logged.
	LogFilter LogFilter `yaml:"logFilter,omitempty"`

	// Providers is the list of service providers this engine issues
	// assertions to.
	Providers []*ConfigProvider `yaml:"providers,omitempty"`
	// Sources is the list of upstream identity providers this engine
	// authenticates against.
	Sources []*ConfigSource `yaml:"sources,omitempty"`
}

// LogFilter specifies what log messages should be logged or not logged.
type LogFilter struct {
	// Requests indicates that requests should be logged.
	Requests *bool `yaml:"requests,omitempty"`
	// Errors indicates that errors should be logged.
	Errors *bool `yaml:"errors,omitempty"`
}

// ConfigProvider is one service provider that receives assertions.
type ConfigProvider struct {
	// Name identifies the provider in URLs, e.g. /sso/{name}. It must
	// be unique.
	Name string `yaml:"name"`
	// ACSURL is the provider's assertion consumer service URL.
	ACSURL string `yaml:"acsURL"`
	// Issuer is the IdP entity ID presented to this provider. The
	// default is BaseURL/metadata/{name}.
	Issuer string `yaml:"issuer,omitempty"`
	// Audience restricts the assertion to this value. Empty omits the
	// restriction.
	Audience string `yaml:"audience,omitempty"`
	// ResponseBinding is how responses are delivered: post or redirect.
	// The default is post.
	ResponseBinding string `yaml:"responseBinding,omitempty"`
	// DefaultRelayState is used for IdP-initiated logins.
	DefaultRelayState string `yaml:"defaultRelayState,omitempty"`

	// SLSURL is the provider's single logout service URL. Empty means
	// the provider does not participate in single logout.
	SLSURL string `yaml:"slsURL,omitempty"`
	// SLSBinding is the binding of SLSURL: post or redirect. The
	// default is redirect.
	SLSBinding string `yaml:"slsBinding,omitempty"`
	// LogoutMethod is backchannel, frontchannel_iframe, or
	// frontchannel_native. The default is frontchannel_iframe.
	LogoutMethod string `yaml:"logoutMethod,omitempty"`

	// Certificate and Key are the signing credentials, either inline
	// PEM or a file name that starts with /.
	Certificate string `yaml:"certificate,omitempty"`
	Key         string `yaml:"key,omitempty"`
	// PKCS12File imports the signing credentials from a PKCS#12 bundle
	// instead of Certificate/Key.
	PKCS12File     string `yaml:"pkcs12File,omitempty"`
	PKCS12Password string `yaml:"pkcs12Password,omitempty"`
	// VerificationCerts are the provider's certificates. When set,
	// inbound requests must be signed.
	VerificationCerts string `yaml:"verificationCerts,omitempty"`

	// SignatureAlgorithm is rsa-sha1, rsa-sha256, rsa-sha384,
	// rsa-sha512, or the ecdsa equivalents. The default is rsa-sha256.
	SignatureAlgorithm string `yaml:"signatureAlgorithm,omitempty"`
	// DigestAlgorithm is sha1, sha256, sha384, or sha512. The default
	// is sha256. The signed reference is always digested with the
	// signature method's hash, so this must match SignatureAlgorithm.
	DigestAlgorithm string `yaml:"digestAlgorithm,omitempty"`
	// SignAssertion signs the assertion. The default is true.
	SignAssertion *bool `yaml:"signAssertion,omitempty"`
	// SignResponse signs the whole response.
	SignResponse bool `yaml:"signResponse,omitempty"`
	// SignMetadata signs the published metadata document.
	SignMetadata bool `yaml:"signMetadata,omitempty"`

	// NotBeforeOffset and NotOnOrAfterOffset set the assertion validity
	// window relative to issue time. The defaults are -5m and 5m.
	NotBeforeOffset    time.Duration `yaml:"notBeforeOffset,omitempty"`
	NotOnOrAfterOffset time.Duration `yaml:"notOnOrAfterOffset,omitempty"`
	// SessionNotOnOrAfter sets the session validity. The default is
	// 24h.
	SessionNotOnOrAfter time.Duration `yaml:"sessionNotOnOrAfter,omitempty"`

	// NameIDAttribute, when set, overrides the NameID value with this
	// user attribute regardless of the requested format.
	NameIDAttribute string `yaml:"nameIDAttribute,omitempty"`
	// PropertyMappings are the attributes of the assertion's attribute
	// statement.
	PropertyMappings []*ConfigMapping `yaml:"propertyMappings,omitempty"`

	keyPair             *keypair.KeyPair
	verificationKeyPair *keypair.KeyPair
}

// ConfigMapping produces one assertion attribute, either from a user
// attribute or from a fixed value.
type ConfigMapping struct {
	// Name is the SAML attribute name.
	Name string `yaml:"name"`
	// FriendlyName is optional.
	FriendlyName string `yaml:"friendlyName,omitempty"`
	// Attribute reads the value from this user attribute.
	Attribute string `yaml:"attribute,omitempty"`
	// Value is a fixed value. Exactly one of Attribute and Value must
	// be set.
	Value string `yaml:"value,omitempty"`
}

// ConfigSource is one upstream identity provider this engine logs in
// against.
type ConfigSource struct {
	// Name identifies the source in URLs, e.g. /login/{name}. It must
	// be unique.
	Name string `yaml:"name"`
	// EntityID is the SP entity ID presented to the IdP. The default is
	// BaseURL/metadata/source/{name}.
	EntityID string `yaml:"entityID,omitempty"`
	// SSOURL is the IdP's single sign-on URL.
	SSOURL string `yaml:"ssoURL"`
	// SLOURL is the IdP's single logout URL.
	SLOURL string `yaml:"sloURL,omitempty"`
	// Binding is how requests are delivered to the IdP: post or
	// redirect. The default is redirect.
	Binding string `yaml:"binding,omitempty"`
	// NameIDPolicy is the requested NameID format. The default is
	// persistent.
	NameIDPolicy string `yaml:"nameIDPolicy,omitempty"`
	// AllowIDPInitiated accepts responses that don't match an earlier
	// request.
	AllowIDPInitiated bool `yaml:"allowIdpInitiated,omitempty"`

	// Certificate and Key sign outbound requests, either inline PEM or
	// a file name that starts with /.
	Certificate string `yaml:"certificate,omitempty"`
	Key         string `yaml:"key,omitempty"`
	// VerificationCerts are the IdP's certificates. When set, response
	// signatures are mandatory.
	VerificationCerts string `yaml:"verificationCerts,omitempty"`

	SignatureAlgorithm string `yaml:"signatureAlgorithm,omitempty"`
	DigestAlgorithm    string `yaml:"digestAlgorithm,omitempty"`
	// SignMetadata signs the published SP metadata document.
	SignMetadata bool `yaml:"signMetadata,omitempty"`
	// DriftTolerance widens the assertion validity checks. The default
	// is 5m.
	DriftTolerance time.Duration `yaml:"driftTolerance,omitempty"`

	keyPair             *keypair.KeyPair
	verificationKeyPair *keypair.KeyPair
}

// ReadConfig reads and validates the configuration file.
func ReadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Check validates the configuration and applies defaults.
func (cfg *Config) Check() error {
	cfg.Definitions = nil
	if cfg.BaseURL == "" {
		return errors.New("BaseURL must be set")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BaseURL: invalid url %q", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.PostLogoutURL == "" {
		cfg.PostLogoutURL = cfg.BaseURL + "/"
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 10000
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.IframeTimeout == 0 {
		cfg.IframeTimeout = 5 * time.Second
	}
	if cfg.BackchannelTimeout == 0 {
		cfg.BackchannelTimeout = 10 * time.Second
	}
	if cfg.BackchannelRateLimit == 0 {
		cfg.BackchannelRateLimit = 10
	}
	if len(cfg.Providers) == 0 && len(cfg.Sources) == 0 {
		return errors.New("at least one provider or source must be set")
	}

	names := make(map[string]bool)
	for i, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].Name must be set", i)
		}
		if names[p.Name] {
			return fmt.Errorf("providers[%d].Name: duplicate name %q", i, p.Name)
		}
		names[p.Name] = true
		if err := p.check(cfg.BaseURL); err != nil {
			return fmt.Errorf("providers[%d] (%s): %w", i, p.Name, err)
		}
	}
	names = make(map[string]bool)
	for i, s := range cfg.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d].Name must be set", i)
		}
		if names[s.Name] {
			return fmt.Errorf("sources[%d].Name: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		if err := s.check(cfg.BaseURL); err != nil {
			return fmt.Errorf("sources[%d] (%s): %w", i, s.Name, err)
		}
	}
	return nil
}

func (p *ConfigProvider) check(baseURL string) error {
	if p.ACSURL == "" {
		return errors.New("ACSURL must be set")
	}
	if _, err := url.Parse(p.ACSURL); err != nil {
		return fmt.Errorf("ACSURL: %v", err)
	}
	if p.Issuer == "" {
		p.Issuer = baseURL + "/metadata/" + p.Name
	}
	if p.ResponseBinding == "" {
		p.ResponseBinding = BindingPost
	}
	if !slices.Contains(validBindings, p.ResponseBinding) {
		return fmt.Errorf("ResponseBinding: invalid value %q", p.ResponseBinding)
	}
	if p.SLSURL != "" {
		if _, err := url.Parse(p.SLSURL); err != nil {
			return fmt.Errorf("SLSURL: %v", err)
		}
		if p.SLSBinding == "" {
			p.SLSBinding = BindingRedirect
		}
		if !slices.Contains(validBindings, p.SLSBinding) {
			return fmt.Errorf("SLSBinding: invalid value %q", p.SLSBinding)
		}
		if p.LogoutMethod == "" {
			p.LogoutMethod = provider.LogoutFrontchannelFrame
		}
		if !slices.Contains(validLogoutMethods, p.LogoutMethod) {
			return fmt.Errorf("LogoutMethod: invalid value %q", p.LogoutMethod)
		}
		if p.LogoutMethod == provider.LogoutBackchannel && p.SLSBinding != BindingPost {
			return errors.New("LogoutMethod backchannel requires SLSBinding post")
		}
	}
	signAssertion := p.SignAssertion == nil || *p.SignAssertion
	switch {
	case p.PKCS12File != "":
		b, err := os.ReadFile(p.PKCS12File)
		if err != nil {
			return fmt.Errorf("PKCS12File: %v", err)
		}
		kp, err := keypair.FromPKCS12(b, p.PKCS12Password)
		if err != nil {
			return fmt.Errorf("PKCS12File: %v", err)
		}
		p.keyPair = kp
	case p.Certificate != "":
		kp, err := keypair.New(p.Certificate, p.Key)
		if err != nil {
			return fmt.Errorf("Certificate: %v", err)
		}
		p.keyPair = kp
	}
	// Silently skipping a configured security control is worse than
	// failing here.
	if (signAssertion || p.SignResponse || p.SignMetadata) && !p.keyPair.HasPrivateKey() {
		return errors.New("signing is enabled but no private key is configured")
	}
	if p.VerificationCerts != "" {
		vkp, err := keypair.New(p.VerificationCerts, "")
		if err != nil {
			return fmt.Errorf("VerificationCerts: %v", err)
		}
		p.verificationKeyPair = vkp
	}
	if p.SignatureAlgorithm != "" && !xmlsig.SignatureAlgorithm(p.SignatureAlgorithm).Valid() {
		return fmt.Errorf("SignatureAlgorithm: invalid value %q", p.SignatureAlgorithm)
	}
	if p.DigestAlgorithm != "" && !xmlsig.DigestAlgorithm(p.DigestAlgorithm).Valid() {
		return fmt.Errorf("DigestAlgorithm: invalid value %q", p.DigestAlgorithm)
	}
	if err := checkDigestMatchesSignature(p.SignatureAlgorithm, p.DigestAlgorithm); err != nil {
		return err
	}
	for i, m := range p.PropertyMappings {
		if m.Name == "" {
			return fmt.Errorf("propertyMappings[%d].Name must be set", i)
		}
		if (m.Attribute == "") == (m.Value == "") {
			return fmt.Errorf("propertyMappings[%d] (%s): exactly one of Attribute and Value must be set", i, m.Name)
		}
	}
	return nil
}

func (s *ConfigSource) check(baseURL string) error {
	if s.SSOURL == "" {
		return errors.New("SSOURL must be set")
	}
	if _, err := url.Parse(s.SSOURL); err != nil {
		return fmt.Errorf("SSOURL: %v", err)
	}
	if s.SLOURL != "" {
		if _, err := url.Parse(s.SLOURL); err != nil {
			return fmt.Errorf("SLOURL: %v", err)
		}
	}
	if s.EntityID == "" {
		s.EntityID = baseURL + "/metadata/source/" + s.Name
	}
	if s.Binding == "" {
		s.Binding = BindingRedirect
	}
	if !slices.Contains(validBindings, s.Binding) {
		return fmt.Errorf("Binding: invalid value %q", s.Binding)
	}
	if s.NameIDPolicy != "" && !slices.Contains(validNameIDFormats, s.NameIDPolicy) {
		return fmt.Errorf("NameIDPolicy: invalid value %q", s.NameIDPolicy)
	}
	if s.Certificate != "" {
		kp, err := keypair.New(s.Certificate, s.Key)
		if err != nil {
			return fmt.Errorf("Certificate: %v", err)
		}
		s.keyPair = kp
	}
	if s.SignMetadata && !s.keyPair.HasPrivateKey() {
		return errors.New("SignMetadata is set but no private key is configured")
	}
	if s.VerificationCerts != "" {
		vkp, err := keypair.New(s.VerificationCerts, "")
		if err != nil {
			return fmt.Errorf("VerificationCerts: %v", err)
		}
		s.verificationKeyPair = vkp
	}
	if s.SignatureAlgorithm != "" && !xmlsig.SignatureAlgorithm(s.SignatureAlgorithm).Valid() {
		return fmt.Errorf("SignatureAlgorithm: invalid value %q", s.SignatureAlgorithm)
	}
	if s.DigestAlgorithm != "" && !xmlsig.DigestAlgorithm(s.DigestAlgorithm).Valid() {
		return fmt.Errorf("DigestAlgorithm: invalid value %q", s.DigestAlgorithm)
	}
	if err := checkDigestMatchesSignature(s.SignatureAlgorithm, s.DigestAlgorithm); err != nil {
		return err
	}
	return nil
}

// checkDigestMatchesSignature rejects digest algorithms that the signature
// algorithm cannot honor. The enveloped signature digests the signed
// reference with the signature method's hash, so a mismatched pair would
// silently produce digests the config did not ask for.
func checkDigestMatchesSignature(sig, digest string) error {
	if digest == "" {
		return nil
	}
	sa := xmlsig.SignatureAlgorithm(sig)
	if sig == "" {
		sa = xmlsig.SigRSASHA256
	}
	if xmlsig.DigestAlgorithm(digest) != sa.Digest() {
		return fmt.Errorf("DigestAlgorithm %q does not match SignatureAlgorithm %q (use %q)", digest, sa, sa.Digest())
	}
	return nil
}

func bindingURI(b string) string {
	if b == BindingRedirect {
		return saml.BindingRedirect
	}
	return saml.BindingPost
}

// provider converts the validated configuration into the runtime record.
func (p *ConfigProvider) provider() *provider.Provider {
	out := &provider.Provider{
		Name:                p.Name,
		ACSURL:              p.ACSURL,
		Issuer:              p.Issuer,
		Audience:            p.Audience,
		SPBinding:           bindingURI(p.ResponseBinding),
		DefaultRelayState:   p.DefaultRelayState,
		SLSURL:              p.SLSURL,
		SLSBinding:          bindingURI(p.SLSBinding),
		LogoutMethod:        p.LogoutMethod,
		SigningKeyPair:      p.keyPair,
		VerificationKeyPair: p.verificationKeyPair,
		SignatureAlgorithm:  xmlsig.SignatureAlgorithm(p.SignatureAlgorithm),
		DigestAlgorithm:     xmlsig.DigestAlgorithm(p.DigestAlgorithm),
		SignAssertion:       p.SignAssertion == nil || *p.SignAssertion,
		SignResponse:        p.SignResponse,
		NotBeforeOffset:     p.NotBeforeOffset,
		NotOnOrAfterOffset:  p.NotOnOrAfterOffset,
		SessionNotOnOrAfter: p.SessionNotOnOrAfter,
	}
	if attr := p.NameIDAttribute; attr != "" {
		out.NameIDMapping = func(user *saml.User) (string, error) {
			if v := user.AttrString(attr, ""); v != "" {
				return v, nil
			}
			return "", fmt.Errorf("user has no attribute %q", attr)
		}
	}
	for _, m := range p.PropertyMappings {
		out.PropertyMappings = append(out.PropertyMappings, m.propertyMapping())
	}
	return out
}

func (m *ConfigMapping) propertyMapping() provider.PropertyMapping {
	pm := provider.PropertyMapping{
		SAMLName:     m.Name,
		FriendlyName: m.FriendlyName,
	}
	if m.Value != "" {
		v := m.Value
		pm.Evaluate = func(*saml.User) (any, error) { return v, nil }
		return pm
	}
	attr := m.Attribute
	pm.Evaluate = func(user *saml.User) (any, error) {
		switch attr {
		case "email":
			return user.Email, nil
		case "username":
			return user.Username, nil
		case "uid":
			return user.UID, nil
		}
		if v := user.Attr(attr); v != nil {
			return v, nil
		}
		return nil, nil
	}
	return pm
}

// source converts the validated configuration into the runtime record.
func (s *ConfigSource) source(baseURL string) *source.Source {
	return &source.Source{
		Slug:                s.Name,
		EntityID:            s.EntityID,
		ACSURL:              baseURL + "/acs/" + s.Name,
		SSOURL:              s.SSOURL,
		SLOURL:              s.SLOURL,
		Binding:             bindingURI(s.Binding),
		NameIDPolicy:        s.NameIDPolicy,
		AllowIDPInitiated:   s.AllowIDPInitiated,
		SigningKeyPair:      s.keyPair,
		VerificationKeyPair: s.verificationKeyPair,
		SignatureAlgorithm:  xmlsig.SignatureAlgorithm(s.SignatureAlgorithm),
		DigestAlgorithm:     xmlsig.DigestAlgorithm(s.DigestAlgorithm),
		DriftTolerance:      s.DriftTolerance,
	}
}

func readTokenKey(v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	if strings.HasPrefix(v, "/") {
		b, err := os.ReadFile(v)
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimSpace(string(b))), nil
	}
	return []byte(v), nil
}
