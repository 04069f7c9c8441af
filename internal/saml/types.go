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

package saml

import "time"

// User is the authenticated principal an assertion is issued for.
type User struct {
	// UID is a stable unique identifier, e.g. a database key or UUID.
	UID string
	// Username is the login name.
	Username string
	// Email may be empty.
	Email string
	// Attributes holds extra profile data keyed by attribute name. Values
	// are either a string or a []string.
	Attributes map[string]any
}

// Attr returns the named attribute as a list of strings, or nil.
func (u *User) Attr(name string) []string {
	switch v := u.Attributes[name].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	default:
		return nil
	}
}

// AttrString returns the first value of the named attribute, or def.
func (u *User) AttrString(name, def string) string {
	if v := u.Attr(name); len(v) > 0 {
		return v[0]
	}
	return def
}

// Session is the browser session the user authenticated in. Key is an opaque
// secret; it is never sent to a peer directly, only as HashedID(Key).
type Session struct {
	Key  string
	User *User
}

// LoginEvent records how and when the current session was established. It
// drives the AuthnInstant and AuthnContextClassRef of issued assertions.
type LoginEvent struct {
	// Method is the authentication method, e.g. "password", "auth_mfa",
	// "auth_webauthn_pwl".
	Method string
	// MFADevices is true when a second factor was involved.
	MFADevices bool
	// At is when the login happened.
	At time.Time
}

// AuthnContextClass maps the login event to the closest SAML authentication
// context class.
func (e *LoginEvent) AuthnContextClass() string {
	if e == nil {
		return AuthnContextUnspecified
	}
	switch {
	case e.Method == "password":
		return AuthnContextPassword
	case e.MFADevices:
		return AuthnContextMFA
	case e.Method == "auth_mfa" || e.Method == "auth_webauthn_pwl":
		return AuthnContextPasswordless
	default:
		return AuthnContextUnspecified
	}
}
