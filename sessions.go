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

package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/c2FmZQ/samlfed/internal/saml"
	"github.com/c2FmZQ/samlfed/internal/source"
)

const sessionCookie = "samlfed-session"

type loginRecord struct {
	session    *saml.Session
	sourceName string
	info       *source.AssertionInfo
	at         time.Time
}

// cookieSessions keeps the bridge's own browser sessions in memory, keyed
// by an opaque cookie. Logins come exclusively from the upstream identity
// providers.
type cookieSessions struct {
	lru *expirable.LRU[string, *loginRecord]
}

func newCookieSessions() *cookieSessions {
	return &cookieSessions{
		lru: expirable.NewLRU[string, *loginRecord](10000, nil, 24*time.Hour),
	}
}

func (c *cookieSessions) record(req *http.Request) *loginRecord {
	cookie, err := req.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	rec, ok := c.lru.Get(cookie.Value)
	if !ok {
		return nil
	}
	return rec
}

func (c *cookieSessions) CurrentSession(req *http.Request) *saml.Session {
	if rec := c.record(req); rec != nil {
		return rec.session
	}
	return nil
}

func (c *cookieSessions) LoginEvent(session *saml.Session) *saml.LoginEvent {
	rec, ok := c.lru.Get(session.Key)
	if !ok {
		return nil
	}
	// The upstream does not tell us how the user authenticated there.
	return &saml.LoginEvent{At: rec.at}
}

func (c *cookieSessions) UpstreamLogin(w http.ResponseWriter, req *http.Request, sourceName string, info *source.AssertionInfo, relayState string) (string, error) {
	key := saml.RandomID()
	user := &saml.User{
		UID:      info.NameID,
		Username: info.NameID,
		Attributes: map[string]any{
			"source": sourceName,
		},
	}
	for name, values := range info.Attributes {
		user.Attributes[name] = values
	}
	user.Email = user.AttrString("email", user.AttrString("mail", ""))
	c.lru.Add(key, &loginRecord{
		session:    &saml.Session{Key: key, User: user},
		sourceName: sourceName,
		info:       info,
		at:         time.Now(),
	})
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		Secure:   req.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	// Only follow local redirects from RelayState.
	if !strings.HasPrefix(relayState, "/") || strings.HasPrefix(relayState, "//") {
		relayState = "/"
	}
	return relayState, nil
}

func (c *cookieSessions) UpstreamSession(req *http.Request, sourceName string) *source.AssertionInfo {
	rec := c.record(req)
	if rec == nil || rec.sourceName != sourceName {
		return nil
	}
	return rec.info
}

func (c *cookieSessions) EndSession(w http.ResponseWriter, req *http.Request, session *saml.Session) {
	c.lru.Remove(session.Key)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
