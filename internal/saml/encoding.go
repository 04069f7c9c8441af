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

import (
	"bytes"
	"compress/flate"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// maxInflatedSize caps the output of DecodeRedirect to keep a tiny query
// parameter from inflating into an arbitrarily large document.
const maxInflatedSize = 10 << 20

// EncodeRedirect compresses b with raw DEFLATE and base64-encodes the result,
// as required by the HTTP-Redirect binding.
func EncodeRedirect(b []byte) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(b); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeRedirect reverses EncodeRedirect.
func DecodeRedirect(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	out, err := io.ReadAll(io.LimitReader(flate.NewReader(bytes.NewReader(b)), maxInflatedSize))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return out, nil
}

// EncodePost base64-encodes b for the HTTP-POST binding. No compression is
// applied.
func EncodePost(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodePost reverses EncodePost.
func DecodePost(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// RandomID returns a fresh message identifier. The "id-" prefix guarantees the
// value never starts with a digit, which xs:ID forbids.
func RandomID() string {
	var id [16]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		panic(err)
	}
	return "id-" + hex.EncodeToString(id[:])
}

// TimeString formats t the way SAML peers expect: UTC, second precision,
// trailing Z.
func TimeString(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ParseTime accepts both second-precision and fractional timestamps.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// HashedID derives a stable, opaque identifier from s. It is used for
// transient NameIDs and session indexes so that the browser session key never
// appears on the wire.
func HashedID(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
