// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package fingerprint derives stable, non-reversible client identifiers
// from transport-level request data for rate-limit keying.
package fingerprint

import (
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Anonymous is used in identifiers when no client data is available.
const Anonymous = "anonymous"

// proxyHeaders are consulted in order when the server runs behind a proxy.
var proxyHeaders = []string{
	"X-Forwarded-For",
	"Cf-Connecting-Ip",
	"X-Real-Ip",
	"Fastly-Client-Ip",
}

// Fingerprinter hashes client attributes with a keyed BLAKE2b-256.
// It holds no mutable state and is safe for concurrent use.
type Fingerprinter struct {
	key []byte
}

// New creates a Fingerprinter. Secrets longer than 64 bytes are compressed
// to fit the BLAKE2b key size; an empty secret yields unkeyed hashes.
func New(secret string) *Fingerprinter {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Fingerprinter{key: key}
}

// Compute returns the fingerprint for a request on route. The client IP is
// preferred, then the cookie value, then the user agent. When all are empty
// the result is empty and Identifier falls back to Anonymous.
func (f *Fingerprinter) Compute(route, clientIP, userAgent, cookie string) string {
	switch {
	case clientIP != "":
		return f.hash(route, "ip", clientIP)
	case cookie != "":
		return f.hash(route, "cookie", cookie)
	case userAgent != "":
		return f.hash(route, "ua", userAgent)
	default:
		return ""
	}
}

func (f *Fingerprinter) hash(route, kind, value string) string {
	return hex.EncodeToString(f.sum(route, kind, value))
}

func (f *Fingerprinter) sum(route, kind, value string) []byte {
	h, err := blake2b.New256(f.key)
	if err != nil {
		// Only possible for keys over 64 bytes, which New prevents.
		panic(err)
	}
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(value))
	return h.Sum(nil)
}

// DeriveKey returns a 32-byte key for purpose, bound to the secret. Distinct
// purposes yield unrelated keys.
func (f *Fingerprinter) DeriveKey(purpose string) []byte {
	return f.sum(purpose, "key", "")
}

// Identifier builds a rate-limit key of the form "scope:fingerprint".
func Identifier(scope, fp string) string {
	if fp == "" {
		fp = Anonymous
	}
	return scope + ":" + fp
}

// ClientIP extracts the client address from r. Proxy headers are honored
// only when trustProxy is set; the first entry of a comma-separated list wins.
// The result is empty when neither source yields an address.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		for _, name := range proxyHeaders {
			value := r.Header.Get(name)
			if value == "" {
				continue
			}
			first, _, _ := strings.Cut(value, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	// Unix socket peers and in-process callers carry no address.
	if ip := net.ParseIP(strings.TrimSpace(r.RemoteAddr)); ip != nil {
		return ip.String()
	}
	return ""
}
