// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"log/slog"
	"net/http"

	"codeberg.org/oliverandrich/optin/internal/fingerprint"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/labstack/echo/v4"
)

// ClientCookie holds a signed random client ID. It is the fingerprint source
// for callers without a usable address.
const ClientCookie = "optin_client"

// clientCookieMaxAge is one year in seconds.
const clientCookieMaxAge = 365 * 24 * 60 * 60

// clientCookieKeyPurpose separates the cookie signing key from other keys
// derived from the fingerprint secret.
const clientCookieKeyPurpose = "client-cookie"

// clientCookies signs and verifies the ClientCookie value.
type clientCookies struct {
	codec *securecookie.SecureCookie
}

func newClientCookies(hashKey []byte) *clientCookies {
	codec := securecookie.New(hashKey, nil)
	codec.MaxAge(clientCookieMaxAge)
	return &clientCookies{codec: codec}
}

// read returns the client ID carried by r, or "" when the cookie is missing
// or fails verification.
func (cc *clientCookies) read(r *http.Request) string {
	ck, err := r.Cookie(ClientCookie)
	if err != nil {
		return ""
	}

	var id string
	if err := cc.codec.Decode(ClientCookie, ck.Value, &id); err != nil {
		return ""
	}
	return id
}

// ensure returns the verified client ID of the request, issuing a new
// cookie when none is present or the old one does not verify.
func (cc *clientCookies) ensure(c echo.Context) string {
	if id := cc.read(c.Request()); id != "" {
		return id
	}

	id := uuid.NewString()
	value, err := cc.codec.Encode(ClientCookie, id)
	if err != nil {
		slog.WarnContext(c.Request().Context(), "failed to encode client cookie", "error", err)
		return ""
	}

	c.SetCookie(&http.Cookie{
		Name:     ClientCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   clientCookieMaxAge,
		HttpOnly: true,
		Secure:   c.Scheme() == "https",
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// caller is the transport-level identity of a request.
type caller struct {
	IP          string
	UserAgent   string
	Fingerprint string
}

// identify resolves the caller of c and makes sure it carries a client cookie.
func (h *Handlers) identify(c echo.Context) caller {
	r := c.Request()
	ip := fingerprint.ClientIP(r, h.trustProxy)
	userAgent := r.UserAgent()
	clientID := h.clients.ensure(c)

	return caller{
		IP:          ip,
		UserAgent:   userAgent,
		Fingerprint: h.fingerprints.Compute(c.Path(), ip, userAgent, clientID),
	}
}
