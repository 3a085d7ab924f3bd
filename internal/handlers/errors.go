// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"codeberg.org/oliverandrich/optin/internal/i18n"
	"codeberg.org/oliverandrich/optin/internal/services/consent"
	"codeberg.org/oliverandrich/optin/internal/services/newsletter"
	"github.com/labstack/echo/v4"
)

type errorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// jsonError writes a failed JSON response with a localized message.
func jsonError(c echo.Context, code int, message string) error {
	return c.JSON(code, errorResponse{Error: message})
}

// BadRequest writes a 400 response.
func BadRequest(c echo.Context, messageID string) error {
	return jsonError(c, http.StatusBadRequest, i18n.T(c.Request().Context(), messageID))
}

// InternalServerError writes a 500 response.
func InternalServerError(c echo.Context) error {
	return jsonError(c, http.StatusInternalServerError, i18n.T(c.Request().Context(), "error_internal"))
}

// writeError maps service errors to status codes.
func writeError(c echo.Context, err error) error {
	ctx := c.Request().Context()

	var (
		validationErr *newsletter.ValidationError
		rateLimitErr  *newsletter.RateLimitError
		upstreamErr   *newsletter.UpstreamError
	)

	switch {
	case errors.Is(err, newsletter.ErrConsentRequired):
		return BadRequest(c, "error_consent_required")

	case errors.As(err, &validationErr):
		if validationErr.Field == "dataSubjectId" {
			return BadRequest(c, "error_invalid_subject_id")
		}
		return BadRequest(c, "error_invalid_email")

	case errors.Is(err, consent.ErrSubjectIDRequired):
		return BadRequest(c, "error_subject_id_required")
	case errors.Is(err, consent.ErrInvalidSubjectID):
		return BadRequest(c, "error_invalid_subject_id")
	case errors.Is(err, consent.ErrInvalidEmail):
		return BadRequest(c, "error_invalid_email")
	case errors.Is(err, consent.ErrInvalidPurpose), errors.Is(err, consent.ErrNoPurpose):
		return BadRequest(c, "error_invalid_purpose")
	case errors.Is(err, consent.ErrInvalidSource):
		return BadRequest(c, "error_invalid_source")

	case errors.As(err, &rateLimitErr):
		c.Response().Header().Set("Retry-After", strconv.Itoa(rateLimitErr.RetryAfter))
		return c.JSON(http.StatusTooManyRequests, errorResponse{
			Error:      i18n.TData(ctx, "error_rate_limited", map[string]any{"Seconds": rateLimitErr.RetryAfter}),
			RetryAfter: rateLimitErr.RetryAfter,
		})

	case errors.As(err, &upstreamErr):
		return jsonError(c, http.StatusBadGateway, i18n.T(ctx, "error_email_failed"))

	default:
		slog.ErrorContext(ctx, "request failed", "path", c.Path(), "error", err)
		return InternalServerError(c)
	}
}
