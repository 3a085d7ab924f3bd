// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"codeberg.org/oliverandrich/optin/internal/fingerprint"
	"codeberg.org/oliverandrich/optin/internal/i18n"
	"codeberg.org/oliverandrich/optin/internal/services/newsletter"
	"github.com/labstack/echo/v4"
)

// subscribeScope namespaces rate limit identifiers of the subscribe endpoint.
const subscribeScope = "newsletter:consent"

type subscribeRequest struct {
	Email         string `json:"email"`
	FirstName     string `json:"firstName"`
	ConsentGiven  bool   `json:"consentGiven"`
	DataSubjectID string `json:"dataSubjectId"`
}

type subscribeResponse struct {
	Success              bool   `json:"success"`
	Message              string `json:"message"`
	RequiresConfirmation bool   `json:"requiresConfirmation"`
}

type confirmRequest struct {
	Token string `json:"token"`
}

type confirmResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Email   string `json:"email,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Subscribe handles POST /api/newsletter/subscribe.
func (h *Handlers) Subscribe(c echo.Context) error {
	var req subscribeRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest(c, "error_invalid_request")
	}

	ctx := c.Request().Context()
	who := h.identify(c)

	_, err := h.newsletter.Subscribe(ctx, newsletter.SubscribeInput{
		Email:         req.Email,
		FirstName:     req.FirstName,
		ConsentGiven:  req.ConsentGiven,
		DataSubjectID: req.DataSubjectID,
		ClientID:      fingerprint.Identifier(subscribeScope, who.Fingerprint),
		UserAgent:     who.UserAgent,
		IPAddress:     who.IP,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, subscribeResponse{
		Success:              true,
		Message:              i18n.T(ctx, "subscribe_success"),
		RequiresConfirmation: true,
	})
}

// ConfirmToken handles POST /api/newsletter/confirm.
func (h *Handlers) ConfirmToken(c echo.Context) error {
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest(c, "error_invalid_request")
	}
	if strings.TrimSpace(req.Token) == "" {
		return BadRequest(c, "error_invalid_request")
	}
	return h.confirm(c, req.Token)
}

// ConfirmLink handles GET /newsletter/confirm/:token, the link sent by email.
func (h *Handlers) ConfirmLink(c echo.Context) error {
	return h.confirm(c, c.Param("token"))
}

func (h *Handlers) confirm(c echo.Context, token string) error {
	ctx := c.Request().Context()

	res, err := h.newsletter.Confirm(ctx, token)
	if err != nil {
		slog.ErrorContext(ctx, "confirm failed", "error", err)
		return c.JSON(http.StatusInternalServerError, confirmResponse{
			Status: newsletter.StatusError,
			Error:  i18n.T(ctx, "error_internal"),
		})
	}

	if res.Status != newsletter.StatusSuccess {
		return c.JSON(http.StatusOK, confirmResponse{
			Status:  newsletter.StatusExpired,
			Message: i18n.T(ctx, "confirm_expired"),
		})
	}

	return c.JSON(http.StatusOK, confirmResponse{
		Success: true,
		Status:  newsletter.StatusSuccess,
		Email:   res.Email,
		Message: i18n.T(ctx, "confirm_success"),
	})
}
