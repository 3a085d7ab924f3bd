// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"net/http"
	"strings"
	"time"

	"codeberg.org/oliverandrich/optin/internal/models"
	"codeberg.org/oliverandrich/optin/internal/ratelimit"
	"codeberg.org/oliverandrich/optin/internal/services/consent"
	"github.com/labstack/echo/v4"
)

// Rate limit scopes of the consent endpoints.
const (
	consentGetScope    = "gdpr:consent:get"
	consentPostScope   = "gdpr:consent:post"
	consentDeleteScope = "gdpr:consent:delete"
)

// subjectParam is the query parameter naming the data subject.
const subjectParam = "DataSubjectId"

type recordConsentRequest struct {
	DataSubjectID string   `json:"DataSubjectId"`
	Email         string   `json:"email"`
	Purposes      []string `json:"purposes"`
	Source        string   `json:"source"`
	ConsentText   string   `json:"consentText"`
}

// consentView is the public shape of a consent record. User agent and IP
// address never leave the server.
type consentView struct {
	ID                   string          `json:"id"`
	DataSubjectID        string          `json:"DataSubjectId"`
	Email                string          `json:"email"`
	Purposes             models.Purposes `json:"purposes"`
	Timestamp            time.Time       `json:"timestamp"`
	Source               models.Source   `json:"source"`
	PrivacyPolicyVersion string          `json:"privacyPolicyVersion"`
	ConsentText          *string         `json:"consentText,omitempty"`
	Verified             bool            `json:"verified"`
}

func newConsentView(r *models.ConsentRecord) consentView {
	return consentView{
		ID:                   r.ID,
		DataSubjectID:        r.DataSubjectID,
		Email:                r.Email,
		Purposes:             r.Purposes,
		Timestamp:            r.CreatedAt.UTC(),
		Source:               r.Source,
		PrivacyPolicyVersion: r.PrivacyPolicyVersion,
		ConsentText:          r.ConsentText,
		Verified:             r.Verified,
	}
}

type recordConsentResponse struct {
	Success bool        `json:"success"`
	Record  consentView `json:"record"`
}

type listConsentResponse struct {
	Success      bool          `json:"success"`
	Records      []consentView `json:"records"`
	HasActive    *bool         `json:"hasActive,omitempty"`
	ActiveRecord *consentView  `json:"activeRecord,omitempty"`
}

type deleteConsentResponse struct {
	Success      bool  `json:"success"`
	DeletedCount int64 `json:"deletedCount"`
}

// RecordConsent handles POST /api/gdpr/consent. New records are always
// unverified; only a confirmed double opt-in verifies consent.
func (h *Handlers) RecordConsent(c echo.Context) error {
	who := h.identify(c)
	if err := h.admit(c, who, ratelimit.PolicyConsent, consentPostScope); err != nil {
		return writeError(c, err)
	}

	var req recordConsentRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest(c, "error_invalid_request")
	}
	subjectID := strings.TrimSpace(req.DataSubjectID)
	if err := consent.ValidateSubjectID(subjectID); err != nil {
		return writeError(c, err)
	}

	rec, err := h.ledger.Record(c.Request().Context(), consent.RecordRequest{
		Email:         req.Email,
		DataSubjectID: subjectID,
		Purposes:      req.Purposes,
		Source:        models.Source(strings.TrimSpace(req.Source)),
		UserAgent:     who.UserAgent,
		IPAddress:     who.IP,
		ConsentText:   req.ConsentText,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, recordConsentResponse{
		Success: true,
		Record:  newConsentView(rec),
	})
}

// ListConsent handles GET /api/gdpr/consent. With a purpose query parameter
// only records covering it are returned, together with the newest verified
// one among them.
func (h *Handlers) ListConsent(c echo.Context) error {
	who := h.identify(c)
	if err := h.admit(c, who, ratelimit.PolicyConsentRead, consentGetScope); err != nil {
		return writeError(c, err)
	}

	subjectID := strings.TrimSpace(c.QueryParam(subjectParam))
	if err := consent.ValidateSubjectID(subjectID); err != nil {
		return writeError(c, err)
	}
	purpose := strings.ToLower(strings.TrimSpace(c.QueryParam("purpose")))

	records, err := h.ledger.ListBySubject(c.Request().Context(), subjectID)
	if err != nil {
		return writeError(c, err)
	}

	if purpose != "" {
		matching := records[:0]
		for _, r := range records {
			if r.Purposes.Contains(purpose) {
				matching = append(matching, r)
			}
		}
		records = matching
	}

	resp := listConsentResponse{
		Success: true,
		Records: make([]consentView, 0, len(records)),
	}
	for i := range records {
		resp.Records = append(resp.Records, newConsentView(&records[i]))
	}

	if purpose != "" {
		active := consent.LatestActive(records, purpose)
		hasActive := active != nil
		resp.HasActive = &hasActive
		if active != nil {
			view := newConsentView(active)
			resp.ActiveRecord = &view
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// DeleteConsent handles DELETE /api/gdpr/consent and erases every consent
// record of the data subject.
func (h *Handlers) DeleteConsent(c echo.Context) error {
	who := h.identify(c)
	if err := h.admit(c, who, ratelimit.PolicyDelete, consentDeleteScope); err != nil {
		return writeError(c, err)
	}

	subjectID := strings.TrimSpace(c.QueryParam(subjectParam))
	if err := consent.ValidateSubjectID(subjectID); err != nil {
		return writeError(c, err)
	}

	n, err := h.ledger.EraseBySubject(c.Request().Context(), subjectID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, deleteConsentResponse{
		Success:      true,
		DeletedCount: n,
	})
}
