/**
 * @description
 * This file contains the HTTP handlers for the contribution-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store, internal/provider: For
 *   service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/donorhub/contribution-service/internal/app"
	"github.com/donorhub/contribution-service/internal/domain"
	"github.com/donorhub/contribution-service/internal/provider"
	"github.com/donorhub/contribution-service/internal/store"
)

// ContributionHandlers holds the application service that handlers will use.
type ContributionHandlers struct {
	service *app.Service
}

// NewContributionHandlers creates a new instance of ContributionHandlers.
func NewContributionHandlers(service *app.Service) *ContributionHandlers {
	return &ContributionHandlers{service: service}
}

// contributionResponse is sent back to the checkout client once a submission
// has been accepted. Provider identifiers are included so the client can
// confirm the payment or store the mandate.
type contributionResponse struct {
	ContributionID         string  `json:"contribution_id"`
	Status                 string  `json:"status"`
	Amount                 int64   `json:"amount"`
	Currency               string  `json:"currency"`
	Interval               string  `json:"interval"`
	ProviderPaymentID      *string `json:"provider_payment_id,omitempty"`
	ProviderSubscriptionID *string `json:"provider_subscription_id,omitempty"`
	ProviderSetupIntentID  *string `json:"provider_setup_intent_id,omitempty"`
	ProviderCustomerID     *string `json:"provider_customer_id,omitempty"`
}

func buildContributionResponse(c *domain.Contribution) contributionResponse {
	return contributionResponse{
		ContributionID:         c.ID.String(),
		Status:                 c.Status,
		Amount:                 c.Amount,
		Currency:               c.Currency,
		Interval:               c.Interval,
		ProviderPaymentID:      c.ProviderPaymentID,
		ProviderSubscriptionID: c.ProviderSubscriptionID,
		ProviderSetupIntentID:  c.ProviderSetupIntentID,
		ProviderCustomerID:     c.ProviderCustomerID,
	}
}

// CreateContributionHandler handles checkout submissions.
func (h *ContributionHandlers) CreateContributionHandler(w http.ResponseWriter, r *http.Request) {
	var sub domain.ContributionSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	sub.IP = clientIP(r)

	c, err := h.service.CreateContribution(r.Context(), sub)
	if err != nil {
		var validationErr *domain.ValidationError
		switch {
		case errors.As(err, &validationErr):
			h.writeError(w, http.StatusBadRequest, validationErr.Error())
		case errors.Is(err, app.ErrPermissionDenied):
			h.writeError(w, http.StatusForbidden, "This contribution cannot be accepted.")
		case provider.IsRateLimited(err):
			h.writeError(w, http.StatusServiceUnavailable, "Payment provider is busy; please retry.")
		default:
			log.Printf("level=error component=api msg=\"contribution creation failed\" err=%v", err)
			h.writeError(w, http.StatusBadGateway, "Unable to create contribution")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, buildContributionResponse(c))
}

// PortalContributionsHandler serves the donor portal list. A cold cache
// answers an empty list while population runs in the background.
func (h *ContributionHandlers) PortalContributionsHandler(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	account := r.URL.Query().Get("provider_account")
	if strings.TrimSpace(email) == "" || strings.TrimSpace(account) == "" {
		h.writeError(w, http.StatusBadRequest, "email and provider_account query parameters are required")
		return
	}

	projections, err := h.service.PortalContributions(r.Context(), email, account)
	if err != nil {
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			h.writeError(w, http.StatusBadRequest, validationErr.Error())
			return
		}
		log.Printf("level=error component=api msg=\"portal list failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load contributions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contributions": projections,
		"count":         len(projections),
	})
}

// UpdatePortalContributionHandler applies a donor's amount or payment method
// change to a recurring contribution.
func (h *ContributionHandlers) UpdatePortalContributionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.contributionID(w, r)
	if !ok {
		return
	}
	email := r.URL.Query().Get("email")
	if strings.TrimSpace(email) == "" {
		h.writeError(w, http.StatusBadRequest, "email query parameter is required")
		return
	}

	var req domain.PortalUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := h.service.UpdatePortalContribution(r.Context(), id, email, req)
	if err != nil {
		h.writePortalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildContributionResponse(c))
}

// CancelPortalContributionHandler cancels a donor's contribution.
func (h *ContributionHandlers) CancelPortalContributionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.contributionID(w, r)
	if !ok {
		return
	}
	email := r.URL.Query().Get("email")
	if strings.TrimSpace(email) == "" {
		h.writeError(w, http.StatusBadRequest, "email query parameter is required")
		return
	}

	c, err := h.service.CancelPortalContribution(r.Context(), id, email)
	if err != nil {
		h.writePortalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildContributionResponse(c))
}

// PortalContributionPaymentsHandler serves a donor's settlement and refund
// history for one of their contributions.
func (h *ContributionHandlers) PortalContributionPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.contributionID(w, r)
	if !ok {
		return
	}
	email := r.URL.Query().Get("email")
	if strings.TrimSpace(email) == "" {
		h.writeError(w, http.StatusBadRequest, "email query parameter is required")
		return
	}

	payments, err := h.service.PortalContributionPayments(r.Context(), id, email)
	if err != nil {
		h.writePortalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"payments": payments,
		"count":    len(payments),
	})
}

// InternalContributionsHandler lists a contributor's ledger rows for operator
// review, including gate scores. Reachable only with the internal API key.
func (h *ContributionHandlers) InternalContributionsHandler(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	account := r.URL.Query().Get("provider_account")

	contributions, err := h.service.ReviewContributions(r.Context(), email, account)
	if err != nil {
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			h.writeError(w, http.StatusBadRequest, validationErr.Error())
			return
		}
		log.Printf("level=error component=api msg=\"review list failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list contributions")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contributions": contributions,
		"count":         len(contributions),
	})
}

// resolveRequest is the manual review decision payload.
type resolveRequest struct {
	Action string `json:"action"` // "accept" or "reject"
}

// ResolveContributionHandler applies a manual review decision to a flagged
// contribution: accept captures the held payment, reject cancels it as fraud.
func (h *ContributionHandlers) ResolveContributionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.contributionID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Action != "accept" && req.Action != "reject" {
		h.writeError(w, http.StatusBadRequest, "action must be \"accept\" or \"reject\"")
		return
	}

	c, err := h.service.ResolveFlaggedContribution(r.Context(), id, req.Action == "reject")
	if err != nil {
		h.writePortalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildContributionResponse(c))
}

// reconcileRequest is the internal trigger for a backfill pass.
type reconcileRequest struct {
	ProviderAccount string     `json:"provider_account"`
	Since           *time.Time `json:"since,omitempty"`
	Until           *time.Time `json:"until,omitempty"`
}

// ReconcileHandler enqueues a backfill pass for one connected account. It is
// reachable only through the internal API key middleware.
func (h *ContributionHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.RequestReconcile(r.Context(), req.ProviderAccount, req.Since, req.Until); err != nil {
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			h.writeError(w, http.StatusBadRequest, validationErr.Error())
			return
		}
		log.Printf("level=error component=api msg=\"reconcile enqueue failed\" account=%s err=%v", req.ProviderAccount, err)
		h.writeError(w, http.StatusServiceUnavailable, "Unable to enqueue reconciliation")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":           "queued",
		"provider_account": req.ProviderAccount,
	})
}

func (h *ContributionHandlers) contributionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid contribution id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *ContributionHandlers) writePortalError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, store.ErrContributionNotFound):
		h.writeError(w, http.StatusNotFound, "Contribution not found")
	case provider.IsRateLimited(err):
		h.writeError(w, http.StatusServiceUnavailable, "Payment provider is busy; please retry.")
	case provider.IsMissing(err):
		h.writeError(w, http.StatusConflict, "The contribution's payment no longer exists at the provider.")
	default:
		log.Printf("level=error component=api msg=\"portal mutation failed\" err=%v", err)
		h.writeError(w, http.StatusBadGateway, "Unable to update contribution")
	}
}

func (h *ContributionHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *ContributionHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// clientIP extracts the submitting client's address for bad-actor scoring,
// preferring the standard proxy header.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
