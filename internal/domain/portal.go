package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// PortalProjection is the narrow, portal-facing view of a contribution cached
// per (identity, provider account). It deliberately exposes a subset of the
// ledger row.
type PortalProjection struct {
	ProviderObjectID string     `json:"provider_object_id"`
	Amount           int64      `json:"amount"`
	Currency         string     `json:"currency"`
	Interval         string     `json:"interval"`
	Status           string     `json:"status"`
	CardBrand        string     `json:"card_brand,omitempty"`
	CardLast4        string     `json:"card_last4,omitempty"`
	LastPaymentDate  *time.Time `json:"last_payment_date,omitempty"`
	NextPaymentDate  *time.Time `json:"next_payment_date,omitempty"`
	CreatedAt        time.Time  `json:"created"`
}

// CacheItem is anything the portal cache can upsert. A failing Projection
// excludes that single item from the batch; it never aborts the rest.
type CacheItem interface {
	ObjectID() string
	Projection() ([]byte, error)
}

// ObjectID returns the remote-object id keying this projection in the cache map.
func (p PortalProjection) ObjectID() string { return p.ProviderObjectID }

// Projection serializes the projection for caching. An empty object id is a
// serialization failure: the cache map would silently collapse such entries.
func (p PortalProjection) Projection() ([]byte, error) {
	if strings.TrimSpace(p.ProviderObjectID) == "" {
		return nil, NewValidationError("provider_object_id", "projection requires a remote object id")
	}
	return json.Marshal(p)
}

// ProjectionFromContribution derives the portal view from a ledger row. The
// provider object id prefers the subscription id for recurring contributions
// and the payment id otherwise, matching how webhook lookups resolve.
func ProjectionFromContribution(c *Contribution) (PortalProjection, error) {
	p := PortalProjection{
		Amount:          c.Amount,
		Currency:        c.Currency,
		Interval:        c.Interval,
		Status:          c.Status,
		LastPaymentDate: c.LastPaymentDate,
		CreatedAt:       c.CreatedAt,
	}
	switch {
	case c.IsRecurring() && c.ProviderSubscriptionID != nil:
		p.ProviderObjectID = *c.ProviderSubscriptionID
	case c.ProviderPaymentID != nil:
		p.ProviderObjectID = *c.ProviderPaymentID
	default:
		return p, NewValidationError("provider_object_id", "contribution has no remote object to project")
	}
	return p, nil
}

// PortalUpdateRequest is the DTO for the explicit portal-update path: a donor
// changing the amount or payment method of a recurring contribution.
type PortalUpdateRequest struct {
	Amount          *int64  `json:"amount,omitempty"`
	PaymentMethodID *string `json:"payment_method_id,omitempty"`
}

// Validate rejects empty or malformed portal updates.
func (r *PortalUpdateRequest) Validate() error {
	if r.Amount == nil && r.PaymentMethodID == nil {
		return NewValidationError("body", "at least one of amount or payment_method_id must be provided")
	}
	if r.Amount != nil && *r.Amount <= 0 {
		return NewValidationError("amount", "amount must be a positive number of minor units")
	}
	if r.PaymentMethodID != nil && strings.TrimSpace(*r.PaymentMethodID) == "" {
		return NewValidationError("payment_method_id", "payment method id cannot be blank")
	}
	return nil
}
