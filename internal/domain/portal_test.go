package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestProjectionFromContribution_RecurringPrefersSubscriptionID(t *testing.T) {
	subID := "sub_123"
	piID := "pi_456"
	c := &Contribution{
		ID:                     uuid.New(),
		Amount:                 2000,
		Currency:               "usd",
		Interval:               IntervalMonthly,
		Status:                 StatusPaid,
		ProviderSubscriptionID: &subID,
		ProviderPaymentID:      &piID,
		CreatedAt:              time.Now().UTC(),
	}
	p, err := ProjectionFromContribution(c)
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	if p.ProviderObjectID != subID {
		t.Fatalf("expected subscription id %s, got %s", subID, p.ProviderObjectID)
	}
}

func TestProjectionFromContribution_OneTimeUsesPaymentID(t *testing.T) {
	piID := "pi_456"
	c := &Contribution{
		ID:                uuid.New(),
		Interval:          IntervalOneTime,
		Status:            StatusPaid,
		ProviderPaymentID: &piID,
	}
	p, err := ProjectionFromContribution(c)
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	if p.ProviderObjectID != piID {
		t.Fatalf("expected payment id %s, got %s", piID, p.ProviderObjectID)
	}
}

func TestProjectionFromContribution_NoRemoteObjectFails(t *testing.T) {
	c := &Contribution{ID: uuid.New(), Interval: IntervalOneTime, Status: StatusProcessing}
	if _, err := ProjectionFromContribution(c); err == nil {
		t.Fatal("contribution without a remote object must not project")
	}
}

func TestProjection_EmptyObjectIDFailsSerialization(t *testing.T) {
	p := PortalProjection{Amount: 100, Currency: "usd"}
	if _, err := p.Projection(); err == nil {
		t.Fatal("projection without an object id must fail to serialize")
	}
}

func TestPortalUpdateRequestValidate(t *testing.T) {
	empty := PortalUpdateRequest{}
	if err := empty.Validate(); err == nil {
		t.Fatal("empty update must be rejected")
	}

	zero := int64(0)
	bad := PortalUpdateRequest{Amount: &zero}
	if err := bad.Validate(); err == nil {
		t.Fatal("non-positive amount must be rejected")
	}

	blank := "  "
	badPM := PortalUpdateRequest{PaymentMethodID: &blank}
	if err := badPM.Validate(); err == nil {
		t.Fatal("blank payment method must be rejected")
	}

	amount := int64(2500)
	good := PortalUpdateRequest{Amount: &amount}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
}
