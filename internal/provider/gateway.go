/**
 * @description
 * This file defines the Gateway interface over the remote payment provider and
 * its Stripe implementation. Every call is scoped to a connected account and
 * returns errors already normalized to *provider.Error. The Gateway carries no
 * ledger knowledge; the Adapter layers the compensating-action discipline on top.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v74: The payment provider SDK.
 */

package provider

import (
	"context"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// CreatePaymentIntentParams carries everything needed to create a one-time payment.
type CreatePaymentIntentParams struct {
	Amount          int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	ManualCapture   bool
	ReceiptEmail    string
	Metadata        map[string]string
}

// CreateSubscriptionParams carries everything needed to start a recurring payment.
type CreateSubscriptionParams struct {
	CustomerID      string
	PaymentMethodID string
	Amount          int64
	Currency        string
	Interval        string // provider interval: 'month' or 'year'
	ProductID       string
	Metadata        map[string]string
}

// UpdateSubscriptionParams modifies an existing subscription. Nil fields are
// left untouched on the remote object.
type UpdateSubscriptionParams struct {
	Amount          *int64
	Currency        string
	Interval        string
	ProductID       string
	PaymentMethodID *string
}

// Gateway is the uniform surface over the remote provider's primitives.
type Gateway interface {
	CreateCustomer(ctx context.Context, account, email string, metadata map[string]string) (*stripe.Customer, error)
	SearchCustomerByEmail(ctx context.Context, account, email string) (*stripe.Customer, error)

	CreatePaymentIntent(ctx context.Context, account string, p CreatePaymentIntentParams) (*stripe.PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, account, id string) (*stripe.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, account, id, reason string) (*stripe.PaymentIntent, error)

	CreateSetupIntent(ctx context.Context, account, customerID, paymentMethodID string, metadata map[string]string) (*stripe.SetupIntent, error)
	RetrieveSetupIntent(ctx context.Context, account, id string) (*stripe.SetupIntent, error)
	CancelSetupIntent(ctx context.Context, account, id string) (*stripe.SetupIntent, error)

	CreateSubscription(ctx context.Context, account string, p CreateSubscriptionParams) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, account, id string, p UpdateSubscriptionParams) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, account, id string) (*stripe.Subscription, error)

	AttachPaymentMethod(ctx context.Context, account, paymentMethodID, customerID string) (*stripe.PaymentMethod, error)

	// List calls take an optional customer id; empty means the whole account.
	ListSubscriptions(ctx context.Context, account, customerID string, since, until *time.Time) ([]*stripe.Subscription, error)
	ListPaymentIntents(ctx context.Context, account, customerID string, since, until *time.Time) ([]*stripe.PaymentIntent, error)
	ListChargesForPaymentIntent(ctx context.Context, account, paymentIntentID string) ([]*stripe.Charge, error)
	ListChargesForCustomer(ctx context.Context, account, customerID string, since *time.Time) ([]*stripe.Charge, error)
}

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	sc *client.API
}

// NewStripeGateway builds a gateway from a secret API key.
func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{sc: client.New(secretKey, nil)}
}

func scopedParams(ctx context.Context, account string) stripe.Params {
	p := stripe.Params{Context: ctx}
	if account != "" {
		p.SetStripeAccount(account)
	}
	return p
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, account, email string, metadata map[string]string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{
		Params: scopedParams(ctx, account),
		Email:  stripe.String(email),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	cus, err := g.sc.Customers.New(params)
	return cus, normalize("create_customer", err)
}

// SearchCustomerByEmail returns the first customer with an exactly matching
// email, or (nil, nil) when none exists.
func (g *StripeGateway) SearchCustomerByEmail(ctx context.Context, account, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Context: ctx,
			Query:   fmt.Sprintf("email:%q", email),
		},
	}
	if account != "" {
		params.StripeAccount = stripe.String(account)
	}
	params.AddExpand("data.invoice_settings.default_payment_method")
	iter := g.sc.Customers.Search(params)
	for iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, normalize("search_customer", err)
	}
	return nil, nil
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, account string, p CreatePaymentIntentParams) (*stripe.PaymentIntent, error) {
	capture := "automatic"
	if p.ManualCapture {
		capture = "manual"
	}
	params := &stripe.PaymentIntentParams{
		Params:        scopedParams(ctx, account),
		Amount:        stripe.Int64(p.Amount),
		Currency:      stripe.String(p.Currency),
		Customer:      stripe.String(p.CustomerID),
		PaymentMethod: stripe.String(p.PaymentMethodID),
		CaptureMethod: stripe.String(capture),
		Confirm:       stripe.Bool(true),
	}
	if p.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(p.ReceiptEmail)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := g.sc.PaymentIntents.New(params)
	return pi, normalize("create_payment_intent", err)
}

func (g *StripeGateway) CapturePaymentIntent(ctx context.Context, account, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCaptureParams{Params: scopedParams(ctx, account)}
	pi, err := g.sc.PaymentIntents.Capture(id, params)
	return pi, normalize("capture_payment_intent", err)
}

func (g *StripeGateway) CancelPaymentIntent(ctx context.Context, account, id, reason string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCancelParams{Params: scopedParams(ctx, account)}
	if reason != "" {
		params.CancellationReason = stripe.String(reason)
	}
	pi, err := g.sc.PaymentIntents.Cancel(id, params)
	return pi, normalize("cancel_payment_intent", err)
}

func (g *StripeGateway) CreateSetupIntent(ctx context.Context, account, customerID, paymentMethodID string, metadata map[string]string) (*stripe.SetupIntent, error) {
	params := &stripe.SetupIntentParams{
		Params:        scopedParams(ctx, account),
		Customer:      stripe.String(customerID),
		PaymentMethod: stripe.String(paymentMethodID),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	si, err := g.sc.SetupIntents.New(params)
	return si, normalize("create_setup_intent", err)
}

func (g *StripeGateway) RetrieveSetupIntent(ctx context.Context, account, id string) (*stripe.SetupIntent, error) {
	params := &stripe.SetupIntentParams{Params: scopedParams(ctx, account)}
	params.AddExpand("payment_method")
	si, err := g.sc.SetupIntents.Get(id, params)
	return si, normalize("retrieve_setup_intent", err)
}

func (g *StripeGateway) CancelSetupIntent(ctx context.Context, account, id string) (*stripe.SetupIntent, error) {
	params := &stripe.SetupIntentCancelParams{Params: scopedParams(ctx, account)}
	si, err := g.sc.SetupIntents.Cancel(id, params)
	return si, normalize("cancel_setup_intent", err)
}

func subscriptionPriceData(amount int64, currency, interval, productID string) *stripe.SubscriptionItemPriceDataParams {
	return &stripe.SubscriptionItemPriceDataParams{
		Currency:   stripe.String(currency),
		Product:    stripe.String(productID),
		UnitAmount: stripe.Int64(amount),
		Recurring: &stripe.SubscriptionItemPriceDataRecurringParams{
			Interval: stripe.String(interval),
		},
	}
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, account string, p CreateSubscriptionParams) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params:   scopedParams(ctx, account),
		Customer: stripe.String(p.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{PriceData: subscriptionPriceData(p.Amount, p.Currency, p.Interval, p.ProductID)},
		},
	}
	if p.PaymentMethodID != "" {
		params.DefaultPaymentMethod = stripe.String(p.PaymentMethodID)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	sub, err := g.sc.Subscriptions.New(params)
	return sub, normalize("create_subscription", err)
}

func (g *StripeGateway) RetrieveSubscription(ctx context.Context, account, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{Params: scopedParams(ctx, account)}
	params.AddExpand("default_payment_method")
	params.AddExpand("customer")
	sub, err := g.sc.Subscriptions.Get(id, params)
	return sub, normalize("retrieve_subscription", err)
}

func (g *StripeGateway) UpdateSubscription(ctx context.Context, account, id string, p UpdateSubscriptionParams) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{Params: scopedParams(ctx, account)}
	if p.PaymentMethodID != nil {
		params.DefaultPaymentMethod = stripe.String(*p.PaymentMethodID)
	}
	if p.Amount != nil {
		current, err := g.RetrieveSubscription(ctx, account, id)
		if err != nil {
			return nil, err
		}
		if current.Items == nil || len(current.Items.Data) == 0 {
			return nil, missingObject("update_subscription", "subscription has no items to reprice")
		}
		params.Items = []*stripe.SubscriptionItemsParams{
			{
				ID:        stripe.String(current.Items.Data[0].ID),
				PriceData: subscriptionPriceData(*p.Amount, p.Currency, p.Interval, p.ProductID),
			},
		}
	}
	sub, err := g.sc.Subscriptions.Update(id, params)
	return sub, normalize("update_subscription", err)
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, account, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionCancelParams{Params: scopedParams(ctx, account)}
	sub, err := g.sc.Subscriptions.Cancel(id, params)
	return sub, normalize("cancel_subscription", err)
}

func (g *StripeGateway) AttachPaymentMethod(ctx context.Context, account, paymentMethodID, customerID string) (*stripe.PaymentMethod, error) {
	params := &stripe.PaymentMethodAttachParams{
		Params:   scopedParams(ctx, account),
		Customer: stripe.String(customerID),
	}
	pm, err := g.sc.PaymentMethods.Attach(paymentMethodID, params)
	return pm, normalize("attach_payment_method", err)
}

func createdRange(since, until *time.Time) *stripe.RangeQueryParams {
	if since == nil && until == nil {
		return nil
	}
	r := &stripe.RangeQueryParams{}
	if since != nil {
		r.GreaterThanOrEqual = since.Unix()
	}
	if until != nil {
		r.LesserThan = until.Unix()
	}
	return r
}

func (g *StripeGateway) ListSubscriptions(ctx context.Context, account, customerID string, since, until *time.Time) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		ListParams:   stripe.ListParams{Context: ctx, StripeAccount: stripe.String(account)},
		Status:       stripe.String("all"),
		CreatedRange: createdRange(since, until),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.AddExpand("data.customer")
	params.AddExpand("data.default_payment_method")
	params.AddExpand("data.customer.invoice_settings.default_payment_method")

	var out []*stripe.Subscription
	iter := g.sc.Subscriptions.List(params)
	for iter.Next() {
		out = append(out, iter.Subscription())
	}
	return out, normalize("list_subscriptions", iter.Err())
}

func (g *StripeGateway) ListPaymentIntents(ctx context.Context, account, customerID string, since, until *time.Time) ([]*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentListParams{
		ListParams:   stripe.ListParams{Context: ctx, StripeAccount: stripe.String(account)},
		CreatedRange: createdRange(since, until),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.AddExpand("data.customer")
	params.AddExpand("data.payment_method")

	var out []*stripe.PaymentIntent
	iter := g.sc.PaymentIntents.List(params)
	for iter.Next() {
		out = append(out, iter.PaymentIntent())
	}
	return out, normalize("list_payment_intents", iter.Err())
}

func (g *StripeGateway) ListChargesForPaymentIntent(ctx context.Context, account, paymentIntentID string) ([]*stripe.Charge, error) {
	params := &stripe.ChargeListParams{
		ListParams:    stripe.ListParams{Context: ctx, StripeAccount: stripe.String(account)},
		PaymentIntent: stripe.String(paymentIntentID),
	}
	return g.listCharges(params)
}

func (g *StripeGateway) ListChargesForCustomer(ctx context.Context, account, customerID string, since *time.Time) ([]*stripe.Charge, error) {
	params := &stripe.ChargeListParams{
		ListParams:   stripe.ListParams{Context: ctx, StripeAccount: stripe.String(account)},
		Customer:     stripe.String(customerID),
		CreatedRange: createdRange(since, nil),
	}
	return g.listCharges(params)
}

func (g *StripeGateway) listCharges(params *stripe.ChargeListParams) ([]*stripe.Charge, error) {
	params.AddExpand("data.balance_transaction")
	params.AddExpand("data.refunds.data.balance_transaction")

	var out []*stripe.Charge
	iter := g.sc.Charges.List(params)
	for iter.Next() {
		out = append(out, iter.Charge())
	}
	return out, normalize("list_charges", iter.Err())
}
