/**
 * @description
 * The PaymentGateway contract used by the grant orchestrator and the payment workers.
 * pkg/paymentclient.Client is the production implementation; tests substitute stubs.
 */
package app

import (
	"context"

	"github.com/stokvel/stokvel-service/pkg/paymentclient"
)

// PaymentGateway sets up grants and executes payments against the external payment service.
type PaymentGateway interface {
	SetupContributionGrant(ctx context.Context, req paymentclient.GrantSetupRequest) (*paymentclient.GrantSetupResponse, error)
	SetupPayoutGrant(ctx context.Context, req paymentclient.GrantSetupRequest) (*paymentclient.GrantSetupResponse, error)
	SetupAdhocGrant(ctx context.Context, req paymentclient.AdhocSetupRequest) (*paymentclient.GrantSetupResponse, error)
	CreateInitialPayment(ctx context.Context, req paymentclient.InitialPaymentRequest) (*paymentclient.PaymentResponse, error)
	ProcessRecurringPayment(ctx context.Context, req paymentclient.RecurringPaymentRequest) (*paymentclient.PaymentResponse, error)
	ProcessRecurringPayoutWithInterest(ctx context.Context, req paymentclient.RecurringPaymentRequest) (*paymentclient.PaymentResponse, error)
}

var _ PaymentGateway = (*paymentclient.Client)(nil)
