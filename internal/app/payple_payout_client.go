package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/groble/settlement-service/pkg/paypleclient"
)

// PaypleTransferer is the subset of paypleclient.Client used for payouts.
type PaypleTransferer interface {
	RegisterTransfer(ctx context.Context, t paypleclient.Transfer) (*paypleclient.Registration, error)
	ExecuteTransfer(ctx context.Context, r paypleclient.Registration) (*paypleclient.TransferResult, error)
}

type payplePayoutClient struct {
	client PaypleTransferer
}

// NewPayplePayoutClient adapts the provider client to PayoutClient.
func NewPayplePayoutClient(client PaypleTransferer) PayoutClient {
	return &payplePayoutClient{client: client}
}

// classify marks result-code failures as rejections. Transport errors stay
// ambiguous because the provider may still have acted on the call.
func classify(err error) error {
	var apiErr *paypleclient.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", ErrPayoutRejected, err)
	}
	return err
}

func (p *payplePayoutClient) RegisterTransfer(ctx context.Context, req PayoutRequest) (*PayoutRegistration, error) {
	reg, err := p.client.RegisterTransfer(ctx, paypleclient.Transfer{
		SubID:        strconv.FormatInt(req.SellerID, 10),
		BillingKey:   req.BillingKey,
		Amount:       req.Amount,
		DistinctKey:  req.DistinctKey,
		PrintContent: req.PrintContent,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &PayoutRegistration{GroupKey: reg.GroupKey, BillingTranID: reg.BillingTranID, APITranID: reg.APITranID}, nil
}

func (p *payplePayoutClient) ExecuteTransfer(ctx context.Context, reg PayoutRegistration) (*PayoutResult, error) {
	res, err := p.client.ExecuteTransfer(ctx, paypleclient.Registration{
		GroupKey:      reg.GroupKey,
		BillingTranID: reg.BillingTranID,
		APITranID:     reg.APITranID,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &PayoutResult{
		BillingTranID: res.BillingTranID,
		APITranID:     res.APITranID,
		ResultCode:    res.Result,
		Message:       res.Message,
	}, nil
}
