package domain

// Response bodies of the transfer-result webhook. The HTTP status is always 200.
const (
	WebhookResponseSuccess           = "SUCCESS"
	WebhookResponseError             = "ERROR"
	WebhookResponseInvalidParameters = "INVALID_PARAMETERS"
	WebhookResponseVerified          = "WEBHOOK_VERIFIED"
)

// WebhookVerifyResult is sent by the provider when registering the callback URL.
const WebhookVerifyResult = "WEBHOOK_VERIFY"

var transferSuccessCodes = map[string]bool{
	"A0000":   true,
	"0000":    true,
	"SUCCESS": true,
}

// IsTransferSuccess reports whether a provider result code means the money moved.
func IsTransferSuccess(code string) bool {
	return transferSuccessCodes[code]
}

// TransferResultNotification is the normalized webhook payload.
type TransferResultNotification struct {
	Result        string `json:"result"`
	Message       string `json:"message,omitempty"`
	TranAmt       string `json:"tranAmt"`
	APITranID     string `json:"apiTranId"`
	BillingTranID string `json:"billingTranId"`
}
