package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/groble/settlement-service/internal/app"
	"github.com/groble/settlement-service/internal/domain"
)

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formNotification(form url.Values) domain.TransferResultNotification {
	return domain.TransferResultNotification{
		Result:        form.Get("result"),
		Message:       form.Get("message"),
		TranAmt:       firstNonEmpty(form.Get("tranAmt"), form.Get("tran_amt")),
		APITranID:     firstNonEmpty(form.Get("apiTranId"), form.Get("api_tran_id")),
		BillingTranID: firstNonEmpty(form.Get("billingTranId"), form.Get("billing_tran_id")),
	}
}

// parseTransferResult reads a JSON or form encoded callback body.
func parseTransferResult(r *http.Request) (domain.TransferResultNotification, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return domain.TransferResultNotification{}, false
		}
		return formNotification(r.PostForm), true
	default:
		decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		decoder.UseNumber()
		var fields map[string]interface{}
		if err := decoder.Decode(&fields); err != nil {
			return domain.TransferResultNotification{}, false
		}
		return jsonNotification(fields), true
	}
}

// jsonNotification accepts both the camelCase and snake_case field names the
// provider has used. Amounts may arrive as numbers or as strings like "9,648".
func jsonNotification(m map[string]interface{}) domain.TransferResultNotification {
	field := func(keys ...string) string {
		for _, k := range keys {
			switch v := m[k].(type) {
			case string:
				if v != "" {
					return v
				}
			case json.Number:
				return v.String()
			}
		}
		return ""
	}
	return domain.TransferResultNotification{
		Result:        field("result"),
		Message:       field("message"),
		TranAmt:       field("tranAmt", "tran_amt"),
		APITranID:     field("apiTranId", "api_tran_id"),
		BillingTranID: field("billingTranId", "billing_tran_id"),
	}
}

// handleTransferResult answers every callback with HTTP 200; the outcome is in the body.
func (h *Handler) handleTransferResult(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	body := domain.WebhookResponseInvalidParameters
	if n, ok := parseTransferResult(r); ok {
		body = h.logWebhook(r, n, h.service.HandleTransferResult(r.Context(), n), started)
	} else {
		h.logger.Warn("transfer webhook body could not be parsed", "content_type", r.Header.Get("Content-Type"))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// logWebhook records one callback with identifiers masked.
func (h *Handler) logWebhook(r *http.Request, n domain.TransferResultNotification, body string, started time.Time) string {
	h.logger.Info("transfer webhook handled",
		"result", n.Result,
		"billing_tran_id", app.MaskIdentifier(n.BillingTranID),
		"api_tran_id", app.MaskIdentifier(n.APITranID),
		"response", body,
		"remote_addr", r.RemoteAddr,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return body
}
