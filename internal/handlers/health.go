package handlers

import (
	"net/http"
	"time"
)

// Health handles GET /.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"message":   "Key service is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// PaymentReturn handles GET /payment/success, where the provider sends the
// buyer after checkout. The key itself is granted by the webhook.
func PaymentReturn(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"message":  "Payment received. Your premium key will be delivered once the payment is confirmed.",
		"order_id": r.URL.Query().Get("order_id"),
	})
}
