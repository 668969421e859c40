package handlers

import (
	"io"
	"net/http"

	"github.com/md-rashed-zaman/creatorhq/libs/httpx"
)

const webhookBodyLimit = 1 << 20

type paymentIntentRequest struct {
	BookingID string `json:"booking_id"`
}

func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	if h.deps.Intents == nil {
		unavailable(w, "payments")
		return
	}
	var req paymentIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	intent, err := h.deps.Intents.Create(r.Context(), req.BookingID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, intent)
}

// StripeWebhook is unauthenticated; the Stripe-Signature header is the auth.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.deps.Webhook == nil || !h.deps.Webhook.Configured() {
		unavailable(w, "stripe webhook")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	result, err := h.deps.Webhook.Handle(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": result})
}
