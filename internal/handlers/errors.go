package handlers

import (
	"errors"
	"net/http"

	"github.com/inaiurai/keyservice/internal/identity"
	"github.com/inaiurai/keyservice/internal/keys"
	"github.com/inaiurai/keyservice/internal/pakasir"
	"github.com/inaiurai/keyservice/internal/payments"
)

// keyErrorResponse maps engine errors to a status and a user-facing message.
// Storage and unknown failures get a generic message.
func keyErrorResponse(err error) (int, string) {
	var ve *keys.VerificationError
	switch {
	case errors.Is(err, keys.ErrNotFound):
		return http.StatusNotFound, "Key not found"
	case errors.Is(err, keys.ErrExpired):
		return http.StatusBadRequest, "Key has expired"
	case errors.Is(err, keys.ErrRevoked):
		return http.StatusBadRequest, "Key has been revoked or expired"
	case errors.Is(err, keys.ErrHardwareMismatch):
		return http.StatusForbidden, "HWID mismatch"
	case errors.Is(err, keys.ErrHardwareIDTaken):
		return http.StatusForbidden, "HWID is already bound to another account"
	case errors.As(err, &ve):
		if errors.Is(err, identity.ErrUnavailable) {
			return http.StatusBadGateway, "Verification failed: " + ve.Reason
		}
		return http.StatusUnprocessableEntity, "Verification failed: " + ve.Reason
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// paymentErrorResponse maps purchase and provider errors.
func paymentErrorResponse(err error) (int, string) {
	var pe *pakasir.ProviderError
	switch {
	case errors.Is(err, payments.ErrUnknownTier):
		return http.StatusBadRequest, "Unknown price tier"
	case errors.As(err, &pe) && pe.Timeout:
		return http.StatusGatewayTimeout, "Payment provider timed out"
	case errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound:
		return http.StatusNotFound, "Invoice not found"
	case errors.As(err, &pe):
		msg := "Payment provider error"
		if pe.Message != "" {
			msg += ": " + pe.Message
		}
		return http.StatusBadGateway, msg
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
