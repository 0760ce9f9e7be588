package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/inaiurai/keyservice/internal/keys"
	"github.com/inaiurai/keyservice/internal/middleware"
	"github.com/inaiurai/keyservice/internal/payments"
)

// PurchaseEngine starts purchases for the command API.
type PurchaseEngine interface {
	CreatePurchaseIntent(ctx context.Context, accountID, displayName string, amount int64) (*payments.PurchaseIntent, error)
}

// CommandHandler serves the five chat commands. Every route sits behind
// middleware.FrontendAuth; the token subject is the account id.
type CommandHandler struct {
	Keys     KeyEngine
	Payments PurchaseEngine
	Logger   *slog.Logger
}

type issuedKey struct {
	Key            string    `json:"key"`
	Kind           string    `json:"kind"`
	ExpiresAt      time.Time `json:"expires_at"`
	RemainingHours int       `json:"remaining_hours"`
}

type claimedResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Data    issuedKey `json:"data"`
}

// FreeKey handles POST /api/commands/free-key.
func (h *CommandHandler) FreeKey(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeFail(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key, err := h.Keys.CreateFreeKey(r.Context(), p.AccountID, p.DisplayName)
	if err != nil {
		var ac *keys.AlreadyClaimedError
		if errors.As(err, &ac) {
			writeJSON(w, http.StatusConflict, claimedResponse{
				Message: "You already claimed today's free key",
				Data: issuedKey{
					Key:            ac.Key.Value,
					Kind:           string(ac.Key.Kind),
					ExpiresAt:      ac.Key.ExpiresAt,
					RemainingHours: ac.RemainingHours,
				},
			})
			return
		}
		h.Logger.Error("create free key", "account_id", p.AccountID, "error", err)
		writeFail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeOK(w, http.StatusCreated, "Free key generated", issuedKey{
		Key:            key.Value,
		Kind:           string(key.Kind),
		ExpiresAt:      key.ExpiresAt,
		RemainingHours: key.RemainingHours(key.CreatedAt),
	})
}

type bindIdentityRequest struct {
	Username string `json:"username" validate:"required,min=3,max=20"`
}

type boundIdentity struct {
	Username string `json:"username"`
	ID       int64  `json:"id"`
}

// BindIdentity handles POST /api/commands/bind-identity.
func (h *CommandHandler) BindIdentity(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeFail(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req bindIdentityRequest
	if err := decodeRequest(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := h.Keys.BindExternalIdentity(r.Context(), p.AccountID, p.DisplayName, req.Username)
	if err != nil {
		status, msg := keyErrorResponse(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("bind identity", "account_id", p.AccountID, "error", err)
		}
		writeFail(w, status, msg)
		return
	}
	writeOK(w, http.StatusOK, "Account linked", boundIdentity{Username: user.Username, ID: user.ID})
}

type bindHardwareRequest struct {
	HWID string `json:"hwid" validate:"required,max=256"`
}

// BindHardware handles POST /api/commands/bind-hwid.
func (h *CommandHandler) BindHardware(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeFail(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req bindHardwareRequest
	if err := decodeRequest(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Keys.BindHardwareID(r.Context(), p.AccountID, p.DisplayName, req.HWID); err != nil {
		status, msg := keyErrorResponse(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("bind hwid", "account_id", p.AccountID, "error", err)
		}
		writeFail(w, status, msg)
		return
	}
	writeOK(w, http.StatusOK, "HWID bound", nil)
}

type statusResponse struct {
	DisplayName      string      `json:"display_name"`
	ExternalUsername *string     `json:"external_username"`
	ExternalID       *int64      `json:"external_id"`
	HardwareBound    bool        `json:"hardware_bound"`
	Keys             []issuedKey `json:"keys"`
}

// Status handles GET /api/commands/status. Owners see their own key values.
func (h *CommandHandler) Status(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeFail(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	st, err := h.Keys.Status(r.Context(), p.AccountID)
	if err != nil {
		if errors.Is(err, keys.ErrNotFound) {
			writeFail(w, http.StatusNotFound, "No data yet. Claim a free key or make a purchase first")
			return
		}
		h.Logger.Error("status", "account_id", p.AccountID, "error", err)
		writeFail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	resp := statusResponse{
		DisplayName:      st.Account.DisplayName,
		ExternalUsername: st.Account.ExternalUsername,
		ExternalID:       st.Account.ExternalID,
		HardwareBound:    st.Account.HardwareBound(),
		Keys:             make([]issuedKey, 0, len(st.ValidKeys)),
	}
	for _, ks := range st.ValidKeys {
		resp.Keys = append(resp.Keys, issuedKey{
			Key:            ks.Key.Value,
			Kind:           string(ks.Key.Kind),
			ExpiresAt:      ks.Key.ExpiresAt,
			RemainingHours: ks.RemainingHours,
		})
	}
	writeOK(w, http.StatusOK, "", resp)
}

type purchaseRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type purchaseResponse struct {
	InvoiceID    string `json:"invoice_id"`
	PaymentURL   string `json:"payment_url"`
	OrderID      string `json:"order_id"`
	Amount       int64  `json:"amount"`
	Package      string `json:"package"`
	ExpiryTime   string `json:"expiry_time,omitempty"`
	TiersVersion string `json:"tiers_version"`
}

// Purchase handles POST /api/commands/purchase.
func (h *CommandHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeFail(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req purchaseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}
	intent, err := h.Payments.CreatePurchaseIntent(r.Context(), p.AccountID, p.DisplayName, req.Amount)
	if err != nil {
		status, msg := paymentErrorResponse(err)
		h.Logger.Error("create purchase", "account_id", p.AccountID, "amount", req.Amount, "error", err)
		writeFail(w, status, msg)
		return
	}
	writeOK(w, http.StatusCreated, "Invoice created", purchaseResponse{
		InvoiceID:    intent.Invoice.InvoiceID,
		PaymentURL:   intent.Invoice.PaymentURL,
		OrderID:      intent.OrderID,
		Amount:       intent.Tier.Amount,
		Package:      intent.Tier.Label,
		ExpiryTime:   intent.Invoice.ExpiryTime,
		TiersVersion: payments.TiersVersion,
	})
}
