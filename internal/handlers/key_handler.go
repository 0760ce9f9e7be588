package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/inaiurai/keyservice/internal/identity"
	"github.com/inaiurai/keyservice/internal/keys"
	"github.com/inaiurai/keyservice/internal/middleware"
	"github.com/inaiurai/keyservice/internal/models"
	"github.com/inaiurai/keyservice/internal/services"
)

// KeyEngine is the key lifecycle surface used by the HTTP layer.
type KeyEngine interface {
	CreateFreeKey(ctx context.Context, accountID, displayName string) (*models.Key, error)
	ValidateKey(ctx context.Context, value, hwid string) (*keys.Validation, error)
	BindHardwareID(ctx context.Context, accountID, displayName, hwid string) error
	BindExternalIdentity(ctx context.Context, accountID, displayName, username string) (*identity.User, error)
	Status(ctx context.Context, accountID string) (*keys.AccountStatus, error)
}

// SchemaValidator checks raw JSON against a named schema.
type SchemaValidator interface {
	Validate(name string, raw []byte) error
}

// KeyHandler serves the client-facing validation endpoint and the account
// info read.
type KeyHandler struct {
	Keys      KeyEngine
	Validator SchemaValidator
	Logger    *slog.Logger
}

// --- POST /api/validate-key ---

type validateKeyRequest struct {
	Key  string `json:"key"`
	HWID string `json:"hwid,omitempty"`
}

type validateKeyResponse struct {
	Valid            bool      `json:"valid"`
	Kind             string    `json:"kind"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExternalUsername *string   `json:"external_username"`
	ExternalID       *int64    `json:"external_id"`
	HardwareBound    bool      `json:"hardware_bound"`
}

// ValidateKey handles POST /api/validate-key.
func (h *KeyHandler) ValidateKey(w http.ResponseWriter, r *http.Request) {
	raw := middleware.RawBodyFromCtx(r.Context())
	if raw == nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, 16<<10))
		if err != nil {
			writeFail(w, http.StatusBadRequest, "could not read request body")
			return
		}
		raw = b
	}
	if err := h.Validator.Validate(services.SchemaValidateKey, raw); err != nil {
		if errors.Is(err, services.ErrValidation) {
			writeFail(w, http.StatusBadRequest, "Invalid request: key is required")
			return
		}
		h.Logger.Error("validate request schema", "error", err)
		writeFail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	var req validateKeyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	v, err := h.Keys.ValidateKey(r.Context(), req.Key, req.HWID)
	if err != nil {
		status, msg := keyErrorResponse(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("validate key", "error", err)
		}
		writeFail(w, status, msg)
		return
	}
	writeOK(w, http.StatusOK, "Key is valid", validateKeyResponse{
		Valid:            true,
		Kind:             string(v.Key.Kind),
		ExpiresAt:        v.Key.ExpiresAt,
		ExternalUsername: v.Account.ExternalUsername,
		ExternalID:       v.Account.ExternalID,
		HardwareBound:    v.Account.HardwareBound(),
	})
}

// --- GET /api/user/{accountId} ---

type publicKey struct {
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
}

type accountInfoResponse struct {
	DisplayName      string      `json:"display_name"`
	ExternalUsername *string     `json:"external_username"`
	ExternalID       *int64      `json:"external_id"`
	HardwareBound    bool        `json:"hardware_bound"`
	ActiveKeys       int         `json:"active_keys"`
	Keys             []publicKey `json:"keys"`
}

// GetAccount handles GET /api/user/{accountId}. Key values are never listed.
func (h *KeyHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if accountID == "" {
		writeFail(w, http.StatusBadRequest, "missing account id")
		return
	}
	st, err := h.Keys.Status(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, keys.ErrNotFound) {
			writeFail(w, http.StatusNotFound, "User not found")
			return
		}
		h.Logger.Error("account info", "account_id", accountID, "error", err)
		writeFail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	resp := accountInfoResponse{
		DisplayName:      st.Account.DisplayName,
		ExternalUsername: st.Account.ExternalUsername,
		ExternalID:       st.Account.ExternalID,
		HardwareBound:    st.Account.HardwareBound(),
		ActiveKeys:       len(st.ValidKeys),
		Keys:             make([]publicKey, 0, len(st.ValidKeys)),
	}
	for _, ks := range st.ValidKeys {
		resp.Keys = append(resp.Keys, publicKey{Kind: string(ks.Key.Kind), ExpiresAt: ks.Key.ExpiresAt})
	}
	writeOK(w, http.StatusOK, "", resp)
}
