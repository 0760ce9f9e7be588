package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ServiceKeyHeader carries the front end's shared service key.
const ServiceKeyHeader = "X-Service-Key"

type TokenRequest struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// IssueToken handles POST /api/auth/token. The chat front end calls it once
// per user interaction and uses the token for the command routes.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		http.Error(w, "missing account_id", http.StatusBadRequest)
		return
	}
	token, err := h.svc.IssueToken(r.Context(), r.Header.Get(ServiceKeyHeader), req.AccountID, req.DisplayName)
	if err != nil {
		if errors.Is(err, ErrInvalidServiceKey) {
			http.Error(w, "invalid service key", http.StatusUnauthorized)
			return
		}
		h.log.Error("issue token failed", "account_id", req.AccountID, "error", err)
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(TokenResponse{Token: token})
}
