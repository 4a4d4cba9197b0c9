package handler

import (
	"encoding/json"
	"net/http"

	"vaultsync-server/internal/domain"
	"vaultsync-server/internal/middleware"
	"vaultsync-server/internal/service"
	"vaultsync-server/pkg/response"

	"github.com/go-playground/validator/v10"
)

type KeysHandler struct {
	wrapping  *service.WrappingService
	validator *validator.Validate
}

func NewKeysHandler(wrapping *service.WrappingService) *KeysHandler {
	return &KeysHandler{
		wrapping:  wrapping,
		validator: validator.New(),
	}
}

// Wrap delivers the caller's key material, wrapped under the supplied
// device public key, once per session.
func (h *KeysHandler) Wrap(w http.ResponseWriter, r *http.Request) {
	var req domain.WrapKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	sessionID := middleware.GetSessionID(r)

	wrapped, err := h.wrapping.WrapForSession(sessionID, req.PublicKeyPEM)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, &domain.WrapKeyResponse{WrappedUserKey: wrapped})
}
