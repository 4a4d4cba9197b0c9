package handler

import (
	"net/http"

	"vaultsync-server/internal/middleware"
	"vaultsync-server/internal/service"
	"vaultsync-server/pkg/response"
)

type UserHandler struct {
	service *service.UserService
}

func NewUserHandler(service *service.UserService) *UserHandler {
	return &UserHandler{service: service}
}

func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	user, err := h.service.Get(userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, user)
}

func (h *UserHandler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	if err := h.service.DeleteAccount(userID); err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, map[string]string{"message": "Account deleted"})
}
