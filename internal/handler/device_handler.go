package handler

import (
	"net/http"

	"vaultsync-server/internal/middleware"
	"vaultsync-server/internal/service"
	"vaultsync-server/pkg/response"

	"github.com/gorilla/mux"
)

type DeviceHandler struct {
	service *service.DeviceService
}

func NewDeviceHandler(service *service.DeviceService) *DeviceHandler {
	return &DeviceHandler{service: service}
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	devices, err := h.service.List(userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, devices)
}

func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if deviceID == "" {
		response.BadRequest(w, "Device ID is required")
		return
	}

	userID := middleware.GetUserID(r)

	if err := h.service.Delete(userID, deviceID); err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, map[string]string{"message": "Device removed"})
}

// RevokeOthers is the kill switch: removes every device and session of the
// user except the device the current session is bound to.
func (h *DeviceHandler) RevokeOthers(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	deviceID := middleware.GetDeviceID(r)
	if deviceID == "" {
		response.BadRequest(w, "Current session is not bound to a device")
		return
	}

	result, err := h.service.DeleteAllExcept(userID, deviceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, result)
}
