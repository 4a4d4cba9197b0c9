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

type AuthHandler struct {
	authService  *service.AuthService
	grantService *service.DeviceGrantService
	validator    *validator.Validate
}

func NewAuthHandler(authService *service.AuthService, grantService *service.DeviceGrantService) *AuthHandler {
	return &AuthHandler{
		authService:  authService,
		grantService: grantService,
		validator:    validator.New(),
	}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if err := h.authService.Register(&req); err != nil {
		writeServiceError(w, err)
		return
	}

	response.Created(w, map[string]string{
		"message": "User registered successfully. Please login.",
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	loginResp, err := h.authService.Login(&req, clientAddr(r), r.UserAgent())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, loginResp)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req domain.RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	tokenResp, err := h.authService.Refresh(&req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, tokenResp)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r)
	if sessionID == "" {
		response.Unauthorized(w, "No active session")
		return
	}

	if err := h.authService.Logout(sessionID); err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, map[string]string{"message": "Logged out successfully"})
}

// CreateDeviceGrant mints a one-time code an authenticated user can enter in
// a non-browser client.
func (h *AuthHandler) CreateDeviceGrant(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	grant, err := h.grantService.CreateGrant(userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Created(w, grant)
}

// ExchangeDeviceToken is the unauthenticated grant-exchange endpoint: grant
// code + public key in, tokens + device id + wrapped key material out.
func (h *AuthHandler) ExchangeDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req domain.DeviceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	tokenResp, err := h.grantService.Exchange(&req, clientAddr(r), r.UserAgent())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.Success(w, tokenResp)
}
