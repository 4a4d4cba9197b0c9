package handler

import (
	"errors"
	"net"
	"net/http"

	"vaultsync-server/internal/service"
	"vaultsync-server/pkg/response"
)

// writeServiceError maps service error variants to HTTP statuses. Mapping is
// by variant, never by message inspection.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, service.ErrAlreadyDelivered):
		response.Conflict(w, err.Error())
	case errors.Is(err, service.ErrForbidden):
		response.Forbidden(w, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidToken),
		errors.Is(err, service.ErrSessionExpired),
		errors.Is(err, service.ErrGrantInvalid):
		response.Unauthorized(w, err.Error())
	case errors.Is(err, service.ErrInvalidPublicKey):
		response.BadRequest(w, err.Error())
	case errors.Is(err, service.ErrEmailTaken),
		errors.Is(err, service.ErrUsernameTaken):
		response.Conflict(w, err.Error())
	default:
		response.InternalError(w, "Internal server error")
	}
}

// clientAddr strips the port for device activity metadata.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
