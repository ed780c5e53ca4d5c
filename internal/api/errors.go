package api

import (
	"errors"
	"net/http"

	"github.com/arm-control/acc/internal/channel"
	"github.com/arm-control/acc/internal/jog"
	"github.com/arm-control/acc/internal/urscript"
)

// writeDomainError maps boundary errors to their HTTP status and sentinel
// code. Unknown errors become INTERNAL without leaking internals.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, urscript.ErrInvalidIntent):
		WriteError(w, http.StatusBadRequest, "INVALID_INTENT", err.Error(), nil)
	case errors.Is(err, jog.ErrFaulted):
		WriteError(w, http.StatusConflict, "FAULTED", err.Error(), nil)
	case errors.Is(err, jog.ErrNotReady):
		WriteError(w, http.StatusConflict, "NOT_READY", err.Error(), nil)
	case errors.Is(err, channel.ErrNotConnected):
		WriteError(w, http.StatusServiceUnavailable, "NOT_CONNECTED", err.Error(), nil)
	case errors.Is(err, channel.ErrSendFailed):
		WriteError(w, http.StatusServiceUnavailable, "SEND_FAILED", err.Error(), nil)
	case errors.Is(err, channel.ErrConnectFailed):
		WriteError(w, http.StatusServiceUnavailable, "CONNECT_FAILED", err.Error(), nil)
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
	}
}
