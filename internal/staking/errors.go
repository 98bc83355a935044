package staking

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/oracle-engine/internal/escrow"
	"github.com/atmx/oracle-engine/internal/market"
	"github.com/atmx/oracle-engine/internal/store"
)

// statusFor maps engine, store and ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidOutcome),
		errors.Is(err, market.ErrInvalidMarketID),
		errors.Is(err, market.ErrInvalidQuestion),
		errors.Is(err, market.ErrInvalidEndTime),
		errors.Is(err, market.ErrOverflow),
		errors.Is(err, escrow.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrMarketNotActive),
		errors.Is(err, market.ErrMarketExpired),
		errors.Is(err, market.ErrMarketAlreadyResolved),
		errors.Is(err, market.ErrMarketNotResolved),
		errors.Is(err, market.ErrAlreadyClaimed),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

// writeErr writes err with its mapped status. Internal errors are logged and
// not echoed to the client.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, market.Code(err), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
