package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"gemfi/native/lending"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

var errorTable = []struct {
	kind   error
	status int
	code   string
}{
	{lending.ErrNotFound, http.StatusNotFound, "not_found"},
	{lending.ErrInvalidQuantity, http.StatusBadRequest, "invalid_quantity"},
	{lending.ErrInvalidParameter, http.StatusBadRequest, "invalid_parameter"},
	{lending.ErrUnsupportedDenomination, http.StatusBadRequest, "unsupported_denomination"},
	{lending.ErrInsufficientCollateral, http.StatusUnprocessableEntity, "insufficient_collateral"},
	{lending.ErrInsufficientRepayment, http.StatusUnprocessableEntity, "insufficient_repayment"},
	{lending.ErrCollateralUnavailable, http.StatusConflict, "collateral_unavailable"},
	{lending.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{lending.ErrInquiryExpired, http.StatusConflict, "inquiry_expired"},
	{lending.ErrNotLiquidatable, http.StatusConflict, "not_liquidatable"},
	{lending.ErrNotFunded, http.StatusConflict, "not_funded"},
	{lending.ErrLenderNotAuthorized, http.StatusForbidden, "lender_not_authorized"},
}

// statusFor maps an error to its HTTP status, machine code and retry hint.
func statusFor(err error) (int, string, bool) {
	switch {
	case errors.Is(err, lending.ErrPaused):
		return http.StatusServiceUnavailable, "paused", true
	case lending.IsRetryable(err):
		return http.StatusBadGateway, "collaborator_unavailable", true
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", true
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "canceled", true
	}
	for _, entry := range errorTable {
		if errors.Is(err, entry.kind) {
			return entry.status, entry.code, false
		}
	}
	return http.StatusInternalServerError, "internal", false
}

// statusClientClosedRequest is the conventional status for a request the
// client abandoned.
const statusClientClosedRequest = 499

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, retryable := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("lending request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		message = "internal error"
	} else if retryable {
		s.logger.Warn("lending request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message, Retryable: retryable}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", lending.ErrInvalidParameter, fmt.Sprintf(format, args...))
}
