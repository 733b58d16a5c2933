package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vultisig/multisigner/internal/types"
	"github.com/vultisig/multisigner/ledger"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindReconciliation:
		return http.StatusInternalServerError
	case types.KindLedger:
		if ledger.IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func codeFor(err error) string {
	if code := types.CodeOf(err); code != "" {
		return code
	}
	var se *ledger.SubmissionError
	if errors.As(err, &se) {
		return "ledger_" + string(se.Outcome)
	}
	return ""
}

func (s *Server) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithField("path", c.Path()).Errorf("request failed: %v", err)
	}
	s.incCounter("http.error", []string{"code:" + codeFor(err)})
	return c.JSON(status, ErrorResponse{Error: err.Error(), Code: codeFor(err)})
}
