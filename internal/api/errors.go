package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/gray-logic-nikobus/internal/bridges/nikobus"
)

// Error is the body of every non-2xx response that is not a command
// acknowledgment.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes for API-level failures. Command failures use the
// acknowledgment codes of package nikobus instead.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeInternal       = "internal_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// ackStatusCodes maps failed acknowledgment codes to HTTP status.
// Unlisted codes (BRIDGE_ERROR) are 500.
var ackStatusCodes = map[string]int{
	nikobus.ErrCodeNotConfigured:     http.StatusNotFound,
	nikobus.ErrCodeInvalidCommand:    http.StatusBadRequest,
	nikobus.ErrCodeInvalidParameters: http.StatusBadRequest,
	nikobus.ErrCodeDeviceUnreachable: http.StatusServiceUnavailable,
}

// ackHTTPStatus returns the response status for a command acknowledgment.
func ackHTTPStatus(ack nikobus.AckMessage) int {
	if ack.Status == nikobus.AckAccepted || ack.Error == nil {
		return http.StatusOK
	}
	if code, ok := ackStatusCodes[ack.Error.Code]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // client may have gone away
	json.NewEncoder(w).Encode(v)
}

// writeError writes an Error body. The request ID is taken from the
// response header set by requestIDMiddleware.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:    status,
		Code:      code,
		Message:   message,
		RequestID: w.Header().Get(requestIDHeader),
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
