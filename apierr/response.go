package apierr

import (
	"encoding/json"
	"net/http"
)

// Detail is the body of an error response's "error" object.
type Detail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Envelope is the fixed shape of every gateway error response.
type Envelope struct {
	Error     Detail `json:"error"`
	RequestID string `json:"request_id"`
}

// Error is an error carrying a taxonomy code, an HTTP status, and the
// request id it should be reported under. Handlers construct one and pass
// it to WriteJSON; it also satisfies the error interface so it can be
// returned from internal helper functions.
type Error struct {
	Status  int
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// New builds an Error with an explicit status and code.
func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// FromMessage builds an Error deriving its code from the message text via
// CodeFromMessage, for call sites that only have a plain error to classify
// (mirroring the original source's _error_response(HTTPException)).
func FromMessage(status int, message string) *Error {
	return &Error{Status: status, Code: CodeFromMessage(message), Message: message}
}

// WriteJSON renders err as the fixed {error:{code,message}, request_id}
// envelope with the error's own status code.
func WriteJSON(w http.ResponseWriter, requestID string, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Error:     Detail{Code: err.Code, Message: err.Message},
		RequestID: requestID,
	})
}

// WriteStatus is a convenience wrapper for call sites that only have a
// status and a plain message (code derived from the message text).
func WriteStatus(w http.ResponseWriter, requestID string, status int, message string) {
	WriteJSON(w, requestID, FromMessage(status, message))
}
