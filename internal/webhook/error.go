package webhook

import "net/http"

// Error is a coded webhook-processing error. Code is the short
// machine-readable identifier returned to the sender, Status the
// HTTP-equivalent classification.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return e.Message
}

// Coded error constructors covering the webhook taxonomy. Everything else
// surfaced from processing collapses to a processing_error at the boundary.

func ErrInvalidJSON() *Error {
	return &Error{Code: "invalid_json", Message: "invalid JSON payload", Status: http.StatusBadRequest}
}

func ErrMissingField(field string) *Error {
	return &Error{Code: "missing_field", Message: "required field missing: " + field, Status: http.StatusBadRequest}
}

func ErrInvalidSignature() *Error {
	return &Error{Code: "invalid_signature", Message: "invalid HMAC signature", Status: http.StatusForbidden}
}

func ErrInvalidOrder() *Error {
	return &Error{Code: "invalid_order", Message: "invalid or missing order reference", Status: http.StatusBadRequest}
}

func ErrOrderNotFound() *Error {
	return &Error{Code: "order_not_found", Message: "order not found", Status: http.StatusNotFound}
}

func ErrProcessing() *Error {
	return &Error{Code: "processing_error", Message: "error processing webhook", Status: http.StatusInternalServerError}
}
