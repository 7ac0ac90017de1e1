package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/musabulbul/kurumtakip/dispatch"
	"github.com/musabulbul/kurumtakip/session"
	"github.com/musabulbul/kurumtakip/tenant"
)

// Stable error codes returned in ErrorResponse.Error.
const (
	CodeTenantIDRequired   = "kurum_id_required"
	CodeTenantNotFound     = "kurum_not_found"
	CodeSessionIDMissing   = "session_id_missing"
	CodeSessionIDInvalid   = "session_id_invalid"
	CodeSessionNotFound    = "session_not_found"
	CodeConnectionTimeout  = "whatsapp_connection_timeout"
	CodeNotConnected       = "whatsapp_not_connected"
	CodeAlreadyRegistered  = "session_already_registered"
	CodePhoneRequired      = "phone_required"
	CodePhoneInvalid       = "phone_invalid"
	CodeRecipientRequired  = "recipient_and_message_required"
	CodeRecipientInvalid   = "recipient_invalid"
	CodeInvalidJSON        = "invalid_json"
	CodeRequestCancelled   = "request_cancelled"
	CodePairingCodeFailed  = "pairing_code_failed"
	CodeSendMessageFailed  = "send_message_failed"
	CodeTooManyRequests    = "too_many_requests"
	CodeServiceUnavailable = "service_unavailable"
	CodeInternal           = "internal_error"
)

// statusClientClosedRequest is reported when the caller went away mid-request.
const statusClientClosedRequest = 499

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, ErrorResponse{Error: code})
}

// classifyError maps err to a status and stable code. fallback is the code
// used for unclassified failures.
func classifyError(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, tenant.ErrTenantIDMissing):
		return http.StatusBadRequest, CodeTenantIDRequired
	case errors.Is(err, tenant.ErrTenantNotFound):
		return http.StatusNotFound, CodeTenantNotFound
	case errors.Is(err, tenant.ErrSessionIDMissing):
		return http.StatusUnprocessableEntity, CodeSessionIDMissing
	case errors.Is(err, session.ErrInvalidSessionID):
		return http.StatusUnprocessableEntity, CodeSessionIDInvalid
	case errors.Is(err, session.ErrConnectionTimeout):
		return http.StatusGatewayTimeout, CodeConnectionTimeout
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusServiceUnavailable, CodeNotConnected
	case errors.Is(err, session.ErrRegistryClosed):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	case errors.Is(err, dispatch.ErrAlreadyRegistered):
		return http.StatusConflict, CodeAlreadyRegistered
	case errors.Is(err, dispatch.ErrInvalidRecipient):
		return http.StatusBadRequest, CodeRecipientInvalid
	case errors.Is(err, dispatch.ErrInvalidPhone):
		return http.StatusBadRequest, CodePhoneInvalid
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, CodeRequestCancelled
	default:
		return http.StatusInternalServerError, fallback
	}
}
