package gateway

import (
	"encoding/json"
	"net/http"

	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/gwerrors"
)

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := gwerrors.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Error(r.Context(), err)
	}
	respondJSON(w, status, errorBody{
		Kind:      string(kind),
		Message:   err.Error(),
		Retryable: gwerrors.Retryable(err),
	})
}

func statusFor(kind gwerrors.Kind) int {
	switch kind {
	case gwerrors.KindNotFound:
		return http.StatusNotFound
	case gwerrors.KindValidation:
		return http.StatusBadRequest
	case gwerrors.KindInvalidState, gwerrors.KindConcurrencyConflict:
		return http.StatusConflict
	case gwerrors.KindUnauthorized:
		return http.StatusUnauthorized
	case gwerrors.KindForbidden:
		return http.StatusForbidden
	case gwerrors.KindRateLimited:
		return http.StatusTooManyRequests
	case gwerrors.KindTimeout:
		return http.StatusGatewayTimeout
	case gwerrors.KindUpstream, gwerrors.KindTokenExchange:
		return http.StatusBadGateway
	case gwerrors.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return gwerrors.Wrap(gwerrors.KindValidation, "invalid request body", err)
	}
	return nil
}
