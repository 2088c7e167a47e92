package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"gwi.com/ragchat/internal/auth"
	"gwi.com/ragchat/internal/core"
	"gwi.com/ragchat/internal/ingest"
	"gwi.com/ragchat/internal/search"
	"gwi.com/ragchat/internal/store"
)

// apiError is an error with the HTTP status and machine readable code it
// should be reported with.
type apiError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *apiError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *apiError) Unwrap() error { return e.Err }

func badRequest(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: "invalid_request", Message: msg}
}

// classify maps an error onto the envelope it is reported with. Server side
// failures get a fixed message; the cause only goes to the log.
func classify(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return &apiError{http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds the size limit", err}
	case errors.Is(err, auth.ErrKeysUnavailable):
		return &apiError{http.StatusServiceUnavailable, "identity_unavailable", "the identity provider is unavailable", err}
	case errors.Is(err, auth.ErrTokenExpired):
		return &apiError{http.StatusUnauthorized, "token_expired", "token expired", err}
	case errors.Is(err, auth.ErrInvalidToken):
		return &apiError{http.StatusUnauthorized, "invalid_token", "invalid token", err}
	case errors.Is(err, auth.ErrUnauthorized):
		return &apiError{http.StatusUnauthorized, "unauthorized", "a bearer token is required", err}
	case errors.Is(err, core.ErrUnsupportedFileType):
		return &apiError{http.StatusUnsupportedMediaType, "unsupported_file_type", err.Error(), err}
	case errors.Is(err, ingest.ErrEmptyDocument):
		return &apiError{http.StatusUnprocessableEntity, "empty_document", err.Error(), err}
	case errors.Is(err, core.ErrEmptyQuestion), errors.Is(err, core.ErrMissingSession), errors.Is(err, core.ErrMissingIdentity):
		return &apiError{http.StatusBadRequest, "invalid_request", err.Error(), err}
	case errors.Is(err, store.ErrInvalidRating):
		return &apiError{http.StatusBadRequest, "invalid_rating", "rating must be between 1 and 5", err}
	case errors.Is(err, store.ErrNotFound):
		return &apiError{http.StatusNotFound, "not_found", "not found", err}
	case errors.Is(err, core.ErrUnexpectedResponse), errors.Is(err, search.ErrUnexpectedResponse):
		return &apiError{http.StatusBadGateway, "unexpected_response", "an upstream service returned an unexpected response", err}
	case errors.Is(err, core.ErrProviderEmpty):
		return &apiError{http.StatusBadGateway, "provider_empty", "the model returned no content", err}
	case errors.Is(err, core.ErrProvider):
		return &apiError{http.StatusBadGateway, "provider_error", "an upstream service failed", err}
	case errors.Is(err, core.ErrPersistence):
		return &apiError{http.StatusInternalServerError, "persistence_error", "the answer could not be saved", err}
	case errors.Is(err, context.DeadlineExceeded):
		return &apiError{http.StatusGatewayTimeout, "timeout", "the request timed out", err}
	}
	return &apiError{http.StatusInternalServerError, "internal_error", "internal server error", err}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes the error envelope. extra fields are merged at the top
// level, next to "error".
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	ae := classify(err)
	if ae.Status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "code", ae.Code, "error", err)
	} else {
		h.log.Info("request rejected", "path", r.URL.Path, "code", ae.Code, "error", err)
	}

	body := map[string]any{"error": errorBody{Code: ae.Code, Message: ae.Message}}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, ae.Status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
