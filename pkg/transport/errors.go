package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/storage"
)

// statusByType maps error types to HTTP status codes. Transport-level
// failures (oversized body, wrong content type) are answered by the HTTP
// adapter directly.
var statusByType = map[api.ErrorType]int{
	api.ErrorTypeInvalidRequest:  http.StatusBadRequest,
	api.ErrorTypeNotFound:        http.StatusNotFound,
	api.ErrorTypeTooManyRequests: http.StatusTooManyRequests,
	api.ErrorTypeCancelled:       http.StatusConflict,
	api.ErrorTypeModelError:      http.StatusBadGateway,
	api.ErrorTypeServerError:     http.StatusInternalServerError,
}

// HTTPStatusFromError maps an APIError type to the corresponding HTTP status
// code. Unknown types map to 500.
func HTTPStatusFromError(err *api.APIError) int {
	if status, ok := statusByType[err.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// AsAPIError classifies any error returned by an executor or repository.
// APIErrors pass through, a run stopped by a cancel request becomes a
// cancelled error, storage.ErrNotFound becomes not_found, and anything
// else is a server error.
func AsAPIError(err error) *api.APIError {
	var apiErr *api.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, ErrRunCancelled):
		return api.NewCancelledError(err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return api.NewNotFoundError(err.Error())
	}
	return api.NewServerError(err.Error())
}

// WriteErrorResponse writes a JSON error response using the ErrorResponse
// wrapper format from pkg/api.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// NewErrorResponse builds the JSON error body for err. The step results
// of a run that failed part way are kept.
func NewErrorResponse(err error) api.ErrorResponse {
	resp := api.ErrorResponse{Error: AsAPIError(err)}
	var runErr *api.RunError
	if errors.As(err, &runErr) {
		resp.RunID = runErr.RunID
		resp.StepsResults = runErr.StepsResults
	}
	return resp
}

// WriteError writes the JSON error body for err with the status derived
// from its type.
func WriteError(w http.ResponseWriter, err error) {
	resp := NewErrorResponse(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatusFromError(resp.Error))
	json.NewEncoder(w).Encode(resp)
}

// WriteAPIError writes an APIError response, deriving the HTTP status code
// from the error type.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
