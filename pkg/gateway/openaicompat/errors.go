package openaicompat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rhuss/rulechain/pkg/gateway"
)

// MapHTTPError converts an HTTP response with a non-2xx status code into a
// classified gateway error. It attempts to parse the response body as a
// ChatErrorResponse to extract a descriptive message.
//
// Rate limits, timeouts, and server errors are transient. A 400 whose
// error code or type names a content policy is a safety rejection. Every
// other status is permanent.
func MapHTTPError(resp *http.Response) *gateway.Error {
	errResp := ExtractError(resp.Body)
	message := errResp.Error.Message

	e := &gateway.Error{StatusCode: resp.StatusCode, Message: message}
	switch {
	case resp.StatusCode == http.StatusBadRequest && isContentPolicy(errResp):
		e.Kind = gateway.KindSafety
		if e.Message == "" {
			e.Message = "request rejected by content policy"
		}

	case resp.StatusCode == http.StatusBadRequest:
		e.Kind = gateway.KindPermanent
		if e.Message == "" {
			e.Message = "invalid request to backend"
		}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = gateway.KindPermanent
		if e.Message == "" {
			e.Message = "backend authentication failed"
		}

	case resp.StatusCode == http.StatusNotFound:
		e.Kind = gateway.KindPermanent
		if e.Message == "" {
			e.Message = "backend resource not found"
		}

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		e.Kind = gateway.KindTransient
		if e.Message == "" {
			e.Message = "backend rate limit exceeded"
		}

	case resp.StatusCode >= http.StatusInternalServerError:
		e.Kind = gateway.KindTransient
		if e.Message == "" {
			e.Message = fmt.Sprintf("backend server error (HTTP %d)", resp.StatusCode)
		}

	default:
		e.Kind = gateway.KindPermanent
		if e.Message == "" {
			e.Message = fmt.Sprintf("unexpected backend error (HTTP %d)", resp.StatusCode)
		}
	}
	return e
}

func isContentPolicy(errResp ChatErrorResponse) bool {
	code, _ := errResp.Error.Code.(string)
	for _, s := range []string{code, errResp.Error.Type} {
		if strings.Contains(s, "content_policy") || strings.Contains(s, "content_filter") {
			return true
		}
	}
	return false
}

// MapNetworkError converts a network-level error (connection refused, timeout,
// DNS resolution failure) into a transient gateway error.
func MapNetworkError(err error) *gateway.Error {
	return gateway.NewTransientError("backend connection error", err)
}

// ExtractError tries to parse the response body as a ChatErrorResponse.
func ExtractError(body io.Reader) ChatErrorResponse {
	var errResp ChatErrorResponse
	if body == nil {
		return errResp
	}

	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return errResp
	}

	_ = json.Unmarshal(data, &errResp)
	return errResp
}
