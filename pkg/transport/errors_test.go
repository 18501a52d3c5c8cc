package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/storage"
)

func TestHTTPStatusFromError(t *testing.T) {
	tests := []struct {
		name       string
		errType    api.ErrorType
		wantStatus int
	}{
		{"invalid_request -> 400", api.ErrorTypeInvalidRequest, http.StatusBadRequest},
		{"not_found -> 404", api.ErrorTypeNotFound, http.StatusNotFound},
		{"too_many_requests -> 429", api.ErrorTypeTooManyRequests, http.StatusTooManyRequests},
		{"server_error -> 500", api.ErrorTypeServerError, http.StatusInternalServerError},
		{"cancelled -> 409", api.ErrorTypeCancelled, http.StatusConflict},
		{"model_error -> 502", api.ErrorTypeModelError, http.StatusBadGateway},
		{"unknown type -> 500", api.ErrorType("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &api.APIError{Type: tt.errType, Message: "test"}
			got := HTTPStatusFromError(err)
			if got != tt.wantStatus {
				t.Errorf("HTTPStatusFromError(%q) = %d, want %d", tt.errType, got, tt.wantStatus)
			}
		})
	}
}

func TestWriteErrorResponse(t *testing.T) {
	apiErr := api.NewInvalidRequestError("source_text", "is required")
	rec := httptest.NewRecorder()

	WriteErrorResponse(rec, apiErr, http.StatusBadRequest)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var resp api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Error.Type != api.ErrorTypeInvalidRequest {
		t.Errorf("error type = %q, want %q", resp.Error.Type, api.ErrorTypeInvalidRequest)
	}
	if resp.Error.Param != "source_text" {
		t.Errorf("error param = %q, want %q", resp.Error.Param, "source_text")
	}
	if resp.Error.Message != "is required" {
		t.Errorf("error message = %q, want %q", resp.Error.Message, "is required")
	}
}

func TestAsAPIError(t *testing.T) {
	validation := api.NewValidationError(api.CodeUnknownTemplate, "template_associations[0].template_id", "template 9 does not exist")

	tests := []struct {
		name       string
		err        error
		wantType   api.ErrorType
		wantStatus int
	}{
		{"api error passes through", validation, api.ErrorTypeInvalidRequest, http.StatusBadRequest},
		{"wrapped api error", fmt.Errorf("binding: %w", validation), api.ErrorTypeInvalidRequest, http.StatusBadRequest},
		{"cancel request", fmt.Errorf("step 2: %w", ErrRunCancelled), api.ErrorTypeCancelled, http.StatusConflict},
		{"missing chain", fmt.Errorf("chain 4: %w", storage.ErrNotFound), api.ErrorTypeNotFound, http.StatusNotFound},
		{"anything else", errors.New("pool exhausted"), api.ErrorTypeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AsAPIError(tt.err)
			if got.Type != tt.wantType {
				t.Errorf("type = %q, want %q", got.Type, tt.wantType)
			}

			rec := httptest.NewRecorder()
			WriteAPIError(rec, got)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	if AsAPIError(validation) != validation {
		t.Error("APIErrors should be returned as-is")
	}
}

func TestWriteErrorKeepsPartialResults(t *testing.T) {
	failed := "rejected input"
	partial := &api.RuleChainExecuteResponse{
		RunID: "run_1",
		StepsResults: []api.StepExecutionResult{
			{StepOrder: 1, TaskType: "summarize_text", Status: api.StepStatusSuccess},
			{StepOrder: 2, TaskType: "rewrite_text", Status: api.StepStatusFailure, Error: &failed},
		},
	}
	runErr := api.NewRunError(&api.APIError{Type: api.ErrorTypeModelError, Code: api.CodeStepFailed, Param: "step[2]", Message: "step 2 failed"}, partial)

	rec := httptest.NewRecorder()
	WriteError(rec, runErr)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var resp api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error.Code != api.CodeStepFailed {
		t.Errorf("error code = %q, want %q", resp.Error.Code, api.CodeStepFailed)
	}
	if resp.RunID != "run_1" {
		t.Errorf("run_id = %q, want run_1", resp.RunID)
	}
	if len(resp.StepsResults) != 2 {
		t.Fatalf("got %d step results, want 2", len(resp.StepsResults))
	}
	if last := resp.StepsResults[1]; last.Status != api.StepStatusFailure || last.Error == nil || *last.Error != failed {
		t.Errorf("failed step = %+v, want failure %q", last, failed)
	}
}

func TestWriteErrorWithoutRunOmitsResults(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, api.NewValidationError(api.CodeEmptyChain, "rule_chain_definition", "chain has no steps"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if _, ok := body["steps_results"]; ok {
		t.Error("steps_results must be omitted for errors raised before a run")
	}
}
