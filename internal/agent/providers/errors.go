package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorReason categorizes why an engine request failed.
type ErrorReason string

const (
	// ReasonRateLimit indicates rate limiting (HTTP 429)
	ReasonRateLimit ErrorReason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403)
	ReasonAuth ErrorReason = "auth"

	// ReasonBilling indicates payment/quota issues (HTTP 402, insufficient_quota)
	ReasonBilling ErrorReason = "billing"

	// ReasonTimeout indicates request timeout
	ReasonTimeout ErrorReason = "timeout"

	// ReasonServerError indicates server-side issues (HTTP 5xx)
	ReasonServerError ErrorReason = "server_error"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400)
	ReasonInvalidRequest ErrorReason = "invalid_request"

	// ReasonNotFound indicates a missing thread, run, file or assistant
	ReasonNotFound ErrorReason = "not_found"

	// ReasonConflict indicates the run is not in a state that allows the
	// operation, e.g. cancelling a run that just completed
	ReasonConflict ErrorReason = "conflict"

	// ReasonUnknown indicates an unclassified error
	ReasonUnknown ErrorReason = "unknown"
)

// Retryable reports whether a retry may succeed.
func (r ErrorReason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// EngineError is a classified failure of one engine operation.
type EngineError struct {
	Reason    ErrorReason
	Provider  string
	Operation string
	Status    int
	Code      string
	Message   string
	Cause     error
}

func (e *EngineError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Operation != "" {
		parts = append(parts, e.Operation)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// wrapOpenAIError classifies err from the OpenAI client or the raw HTTP paths.
func wrapOpenAIError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *EngineError
	if errors.As(err, &existing) {
		return err
	}
	out := &EngineError{Provider: "openai", Operation: op, Cause: err, Reason: ReasonUnknown}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		out.Status = apiErr.HTTPStatusCode
		out.Message = apiErr.Message
		if code, ok := apiErr.Code.(string); ok {
			out.Code = code
		}
		out.Reason = classifyStatusCode(apiErr.HTTPStatusCode)
		if reason := classifyErrorCode(out.Code); reason != ReasonUnknown {
			out.Reason = reason
		} else if reason := classifyErrorCode(apiErr.Type); reason != ReasonUnknown && out.Reason == ReasonUnknown {
			out.Reason = reason
		}
	case errors.As(err, &reqErr):
		out.Status = reqErr.HTTPStatusCode
		out.Reason = classifyStatusCode(reqErr.HTTPStatusCode)
		if out.Reason == ReasonUnknown {
			out.Reason = ClassifyError(err)
		}
	case errors.Is(err, context.DeadlineExceeded):
		out.Reason = ReasonTimeout
	case errors.Is(err, context.Canceled):
		out.Reason = ReasonUnknown
	default:
		out.Reason = ClassifyError(err)
	}
	return out
}

// ClassifyError inspects an unstructured error message.
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "etimedout"):
		return ReasonTimeout
	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "rate_limit"),
		strings.Contains(errStr, "too many requests"):
		return ReasonRateLimit
	case strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "invalid_api_key"):
		return ReasonAuth
	case strings.Contains(errStr, "insufficient_quota"),
		strings.Contains(errStr, "billing"):
		return ReasonBilling
	case strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "internal server"),
		strings.Contains(errStr, "server error"),
		strings.Contains(errStr, "bad gateway"),
		strings.Contains(errStr, "service unavailable"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyStatusCode(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonNotFound
	case status == http.StatusConflict:
		return ReasonConflict
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) ErrorReason {
	switch strings.ToLower(code) {
	case "rate_limit_exceeded", "rate_limit_error":
		return ReasonRateLimit
	case "invalid_api_key", "authentication_error":
		return ReasonAuth
	case "insufficient_quota", "billing_error":
		return ReasonBilling
	case "server_error", "internal_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetEngineError extracts an EngineError from an error chain.
func GetEngineError(err error) (*EngineError, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth retrying. It is the classifier
// wired into the session manager's retry policy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if engineErr, ok := GetEngineError(err); ok {
		return engineErr.Reason.Retryable()
	}
	return ClassifyError(err).Retryable()
}
