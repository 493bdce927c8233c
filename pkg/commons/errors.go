// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package commons

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure at a service boundary. Kinds are part of
// the public API: HTTP responses carry them verbatim.
type ErrorKind string

const (
	KindBadRequest          ErrorKind = "bad_request"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindRateLimited         ErrorKind = "rate_limited"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindAnalysisFailed      ErrorKind = "analysis_failed"
	KindStorageFailed       ErrorKind = "storage_failed"
	KindSessionNotFound     ErrorKind = "session_not_found"
	KindPrivacyBlock        ErrorKind = "privacy_block"
	KindTimeout             ErrorKind = "timeout"
	KindInternal            ErrorKind = "internal"
)

// ServiceError is the boundary error shape. Message must be safe to show a
// caller; wrap the underlying cause with %w and keep detail there.
type ServiceError struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	RetryAfterMs int64     `json:"retry_after_ms,omitempty"`

	cause error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// HTTPStatus maps the kind onto an HTTP status code.
func (e *ServiceError) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindAnalysisFailed:
		return http.StatusBadGateway
	case KindStorageFailed:
		return http.StatusInternalServerError
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindPrivacyBlock:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func NewServiceError(kind ErrorKind, message string, cause error) *ServiceError {
	return &ServiceError{Kind: kind, Message: message, cause: cause}
}

func BadRequest(message string) *ServiceError {
	return &ServiceError{Kind: KindBadRequest, Message: message}
}

func Unauthorized(message string) *ServiceError {
	return &ServiceError{Kind: KindUnauthorized, Message: message}
}

func RateLimited(message string, retryAfterMs int64) *ServiceError {
	return &ServiceError{Kind: KindRateLimited, Message: message, RetryAfterMs: retryAfterMs}
}

func UpstreamUnavailable(message string, cause error) *ServiceError {
	return &ServiceError{Kind: KindUpstreamUnavailable, Message: message, cause: cause}
}

func AnalysisFailed(message string, cause error) *ServiceError {
	return &ServiceError{Kind: KindAnalysisFailed, Message: message, cause: cause}
}

func StorageFailed(message string, cause error) *ServiceError {
	return &ServiceError{Kind: KindStorageFailed, Message: message, cause: cause}
}

func SessionNotFound(id string) *ServiceError {
	return &ServiceError{Kind: KindSessionNotFound, Message: fmt.Sprintf("no session %s", id)}
}

func Timeout(message string) *ServiceError {
	return &ServiceError{Kind: KindTimeout, Message: message}
}

func Internal(cause error) *ServiceError {
	return &ServiceError{Kind: KindInternal, Message: "internal error", cause: cause}
}

// AsServiceError extracts a ServiceError from err's chain. Anything else
// collapses to kind=internal so handlers never leak raw error text.
func AsServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return Internal(err)
}
