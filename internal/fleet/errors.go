package fleet

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds reported in snapshots and validation verdicts.
const (
	KindNetwork    = "network"
	KindAPI        = "api"
	KindValidation = "validation"
	KindCanceled   = "canceled"
	KindUnknown    = "unknown"
)

// NetworkError is a transport failure: connection refused, timeout,
// truncated or undecodable body.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is a well-formed error answer of the remote service.
type APIError struct {
	Op      string
	Status  int // HTTP status
	Code    int // envelope code, 0 when the body had none
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: api error %d (code %d): %s", e.Op, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: api error %d: %s", e.Op, e.Status, e.Message)
}

// ValidationError means a robot failed the validity check.
type ValidationError struct {
	SN     string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("robot %s is not valid", e.SN)
	}
	return fmt.Sprintf("robot %s is not valid: %s", e.SN, e.Reason)
}

// Classify returns the kind of err.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var (
		netErr *NetworkError
		apiErr *APIError
		valErr *ValidationError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &apiErr):
		return KindAPI
	case errors.As(err, &valErr):
		return KindValidation
	case errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool {
	return Classify(err) == KindNetwork
}
