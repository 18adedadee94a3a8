package ingestor

import (
	"context"
	"net"

	minio "github.com/minio/minio-go/v7"
	"github.com/pkg/errors"
)

// ErrorCategory buckets object-store failures for observability and retry
// classification.
type ErrorCategory string

const (
	CategoryTransient     ErrorCategory = "transient-transport"
	CategoryAuthorization ErrorCategory = "authorization"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryValidation    ErrorCategory = "validation"
	CategoryCancelled     ErrorCategory = "cancelled"
	CategoryUnknown       ErrorCategory = "unknown"
)

// classifyAWS maps an S3 error to a category. SlowDown, InternalError,
// RequestTimeout, ServiceUnavailable and 5xx responses are transient;
// NoSuchKey, NoSuchBucket, AccessDenied and InvalidRequest are terminal.
// Anything unrecognised is terminal with its own category.
func classifyAWS(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryCancelled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}

	resp := minio.ToErrorResponse(errors.Cause(err))
	switch resp.Code {
	case "SlowDown", "InternalError", "RequestTimeout", "ServiceUnavailable":
		return CategoryTransient
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return CategoryAuthorization
	case "NoSuchKey", "NoSuchBucket":
		return CategoryNotFound
	case "InvalidRequest", "InvalidArgument":
		return CategoryValidation
	}
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return CategoryTransient
	}
	return CategoryUnknown
}

// awsRetryable is the retry predicate for S3 calls.
func awsRetryable(err error) bool {
	return classifyAWS(err) == CategoryTransient
}
