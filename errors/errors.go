package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	ErrProtocol         = fmt.Errorf("protocol error")
	ErrAuth             = fmt.Errorf("authentication error")
	ErrDuplicateSession = fmt.Errorf("%w: username already connected", ErrAuth)
	ErrNotFound         = fmt.Errorf("not found")
	ErrAlreadyExists    = fmt.Errorf("already exists")
	ErrPermission       = fmt.Errorf("permission denied")
	ErrIO               = fmt.Errorf("storage failure")
	ErrQueueFull        = fmt.Errorf("pending queue is full")
	ErrDeliveryFailed   = fmt.Errorf("delivery failed")
	ErrBadRequest       = fmt.Errorf("bad request")
	ErrWorkerPanic      = fmt.Errorf("worker panic")
)

// Reason codes carried by error frames.
const (
	CodeAuthRequired   = "auth_required"
	CodeUsernameTaken  = "username_taken"
	CodeNotFound       = "not_found"
	CodeAlreadyExists  = "already_exists"
	CodePermission     = "permission_denied"
	CodeIO             = "io_error"
	CodeQueueFull      = "queue_full"
	CodeDeliveryFailed = "delivery_failed"
	CodeBadRequest     = "bad_request"
	CodeProtocol       = "protocol_error"
	CodeInternal       = "internal_error"
)

// Code maps an error to the reason code sent back to the client.
// Order matters: ErrDuplicateSession wraps ErrAuth.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, ErrDuplicateSession):
		return CodeUsernameTaken
	case stderrors.Is(err, ErrAuth):
		return CodeAuthRequired
	case stderrors.Is(err, ErrNotFound):
		return CodeNotFound
	case stderrors.Is(err, ErrAlreadyExists):
		return CodeAlreadyExists
	case stderrors.Is(err, ErrPermission):
		return CodePermission
	case stderrors.Is(err, ErrIO):
		return CodeIO
	case stderrors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case stderrors.Is(err, ErrDeliveryFailed):
		return CodeDeliveryFailed
	case stderrors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case stderrors.Is(err, ErrProtocol):
		return CodeProtocol
	default:
		return CodeInternal
	}
}
