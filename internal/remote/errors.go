package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a remote store failure.
type Kind string

const (
	// KindTransient marks failures worth retrying once connectivity returns.
	KindTransient Kind = "transient"
	// KindPermanent marks failures that retrying will not fix, such as permission or payload errors.
	KindPermanent Kind = "permanent"
	// KindNotFound marks a partial update or delete that targeted a missing document.
	KindNotFound Kind = "not_found"
)

// ErrInvalidUser is returned when a remote call carries no user namespace.
var ErrInvalidUser = errors.New("invalid remote user")

// Error is the structured failure returned by remote store adapters.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error returns the formatted error message.
func (remoteError *Error) Error() string {
	return fmt.Sprintf("remote %s (%s): %v", remoteError.Op, remoteError.Kind, remoteError.Err)
}

// Unwrap returns the underlying error.
func (remoteError *Error) Unwrap() error {
	return remoteError.Err
}

// NewError wraps err with a kind. A nil err stays nil.
func NewError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify wraps err with the kind KindOf derives for it.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf classifies err without inspecting message text. Errors that carry no recognizable
// structure are permanent. KindOf(nil) is empty.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var remoteError *Error
	if errors.As(err, &remoteError) && remoteError.Kind != "" {
		return remoteError.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var netError net.Error
	if errors.As(err, &netError) {
		return KindTransient
	}
	if statusInfo, ok := status.FromError(err); ok {
		return kindOfCode(statusInfo.Code())
	}
	return KindPermanent
}

// IsTransient reports whether err should leave the mutation pending for a later sync.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

func kindOfCode(code codes.Code) Kind {
	switch code {
	case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return KindTransient
	case codes.NotFound:
		return KindNotFound
	default:
		return KindPermanent
	}
}
