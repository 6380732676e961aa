package controlplane

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/burrow/pkg/credentials"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is set on every ErrorInfo detail the control plane returns.
const ErrorDomain = "burrow.dev"

// Error reasons carried in google.rpc.ErrorInfo
const (
	ReasonAgentNotFound     = "AGENT_NOT_FOUND"
	ReasonPoolNotFound      = "POOL_NOT_FOUND"
	ReasonAccessDenied      = "ACCESS_DENIED"
	ReasonUnauthorized      = "UNAUTHORIZED"
	ReasonInvalidClient     = "INVALID_CLIENT"
	ReasonSessionConflict   = "SESSION_CONFLICT"
	ReasonSessionExpired    = "SESSION_EXPIRED"
	ReasonTokenRevoked      = "TOKEN_REVOKED"
	ReasonJobNotFound       = "JOB_NOT_FOUND"
	ReasonJobTokenExpired   = "JOB_TOKEN_EXPIRED"
	ReasonJobAlreadyClaimed = "JOB_ALREADY_CLAIMED"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrPoolNotFound      = errors.New("agent pool not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrSessionConflict   = errors.New("session conflict")
	ErrSessionExpired    = errors.New("session expired")
	ErrTokenRevoked      = errors.New("access token revoked")
	ErrJobNotFound       = errors.New("job request not found")
	ErrJobTokenExpired   = errors.New("job token expired")
	ErrJobAlreadyClaimed = errors.New("job request already claimed")

	// ErrInvalidClient is shared with the credential provider so a token
	// exchange failure and a server-side rejection classify the same way.
	ErrInvalidClient = credentials.ErrInvalidClient
)

var reasonErrors = map[string]error{
	ReasonAgentNotFound:     ErrAgentNotFound,
	ReasonPoolNotFound:      ErrPoolNotFound,
	ReasonAccessDenied:      ErrAccessDenied,
	ReasonUnauthorized:      ErrUnauthorized,
	ReasonInvalidClient:     ErrInvalidClient,
	ReasonSessionConflict:   ErrSessionConflict,
	ReasonSessionExpired:    ErrSessionExpired,
	ReasonTokenRevoked:      ErrTokenRevoked,
	ReasonJobNotFound:       ErrJobNotFound,
	ReasonJobTokenExpired:   ErrJobTokenExpired,
	ReasonJobAlreadyClaimed: ErrJobAlreadyClaimed,
}

// clockSkewMarker appears in the server's rejection of a time-bound
// credential when the agent's clock has drifted.
const clockSkewMarker = "Current server time is"

// Error is a failed control-plane call.
type Error struct {
	Method  string
	Code    codes.Code
	Reason  string
	Message string
	kind    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Method, e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.kind
}

// fromRPC converts a gRPC error into an *Error whose Unwrap yields the
// matching sentinel, if any.
func fromRPC(method string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", method, err)
	}

	e := &Error{Method: method, Code: st.Code(), Message: st.Message()}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok {
			e.Reason = info.GetReason()
			e.kind = reasonErrors[e.Reason]
			break
		}
	}
	if e.kind == nil {
		switch st.Code() {
		case codes.Unauthenticated:
			e.kind = ErrUnauthorized
		case codes.PermissionDenied:
			e.kind = ErrAccessDenied
		}
	}
	return e
}

// StatusError builds the status error a control-plane server returns for
// reason. It is used by servers and test doubles.
func StatusError(code codes.Code, reason, msg string) error {
	st := status.New(code, msg)
	if reason == "" {
		return st.Err()
	}
	withInfo, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: ErrorDomain})
	if err != nil {
		return st.Err()
	}
	return withInfo.Err()
}

// IsFatal reports configuration errors that no retry can fix.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrPoolNotFound) ||
		errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidClient)
}

// IsRetriable reports whether a failed poll should be retried.
func IsRetriable(err error) bool {
	return !IsFatal(err) && !errors.Is(err, ErrTokenRevoked) && !errors.Is(err, ErrSessionExpired)
}

// IsClockSkew reports a credential rejected because of clock drift.
func IsClockSkew(err error) bool {
	return err != nil && strings.Contains(err.Error(), clockSkewMarker)
}

// IsJobGone reports that the control plane no longer associates the job
// with this agent.
func IsJobGone(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrJobTokenExpired)
}
