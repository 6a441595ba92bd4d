package apperr

import (
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Code is the protocol error code surfaced to callers of the gateway.
type Code string

const (
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodeSessionExpired       Code = "SESSION_EXPIRED"
	CodeAuthorizationFailed  Code = "AUTHORIZATION_FAILED"
	CodeSessionLocked        Code = "SESSION_LOCKED"
	CodeInvalidLock          Code = "INVALID_LOCK"
	CodeIntegrityViolation   Code = "INTEGRITY_VIOLATION"
	CodePolicyRejected       Code = "POLICY_REJECTED"
	CodeUnsupported          Code = "UNSUPPORTED"
	CodeInternalError        Code = "INTERNAL_ERROR"
)

// errorDomain is the ErrorInfo domain attached to gRPC statuses.
const errorDomain = "session-gateway"

// lockRetryDelay is the backoff hint returned with SESSION_LOCKED.
const lockRetryDelay = 500 * time.Millisecond

// Suggestion is one recovery step a caller may take.
type Suggestion struct {
	Action      string `json:"action"`
	Description string `json:"description"`
	Automatic   bool   `json:"automatic"`
}

// Translation is the protocol-facing view of an error.
type Translation struct {
	Code        Code         `json:"code"`
	Kind        Kind         `json:"kind"`
	Message     string       `json:"message"`
	Recoverable bool         `json:"recoverable"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

var (
	suggestReauth = Suggestion{Action: "re_authenticate", Description: "Sign in again to obtain a new session.", Automatic: false}
	suggestRefresh = Suggestion{Action: "refresh_token", Description: "Refresh the access token and retry.", Automatic: true}
	suggestBackoff = Suggestion{Action: "retry_with_backoff", Description: "Wait briefly and retry the request.", Automatic: true}
	suggestQueue   = Suggestion{Action: "enqueue", Description: "Queue the request until the session is released.", Automatic: false}
	suggestContact = Suggestion{Action: "contact_administrator", Description: "Ask an administrator to grant the required permission.", Automatic: false}
	suggestReissue = Suggestion{Action: "reissue_credentials", Description: "Discard the stored credential and obtain a new one.", Automatic: false}
)

// Translate maps err to its protocol code, stable message and recovery suggestions.
// A nil error translates to the zero Translation.
func Translate(err error) Translation {
	if err == nil {
		return Translation{}
	}
	kind := KindOf(err)
	t := Translation{Kind: kind, Recoverable: kind.Recoverable()}
	switch kind {
	case SessionNotFound, AuthenticationFailed:
		t.Code = CodeAuthenticationFailed
		t.Message = "Authentication required: the session is missing or no longer valid."
		t.Suggestions = []Suggestion{suggestRefresh, suggestReauth}
	case SessionExpired:
		t.Code = CodeSessionExpired
		t.Message = "The session has expired."
		t.Suggestions = []Suggestion{suggestRefresh, suggestReauth}
	case AuthorizationFailed:
		t.Code = CodeAuthorizationFailed
		t.Message = "The session does not have permission for this operation."
		t.Suggestions = []Suggestion{suggestContact}
	case SessionLocked:
		t.Code = CodeSessionLocked
		t.Message = "Another operation is in progress on this session."
		t.Suggestions = []Suggestion{suggestBackoff, suggestQueue}
	case SessionNotLocked, InvalidLock:
		t.Code = CodeInvalidLock
		t.Message = "The lock is not held by this caller."
		t.Suggestions = []Suggestion{suggestBackoff}
	case IntegrityViolation:
		t.Code = CodeIntegrityViolation
		t.Message = "Stored credential failed integrity verification."
		t.Suggestions = []Suggestion{suggestReissue, suggestReauth}
	case StalePolicyRejection:
		t.Code = CodePolicyRejected
		t.Message = "Stored credential is older than the retention policy allows."
		t.Suggestions = []Suggestion{suggestReissue}
	case KdfUnsupported:
		t.Code = CodeUnsupported
		t.Message = "Unsupported key derivation parameters."
	default:
		t.Code = CodeInternalError
		t.Message = "Internal error."
		t.Suggestions = []Suggestion{suggestBackoff}
	}
	return t
}

// GRPCCode returns the gRPC status code for kind.
func GRPCCode(kind Kind) codes.Code {
	switch kind {
	case SessionNotFound, AuthenticationFailed, SessionExpired:
		return codes.Unauthenticated
	case AuthorizationFailed:
		return codes.PermissionDenied
	case SessionLocked:
		return codes.Aborted
	case SessionNotLocked, InvalidLock:
		return codes.FailedPrecondition
	case IntegrityViolation:
		return codes.DataLoss
	case StalePolicyRejection:
		return codes.FailedPrecondition
	case KdfUnsupported:
		return codes.Unimplemented
	case "":
		return codes.OK
	default:
		return codes.Internal
	}
}

// GRPCStatus converts err into a gRPC status carrying ErrorInfo (reason = protocol code, metadata =
// suggested actions) and, for lock contention, a RetryInfo backoff hint.
func GRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	t := Translate(err)
	st := status.New(GRPCCode(t.Kind), t.Message)
	info := &errdetails.ErrorInfo{
		Reason:   string(t.Code),
		Domain:   errorDomain,
		Metadata: map[string]string{"kind": string(t.Kind)},
	}
	for _, s := range t.Suggestions {
		if s.Automatic {
			info.Metadata["action."+s.Action] = "automatic"
		} else {
			info.Metadata["action."+s.Action] = "manual"
		}
	}
	var (
		withDetails *status.Status
		derr        error
	)
	if t.Kind == SessionLocked {
		withDetails, derr = st.WithDetails(info, &errdetails.RetryInfo{RetryDelay: durationpb.New(lockRetryDelay)})
	} else {
		withDetails, derr = st.WithDetails(info)
	}
	if derr != nil {
		return st
	}
	return withDetails
}
