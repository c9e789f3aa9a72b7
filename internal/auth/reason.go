package auth

import "errors"

// FailureReason classifies a refresh failure. Backend-specific detail
// strings are mapped to this enum at the api boundary; nothing above
// that boundary matches substrings.
type FailureReason int

const (
	// ReasonTransient covers transport and server failures that a
	// later refresh attempt may resolve.
	ReasonTransient FailureReason = iota

	// ReasonCredentialChanged means the password or pin was changed
	// elsewhere, structurally invalidating the stored credential.
	ReasonCredentialChanged

	// ReasonTokenUnknown means the refresh token is not recognized by
	// the backend.
	ReasonTokenUnknown

	// ReasonUserDeleted means the account no longer exists.
	ReasonUserDeleted
)

// Terminal reports whether the reason structurally invalidates the
// credential, requiring a fresh login.
func (r FailureReason) Terminal() bool {
	switch r {
	case ReasonCredentialChanged, ReasonTokenUnknown, ReasonUserDeleted:
		return true
	default:
		return false
	}
}

// String returns the reason name.
func (r FailureReason) String() string {
	switch r {
	case ReasonCredentialChanged:
		return "credential_changed"
	case ReasonTokenUnknown:
		return "token_unknown"
	case ReasonUserDeleted:
		return "user_deleted"
	default:
		return "transient"
	}
}

// RefreshError carries the classified reason for a failed refresh.
type RefreshError struct {
	Reason FailureReason
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return "credential refresh failed (" + e.Reason.String() + "): " + e.Err.Error()
	}
	return "credential refresh failed (" + e.Reason.String() + ")"
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the failure reason from err, defaulting to
// transient for unclassified errors.
func ReasonOf(err error) FailureReason {
	var refreshErr *RefreshError
	if errors.As(err, &refreshErr) {
		return refreshErr.Reason
	}
	return ReasonTransient
}
