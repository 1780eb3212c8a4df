package token

import "fmt"

// ErrorKind classifies why a request was not authenticated.
type ErrorKind string

const (
	KindMissingToken   ErrorKind = "missing_token"
	KindMalformedToken ErrorKind = "malformed_token"
	KindKeyNotFound    ErrorKind = "key_not_found"
	KindKeyFetchFailed ErrorKind = "key_fetch_failed"
	KindTokenInvalid   ErrorKind = "token_invalid"
)

// Reason narrows down a KindTokenInvalid failure.
type Reason string

const (
	ReasonExpired     Reason = "expired"
	ReasonNotYetValid Reason = "not_yet_valid"
	ReasonIssuer      Reason = "issuer"
	ReasonAudience    Reason = "audience"
	ReasonSignature   Reason = "signature"
	ReasonClaims      Reason = "claims"
	ReasonAlgorithm   Reason = "algorithm"
)

// AuthError is returned by Validate for every rejected token.
type AuthError struct {
	Kind   ErrorKind
	Reason Reason
	Err    error
}

func (e *AuthError) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += " (" + string(e.Reason) + ")"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Detail is a short client-facing description of the failure.
func (e *AuthError) Detail() string {
	switch e.Kind {
	case KindMissingToken:
		return "No token provided"
	case KindMalformedToken:
		return "jwt malformed"
	case KindKeyNotFound:
		return "signing key not found"
	case KindKeyFetchFailed:
		return "unable to retrieve signing keys"
	}

	switch e.Reason {
	case ReasonExpired:
		return "jwt expired"
	case ReasonNotYetValid:
		return "jwt not active"
	case ReasonIssuer:
		return "jwt issuer invalid"
	case ReasonAudience:
		return "jwt audience invalid"
	case ReasonSignature:
		return "invalid signature"
	case ReasonAlgorithm:
		return "invalid algorithm"
	default:
		return "invalid claims"
	}
}

func newAuthError(kind ErrorKind, reason Reason, err error) *AuthError {
	return &AuthError{Kind: kind, Reason: reason, Err: err}
}
