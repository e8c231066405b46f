package webhook

import "errors"

var (
	// ErrMalformedRequest: unparseable body or missing envelope fields. No
	// claim is attempted.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrSignatureInvalid: the digest does not match, or no secret could be
	// resolved for the event. No claim is attempted.
	ErrSignatureInvalid = errors.New("invalid signature")
	ErrUnresolvedSecret = errors.New("secret not configured")
)
