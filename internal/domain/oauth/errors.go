package oauth

import "errors"

var (
	// ErrNotFound signals that a record is absent or has expired.
	ErrNotFound = errors.New("oauth: not found")
	// ErrAlreadyExists signals a live record already holds the key.
	ErrAlreadyExists = errors.New("oauth: already exists")
	// ErrExpired indicates a record whose lifetime lapsed before the store purged it.
	ErrExpired = errors.New("oauth: expired")
	// ErrClientMismatch indicates a record issued to a different client.
	ErrClientMismatch = errors.New("oauth: client mismatch")
	// ErrNotAssociatedToClient marks an ownership violation. It is used for audit
	// classification and must not leak through token revocation responses.
	ErrNotAssociatedToClient = errors.New("oauth: not associated to client")
	// ErrDecryption signals that an identifier was not produced under the supplied parameters.
	ErrDecryption = errors.New("oauth: identifier decryption failed")
	// ErrCorruptRecord signals a persisted payload that no longer decodes.
	ErrCorruptRecord = errors.New("oauth: corrupt record")
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrInvalidRequestObject indicates a request object that failed signature or structural checks.
	ErrInvalidRequestObject = errors.New("oauth: invalid request object")
	// ErrInvalidArrangement indicates a cdr_arrangement_id that does not resolve for the client.
	ErrInvalidArrangement = errors.New("oauth: invalid arrangement")
	// ErrUnauthorizedClient indicates failed or missing client authentication.
	ErrUnauthorizedClient = errors.New("oauth: unauthorized client")
	// ErrInvalidGrant indicates an unusable authorization code or refresh token.
	ErrInvalidGrant = errors.New("oauth: invalid grant")
	// ErrParameterMismatch indicates an authorize parameter differing from the pushed request.
	ErrParameterMismatch = errors.New("oauth: parameter mismatch")
	// ErrAccessDenied indicates the end user declined the authorization.
	ErrAccessDenied = errors.New("oauth: access denied")
)
