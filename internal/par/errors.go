package par

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
)

// MismatchError names the first authorize parameter that differs from the
// pushed request.
type MismatchError struct {
	Parameter string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("parameter %q does not match the pushed authorization request", e.Parameter)
}

func (e *MismatchError) Is(target error) bool {
	return target == oauth.ErrParameterMismatch || target == oauth.ErrInvalidRequest
}

// Classify maps a submission failure to its audit category.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, oauth.ErrInvalidArrangement):
		return "invalid_arrangement"
	case errors.Is(err, oauth.ErrInvalidRequestObject):
		return "invalid_request_object"
	case errors.Is(err, oauth.ErrUnauthorizedClient):
		return "unauthorized_client"
	case errors.Is(err, oauth.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "server_error"
	}
}
