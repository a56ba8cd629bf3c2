package dashboard

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoData means nothing is cached and the remote service could not be
// asked.
var ErrNoData = errors.New("no data available")

// ValidationError rejects malformed input at the facade boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
