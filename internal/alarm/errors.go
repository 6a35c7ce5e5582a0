package alarm

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced config, record or access IP does
// not exist in the Store.
var ErrNotFound = errors.New("alarm: not found")

// ValidationError reports a malformed request field. It is raised before the
// Store is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}
