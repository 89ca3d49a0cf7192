package projection

import (
	"errors"
	"fmt"
)

var (
	ErrEventOutOfOrder    = errors.New("event is not after the last processed checkpoint")
	ErrProjectionClosed   = errors.New("projection is closed")
	ErrProjectionNotFound = errors.New("projection not found")
	ErrProjectionExists   = errors.New("projection already exists")
	ErrPartitionNotFound  = errors.New("partition not found")
	ErrNotAProjection     = errors.New("query does not define a projection")
)

// ValidationError reports an invalid query or request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}
