package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound       = errors.New("workflow instance not found")
	ErrUnknownPattern = errors.New("unknown workflow pattern")
	ErrClosed         = errors.New("workflow engine closed")
)

// DefinitionError reports why a pattern was rejected at load time. A pattern
// with a definition error is never added to the catalog.
type DefinitionError struct {
	Pattern  string
	Problems []string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("pattern %q is invalid: %s", e.Pattern, strings.Join(e.Problems, "; "))
}

func IsDefinitionError(err error) bool {
	var de *DefinitionError
	return errors.As(err, &de)
}
