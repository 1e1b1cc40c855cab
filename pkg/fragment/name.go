package fragment

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidName is returned for fragment names that are not a single
// plain path component
var ErrInvalidName = errors.New("invalid fragment name")

// ValidateName checks that name can be used as a file name inside the
// fragment directories without escaping them or hiding from listings
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.ContainsAny(name, "/\\"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: %q contains \"..\"", ErrInvalidName, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	}
	return nil
}
