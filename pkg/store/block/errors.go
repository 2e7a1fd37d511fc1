package block

import (
	"errors"
	"fmt"
	"strings"
)

// Implementations wrap these with the object name:
//
//	return fmt.Errorf("object %s: %w", name, block.ErrObjectNotFound)
var (
	// ErrObjectNotFound indicates the named object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrShortTransfer indicates fewer bytes were moved than requested.
	ErrShortTransfer = errors.New("short transfer")

	// ErrInvalidName indicates an object name that cannot be stored safely.
	ErrInvalidName = errors.New("invalid object name")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// ValidateName rejects names that are empty, absolute, or escape the store
// namespace through ".." segments.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q has an empty or relative segment", ErrInvalidName, name)
		}
	}
	return nil
}
