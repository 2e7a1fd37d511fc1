package journal

import "errors"

var (
	// ErrCoordinatorClosed is returned to submitters and waiters once the
	// coordinator is closed.
	ErrCoordinatorClosed = errors.New("journal coordinator closed")

	// ErrWriterClosed is returned by operations on a closed Writer.
	ErrWriterClosed = errors.New("journal writer closed")

	// ErrInvalidIntent is returned for intents missing a volume or snapshot.
	ErrInvalidIntent = errors.New("invalid journal intent")
)
