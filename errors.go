package gsf

import "errors"

var (
	// ErrInvalidState is returned when an operation is illegal for the current
	// state of a node: writing to a directory, closing twice, adding a child to
	// a file, finalizing a root with open children.
	ErrInvalidState = errors.New("gsf: invalid state")

	// ErrSizeOverflow is returned when an offset or size would exceed the range
	// addressable by the container format.
	ErrSizeOverflow = errors.New("gsf: size overflow")

	// ErrSinkIO is returned when a write or seek on the underlying sink fails.
	ErrSinkIO = errors.New("gsf: sink i/o")

	// ErrCodecFailure is returned when a compressor fails to accept data or to
	// reach the end of its stream.
	ErrCodecFailure = errors.New("gsf: codec failure")

	// ErrConcurrentWrite is returned when a stream needs the sink while another
	// stream of the same container still holds it.
	ErrConcurrentWrite = errors.New("gsf: sink is held by another stream")

	// ErrAlgorithm is returned when no compressor is registered for a method.
	ErrAlgorithm = errors.New("gsf: unsupported compression algorithm")

	errLayout = errors.New("gsf: inconsistent container layout")
)

// sticky reports whether err comes from an attempted operation and must be
// kept on the node, as opposed to a rejected precondition.
func sticky(err error) bool {
	return !errors.Is(err, ErrInvalidState) &&
		!errors.Is(err, ErrAlgorithm) &&
		!errors.Is(err, ErrConcurrentWrite)
}

// Error records a failed operation on a node of a container.
type Error struct {
	Op   string // Operation that failed (e.g. "write", "close")
	Path string // Slash-separated path of the node within the container
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
