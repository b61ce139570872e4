package videosource

import "errors"

var (
	// ErrInit reports that the resource could not be opened. The wrapped
	// cause carries the engine detail.
	ErrInit = errors.New("videosource: initialization failed")

	// ErrInitTimeout reports that opening the resource exceeded the
	// configured init timeout.
	ErrInitTimeout = errors.New("videosource: initialization timed out")

	// ErrTimeout reports that no frame became available within the wait
	// passed to VideoFrame. The session keeps running; the call may be
	// retried.
	ErrTimeout = errors.New("videosource: frame wait timed out")

	// ErrEndOfStream reports that the resource is exhausted and every
	// buffered frame has been delivered. When the stream ended because of
	// an engine failure the failure is wrapped alongside and exposed by
	// Err.
	ErrEndOfStream = errors.New("videosource: end of stream")

	// ErrSessionStopped reports that Stop was called on the session.
	ErrSessionStopped = errors.New("videosource: session stopped")
)
