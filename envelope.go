package videosource

// PayloadKind tells a consumer how to interpret an envelope payload.
type PayloadKind int

const (
	// PayloadCompressed marks an encoded packet (one access unit).
	PayloadCompressed PayloadKind = iota
	// PayloadRawPixels marks a decoded rgb24 pixel frame.
	PayloadRawPixels
)

// String returns the payload kind name.
func (k PayloadKind) String() string {
	if k == PayloadRawPixels {
		return "raw"
	}
	return "compressed"
}

// VideoFrameEnvelope is one video unit plus the stream and session
// metadata valid at the moment it was enqueued.
type VideoFrameEnvelope struct {
	// Codec is the normalized codec name, or "rawvideo" after decoding.
	Codec string
	// PayloadKind tells whether Payload is compressed or raw pixels.
	PayloadKind PayloadKind
	// PixelFormat is the pixel layout of raw payloads ("rgb24"); empty for
	// compressed payloads.
	PixelFormat string
	// FrameWidth and FrameHeight are the stream geometry in pixels.
	FrameWidth  int
	FrameHeight int
	// TimeBase defines the unit of PTS and DTS.
	TimeBase Rational
	// PTS and DTS are in TimeBase units, NoTimestamp when absent.
	PTS int64
	DTS int64
	// KeyFrame reports whether the unit starts a keyframe.
	KeyFrame bool
	// Corrupted reports whether the container flagged the unit as damaged.
	Corrupted bool
	// FPS and AvgFPS are the stream-declared rates as "num/den" strings.
	FPS    string
	AvgFPS string
	// FrameReceivedTS is when the worker received the unit from the
	// engine, in Unix milliseconds. FrameProcessedTS is when VideoFrame
	// handed it to the consumer.
	FrameReceivedTS  int64
	FrameProcessedTS int64
	// QueueLen is the queue occupancy observed at enqueue time.
	QueueLen int
	// QueueFullSkippedCount is the session's cumulative overflow-drop
	// counter at enqueue time.
	QueueFullSkippedCount uint64
	// TraceID is a unique identifier for distributed tracing.
	TraceID string
	// Payload is the frame data. The envelope owns it; use PayloadBytes
	// for a copy that survives reuse of the consumer's buffers.
	Payload []byte
}

// PayloadBytes returns an owned copy of the payload.
func (e *VideoFrameEnvelope) PayloadBytes() []byte {
	out := make([]byte, len(e.Payload))
	copy(out, e.Payload)
	return out
}
