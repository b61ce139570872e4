package decode

import (
	"io"
	"strings"
	"sync"
)

// chunkFrames reads fixed-size frames from r on a goroutine and delivers
// them on the returned channel. The channel closes when r ends; the error
// channel then holds the terminal read error, io.EOF for a clean end.
func chunkFrames(r io.Reader, frameSize int) (<-chan []byte, <-chan error) {
	// Capacity covers the worst-case H.264 reorder depth, so one packet's
	// burst of delayed frames never backs up into the stdout pipe.
	frames := make(chan []byte, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			frame := make([]byte, frameSize)
			if _, err := io.ReadFull(r, frame); err != nil {
				errc <- err
				return
			}
			frames <- frame
		}
	}()
	return frames, errc
}

// tailBuffer keeps the last chunk of process stderr for error reports.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailLimit = 4096

func newTailBuffer() *tailBuffer {
	return &tailBuffer{}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailLimit {
		t.buf = t.buf[len(t.buf)-tailLimit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
