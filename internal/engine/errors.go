package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedCodec is returned at open time when an engine cannot handle
// the video codec of the selected stream.
var ErrUnsupportedCodec = errors.New("engine: unsupported video codec")

// recoverableError marks a per-unit failure the read loop may skip.
type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string { return e.err.Error() }

func (e *recoverableError) Unwrap() error { return e.err }

// Recoverable wraps err so that IsRecoverable reports true. A recoverable
// error means the current unit is lost but the resource is still usable.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

// IsRecoverable reports whether err was marked with Recoverable.
func IsRecoverable(err error) bool {
	var re *recoverableError
	return errors.As(err, &re)
}

// ErrorCategory classifies engine failures for telemetry
type ErrorCategory int

const (
	// CategoryNetwork indicates network-related failures (connection, timeout, DNS)
	CategoryNetwork ErrorCategory = iota
	// CategoryCodec indicates codec/stream failures (decode errors, format issues)
	CategoryCodec
	// CategoryAuth indicates authentication/authorization failures
	CategoryAuth
	// CategoryUnknown indicates unclassified errors
	CategoryUnknown
)

// String returns a human-readable string representation of the error category
func (c ErrorCategory) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryCodec:
		return "codec"
	case CategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Classify analyzes an engine failure and categorizes it for telemetry.
//
// This enables better debugging in production by distinguishing between:
//   - Network issues (peer disconnect, unreachable host)
//   - Codec issues (stream format problem)
//   - Auth issues (credentials needed)
//   - Unknown issues (need investigation)
//
// Classification is based on message heuristics: subprocess engines only
// expose failures as stderr text, so string matching is the common ground.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	msg := strings.ToLower(err.Error())

	// Most specific first: auth keywords overlap with network ones.
	if containsAny(msg, authKeywords) {
		return CategoryAuth
	}
	if containsAny(msg, codecKeywords) {
		return CategoryCodec
	}
	if containsAny(msg, networkKeywords) {
		return CategoryNetwork
	}
	return CategoryUnknown
}

var authKeywords = []string{
	"unauthorized",
	"401",
	"403",
	"forbidden",
	"authentication",
	"credentials",
	"password",
	"username",
}

var networkKeywords = []string{
	"connection",
	"timeout",
	"timed out",
	"unreachable",
	"network",
	"dns",
	"resolve",
	"socket",
	"broken pipe",
	"reset by peer",
	"tcp",
	"udp",
	"rtsp",
	"could not connect",
	"failed to connect",
	"end of file",
}

var codecKeywords = []string{
	"codec",
	"decode",
	"bitstream",
	"format",
	"invalid data",
	"h264",
	"h265",
	"hevc",
	"mjpeg",
	"no decoder",
	"parameter set",
	"nal unit",
}

func containsAny(msg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// FatalError carries the classified cause of a mid-stream engine failure.
type FatalError struct {
	Category ErrorCategory
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("engine failure [%s]: %v", e.Category, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err with its telemetry category. Fatal errors terminate the
// read loop; the resource is no longer usable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Category: Classify(err), Err: err}
}
