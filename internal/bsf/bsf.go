// Package bsf implements bitstream filters: transformations applied to
// compressed packet payloads without decoding them, such as repackaging
// length-prefixed MP4 NAL units into self-contained Annex B units.
package bsf

import (
	"fmt"
)

// Filter transforms one compressed payload. Apply is pure per call aside
// from per-stream header state a filter may cache (e.g. parameter sets it
// injects ahead of keyframes).
type Filter interface {
	// Name returns the registered filter name.
	Name() string
	// Apply transforms payload. key reports whether the payload starts a
	// keyframe. The input slice is never modified.
	Apply(payload []byte, key bool) ([]byte, error)
}

// Entry pairs a codec name with the filter to apply to its packets.
type Entry struct {
	Codec  string
	Filter string
}

// New constructs a registered filter by name. parameterSets holds the
// stream's out-of-band codec headers (may be nil).
func New(name string, parameterSets [][]byte) (Filter, error) {
	switch name {
	case "h264_mp4toannexb", "hevc_mp4toannexb":
		return newMP4ToAnnexB(name, parameterSets), nil
	case "passthrough", "null":
		return passthrough{name: name}, nil
	default:
		return nil, fmt.Errorf("bsf: unknown filter %q", name)
	}
}

type passthrough struct {
	name string
}

func (p passthrough) Name() string { return p.name }

func (p passthrough) Apply(payload []byte, _ bool) ([]byte, error) {
	return payload, nil
}

// Chain maps codec names to filters. Packets whose codec has no entry pass
// through unfiltered; multiple entries may target different codecs.
type Chain struct {
	filters map[string]Filter
}

// NewChain builds a chain from entries. parameterSets belongs to the
// session's video stream and is handed to filters registered for
// streamCodec; entries for other codecs get none. Duplicate entries for
// one codec follow last-write-wins.
func NewChain(entries []Entry, streamCodec string, parameterSets [][]byte) (*Chain, error) {
	filters := make(map[string]Filter, len(entries))
	for _, e := range entries {
		var ps [][]byte
		if e.Codec == streamCodec {
			ps = parameterSets
		}
		f, err := New(e.Filter, ps)
		if err != nil {
			return nil, fmt.Errorf("bsf: entry %q: %w", e.Codec, err)
		}
		filters[e.Codec] = f
	}
	return &Chain{filters: filters}, nil
}

// Apply runs the filter registered for codec, if any. applied reports
// whether a filter matched.
func (c *Chain) Apply(codec string, payload []byte, key bool) (out []byte, applied bool, err error) {
	if c == nil {
		return payload, false, nil
	}
	f, ok := c.filters[codec]
	if !ok {
		return payload, false, nil
	}
	out, err = f.Apply(payload, key)
	if err != nil {
		return nil, true, err
	}
	return out, true, nil
}

// Len returns the number of registered entries.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.filters)
}
