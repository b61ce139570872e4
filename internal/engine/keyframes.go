package engine

import "fmt"

// keyFramedCodecs maps codec names to whether their streams signal
// keyframes. Delivery starts at the first keyframe for key-framed codecs;
// intra-only codecs deliver from the first unit.
var keyFramedCodecs = map[string]bool{
	"h264":       true,
	"h265":       true,
	"hevc":       true,
	"vp8":        true,
	"vp9":        true,
	"av1":        true,
	"mpeg1video": true,
	"mpeg2video": true,
	"mpeg4":      true,
	"msmpeg4v1":  true,
	"msmpeg4v2":  true,
	"msmpeg4v3":  true,
	"theora":     true,
	"flv1":       true,

	"mjpeg":    false,
	"tiff":     false,
	"png":      false,
	"jpeg2000": false,
	"rawvideo": false,
}

// StreamHasKeyFrames reports whether codec signals keyframes. Codecs outside
// the known set are rejected so a session never silently stalls waiting for
// a keyframe that will not come.
func StreamHasKeyFrames(codec string) (bool, error) {
	keyFramed, ok := keyFramedCodecs[codec]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
	}
	return keyFramed, nil
}
