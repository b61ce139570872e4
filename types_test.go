package videosource

import (
	"testing"
	"time"
)

func TestConfigValidate_Defaults(t *testing.T) {
	cfg := Config{URI: "file.mp4"}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.QueueCapacity != defaultQueueCapacity {
		t.Fatalf("QueueCapacity = %d, want default %d", cfg.QueueCapacity, defaultQueueCapacity)
	}
	if cfg.InitTimeout != defaultInitTimeout {
		t.Fatalf("InitTimeout = %v, want default %v", cfg.InitTimeout, defaultInitTimeout)
	}
	if cfg.Engine != EngineAuto {
		t.Fatalf("Engine = %v, want auto", cfg.Engine)
	}
}

func TestConfigValidate_Explicit(t *testing.T) {
	cfg := Config{
		URI:           "rtsp://host/stream",
		QueueCapacity: 128,
		InitTimeout:   time.Minute,
		Engine:        EngineFFmpeg,
		Filters:       []BitstreamFilter{{Codec: "h264", Filter: "h264_mp4toannexb"}},
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.QueueCapacity != 128 || cfg.InitTimeout != time.Minute {
		t.Fatal("validate overwrote explicit settings")
	}
}

func TestEngineKindString(t *testing.T) {
	tests := []struct {
		kind EngineKind
		want string
	}{
		{EngineAuto, "auto"},
		{EngineFFmpeg, "ffmpeg"},
		{EngineMP4, "mp4"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("EngineKind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}

func TestPayloadKindString(t *testing.T) {
	if got := PayloadCompressed.String(); got != "compressed" {
		t.Errorf("PayloadCompressed.String() = %q", got)
	}
	if got := PayloadRawPixels.String(); got != "raw" {
		t.Errorf("PayloadRawPixels.String() = %q", got)
	}
}

func TestPayloadBytes_Copies(t *testing.T) {
	env := VideoFrameEnvelope{Payload: []byte{1, 2, 3}}
	got := env.PayloadBytes()
	got[0] = 99
	if env.Payload[0] != 1 {
		t.Fatal("PayloadBytes returned a view into the envelope payload")
	}
}
