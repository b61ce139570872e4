// Package ffmpegcli implements the engine contract on top of ffmpeg and
// ffprobe subprocesses. It probes the resource with ffprobe, then pipes the
// selected video stream through `ffmpeg -c:v copy` and reframes the
// elementary stream into discrete packets. Demux and codec internals stay
// inside ffmpeg; this package only speaks its pipe formats.
package ffmpegcli

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// FindFFmpeg locates the ffmpeg executable. override, when non-empty, is
// used as-is after an existence check.
func FindFFmpeg(override string) (string, error) {
	return findTool("ffmpeg", override)
}

// FindFFprobe locates the ffprobe executable.
func FindFFprobe(override string) (string, error) {
	return findTool("ffprobe", override)
}

// findTool searches PATH first, then common install locations.
func findTool(name, override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err == nil {
			return override, nil
		}
		return "", fmt.Errorf("ffmpegcli: %s not found at %s", name, override)
	}

	execName := name
	if runtime.GOOS == "windows" {
		execName = name + ".exe"
	}
	if path, err := exec.LookPath(execName); err == nil {
		return path, nil
	}

	var commonPaths []string
	if runtime.GOOS == "windows" {
		commonPaths = []string{
			`C:\ffmpeg\bin\` + execName,
			`C:\Program Files\ffmpeg\bin\` + execName,
		}
	} else {
		commonPaths = []string{
			"/usr/bin/" + name,
			"/usr/local/bin/" + name,
			"/opt/homebrew/bin/" + name,
			"/snap/bin/" + name,
		}
	}
	for _, p := range commonPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("ffmpegcli: %s executable not found", name)
}
