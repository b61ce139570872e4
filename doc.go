// Package videosource ingests video from files, devices and network
// streams and delivers timestamped frame envelopes to a consumer.
//
// A Source owns a background worker that demuxes (and optionally decodes)
// the resource and feeds a bounded queue. The consumer pulls envelopes
// with VideoFrame; when the queue is full the configured overflow policy
// decides whether the worker blocks or drops the newest frame and counts
// the loss.
//
// Basic usage:
//
//	src, err := videosource.Open(ctx, videosource.Config{URI: "clip.mp4"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer src.Stop()
//
//	for {
//	    env, err := src.VideoFrame(time.Second)
//	    if errors.Is(err, videosource.ErrEndOfStream) {
//	        break
//	    }
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    process(env)
//	}
package videosource
