package mp4demux

import (
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// loadFragmented collects the video samples of every movie fragment.
// Fragment payloads are small relative to progressive mdat boxes, so the
// sample bytes are kept in memory.
func (r *Reader) loadFragmented(file *mp4.File) error {
	moov := file.Moov
	if file.Init != nil {
		moov = file.Init.Moov
	}
	trak := findVideoTrak(moov)
	if trak == nil {
		return fmt.Errorf("mp4demux: no video track in init segment")
	}
	timescale, err := r.describeTrack(trak)
	if err != nil {
		return err
	}
	if trak.Tkhd == nil {
		return fmt.Errorf("mp4demux: video track without header")
	}
	trackID := trak.Tkhd.TrackID

	var trex *mp4.TrexBox
	if moov.Mvex != nil {
		for _, t := range moov.Mvex.Trexs {
			if t.TrackID == trackID {
				trex = t
				break
			}
		}
	}

	var (
		totalDur uint64
		firstDur uint32
		constDur = true
	)
	for _, seg := range file.Segments {
		for _, frag := range seg.Fragments {
			fullSamples, err := frag.GetFullSamples(trex)
			if err != nil {
				return fmt.Errorf("mp4demux: fragment samples: %w", err)
			}
			for _, fs := range fullSamples {
				if firstDur == 0 {
					firstDur = fs.Dur
				} else if fs.Dur != firstDur {
					constDur = false
				}
				totalDur += uint64(fs.Dur)

				r.samples = append(r.samples, sampleRef{
					size: len(fs.Data),
					data: fs.Data,
					dts:  int64(fs.DecodeTime),
					pts:  int64(fs.DecodeTime) + int64(fs.CompositionTimeOffset),
					key:  fs.Flags&nonSyncSampleFlag == 0,
				})
			}
		}
	}

	if !constDur {
		firstDur = 0
	}
	r.deriveFrameRates(timescale, totalDur, firstDur)
	return nil
}
