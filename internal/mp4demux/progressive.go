package mp4demux

import (
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/visiona/videosource/internal/engine"
)

// loadProgressive builds the sample index from the stbl boxes of a
// non-fragmented file. Sample bytes stay on disk and are read on demand.
func (r *Reader) loadProgressive(file *mp4.File) error {
	trak := findVideoTrak(file.Moov)
	if trak == nil {
		return fmt.Errorf("mp4demux: no video track in file")
	}
	timescale, err := r.describeTrack(trak)
	if err != nil {
		return err
	}

	stbl := trak.Mdia.Minf.Stbl
	if stbl.Stsz == nil || stbl.Stsc == nil || stbl.Stts == nil {
		return fmt.Errorf("mp4demux: incomplete sample tables")
	}

	count := stbl.Stsz.SampleNumber
	r.samples = make([]sampleRef, 0, count)

	syncSamples := make(map[uint32]bool)
	if stbl.Stss != nil {
		for _, nr := range stbl.Stss.SampleNumber {
			syncSamples[nr] = true
		}
	}

	var (
		curChunk  uint32
		curOffset int64
		totalDur  uint64
		firstDur  uint32
		constDur  = true
	)
	for sampleNr := uint32(1); sampleNr <= count; sampleNr++ {
		chunkNr, _, err := stbl.Stsc.ChunkNrFromSampleNr(int(sampleNr))
		if err != nil {
			return fmt.Errorf("mp4demux: chunk lookup for sample %d: %w", sampleNr, err)
		}
		size := stbl.Stsz.GetSampleSize(int(sampleNr))

		if uint32(chunkNr) != curChunk {
			curChunk = uint32(chunkNr)
			curOffset, err = chunkOffset(stbl, chunkNr)
			if err != nil {
				return err
			}
		}

		decTime, dur := stbl.Stts.GetDecodeTime(sampleNr)
		if sampleNr == 1 {
			firstDur = dur
		} else if dur != firstDur {
			constDur = false
		}
		totalDur += uint64(dur)

		var ctsOffset int32
		if stbl.Ctts != nil {
			ctsOffset = stbl.Ctts.GetCompositionTimeOffset(sampleNr)
		}

		key := stbl.Stss == nil || syncSamples[sampleNr]

		r.samples = append(r.samples, sampleRef{
			offset: curOffset,
			size:   int(size),
			dts:    int64(decTime),
			pts:    int64(decTime) + int64(ctsOffset),
			key:    key,
		})
		curOffset += int64(size)
	}

	if !constDur {
		firstDur = 0
	}
	r.deriveFrameRates(timescale, totalDur, firstDur)

	if r.info.Codec == "" {
		return engine.ErrUnsupportedCodec
	}
	return nil
}

func chunkOffset(stbl *mp4.StblBox, chunkNr int) (int64, error) {
	switch {
	case stbl.Stco != nil:
		if chunkNr < 1 || chunkNr > len(stbl.Stco.ChunkOffset) {
			return 0, fmt.Errorf("mp4demux: chunk %d out of stco range", chunkNr)
		}
		return int64(stbl.Stco.ChunkOffset[chunkNr-1]), nil
	case stbl.Co64 != nil:
		if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
			return 0, fmt.Errorf("mp4demux: chunk %d out of co64 range", chunkNr)
		}
		return int64(stbl.Co64.ChunkOffset[chunkNr-1]), nil
	default:
		return 0, fmt.Errorf("mp4demux: no chunk offset table")
	}
}
