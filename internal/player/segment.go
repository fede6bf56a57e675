package player

import (
	"fmt"
	"time"
)

// Segment is one decoded unit of streamed audio with a known duration.
type Segment struct {
	PCM        []byte // s16le interleaved
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Decode validates an inbound PCM payload and computes its duration. A
// malformed payload yields an error so the caller can drop the segment and
// keep scheduling.
func Decode(pcm []byte, sampleRate, channels int) (Segment, error) {
	if len(pcm) == 0 {
		return Segment{}, fmt.Errorf("empty audio payload")
	}
	if sampleRate <= 0 {
		return Segment{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if channels <= 0 {
		return Segment{}, fmt.Errorf("invalid channel count %d", channels)
	}
	frameSize := 2 * channels
	if len(pcm)%frameSize != 0 {
		return Segment{}, fmt.Errorf("pcm payload not aligned to %d-byte frames", frameSize)
	}
	frames := len(pcm) / frameSize
	duration := time.Duration(frames) * time.Second / time.Duration(sampleRate)
	return Segment{
		PCM:        pcm,
		SampleRate: sampleRate,
		Channels:   channels,
		Duration:   duration,
	}, nil
}
