package recording

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Encoder turns accumulated PCM chunks into one downloadable artifact.
type Encoder interface {
	Name() string
	MIME() string
	Encode(chunks [][]byte, sampleRate, channels int) ([]byte, error)
}

// NegotiateEncoder walks the ordered format preference list and returns the
// first supported encoder.
func NegotiateEncoder(formats []string) (Encoder, error) {
	for _, format := range formats {
		switch format {
		case "wav":
			return wavEncoder{}, nil
		case "pcm":
			return pcmEncoder{}, nil
		}
	}
	return nil, fmt.Errorf("no supported recording format in %v", formats)
}

type wavEncoder struct{}

func (wavEncoder) Name() string { return "wav" }
func (wavEncoder) MIME() string { return "audio/wav" }

// Encode writes a 16-bit PCM WAV. The wav encoder needs a seekable target
// to patch the header, so it goes through a temp file.
func (wavEncoder) Encode(chunks [][]byte, sampleRate, channels int) ([]byte, error) {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}

	samples := make([]int, 0, total/2)
	for _, chunk := range chunks {
		for i := 0; i+1 < len(chunk); i += 2 {
			samples = append(samples, int(int16(binary.LittleEndian.Uint16(chunk[i:]))))
		}
	}

	file, err := os.CreateTemp("", "muse_rec_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}

	data, err := os.ReadFile(file.Name())
	if err != nil {
		return nil, fmt.Errorf("read wav artifact: %w", err)
	}
	return data, nil
}

type pcmEncoder struct{}

func (pcmEncoder) Name() string { return "pcm" }
func (pcmEncoder) MIME() string { return "audio/L16" }

func (pcmEncoder) Encode(chunks [][]byte, sampleRate, channels int) ([]byte, error) {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}
