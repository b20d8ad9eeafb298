package audio

import (
	"fmt"
	"math"
)

const quantScale = 32767

// Serialize converts a buffer to its wire form without any lossy
// transform: Deserialize(Serialize(b)) reproduces b exactly.
func Serialize(b *Buffer) SerializedBuffer {
	channels := make([][]float64, b.NumberOfChannels)
	for i, ch := range b.Channels {
		row := make([]float64, len(ch))
		copy(row, ch)
		channels[i] = row
	}
	return SerializedBuffer{
		SampleRate:       b.SampleRate,
		Length:           b.Length,
		DurationSeconds:  b.Duration(),
		NumberOfChannels: b.NumberOfChannels,
		Channels:         channels,
	}
}

// Deserialize reconstructs a buffer from its uncompressed wire form.
func Deserialize(sb SerializedBuffer) (*Buffer, error) {
	if sb.Compressed {
		return nil, fmt.Errorf("buffer is compressed, use Decompress")
	}
	if err := validateShape(sb); err != nil {
		return nil, err
	}

	channels := make([][]float64, sb.NumberOfChannels)
	for i, ch := range sb.Channels {
		row := make([]float64, len(ch))
		copy(row, ch)
		channels[i] = row
	}
	return &Buffer{
		SampleRate:       sb.SampleRate,
		Length:           sb.Length,
		NumberOfChannels: sb.NumberOfChannels,
		Channels:         channels,
	}, nil
}

// Compress quantizes each sample from [-1,1] to a 16-bit signed
// integer, halving payload size. The round-trip through Decompress is
// lossy, bounded by 1/32767 per sample.
func Compress(b *Buffer) SerializedBuffer {
	channels := make([][]float64, b.NumberOfChannels)
	for i, ch := range b.Channels {
		row := make([]float64, len(ch))
		for j, s := range ch {
			row[j] = math.Round(s * quantScale)
		}
		channels[i] = row
	}
	return SerializedBuffer{
		SampleRate:       b.SampleRate,
		Length:           b.Length,
		DurationSeconds:  b.Duration(),
		NumberOfChannels: b.NumberOfChannels,
		Channels:         channels,
		Compressed:       true,
	}
}

// Decompress reconstructs a buffer from its quantized wire form.
func Decompress(sb SerializedBuffer) (*Buffer, error) {
	if !sb.Compressed {
		return nil, fmt.Errorf("buffer is not compressed, use Deserialize")
	}
	if err := validateShape(sb); err != nil {
		return nil, err
	}

	channels := make([][]float64, sb.NumberOfChannels)
	for i, ch := range sb.Channels {
		row := make([]float64, len(ch))
		for j, s := range ch {
			row[j] = s / quantScale
		}
		channels[i] = row
	}
	return &Buffer{
		SampleRate:       sb.SampleRate,
		Length:           sb.Length,
		NumberOfChannels: sb.NumberOfChannels,
		Channels:         channels,
	}, nil
}

// CalculateSize returns the uncompressed byte size of the payload for
// capacity planning: channels * length * 4 (32-bit samples).
func CalculateSize(sb SerializedBuffer) int {
	return sb.NumberOfChannels * sb.Length * 4
}

func validateShape(sb SerializedBuffer) error {
	if len(sb.Channels) != sb.NumberOfChannels {
		return fmt.Errorf("channel count mismatch: have %d rows, header says %d", len(sb.Channels), sb.NumberOfChannels)
	}
	for i, ch := range sb.Channels {
		if len(ch) != sb.Length {
			return fmt.Errorf("channel %d has %d samples, header says %d", i, len(ch), sb.Length)
		}
	}
	return nil
}
