// Package audio holds the sample buffer type and the codec that turns
// it into a JSON-transmissible form.
package audio

// Buffer is an in-memory multi-channel sample buffer. Samples are
// floats in [-1, 1].
type Buffer struct {
	SampleRate       float64
	Length           int
	NumberOfChannels int
	Channels         [][]float64
}

// NewBuffer allocates a silent buffer of the given shape.
func NewBuffer(sampleRate float64, numberOfChannels, length int) *Buffer {
	channels := make([][]float64, numberOfChannels)
	for i := range channels {
		channels[i] = make([]float64, length)
	}
	return &Buffer{
		SampleRate:       sampleRate,
		Length:           length,
		NumberOfChannels: numberOfChannels,
		Channels:         channels,
	}
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate == 0 {
		return 0
	}
	return float64(b.Length) / b.SampleRate
}

// SerializedBuffer is the JSON-transmissible form of a Buffer.
// Invariants: len(Channels) == NumberOfChannels and every channel row
// has exactly Length samples. When Compressed is set the channel
// values are int16 quantizations stored as floats.
type SerializedBuffer struct {
	SampleRate       float64     `json:"sampleRate"`
	Length           int         `json:"length"`
	DurationSeconds  float64     `json:"durationSeconds"`
	NumberOfChannels int         `json:"numberOfChannels"`
	Channels         [][]float64 `json:"channels"`
	Compressed       bool        `json:"compressed,omitempty"`
}
