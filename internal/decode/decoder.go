package decode

import (
	"fmt"
)

// Acceleration is the decoder implementation preference.
type Acceleration string

const (
	AccelerationHardware Acceleration = "prefer-hardware"
	AccelerationSoftware Acceleration = "prefer-software"
)

// Config configures a Decoder. Description is the configuration record,
// passed through untouched.
type Config struct {
	Codec        string
	Description  []byte
	Acceleration Acceleration
	CodedWidth   int
	CodedHeight  int
}

// ChunkType tells the decoder whether a chunk can be decoded on its own.
type ChunkType int

const (
	ChunkDelta ChunkType = iota
	ChunkKey
)

func (t ChunkType) String() string {
	if t == ChunkKey {
		return "key"
	}
	return "delta"
}

// Chunk is one access unit handed to a Decoder.
type Chunk struct {
	Type ChunkType
	// Timestamp in microseconds.
	Timestamp int64
	Data      []byte
}

// Picture is a decoded frame.
type Picture struct {
	// Timestamp in microseconds, copied from the chunk.
	Timestamp int64
	Width     int
	Height    int
	Key       bool
	Codec     string
	// Size is the encoded size of the access unit.
	Size int
}

func (p Picture) String() string {
	return fmt.Sprintf("%dx%d @%dus key=%t size=%d", p.Width, p.Height, p.Timestamp, p.Key, p.Size)
}

// Callbacks receive a decoder's asynchronous results. They may be called from
// any goroutine, but never from inside Configure, Decode or Close.
type Callbacks struct {
	Output func(Picture)
	Error  func(error)
}

// Decoder is the decoding capability: configure, decode with asynchronous
// output and error callbacks, close. A Decoder is configured once; the
// pipeline creates a fresh one for every configuration.
type Decoder interface {
	Configure(Config) error
	Decode(Chunk) error
	Close() error
}

// Factory creates a Decoder reporting to cb.
type Factory func(cb Callbacks) (Decoder, error)

// Prober answers whether a configuration is expected to work. Answers are
// advisory: some platforms report false negatives.
type Prober interface {
	IsConfigSupported(Config) (bool, error)
}

// Frame is what the media source hands to the pipeline.
type Frame struct {
	Payload []byte
	// Timestamp in the sender's millisecond domain.
	Timestamp           int64
	Width               int
	Height              int
	IsKeyframe          bool
	Codec               string
	ConfigurationRecord []byte
}

// chunkTimestamp converts the sender's milliseconds to microseconds.
func chunkTimestamp(ms int64) int64 {
	return ms * 1000
}
