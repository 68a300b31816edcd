package decode

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"

	"github.com/babelcloud/screencast/internal/bitstream"
	"github.com/babelcloud/screencast/internal/util"
)

const inspectorQueueSize = 32

var (
	ErrNotConfigured       = errors.New("decoder not configured")
	ErrDecoderClosed       = errors.New("decoder closed")
	ErrQueueFull           = errors.New("decoder queue full")
	ErrUnsupportedCodec    = errors.New("unsupported codec")
	ErrHardwareUnavailable = errors.New("hardware decoder unavailable")
)

// Inspectors builds Inspector decoders. Its New method is a Factory and it
// doubles as the Prober for them.
type Inspectors struct {
	// HardwareAvailable controls how prefer-hardware configurations behave.
	// Without hardware they configure fine and fail on the first chunk.
	HardwareAvailable bool
	Logger            *slog.Logger
}

// New creates an Inspector reporting to cb.
func (f Inspectors) New(cb Callbacks) (Decoder, error) {
	logger := f.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Inspector{
		cb:       cb,
		hardware: f.HardwareAvailable,
		logger:   logger,
		queue:    make(chan Chunk, inspectorQueueSize),
		quit:     make(chan struct{}),
	}, nil
}

// IsConfigSupported implements Prober.
func (f Inspectors) IsConfigSupported(cfg Config) (bool, error) {
	if !strings.HasPrefix(cfg.Codec, "avc1") {
		return false, nil
	}
	return f.HardwareAvailable || cfg.Acceleration != AccelerationHardware, nil
}

// Inspector is a Decoder that parses H.264 access units instead of decoding
// pixels. It checks the length-prefixed framing, keyframe content and in-band
// parameter sets, and reports a Picture per access unit. Results are
// delivered from its own goroutine.
type Inspector struct {
	cb       Callbacks
	hardware bool
	logger   *slog.Logger

	mu         sync.Mutex
	cfg        Config
	configured bool
	closed     bool
	width      int
	height     int

	queue     chan Chunk
	quit      chan struct{}
	closeOnce sync.Once
}

func (d *Inspector) Configure(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDecoderClosed
	}
	if d.configured {
		return errors.New("decoder already configured")
	}
	if !strings.HasPrefix(cfg.Codec, "avc1") {
		return errors.Wrap(ErrUnsupportedCodec, cfg.Codec)
	}

	sps, _, err := bitstream.ParseRecord(cfg.Description)
	if err != nil {
		return errors.Wrap(err, "read configuration record")
	}
	w, h, err := bitstream.SPSResolution(sps)
	if err != nil {
		return errors.Wrap(err, "read SPS")
	}

	d.cfg = cfg
	d.width, d.height = w, h
	d.configured = true
	go d.loop(cfg.Acceleration == AccelerationHardware && !d.hardware)

	d.logger.Debug("Inspector configured", "codec", cfg.Codec, "width", w, "height", h, "acceleration", cfg.Acceleration)
	return nil
}

func (d *Inspector) Decode(c Chunk) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.closed:
		return ErrDecoderClosed
	case !d.configured:
		return ErrNotConfigured
	}

	select {
	case d.queue <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the worker. It does not wait for a callback already in flight.
func (d *Inspector) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.closeOnce.Do(func() { close(d.quit) })
	return nil
}

func (d *Inspector) loop(failHardware bool) {
	for {
		select {
		case <-d.quit:
			return
		case c := <-d.queue:
			if failHardware {
				d.cb.Error(ErrHardwareUnavailable)
				// Like a real decoder after a fatal error: nothing more
				// comes out of this instance.
				<-d.quit
				return
			}
			d.inspect(c)
		}
	}
}

func (d *Inspector) inspect(c Chunk) {
	nalus, err := bitstream.SplitLengthPrefixed(c.Data)
	if err != nil {
		d.cb.Error(errors.Wrapf(err, "chunk at %dus", c.Timestamp))
		return
	}
	if len(nalus) == 0 {
		d.cb.Error(errors.Errorf("empty chunk at %dus", c.Timestamp))
		return
	}
	if c.Type == ChunkKey && !bitstream.ContainsIDR(nalus) {
		d.cb.Error(errors.Errorf("key chunk at %dus carries no IDR slice", c.Timestamp))
		return
	}

	for _, nalu := range nalus {
		if typ, ok := bitstream.NALUnitType(nalu); ok && typ == h264.NALUTypeSPS {
			if w, h, err := bitstream.SPSResolution(nalu); err == nil {
				d.mu.Lock()
				d.width, d.height = w, h
				d.mu.Unlock()
			}
		}
	}

	d.mu.Lock()
	pic := Picture{
		Timestamp: c.Timestamp,
		Width:     d.width,
		Height:    d.height,
		Key:       c.Type == ChunkKey,
		Codec:     d.cfg.Codec,
		Size:      len(c.Data),
	}
	d.mu.Unlock()

	d.cb.Output(pic)
}
