package decode

import (
	"bytes"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/screencast/internal/bitstream"
	"github.com/babelcloud/screencast/internal/util"
)

const (
	// DefaultPendingFrames is the size of the ring that holds frames until
	// the first usable keyframe.
	DefaultPendingFrames = 10
	// DefaultMaxSoftwareErrors is how many asynchronous errors the software
	// decoder may report before the pipeline gives up.
	DefaultMaxSoftwareErrors = 5
)

var (
	// ErrDegraded is reported once through Options.OnDegraded when the
	// software decoder keeps failing.
	ErrDegraded = errors.New("video decoding failed repeatedly")
	// ErrNoDecoder is returned when the factory does not produce a decoder.
	ErrNoDecoder = errors.New("no decoder available")
)

// State of a Pipeline.
type State int

const (
	StateUninitialized State = iota
	StateAwaitingKeyframe
	StateConfiguring
	StateConfigured
	StateErrorRecovery
	StateSoftwareFallback
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingKeyframe:
		return "awaiting-keyframe"
	case StateConfiguring:
		return "configuring"
	case StateConfigured:
		return "configured"
	case StateErrorRecovery:
		return "error-recovery"
	case StateSoftwareFallback:
		return "software-fallback"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tune a Pipeline. Zero values pick the defaults.
type Options struct {
	// Acceleration for the first configuration. Defaults to hardware.
	Acceleration      Acceleration
	PendingFrames     int
	MaxSoftwareErrors int
	Prober            Prober
	Logger            *slog.Logger

	// Output receives decoded pictures.
	Output func(Picture)
	// OnKeyframeRequest asks the remote sender for a fresh keyframe.
	OnKeyframeRequest func()
	// OnDegraded is called once when the pipeline stops decoding for good.
	OnDegraded func(error)
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	State        State
	Acceleration Acceleration
	Delivered    uint64
	Decoded      uint64
	Dropped      uint64
	Duplicates   uint64
	Errors       uint64
	Configures   uint64
	// ErrorCount is the current escalation counter, not the total.
	ErrorCount int
	Pending    int
}

// Pipeline turns frames from the media source into decoder calls: it holds
// frames until a keyframe with a configuration record shows up, configures a
// decoder, and recovers from decoder failures with a single hardware to
// software switch before giving up.
//
// Decoder callbacks may arrive on any goroutine and after the decoder they
// belong to was replaced; a generation counter bumped on every configure and
// on Close tells stale callbacks apart.
type Pipeline struct {
	factory Factory
	opts    Options
	logger  *slog.Logger

	mu             sync.Mutex
	state          State
	accel          Acceleration
	escalated      bool
	decoder        Decoder
	generation     uint64
	config         Config
	record         []byte
	lengthPrefixed bool
	pending        *ring

	lastKeyframe       *Frame
	lastKeyframeRecord []byte
	needKeyframe       bool
	errorCount         int
	lastTimestamp      int64
	hasTimestamp       bool

	stats Stats
}

// NewPipeline creates a pipeline that builds decoders with factory.
func NewPipeline(factory Factory, opts Options) *Pipeline {
	if opts.Acceleration == "" {
		opts.Acceleration = AccelerationHardware
	}
	if opts.PendingFrames <= 0 {
		opts.PendingFrames = DefaultPendingFrames
	}
	if opts.MaxSoftwareErrors <= 0 {
		opts.MaxSoftwareErrors = DefaultMaxSoftwareErrors
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Pipeline{
		factory: factory,
		opts:    opts,
		logger:  logger,
		accel:   opts.Acceleration,
		pending: newRing(opts.PendingFrames),
	}
}

// effects are callbacks collected under the lock and run after it is
// released.
type effects struct {
	requestKeyframe bool
	degraded        error
}

func (p *Pipeline) run(fx effects) {
	if fx.requestKeyframe && p.opts.OnKeyframeRequest != nil {
		p.opts.OnKeyframeRequest()
	}
	if fx.degraded != nil && p.opts.OnDegraded != nil {
		p.opts.OnDegraded(fx.degraded)
	}
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.State = p.state
	s.Acceleration = p.accel
	s.ErrorCount = p.errorCount
	s.Pending = p.pending.len()
	return s
}

// Deliver hands one frame to the pipeline. It only fails when a decoder
// cannot be configured; the pipeline then keeps waiting for the next
// keyframe. Frames delivered after Close or once degraded are dropped.
func (p *Pipeline) Deliver(f Frame) error {
	p.mu.Lock()
	var fx effects
	err := p.deliverLocked(f, &fx)
	p.mu.Unlock()

	p.run(fx)
	return err
}

func (p *Pipeline) deliverLocked(f Frame, fx *effects) error {
	p.stats.Delivered++

	switch p.state {
	case StateClosed, StateDegraded:
		p.stats.Dropped++
		return nil

	case StateUninitialized, StateAwaitingKeyframe:
		p.state = StateAwaitingKeyframe
		if p.pending.push(f) {
			p.stats.Dropped++
			p.logger.Debug("Pending frame buffer full, dropped oldest", "capacity", p.pending.capacity())
		}
		if !f.IsKeyframe || len(f.ConfigurationRecord) == 0 {
			return nil
		}
		return p.configureFromPending(f, fx)

	default:
		if f.IsKeyframe && len(f.ConfigurationRecord) > 0 && !bytes.Equal(f.ConfigurationRecord, p.record) {
			p.logger.Info("Configuration record changed, reconfiguring decoder",
				"codec", bitstream.CodecString(f.ConfigurationRecord))
			if err := p.configureLocked(f.ConfigurationRecord, f.Width, f.Height); err != nil {
				return err
			}
		}
		p.decodeLocked(f, fx)
		return nil
	}
}

// configureFromPending configures a decoder for key and flushes the ring.
// Decoding restarts at key. Buffered frames with a timestamp at or below key's
// depend on references the decoder never saw and are dropped; newer ones,
// which only exist when the source reorders, follow key in arrival order. In
// an in-order stream the ring therefore only bounds and counts what is lost
// before the first keyframe.
func (p *Pipeline) configureFromPending(key Frame, fx *effects) error {
	buffered := p.pending.drain()

	if err := p.configureLocked(key.ConfigurationRecord, key.Width, key.Height); err != nil {
		for _, f := range buffered {
			p.pending.push(f)
		}
		return err
	}

	p.decodeLocked(key, fx)
	for _, f := range buffered[:len(buffered)-1] {
		if f.Timestamp <= key.Timestamp {
			p.stats.Dropped++
			continue
		}
		p.decodeLocked(f, fx)
	}
	return nil
}

// configureLocked replaces the current decoder with a new one configured for
// record. On failure the pipeline is left without a decoder, waiting for a
// keyframe.
func (p *Pipeline) configureLocked(record []byte, width, height int) error {
	p.state = StateConfiguring
	p.releaseDecoderLocked()

	cfg := Config{
		Codec:        bitstream.CodecString(record),
		Description:  record,
		Acceleration: p.accel,
		CodedWidth:   width,
		CodedHeight:  height,
	}
	if cfg.CodedWidth == 0 || cfg.CodedHeight == 0 {
		if w, h, err := bitstream.Resolution(record); err == nil {
			cfg.CodedWidth, cfg.CodedHeight = w, h
		}
	}

	if p.opts.Prober != nil {
		ok, err := p.opts.Prober.IsConfigSupported(cfg)
		if err != nil || !ok {
			p.logger.Warn("Decoder reports configuration as unsupported, configuring anyway",
				"codec", cfg.Codec, "acceleration", cfg.Acceleration, "error", err)
		}
	}

	dec, err := p.newDecoderLocked()
	if err == nil {
		if err = dec.Configure(cfg); err != nil {
			_ = dec.Close()
		}
	}
	if err != nil {
		// Callbacks of the decoder that failed to configure are stale.
		p.generation++
		p.state = StateAwaitingKeyframe
		p.logger.Error("Failed to configure decoder", "codec", cfg.Codec, "acceleration", cfg.Acceleration, "error", err)
		return errors.Wrapf(err, "configure %s decoder (%s)", cfg.Codec, cfg.Acceleration)
	}

	p.decoder = dec
	p.config = cfg
	p.record = record
	p.lengthPrefixed = len(record) > 0
	p.needKeyframe = false
	p.stats.Configures++
	p.state = p.configuredState()

	p.logger.Info("Decoder configured", "codec", cfg.Codec, "acceleration", cfg.Acceleration,
		"width", cfg.CodedWidth, "height", cfg.CodedHeight, "generation", p.generation)
	return nil
}

func (p *Pipeline) newDecoderLocked() (Decoder, error) {
	gen := p.generation
	dec, err := p.factory(Callbacks{
		Output: func(pic Picture) { p.handleOutput(gen, pic) },
		Error:  func(err error) { p.handleError(gen, err) },
	})
	if err != nil {
		return nil, err
	}
	if dec == nil {
		return nil, ErrNoDecoder
	}
	return dec, nil
}

// releaseDecoderLocked closes the current decoder and invalidates its
// callbacks.
func (p *Pipeline) releaseDecoderLocked() {
	p.generation++
	if p.decoder == nil {
		return
	}
	if err := p.decoder.Close(); err != nil {
		p.logger.Debug("Decoder close returned error", "error", err)
	}
	p.decoder = nil
}

func (p *Pipeline) configuredState() State {
	if p.escalated {
		return StateSoftwareFallback
	}
	return StateConfigured
}

func (p *Pipeline) decodeLocked(f Frame, fx *effects) {
	if p.needKeyframe && !f.IsKeyframe {
		p.stats.Dropped++
		return
	}
	if p.hasTimestamp && f.Timestamp == p.lastTimestamp {
		p.stats.Duplicates++
		return
	}

	data := f.Payload
	if p.lengthPrefixed {
		data = bitstream.ToLengthPrefixed(f.Payload)
		if len(data) == 0 {
			p.stats.Dropped++
			p.logger.Debug("No start code in payload, skipping frame", "timestamp", f.Timestamp, "size", len(f.Payload))
			return
		}
	}

	p.lastTimestamp, p.hasTimestamp = f.Timestamp, true
	if f.IsKeyframe {
		kf := f
		p.lastKeyframe = &kf
		p.lastKeyframeRecord = p.record
	}

	chunk := Chunk{Type: ChunkDelta, Timestamp: chunkTimestamp(f.Timestamp), Data: data}
	if f.IsKeyframe {
		chunk.Type = ChunkKey
	}
	if err := p.decoder.Decode(chunk); err != nil {
		p.stats.Errors++
		p.recoverInlineLocked(f, err)
		return
	}
	if f.IsKeyframe && p.needKeyframe {
		p.needKeyframe = false
		p.state = p.configuredState()
	}
}

// recoverInlineLocked handles a synchronous decode failure: one reconfigure
// and redecode of the last keyframe, then the failing frame is given up.
func (p *Pipeline) recoverInlineLocked(f Frame, cause error) {
	kf, record := p.lastKeyframe, p.lastKeyframeRecord
	if kf == nil || len(record) == 0 {
		p.logger.Warn("Decode failed, dropping frame", "timestamp", f.Timestamp, "error", cause)
		p.awaitKeyframeLocked()
		return
	}

	p.logger.Warn("Decode failed, reconfiguring and redecoding last keyframe",
		"timestamp", f.Timestamp, "keyframe", kf.Timestamp, "error", cause)
	if err := p.configureLocked(record, kf.Width, kf.Height); err != nil {
		return
	}

	data := bitstream.ToLengthPrefixed(kf.Payload)
	err := p.decoder.Decode(Chunk{Type: ChunkKey, Timestamp: chunkTimestamp(kf.Timestamp), Data: data})
	if err != nil {
		p.stats.Errors++
		p.logger.Warn("Redecode of last keyframe failed, waiting for the next keyframe", "error", err)
		p.awaitKeyframeLocked()
	}
}

// awaitKeyframeLocked keeps the decoder but skips delta frames until the next
// keyframe.
func (p *Pipeline) awaitKeyframeLocked() {
	p.needKeyframe = true
	p.state = StateErrorRecovery
}

func (p *Pipeline) handleOutput(gen uint64, pic Picture) {
	p.mu.Lock()
	if gen != p.generation || p.state == StateClosed || p.state == StateDegraded {
		p.mu.Unlock()
		p.logger.Debug("Ignoring stale decoder output", "generation", gen, "timestamp", pic.Timestamp)
		return
	}
	p.stats.Decoded++
	out := p.opts.Output
	p.mu.Unlock()

	if out != nil {
		out(pic)
	}
}

func (p *Pipeline) handleError(gen uint64, cause error) {
	p.mu.Lock()
	if gen != p.generation || p.state == StateClosed || p.state == StateDegraded {
		p.mu.Unlock()
		p.logger.Debug("Ignoring stale decoder error", "generation", gen, "error", cause)
		return
	}

	var fx effects
	p.stats.Errors++
	p.errorCount++

	switch {
	case p.accel == AccelerationHardware:
		p.logger.Warn("Hardware decoder failed, switching to software", "error", cause)
		p.escalated = true
		p.accel = AccelerationSoftware
		p.errorCount = 0
		fx.requestKeyframe = true
		if err := p.configureLocked(p.record, p.config.CodedWidth, p.config.CodedHeight); err == nil {
			p.awaitKeyframeLocked()
		}

	case p.errorCount >= p.opts.MaxSoftwareErrors:
		p.logger.Error("Software decoder keeps failing, giving up", "errors", p.errorCount, "error", cause)
		p.releaseDecoderLocked()
		p.pending.drain()
		p.state = StateDegraded
		fx.degraded = errors.Wrapf(ErrDegraded, "%d errors on software decoder, last: %v", p.errorCount, cause)

	default:
		p.logger.Warn("Decoder reported an error", "errors", p.errorCount, "limit", p.opts.MaxSoftwareErrors, "error", cause)
	}
	p.mu.Unlock()

	p.run(fx)
}

// Close releases the decoder. Later deliveries and callbacks are ignored.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return nil
	}
	p.releaseDecoderLocked()
	p.pending.drain()
	p.state = StateClosed
	p.logger.Debug("Decode pipeline closed", "decoded", p.stats.Decoded, "dropped", p.stats.Dropped)
	return nil
}
