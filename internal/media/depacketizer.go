package media

import (
	"bytes"
	"log/slog"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/babelcloud/screencast/internal/bitstream"
	"github.com/babelcloud/screencast/internal/decode"
	"github.com/babelcloud/screencast/internal/util"
)

const (
	videoClockRate = 90000
	// maxLatePackets bounds how long the sample builder waits for a missing
	// packet before giving up on the access unit.
	maxLatePackets = 256
)

// Depacketizer assembles H.264 RTP packets into Annex-B access units and
// turns them into pipeline frames. It remembers the latest SPS and PPS so
// every keyframe carries a configuration record, even when the sender only
// repeats parameter sets occasionally.
type Depacketizer struct {
	builder *samplebuilder.SampleBuilder
	logger  *slog.Logger

	sps    []byte
	pps    []byte
	record []byte
	width  int
	height int

	clock timestampUnwrapper
}

// timestampUnwrapper extends 32-bit RTP timestamps into a monotonic 64-bit
// count of clock ticks since the first sample, surviving wraparound and
// tolerating samples slightly older than the previous one.
type timestampUnwrapper struct {
	last    uint32
	ticks   int64
	started bool
}

func (u *timestampUnwrapper) unwrap(ts uint32) int64 {
	if !u.started {
		u.last, u.started = ts, true
		return 0
	}
	u.ticks += int64(int32(ts - u.last))
	u.last = ts
	return u.ticks
}

// NewDepacketizer creates a depacketizer for one H.264 stream.
func NewDepacketizer(logger *slog.Logger) *Depacketizer {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Depacketizer{
		builder: samplebuilder.New(maxLatePackets, &codecs.H264Packet{}, videoClockRate),
		logger:  logger,
	}
}

// Push adds a packet and returns the frames it completed, oldest first.
func (d *Depacketizer) Push(pkt *rtp.Packet) []decode.Frame {
	d.builder.Push(pkt)

	var frames []decode.Frame
	for {
		sample := d.builder.Pop()
		if sample == nil {
			return frames
		}
		if f, ok := d.frame(sample); ok {
			frames = append(frames, f)
		}
	}
}

// Record returns the configuration record built from the latest parameter
// sets, or nil before both were seen.
func (d *Depacketizer) Record() []byte {
	return d.record
}

func (d *Depacketizer) frame(sample *media.Sample) (decode.Frame, bool) {
	nalus := bitstream.SplitNALUnits(sample.Data)
	if len(nalus) == 0 {
		return decode.Frame{}, false
	}
	if sample.PrevDroppedPackets > 0 {
		d.logger.Debug("Packets lost before access unit", "dropped", sample.PrevDroppedPackets)
	}

	sps, pps := bitstream.ExtractParameterSets(nalus)
	d.updateParameterSets(sps, pps)

	f := decode.Frame{
		Payload:    sample.Data,
		Timestamp:  d.clock.unwrap(sample.PacketTimestamp) * 1000 / videoClockRate,
		Width:      d.width,
		Height:     d.height,
		IsKeyframe: bitstream.ContainsIDR(nalus),
		Codec:      "h264",
	}
	if f.IsKeyframe {
		f.ConfigurationRecord = d.record
	}
	return f, true
}

func (d *Depacketizer) updateParameterSets(sps, pps []byte) {
	changed := false
	if sps != nil && !bytes.Equal(sps, d.sps) {
		d.sps = bytes.Clone(sps)
		changed = true
		if w, h, err := bitstream.SPSResolution(sps); err == nil {
			d.width, d.height = w, h
		} else {
			d.logger.Warn("Failed to parse SPS", "error", err)
		}
	}
	if pps != nil && !bytes.Equal(pps, d.pps) {
		d.pps = bytes.Clone(pps)
		changed = true
	}
	if !changed || d.sps == nil || d.pps == nil {
		return
	}

	record, err := bitstream.BuildRecord(d.sps, d.pps)
	if err != nil {
		d.logger.Warn("Failed to build configuration record", "error", err)
		return
	}
	d.record = record
	d.logger.Debug("Parameter sets updated", "codec", bitstream.CodecString(record), "width", d.width, "height", d.height)
}
