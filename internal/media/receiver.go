package media

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/babelcloud/screencast/internal/decode"
	"github.com/babelcloud/screencast/internal/util"
)

// FrameSink receives the frames of one routed stream.
type FrameSink func(decode.Frame)

// DefaultRoute catches frames of streams nobody routed explicitly.
const DefaultRoute uint32 = 0

// Config for a Receiver.
type Config struct {
	ICEServers []string
	Logger     *slog.Logger
}

// Receiver is the local end of a receive transport: a recv-only peer
// connection whose video tracks are depacketized and routed to sinks by
// SSRC.
type Receiver struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu     sync.Mutex
	routes map[uint32]FrameSink
	tracks map[uint32]string
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// NewReceiver creates a peer connection ready to answer the router's offer.
func NewReceiver(cfg Config) (*Receiver, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = util.GetLogger()
	}

	pc, err := createPeerConnection(cfg.ICEServers, logger)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		pc:     pc,
		logger: logger,
		routes: make(map[uint32]FrameSink),
		tracks: make(map[uint32]string),
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, errors.Wrapf(err, "add %s transceiver", kind)
		}
	}
	pc.OnTrack(r.onTrack)

	return r, nil
}

// createPeerConnection builds a peer connection with the codecs the router
// forwards: H.264 video and Opus audio.
func createPeerConnection(iceServers []string, logger *slog.Logger) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    videoClockRate,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: []webrtc.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}},
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errors.Wrap(err, "register H264")
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errors.Wrap(err, "register Opus")
	}

	// NACK generation, receiver reports and transport-wide congestion
	// control feedback for the streams we receive.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))

	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if util.IsVerbose() || s == webrtc.PeerConnectionStateConnected || s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			logger.Info("Receive transport state", "state", s.String())
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		logger.Debug("ICE connection state", "state", s.String())
	})

	return pc, nil
}

// Answer applies the router's SDP offer and returns the local answer once ICE
// gathering is complete.
func (r *Receiver) Answer(ctx context.Context, offer string) (string, error) {
	if strings.TrimSpace(offer) == "" {
		return "", errors.New("empty SDP offer")
	}
	if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", errors.Wrap(err, "set remote description")
	}

	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create answer")
	}

	gathered := webrtc.GatheringCompletePromise(r.pc)
	if err := r.pc.SetLocalDescription(answer); err != nil {
		return "", errors.Wrap(err, "set local description")
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "ICE gathering")
	}
	return r.pc.LocalDescription().SDP, nil
}

// Route sends frames of the stream with ssrc to sink. DefaultRoute catches
// streams without a route of their own.
func (r *Receiver) Route(ssrc uint32, sink FrameSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.routes[ssrc] = sink
}

// Unroute drops the route for ssrc. Its frames are discarded from now on
// unless a default route exists.
func (r *Receiver) Unroute(ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, ssrc)
}

func (r *Receiver) sink(ssrc uint32) FrameSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.routes[ssrc]; ok {
		return s
	}
	return r.routes[DefaultRoute]
}

// RequestKeyframe sends a picture loss indication for ssrc.
func (r *Receiver) RequestKeyframe(ssrc uint32) error {
	if ssrc == DefaultRoute {
		return r.requestAllKeyframes()
	}
	return r.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

func (r *Receiver) requestAllKeyframes() error {
	r.mu.Lock()
	packets := make([]rtcp.Packet, 0, len(r.tracks))
	for ssrc, kind := range r.tracks {
		if kind == webrtc.RTPCodecTypeVideo.String() {
			packets = append(packets, &rtcp.PictureLossIndication{MediaSSRC: ssrc})
		}
	}
	r.mu.Unlock()

	if len(packets) == 0 {
		return nil
	}
	return r.pc.WriteRTCP(packets)
}

// Close releases the peer connection. Safe to call more than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.routes = make(map[uint32]FrameSink)
		r.mu.Unlock()
		r.closeErr = r.pc.Close()
	})
	return r.closeErr
}

func (r *Receiver) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	ssrc := uint32(track.SSRC())
	mime := track.Codec().MimeType
	r.logger.Info("Track received", "kind", track.Kind().String(), "codec", mime, "ssrc", ssrc)

	r.mu.Lock()
	r.tracks[ssrc] = track.Kind().String()
	r.mu.Unlock()

	// Incoming RTCP must be read for the interceptors to process it.
	go func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	if track.Kind() != webrtc.RTPCodecTypeVideo || !strings.EqualFold(mime, webrtc.MimeTypeH264) {
		go r.discard(track)
		return
	}

	go r.consume(ssrc, func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	})
}

// consume depacketizes a stream until next fails.
func (r *Receiver) consume(ssrc uint32, next func() (*rtp.Packet, error)) {
	dep := NewDepacketizer(r.logger.With("ssrc", ssrc))
	defer func() {
		r.mu.Lock()
		delete(r.tracks, ssrc)
		r.mu.Unlock()
	}()

	for {
		pkt, err := next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warn("Track read failed", "ssrc", ssrc, "error", err)
			} else {
				r.logger.Debug("Track ended", "ssrc", ssrc)
			}
			return
		}

		frames := dep.Push(pkt)
		if len(frames) == 0 {
			continue
		}
		sink := r.sink(ssrc)
		if sink == nil {
			continue
		}
		for _, f := range frames {
			sink(f)
		}
	}
}

func (r *Receiver) discard(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
