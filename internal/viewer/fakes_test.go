package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/babelcloud/screencast/internal/bitstream"
	"github.com/babelcloud/screencast/internal/decode"
	"github.com/babelcloud/screencast/internal/media"
	"github.com/babelcloud/screencast/internal/signaling"
)

// fakeRouter answers requests inline from Send. Resume responses are held
// while holdResume is set.
type fakeRouter struct {
	out       chan signaling.Envelope
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	producers  []signaling.ProducerInfo
	received   []signaling.Envelope
	holdResume bool
	held       []signaling.Envelope
	ssrc       uint32
}

func newFakeRouter(producers ...signaling.ProducerInfo) *fakeRouter {
	return &fakeRouter{
		out:       make(chan signaling.Envelope, 64),
		closed:    make(chan struct{}),
		producers: producers,
		ssrc:      1000,
	}
}

func (r *fakeRouter) Send(env signaling.Envelope) error {
	select {
	case <-r.closed:
		return io.ErrClosedPipe
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, env)

	switch env.Kind {
	case signaling.KindJoin:
		r.reply(signaling.KindJoined, signaling.JoinResponse{
			RouterRtpCapabilities: json.RawMessage(`{"codecs":[{"mimeType":"video/H264"}]}`),
			Peers:                 []signaling.PeerInfo{{PeerID: "teacher", IsTeacherRole: true}},
		})
	case signaling.KindCreateTransport:
		r.reply(signaling.KindTransportCreated, signaling.TransportInfo{ID: "t1", SDP: "offer-sdp"})
	case signaling.KindConnectTransport:
		r.reply(signaling.KindTransportConnected, nil)
	case signaling.KindGetProducers:
		r.reply(signaling.KindProducers, signaling.ProducersResponse{Producers: r.producers})
	case signaling.KindConsume:
		var req signaling.ConsumeRequest
		_ = json.Unmarshal(env.Payload, &req)
		r.ssrc++
		r.reply(signaling.KindConsumed, signaling.ConsumeResponse{
			ID:         "c-" + req.ProducerID,
			ProducerID: req.ProducerID,
			Kind:       "video",
			SSRC:       r.ssrc,
		})
	case signaling.KindResumeConsumer:
		if r.holdResume {
			r.held = append(r.held, env)
			return nil
		}
		r.reply(signaling.KindConsumerResumed, nil)
	}
	return nil
}

func (r *fakeRouter) reply(kind string, payload any) {
	env := signaling.Envelope{Kind: kind}
	if payload != nil {
		env.Payload, _ = json.Marshal(payload)
	}
	r.out <- env
}

func (r *fakeRouter) Receive() (signaling.Envelope, error) {
	select {
	case <-r.closed:
		return signaling.Envelope{}, io.EOF
	case env := <-r.out:
		return env, nil
	}
}

func (r *fakeRouter) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeRouter) push(kind string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reply(kind, payload)
}

func (r *fakeRouter) setHoldResume(hold bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holdResume = hold
}

func (r *fakeRouter) heldResumes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

func (r *fakeRouter) releaseResumes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for range r.held {
		r.reply(signaling.KindConsumerResumed, nil)
	}
	r.held = nil
	r.holdResume = false
}

func (r *fakeRouter) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.received {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func (r *fakeRouter) payload(kind string) json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range r.received {
		if env.Kind == kind {
			return env.Payload
		}
	}
	return nil
}

// fakeMedia stands in for the receive transport.
type fakeMedia struct {
	mu        sync.Mutex
	offer     string
	routes    map[uint32]media.FrameSink
	keyframes map[uint32]int
	closed    int
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{routes: make(map[uint32]media.FrameSink), keyframes: make(map[uint32]int)}
}

func (m *fakeMedia) Answer(_ context.Context, offer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offer = offer
	return "answer-sdp", nil
}

func (m *fakeMedia) Route(ssrc uint32, sink media.FrameSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[ssrc] = sink
}

func (m *fakeMedia) Unroute(ssrc uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, ssrc)
}

func (m *fakeMedia) RequestKeyframe(ssrc uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyframes[ssrc]++
	return nil
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeMedia) send(ssrc uint32, f decode.Frame) error {
	m.mu.Lock()
	sink, ok := m.routes[ssrc]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no route for ssrc %d", ssrc)
	}
	sink(f)
	return nil
}

func (m *fakeMedia) routed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.routes)
}

func (m *fakeMedia) keyframeRequests(ssrc uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyframes[ssrc]
}

func (m *fakeMedia) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// paintRecorder is a render.Surface.
type paintRecorder struct {
	mu       sync.Mutex
	pictures []decode.Picture
	stills   []string
}

func (p *paintRecorder) Paint(pic decode.Picture) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pictures = append(p.pictures, pic)
	return nil
}

func (p *paintRecorder) ShowStill(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stills = append(p.stills, reason)
	return nil
}

func (p *paintRecorder) painted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pictures)
}

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02, 0x27, 0xe5, 0x84, 0x00,
		0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	testPPS   = []byte{0x68, 0xcb, 0x8c, 0xb2}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
	testSlice = []byte{0x41, 0x9a, 0x02, 0x04}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func keyframe(ts int64) decode.Frame {
	record, err := bitstream.BuildRecord(testSPS, testPPS)
	if err != nil {
		panic(err)
	}
	return decode.Frame{
		Payload:             annexB(testSPS, testPPS, testIDR),
		Timestamp:           ts,
		Width:               1920,
		Height:              1080,
		IsKeyframe:          true,
		ConfigurationRecord: record,
	}
}

func delta(ts int64) decode.Frame {
	return decode.Frame{Payload: annexB(testSlice), Timestamp: ts, Width: 1920, Height: 1080}
}
