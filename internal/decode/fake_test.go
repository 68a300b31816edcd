package decode

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/screencast/internal/bitstream"
)

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

func testRecord() []byte {
	record, err := bitstream.BuildRecord(testSPS, testPPS)
	if err != nil {
		panic(err)
	}
	return record
}

func keyframe(ts int64) Frame {
	return Frame{
		Payload:             annexB(testSPS, testPPS, testIDR),
		Timestamp:           ts,
		Width:               1920,
		Height:              1080,
		IsKeyframe:          true,
		Codec:               "h264",
		ConfigurationRecord: testRecord(),
	}
}

func delta(ts int64) Frame {
	return Frame{Payload: annexB(testSlice), Timestamp: ts, Width: 1920, Height: 1080, Codec: "h264"}
}

// fakeDecoder records calls. Callbacks are only fired by the test through
// emit and fail.
type fakeDecoder struct {
	factory *fakeFactory
	cb      Callbacks

	mu     sync.Mutex
	cfg    Config
	chunks []Chunk
	closed bool
}

func (d *fakeDecoder) Configure(cfg Config) error {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	d.factory.mu.Lock()
	defer d.factory.mu.Unlock()
	d.factory.configs = append(d.factory.configs, cfg)
	if d.factory.configureErr != nil {
		return d.factory.configureErr
	}
	return nil
}

func (d *fakeDecoder) Decode(c Chunk) error {
	d.factory.mu.Lock()
	hook := d.factory.onDecode
	d.factory.mu.Unlock()
	if hook != nil {
		if err := hook(d, c); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunks = append(d.chunks, c)
	return nil
}

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDecoder) decoded() []Chunk {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Chunk(nil), d.chunks...)
}

func (d *fakeDecoder) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// emit outputs a picture for every chunk decoded so far.
func (d *fakeDecoder) emit() {
	for _, c := range d.decoded() {
		d.cb.Output(Picture{Timestamp: c.Timestamp, Width: 1920, Height: 1080, Key: c.Type == ChunkKey})
	}
}

func (d *fakeDecoder) fail() {
	d.cb.Error(errors.New("decoder error"))
}

type fakeFactory struct {
	mu           sync.Mutex
	decoders     []*fakeDecoder
	configs      []Config
	configureErr error
	onDecode     func(*fakeDecoder, Chunk) error
}

func (f *fakeFactory) New(cb Callbacks) (Decoder, error) {
	d := &fakeDecoder{factory: f, cb: cb}
	f.mu.Lock()
	f.decoders = append(f.decoders, d)
	f.mu.Unlock()
	return d, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decoders)
}

func (f *fakeFactory) last() *fakeDecoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decoders[len(f.decoders)-1]
}

func (f *fakeFactory) decoder(i int) *fakeDecoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decoders[i]
}

func (f *fakeFactory) configurations() []Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Config(nil), f.configs...)
}

func (f *fakeFactory) setConfigureErr(err error) {
	f.mu.Lock()
	f.configureErr = err
	f.mu.Unlock()
}

type fakeProber struct {
	supported bool
	calls     int
}

func (p *fakeProber) IsConfigSupported(Config) (bool, error) {
	p.calls++
	return p.supported, nil
}

func timestamps(chunks []Chunk) []int64 {
	out := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Timestamp)
	}
	return out
}
