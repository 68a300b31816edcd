package viewer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/keymutex"

	"github.com/babelcloud/screencast/internal/decode"
	"github.com/babelcloud/screencast/internal/endpoint"
	"github.com/babelcloud/screencast/internal/media"
	"github.com/babelcloud/screencast/internal/render"
	"github.com/babelcloud/screencast/internal/signaling"
	"github.com/babelcloud/screencast/internal/util"
)

// MediaTransport is the local side of the receive transport. media.Receiver
// implements it.
type MediaTransport interface {
	Answer(ctx context.Context, offer string) (string, error)
	Route(ssrc uint32, sink media.FrameSink)
	Unroute(ssrc uint32)
	RequestKeyframe(ssrc uint32) error
	Close() error
}

// Options configure a Viewer.
type Options struct {
	// Media may be nil when the router negotiates media out of band.
	Media          MediaTransport
	DecoderFactory decode.Factory
	Prober         decode.Prober
	// NewSurface returns the surface for a producer's video.
	NewSurface        func(producerID string) render.Surface
	Acceleration      decode.Acceleration
	PendingFrames     int
	MaxSoftwareErrors int
	// ConsumeConcurrency bounds parallel consumes of the initial producers.
	ConsumeConcurrency int
	Logger             *slog.Logger
}

// Viewer watches every video producer of a room: it consumes each one,
// decodes it and paints it on its own surface.
type Viewer struct {
	client *signaling.Client
	opts   Options
	logger *slog.Logger

	transport *signaling.Transport
	locks     keymutex.KeyMutex
	// producer id ⇄ consumer id
	pairs *bimap.BiMap[string, string]

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	consumer *signaling.Consumer
	pipeline *decode.Pipeline
	surface  *render.Deferred
	gated    atomic.Uint64
}

// New creates a viewer over a session that has not connected yet.
func New(client *signaling.Client, opts Options) *Viewer {
	if opts.Logger == nil {
		opts.Logger = util.GetLogger()
	}
	if opts.DecoderFactory == nil {
		opts.DecoderFactory = decode.Inspectors{HardwareAvailable: true, Logger: opts.Logger}.New
	}
	if opts.NewSurface == nil {
		opts.NewSurface = func(string) render.Surface { return render.NewConsole(nil, 0) }
	}
	if opts.ConsumeConcurrency <= 0 {
		opts.ConsumeConcurrency = 4
	}
	return &Viewer{
		client:  client,
		opts:    opts,
		logger:  opts.Logger,
		locks:   keymutex.NewHashed(0),
		pairs:   bimap.NewBiMap[string, string](),
		streams: make(map[string]*stream),
	}
}

// Run joins the room and watches until ctx is cancelled or the session ends.
func (v *Viewer) Run(ctx context.Context) error {
	if err := v.Start(ctx); err != nil {
		v.client.Disconnect()
		return err
	}

	select {
	case <-ctx.Done():
		v.client.Disconnect()
		return nil
	case <-v.client.Done():
		return errors.New("session closed by router")
	}
}

// Start joins the room, sets up the receive transport and consumes the
// producers already present. Producers appearing later are consumed as they
// are announced.
func (v *Viewer) Start(ctx context.Context) error {
	if err := v.client.Connect(ctx); err != nil {
		return err
	}

	tr, err := v.client.CreateRecvTransport(ctx)
	if err != nil {
		return errors.Wrap(err, "create receive transport")
	}
	v.transport = tr

	req := signaling.ConnectTransportRequest{TransportID: tr.ID()}
	if v.opts.Media != nil {
		tr.Attach(v.opts.Media)
		if tr.Info.SDP != "" {
			answer, err := v.opts.Media.Answer(ctx, tr.Info.SDP)
			if err != nil {
				return errors.Wrap(err, "answer transport offer")
			}
			req.SDP = answer
		} else {
			v.logger.Warn("Router sent no SDP offer, media will not be received locally", "transport", tr.ID())
		}
	}
	if err := v.client.ConnectTransport(ctx, req); err != nil {
		return errors.Wrap(err, "connect receive transport")
	}

	// Push handlers run on the reader goroutine, which has to stay free to
	// deliver the consume response.
	v.client.OnNewProducer(func(ev signaling.NewProducerEvent) {
		if endpoint.Kind(ev.Kind) != endpoint.KindVideo {
			return
		}
		go func() {
			if err := v.consume(ctx, ev.ProducerID); err != nil {
				v.logger.Warn("Failed to consume new producer", "producer", ev.ProducerID, "error", err)
			}
		}()
	})

	producers, err := v.client.GetProducers(ctx)
	if err != nil {
		return errors.Wrap(err, "list producers")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.ConsumeConcurrency)
	for _, p := range producers {
		if endpoint.Kind(p.Kind) != endpoint.KindVideo {
			continue
		}
		producerID := p.ProducerID
		g.Go(func() error {
			return v.consume(gctx, producerID)
		})
	}
	return g.Wait()
}

// consume subscribes to one producer. The consumer's frames are held back
// until the router confirms the resume.
func (v *Viewer) consume(ctx context.Context, producerID string) error {
	v.locks.LockKey(producerID)
	defer func() { _ = v.locks.UnlockKey(producerID) }()

	if v.pairs.Exists(producerID) {
		return nil
	}

	con, err := v.client.Consume(ctx, v.transport.ID(), producerID)
	if err != nil {
		return errors.Wrapf(err, "consume %s", producerID)
	}

	s := v.newStream(producerID, con)
	v.mu.Lock()
	v.streams[con.ID] = s
	v.mu.Unlock()
	v.pairs.Insert(producerID, con.ID)

	if v.opts.Media != nil {
		v.opts.Media.Route(routeKey(con), func(f decode.Frame) { v.deliver(s, f) })
	}
	con.OnClose(func() { v.release(con.ID) })

	if err := v.client.ResumeConsumer(ctx, con.ID); err != nil {
		v.client.Registry().Remove(con.ID)
		return errors.Wrapf(err, "resume %s", con.ID)
	}

	v.logger.Info("Watching producer", "producer", producerID, "consumer", con.ID, "ssrc", con.SSRC)
	v.requestKeyframe(con)
	return nil
}

func (v *Viewer) newStream(producerID string, con *signaling.Consumer) *stream {
	logger := v.logger.With("consumer", con.ID)
	surface := render.NewDeferred(v.opts.NewSurface(producerID), logger)

	s := &stream{consumer: con, surface: surface}
	s.pipeline = decode.NewPipeline(v.opts.DecoderFactory, decode.Options{
		Acceleration:      v.opts.Acceleration,
		PendingFrames:     v.opts.PendingFrames,
		MaxSoftwareErrors: v.opts.MaxSoftwareErrors,
		Prober:            v.opts.Prober,
		Logger:            logger,
		Output:            surface.Submit,
		OnKeyframeRequest: func() { v.requestKeyframe(con) },
		OnDegraded: func(err error) {
			if err := surface.ShowStill(err.Error()); err != nil {
				logger.Warn("Failed to show still image", "error", err)
			}
		},
	})
	return s
}

// Deliver hands a frame to the stream of consumerID, as the media transport
// does for routed tracks.
func (v *Viewer) Deliver(consumerID string, f decode.Frame) bool {
	v.mu.Lock()
	s, ok := v.streams[consumerID]
	v.mu.Unlock()
	if !ok {
		return false
	}
	v.deliver(s, f)
	return true
}

func (v *Viewer) deliver(s *stream, f decode.Frame) {
	if s.consumer.Paused() {
		if s.gated.Add(1) == 1 {
			v.logger.Debug("Holding frames until consumer is resumed", "consumer", s.consumer.ID)
		}
		return
	}
	if err := s.pipeline.Deliver(f); err != nil {
		v.logger.Warn("Frame rejected by decode pipeline", "consumer", s.consumer.ID, "error", err)
	}
}

func (v *Viewer) requestKeyframe(con *signaling.Consumer) {
	if err := v.client.RequestKeyframe(con.ID); err != nil {
		v.logger.Debug("Keyframe request not sent", "consumer", con.ID, "error", err)
	}
	if v.opts.Media != nil {
		if err := v.opts.Media.RequestKeyframe(routeKey(con)); err != nil {
			v.logger.Debug("PLI not sent", "consumer", con.ID, "error", err)
		}
	}
}

// release tears down a stream once its consumer is closed.
func (v *Viewer) release(consumerID string) {
	v.mu.Lock()
	s, ok := v.streams[consumerID]
	delete(v.streams, consumerID)
	v.mu.Unlock()
	if !ok {
		return
	}

	v.pairs.DeleteInverse(consumerID)
	if v.opts.Media != nil {
		v.opts.Media.Unroute(routeKey(s.consumer))
	}
	_ = s.pipeline.Close()
	s.surface.Close()

	stats := s.pipeline.Stats()
	v.logger.Info("Stopped watching", "consumer", consumerID, "producer", s.consumer.ProducerID,
		"decoded", stats.Decoded, "dropped", stats.Dropped, "held", s.gated.Load())
}

// Consumer returns the consumer id watching producerID.
func (v *Viewer) Consumer(producerID string) (string, bool) {
	return v.pairs.Get(producerID)
}

// Stats returns the pipeline statistics of a consumer's stream.
func (v *Viewer) Stats(consumerID string) (decode.Stats, bool) {
	v.mu.Lock()
	s, ok := v.streams[consumerID]
	v.mu.Unlock()
	if !ok {
		return decode.Stats{}, false
	}
	return s.pipeline.Stats(), true
}

// Watching returns how many streams are live.
func (v *Viewer) Watching() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.streams)
}

func routeKey(con *signaling.Consumer) uint32 {
	if con.SSRC == 0 {
		return media.DefaultRoute
	}
	return con.SSRC
}
