package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/babelcloud/screencast/internal/endpoint"
	"github.com/babelcloud/screencast/internal/util"
	"github.com/babelcloud/screencast/internal/version"
)

// Role is the part a peer plays in the room.
type Role string

const (
	// RoleProducer shares its screen (the teacher).
	RoleProducer Role = "producer"
	// RoleConsumer watches (a student).
	RoleConsumer Role = "consumer"
)

// Direction of a transport, seen from this client.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Config describes the session to open.
type Config struct {
	PeerID string
	RoomID string
	Name   string
	Role   Role
	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Transport is a router transport negotiated through the session. Local
// resources backing it (a peer connection, for instance) are attached with
// Attach and released when the transport or the session closes.
type Transport struct {
	Info      TransportInfo
	Direction Direction

	mu       sync.Mutex
	closers  []io.Closer
	released bool
}

// ID returns the router's transport id.
func (t *Transport) ID() string { return t.Info.ID }

// Attach ties c's lifetime to the transport. If the transport is already
// released c is closed right away.
func (t *Transport) Attach(c io.Closer) {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		_ = c.Close()
		return
	}
	t.closers = append(t.closers, c)
	t.mu.Unlock()
}

func (t *Transport) release(logger *slog.Logger) {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	closers := t.closers
	t.closers = nil
	t.mu.Unlock()

	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn("Failed to release transport resource", "transport", t.Info.ID, "error", err)
		}
	}
}

// Consumer is a consumer endpoint plus the parameters the router returned.
type Consumer struct {
	*endpoint.Endpoint
	SSRC          uint32
	RtpParameters json.RawMessage
}

// Client is one session with the router. It is created by the caller, used
// for exactly one Connect, and torn down by Disconnect or by the control
// channel closing.
type Client struct {
	cfg      Config
	engine   *Engine
	registry *endpoint.Registry
	logger   *slog.Logger

	mu           sync.Mutex
	state        ConnectionState
	capabilities json.RawMessage
	peers        map[string]PeerInfo
	transports   map[string]*Transport
	listeners    []func(ConnectionState)

	teardownOnce sync.Once
}

// NewClient creates a session over ch. The channel is owned by the client
// from here on.
func NewClient(ch Channel, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = util.GetLogger()
	}
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	if cfg.Role == "" {
		cfg.Role = RoleConsumer
	}

	opts := []Option{WithLogger(cfg.Logger)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, WithRequestTimeout(cfg.RequestTimeout))
	}

	c := &Client{
		cfg:        cfg,
		engine:     NewEngine(ch, opts...),
		registry:   endpoint.NewRegistry(cfg.Logger),
		logger:     cfg.Logger.With("peer", cfg.PeerID, "room", cfg.RoomID),
		peers:      make(map[string]PeerInfo),
		transports: make(map[string]*Transport),
	}

	c.engine.OnClose(func(err error) {
		c.teardown()
		c.setState(StateDisconnected)
	})
	onPush(c, KindPeerJoined, c.handlePeerJoined)
	onPush(c, KindPeerLeft, c.handlePeerLeft)
	onPush(c, KindProducerClosed, c.handleProducerClosed)
	onPush(c, KindError, func(ev ErrorEvent) {
		c.logger.Warn("Router reported an error", "message", ev.Message, "request", ev.RequestKind)
	})

	return c
}

// PeerID returns this client's peer id.
func (c *Client) PeerID() string { return c.cfg.PeerID }

// RoomID returns the room this client joins.
func (c *Client) RoomID() string { return c.cfg.RoomID }

// Role returns the role announced on join.
func (c *Client) Role() Role { return c.cfg.Role }

// Registry exposes the endpoint registry of the session.
func (c *Client) Registry() *endpoint.Registry { return c.registry }

// Engine exposes the protocol engine, mostly for event subscriptions.
func (c *Client) Engine() *Engine { return c.engine }

// Done is closed when the session is over.
func (c *Client) Done() <-chan struct{} { return c.engine.Done() }

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Capabilities returns the router capability descriptor from the join.
func (c *Client) Capabilities() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// Peers returns the other participants currently known.
func (c *Client) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerInfo, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// OnStateChange registers fn for state transitions.
func (c *Client) OnStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) setState(to ConnectionState) bool {
	c.mu.Lock()
	from := c.state
	if !canTransition(from, to) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	listeners := append([]func(ConnectionState){}, c.listeners...)
	c.mu.Unlock()

	c.logger.Info("Session state changed", "from", from.String(), "to", to.String())
	for _, fn := range listeners {
		fn(to)
	}
	return true
}

// Connect starts the engine and performs the join handshake. The session
// only becomes Connected when the router answers with a non-empty capability
// descriptor; anything else fails Connect and leaves the client in Error.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.engine.Done():
		return errors.Wrap(ErrChannelClosed, "connect")
	default:
	}
	if !c.setState(StateConnecting) {
		return errors.Wrapf(ErrInvalidState, "connect from %s", c.State())
	}

	c.engine.Start()

	raw, err := c.engine.Request(ctx, KindJoin, JoinRequest{
		PeerID:          c.cfg.PeerID,
		RoomID:          c.cfg.RoomID,
		Name:            c.cfg.Name,
		Role:            c.cfg.Role,
		ProtocolVersion: version.ProtocolVersion,
	})
	if err != nil {
		return c.fail(errors.Wrap(err, "join"))
	}

	var resp JoinResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return c.fail(errors.Wrap(err, "decode join response"))
	}
	if !hasDescriptor(resp.RouterRtpCapabilities) {
		return c.fail(ErrNoCapabilities)
	}

	c.mu.Lock()
	c.capabilities = resp.RouterRtpCapabilities
	for _, p := range resp.Peers {
		if p.PeerID != c.cfg.PeerID {
			c.peers[p.PeerID] = p
		}
	}
	c.mu.Unlock()

	if !c.setState(StateConnected) {
		// The channel dropped while the join was in flight.
		return errors.Wrap(ErrChannelClosed, "join")
	}
	return nil
}

func (c *Client) fail(err error) error {
	c.setState(StateError)
	c.logger.Error("Failed to join session", "error", err)
	_ = c.engine.Close()
	return err
}

func hasDescriptor(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch string(trimmed) {
	case "null", "{}", "[]", `""`:
		return false
	}
	return true
}

func (c *Client) requireConnected() error {
	if s := c.State(); s != StateConnected {
		return errors.Wrapf(ErrNotConnected, "state %s", s)
	}
	return nil
}

func (c *Client) request(ctx context.Context, kind string, payload, out any) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	raw, err := c.engine.Request(ctx, kind, payload)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "decode %s response", ResponseKind(kind))
}

// CreateTransport asks the router for a transport in the given direction.
func (c *Client) CreateTransport(ctx context.Context, dir Direction) (*Transport, error) {
	var info TransportInfo
	if err := c.request(ctx, KindCreateTransport, CreateTransportRequest{Direction: dir}, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, errors.New("router returned a transport without id")
	}

	t := &Transport{Info: info, Direction: dir}
	c.mu.Lock()
	c.transports[info.ID] = t
	c.mu.Unlock()

	c.logger.Info("Transport created", "transport", info.ID, "direction", dir)
	return t, nil
}

// CreateRecvTransport creates the transport consumers are attached to.
func (c *Client) CreateRecvTransport(ctx context.Context) (*Transport, error) {
	return c.CreateTransport(ctx, DirectionRecv)
}

// CreateSendTransport creates the transport producers are attached to.
func (c *Client) CreateSendTransport(ctx context.Context) (*Transport, error) {
	return c.CreateTransport(ctx, DirectionSend)
}

// ConnectTransport completes transport negotiation.
func (c *Client) ConnectTransport(ctx context.Context, req ConnectTransportRequest) error {
	if _, ok := c.transport(req.TransportID); !ok {
		return errors.Wrap(ErrUnknownTransport, req.TransportID)
	}
	return c.request(ctx, KindConnectTransport, req, nil)
}

// CloseTransport closes every endpoint on the transport and releases it.
func (c *Client) CloseTransport(transportID string) {
	c.mu.Lock()
	t, ok := c.transports[transportID]
	delete(c.transports, transportID)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("Transport not found", "transport", transportID)
		return
	}
	c.registry.CloseAll(endpoint.OnTransport(transportID))
	t.release(c.logger)
}

func (c *Client) transport(id string) (*Transport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transports[id]
	return t, ok
}

// Produce registers a local track with the router. The producer is active as
// soon as the router acknowledges it.
func (c *Client) Produce(ctx context.Context, transportID string, kind endpoint.Kind, rtpParameters json.RawMessage) (*endpoint.Endpoint, error) {
	if !kind.Valid() {
		return nil, errors.Errorf("invalid media kind %q", kind)
	}
	if _, ok := c.transport(transportID); !ok {
		return nil, errors.Wrap(ErrUnknownTransport, transportID)
	}

	var resp ProduceResponse
	err := c.request(ctx, KindProduce, ProduceRequest{
		TransportID:   transportID,
		Kind:          string(kind),
		RtpParameters: rtpParameters,
	}, &resp)
	if err != nil {
		return nil, err
	}

	p := endpoint.NewProducer(resp.ID, transportID, kind)
	if err := c.registry.Add(p); err != nil {
		return nil, err
	}
	return p, nil
}

// CloseProducer stops one producer without touching the others. Closing an
// unknown or already closed producer is a no-op.
func (c *Client) CloseProducer(producerID string) error {
	e, ok := c.registry.Get(producerID)
	if ok && e.Role != endpoint.RoleProducer {
		return errors.Errorf("%s is not a producer", producerID)
	}
	if !c.registry.Remove(producerID) {
		return nil
	}
	if err := c.engine.Notify(KindCloseProducer, CloseProducerNotice{ProducerID: producerID}); err != nil {
		c.logger.Debug("Close producer notice not delivered", "producer", producerID, "error", err)
	}
	return nil
}

// Consume subscribes to a remote producer. The consumer comes back paused;
// frames are only render-ready after ResumeConsumer returns.
func (c *Client) Consume(ctx context.Context, transportID, producerID string) (*Consumer, error) {
	if _, ok := c.transport(transportID); !ok {
		return nil, errors.Wrap(ErrUnknownTransport, transportID)
	}

	var resp ConsumeResponse
	err := c.request(ctx, KindConsume, ConsumeRequest{
		TransportID:     transportID,
		ProducerID:      producerID,
		RtpCapabilities: c.Capabilities(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ProducerID == "" {
		resp.ProducerID = producerID
	}

	e := endpoint.NewConsumer(resp.ID, transportID, resp.ProducerID, endpoint.Kind(resp.Kind))
	if err := c.registry.Add(e); err != nil {
		return nil, err
	}
	c.logger.Info("Consumer created", "consumer", resp.ID, "producer", resp.ProducerID, "kind", resp.Kind)
	return &Consumer{Endpoint: e, SSRC: resp.SSRC, RtpParameters: resp.RtpParameters}, nil
}

// ResumeConsumer asks the router to start forwarding and marks the consumer
// resumed once it confirms.
func (c *Client) ResumeConsumer(ctx context.Context, consumerID string) error {
	e, ok := c.registry.Get(consumerID)
	if !ok || e.Role != endpoint.RoleConsumer {
		return errors.Wrap(ErrUnknownEndpoint, consumerID)
	}
	if err := c.request(ctx, KindResumeConsumer, ResumeConsumerRequest{ConsumerID: consumerID}, nil); err != nil {
		return err
	}
	e.Resume()
	return nil
}

// GetProducers lists the producers currently in the room.
func (c *Client) GetProducers(ctx context.Context) ([]ProducerInfo, error) {
	var resp ProducersResponse
	if err := c.request(ctx, KindGetProducers, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Producers, nil
}

// RequestKeyframe asks the sender of a consumer's stream for a fresh
// keyframe. Delivery is best effort.
func (c *Client) RequestKeyframe(consumerID string) error {
	return c.engine.Notify(KindRequestKeyframe, KeyframeRequest{ConsumerID: consumerID})
}

// OnNewProducer registers fn for newProducer events.
func (c *Client) OnNewProducer(fn func(NewProducerEvent)) { onPush(c, KindNewProducer, fn) }

// OnPeerJoined registers fn for peerJoined events.
func (c *Client) OnPeerJoined(fn func(PeerJoinedEvent)) { onPush(c, KindPeerJoined, fn) }

// OnPeerLeft registers fn for peerLeft events. Consumers are already closed
// when fn runs for a departing teacher.
func (c *Client) OnPeerLeft(fn func(PeerLeftEvent)) { onPush(c, KindPeerLeft, fn) }

// OnProducerClosed registers fn for producerClosed events.
func (c *Client) OnProducerClosed(fn func(ProducerClosedEvent)) { onPush(c, KindProducerClosed, fn) }

// OnServerError registers fn for error events.
func (c *Client) OnServerError(fn func(ErrorEvent)) { onPush(c, KindError, fn) }

// Disconnect leaves the room and tears the session down. Safe to call more
// than once and from any state.
func (c *Client) Disconnect() {
	if c.State() == StateConnected {
		if err := c.engine.Notify(KindLeave, LeaveNotice{PeerID: c.cfg.PeerID}); err != nil {
			c.logger.Debug("Leave notice not delivered", "error", err)
		}
	}
	_ = c.engine.Close()
}

// teardown closes every producer and consumer and releases the transports.
// It runs once, whatever triggered it.
func (c *Client) teardown() {
	c.teardownOnce.Do(func() {
		producers := c.registry.CloseAll(endpoint.Producers())
		consumers := c.registry.CloseAll(endpoint.Consumers())

		c.mu.Lock()
		transports := c.transports
		c.transports = make(map[string]*Transport)
		c.mu.Unlock()

		for _, t := range transports {
			t.release(c.logger)
		}
		c.logger.Info("Session torn down", "producers", producers, "consumers", consumers, "transports", len(transports))
	})
}

func (c *Client) handlePeerJoined(ev PeerJoinedEvent) {
	c.mu.Lock()
	c.peers[ev.PeerID] = PeerInfo{PeerID: ev.PeerID, Name: ev.Name, IsTeacherRole: ev.IsTeacherRole}
	c.mu.Unlock()
	c.logger.Info("Peer joined", "remote_peer", ev.PeerID, "name", ev.Name, "teacher", ev.IsTeacherRole)
}

func (c *Client) handlePeerLeft(ev PeerLeftEvent) {
	c.mu.Lock()
	delete(c.peers, ev.PeerID)
	c.mu.Unlock()

	if !ev.WasTeacherRole {
		c.logger.Info("Peer left", "remote_peer", ev.PeerID)
		return
	}
	closed := c.registry.CloseAll(endpoint.Consumers())
	c.logger.Info("Teacher left, consumers closed", "remote_peer", ev.PeerID, "consumers", closed)
}

func (c *Client) handleProducerClosed(ev ProducerClosedEvent) {
	closed := c.registry.CloseAll(endpoint.ConsumingProducer(ev.ProducerID))
	c.logger.Info("Remote producer closed", "producer", ev.ProducerID, "consumers", closed)
}

// onPush subscribes a typed handler, decoding the payload first.
func onPush[T any](c *Client, kind string, fn func(T)) {
	c.engine.OnPush(kind, func(raw json.RawMessage) {
		var v T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				c.logger.Warn("Malformed push payload", "kind", kind, "error", err)
				return
			}
		}
		fn(v)
	})
}
