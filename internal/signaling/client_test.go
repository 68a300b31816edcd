package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/screencast/internal/endpoint"
	"github.com/babelcloud/screencast/internal/util"
)

var testCapabilities = json.RawMessage(`{"codecs":[{"mimeType":"video/H264","clockRate":90000}]}`)

func newTestClient(t *testing.T) (*Client, *pipeChannel) {
	t.Helper()
	pipe := newPipe()
	c := NewClient(pipe, Config{
		PeerID: "student-1",
		RoomID: "room-1",
		Name:   "Student",
		Logger: util.Discard(),
	})
	t.Cleanup(c.Disconnect)
	return c, pipe
}

// connectClient runs the join handshake against the fake router.
func connectClient(t *testing.T, c *Client, pipe *pipeChannel, resp JoinResponse) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	join := pipe.next(t)
	require.Equal(t, KindJoin, join.Kind)
	req := decodePayload[JoinRequest](t, join)
	assert.Equal(t, "student-1", req.PeerID)
	assert.Equal(t, "room-1", req.RoomID)
	assert.Equal(t, RoleConsumer, req.Role)

	pipe.push(t, KindJoined, resp)
	return <-done
}

// answer waits for a request of kind and replies with payload.
func answer[T any](t *testing.T, pipe *pipeChannel, kind string, reply func(T) any) {
	t.Helper()
	env := pipe.next(t)
	require.Equal(t, kind, env.Kind)
	pipe.push(t, ResponseKind(kind), reply(decodePayload[T](t, env)))
}

type closeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// setupConsumer connects, creates a recv transport and consumes producer p1.
func setupConsumer(t *testing.T) (*Client, *pipeChannel, *Transport, *Consumer) {
	t.Helper()
	c, pipe := newTestClient(t)
	require.NoError(t, connectClient(t, c, pipe, JoinResponse{
		RouterRtpCapabilities: testCapabilities,
		Peers:                 []PeerInfo{{PeerID: "teacher", IsTeacherRole: true}},
	}))

	trCh := make(chan *Transport, 1)
	go func() {
		tr, err := c.CreateRecvTransport(context.Background())
		assert.NoError(t, err)
		trCh <- tr
	}()
	answer(t, pipe, KindCreateTransport, func(req CreateTransportRequest) any {
		assert.Equal(t, DirectionRecv, req.Direction)
		return TransportInfo{ID: "t1"}
	})
	tr := <-trCh
	require.NotNil(t, tr)

	conCh := make(chan *Consumer, 1)
	go func() {
		con, err := c.Consume(context.Background(), "t1", "p1")
		assert.NoError(t, err)
		conCh <- con
	}()
	answer(t, pipe, KindConsume, func(req ConsumeRequest) any {
		assert.Equal(t, "p1", req.ProducerID)
		assert.JSONEq(t, string(testCapabilities), string(req.RtpCapabilities))
		return ConsumeResponse{ID: "c1", ProducerID: "p1", Kind: "video", SSRC: 1234}
	})
	con := <-conCh
	require.NotNil(t, con)
	return c, pipe, tr, con
}

func TestConnect(t *testing.T) {
	c, pipe := newTestClient(t)

	var states []ConnectionState
	c.OnStateChange(func(s ConnectionState) { states = append(states, s) })

	err := connectClient(t, c, pipe, JoinResponse{
		RouterRtpCapabilities: testCapabilities,
		Peers: []PeerInfo{
			{PeerID: "teacher", Name: "Ms T", IsTeacherRole: true},
			{PeerID: "student-1"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StateConnected, c.State())
	assert.JSONEq(t, string(testCapabilities), string(c.Capabilities()))
	require.Len(t, c.Peers(), 1, "own peer is not listed")
	assert.Equal(t, "teacher", c.Peers()[0].PeerID)
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, states)

	assert.ErrorIs(t, c.Connect(context.Background()), ErrInvalidState)
}

func TestConnectWithoutCapabilities(t *testing.T) {
	tests := []struct {
		name         string
		capabilities json.RawMessage
	}{
		{"missing", nil},
		{"null", json.RawMessage(`null`)},
		{"empty object", json.RawMessage(`{}`)},
		{"empty array", json.RawMessage(`[]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, pipe := newTestClient(t)

			err := connectClient(t, c, pipe, JoinResponse{RouterRtpCapabilities: tt.capabilities})

			assert.ErrorIs(t, err, ErrNoCapabilities)
			assert.Equal(t, StateError, c.State())
			assert.Nil(t, c.Capabilities())
			<-c.Done()
			assert.Equal(t, StateError, c.State(), "error is terminal")
		})
	}
}

func TestConnectTimeout(t *testing.T) {
	pipe := newPipe()
	c := NewClient(pipe, Config{RoomID: "r", RequestTimeout: 30 * time.Millisecond, Logger: util.Discard()})

	err := c.Connect(context.Background())

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateError, c.State())
}

func TestOperationsRequireConnection(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.CreateTransport(context.Background(), DirectionRecv)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.GetProducers(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConsumeStartsPausedUntilResumed(t *testing.T) {
	c, pipe, _, con := setupConsumer(t)

	assert.Equal(t, "c1", con.ID)
	assert.Equal(t, "p1", con.ProducerID)
	assert.Equal(t, endpoint.KindVideo, con.Kind)
	assert.Equal(t, uint32(1234), con.SSRC)
	assert.True(t, con.Paused())

	done := make(chan error, 1)
	go func() { done <- c.ResumeConsumer(context.Background(), "c1") }()

	env := pipe.next(t)
	require.Equal(t, KindResumeConsumer, env.Kind)
	assert.Equal(t, "c1", decodePayload[ResumeConsumerRequest](t, env).ConsumerID)
	assert.True(t, con.Paused(), "still paused until the router confirms")

	pipe.push(t, KindConsumerResumed, nil)
	require.NoError(t, <-done)
	assert.False(t, con.Paused())
}

func TestResumeUnknownConsumer(t *testing.T) {
	c, _, _, _ := setupConsumer(t)
	assert.ErrorIs(t, c.ResumeConsumer(context.Background(), "nope"), ErrUnknownEndpoint)
}

func TestResumeRejectedKeepsConsumerPaused(t *testing.T) {
	c, pipe, _, con := setupConsumer(t)

	done := make(chan error, 1)
	go func() { done <- c.ResumeConsumer(context.Background(), "c1") }()
	pipe.next(t)
	require.Eventually(t, func() bool { return c.Engine().Pending(KindConsumerResumed) }, time.Second, 5*time.Millisecond)

	pipe.push(t, KindError, ErrorEvent{Message: "consumer gone", RequestKind: KindResumeConsumer})

	assert.ErrorIs(t, <-done, ErrServerRejected)
	assert.True(t, con.Paused())
	assert.Equal(t, StateConnected, c.State(), "a rejected request does not end the session")
}

func TestTeacherLeftClosesConsumers(t *testing.T) {
	c, pipe, _, con := setupConsumer(t)

	left := make(chan PeerLeftEvent, 1)
	c.OnPeerLeft(func(ev PeerLeftEvent) { left <- ev })

	pipe.push(t, KindPeerLeft, PeerLeftEvent{PeerID: "teacher", WasTeacherRole: true})

	ev := <-left
	assert.Equal(t, "teacher", ev.PeerID)
	assert.True(t, con.Closed())
	assert.Equal(t, 0, c.Registry().Len())
	assert.Empty(t, c.Peers())
	assert.Equal(t, StateConnected, c.State())
}

func TestStudentLeftKeepsConsumers(t *testing.T) {
	c, pipe, _, con := setupConsumer(t)

	left := make(chan struct{}, 1)
	c.OnPeerLeft(func(PeerLeftEvent) { left <- struct{}{} })
	pipe.push(t, KindPeerLeft, PeerLeftEvent{PeerID: "student-2"})
	<-left

	assert.False(t, con.Closed())
	assert.Equal(t, 1, c.Registry().Len())
}

func TestProducerClosedClosesItsConsumers(t *testing.T) {
	c, pipe, _, con := setupConsumer(t)

	seen := make(chan string, 1)
	c.OnProducerClosed(func(ev ProducerClosedEvent) { seen <- ev.ProducerID })

	pipe.push(t, KindProducerClosed, ProducerClosedEvent{ProducerID: "other"})
	assert.Equal(t, "other", <-seen)
	assert.False(t, con.Closed())

	pipe.push(t, KindProducerClosed, ProducerClosedEvent{ProducerID: "p1"})
	assert.Equal(t, "p1", <-seen)
	assert.True(t, con.Closed())
}

func TestPeerJoinedTracksPeers(t *testing.T) {
	c, pipe, _, _ := setupConsumer(t)

	joined := make(chan struct{}, 1)
	c.OnPeerJoined(func(PeerJoinedEvent) { joined <- struct{}{} })
	pipe.push(t, KindPeerJoined, PeerJoinedEvent{PeerID: "student-2", Name: "Bo"})
	<-joined

	ids := []string{}
	for _, p := range c.Peers() {
		ids = append(ids, p.PeerID)
	}
	assert.ElementsMatch(t, []string{"teacher", "student-2"}, ids)
}

func TestChannelCloseTearsDownSession(t *testing.T) {
	c, pipe, tr, con := setupConsumer(t)

	res := &closeCounter{}
	tr.Attach(res)

	states := make(chan ConnectionState, 4)
	c.OnStateChange(func(s ConnectionState) { states <- s })

	_ = pipe.Close()
	<-c.Done()

	assert.Equal(t, StateDisconnected, <-states)
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, con.Closed())
	assert.Equal(t, 0, c.Registry().Len())
	assert.Equal(t, 1, res.count())

	c.Disconnect()
	assert.Equal(t, 1, res.count(), "resources are released once")

	late := &closeCounter{}
	tr.Attach(late)
	assert.Equal(t, 1, late.count(), "attaching to a released transport closes immediately")
}

func TestDisconnectSendsLeave(t *testing.T) {
	c, pipe, _, con := setupConsumer(t)

	c.Disconnect()

	env := pipe.next(t)
	assert.Equal(t, KindLeave, env.Kind)
	assert.Equal(t, "student-1", decodePayload[LeaveNotice](t, env).PeerID)
	assert.True(t, con.Closed())
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, pipe.isClosed())
}

func TestCloseTransport(t *testing.T) {
	c, _, tr, con := setupConsumer(t)
	res := &closeCounter{}
	tr.Attach(res)

	c.CloseTransport("t1")
	c.CloseTransport("t1")

	assert.True(t, con.Closed())
	assert.Equal(t, 1, res.count())
	_, err := c.Consume(context.Background(), "t1", "p2")
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestProduceAndCloseProducer(t *testing.T) {
	c, pipe := newTestClient(t)
	require.NoError(t, connectClient(t, c, pipe, JoinResponse{RouterRtpCapabilities: testCapabilities}))

	trCh := make(chan *Transport, 1)
	go func() {
		tr, _ := c.CreateSendTransport(context.Background())
		trCh <- tr
	}()
	answer(t, pipe, KindCreateTransport, func(CreateTransportRequest) any { return TransportInfo{ID: "send-1"} })
	<-trCh

	_, err := c.Produce(context.Background(), "send-1", endpoint.Kind("screen"), nil)
	assert.Error(t, err)

	prodCh := make(chan *endpoint.Endpoint, 1)
	go func() {
		p, err := c.Produce(context.Background(), "send-1", endpoint.KindVideo, json.RawMessage(`{"codecs":[]}`))
		assert.NoError(t, err)
		prodCh <- p
	}()
	answer(t, pipe, KindProduce, func(req ProduceRequest) any {
		assert.Equal(t, "send-1", req.TransportID)
		assert.Equal(t, "video", req.Kind)
		return ProduceResponse{ID: "prod-1"}
	})
	p := <-prodCh
	require.NotNil(t, p)
	assert.False(t, p.Paused(), "producers are active once acknowledged")

	require.NoError(t, c.CloseProducer("prod-1"))
	env := pipe.next(t)
	assert.Equal(t, KindCloseProducer, env.Kind)
	assert.Equal(t, "prod-1", decodePayload[CloseProducerNotice](t, env).ProducerID)
	assert.True(t, p.Closed())

	// Closing again is a no-op and sends nothing.
	require.NoError(t, c.CloseProducer("prod-1"))
	pipe.expectNothing(t)
}

func TestGetProducers(t *testing.T) {
	c, pipe, _, _ := setupConsumer(t)

	done := make(chan []ProducerInfo, 1)
	go func() {
		producers, err := c.GetProducers(context.Background())
		assert.NoError(t, err)
		done <- producers
	}()
	answer(t, pipe, KindGetProducers, func(struct{}) any {
		return ProducersResponse{Producers: []ProducerInfo{{ProducerID: "p1", Kind: "video", PeerID: "teacher"}}}
	})

	producers := <-done
	require.Len(t, producers, 1)
	assert.Equal(t, "p1", producers[0].ProducerID)
}

func TestRequestKeyframeIsOneWay(t *testing.T) {
	c, pipe, _, _ := setupConsumer(t)

	require.NoError(t, c.RequestKeyframe("c1"))
	env := pipe.next(t)
	assert.Equal(t, KindRequestKeyframe, env.Kind)
	assert.Equal(t, "c1", decodePayload[KeyframeRequest](t, env).ConsumerID)
	assert.False(t, c.Engine().Pending(KindRequestKeyframe))
}
