package signaling

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeChannel is an in-memory Channel. The test plays the router on the
// other end through the pipeServer helpers.
type pipeChannel struct {
	toServer chan Envelope
	toClient chan Envelope
	closed   chan struct{}
	once     sync.Once
}

func newPipe() *pipeChannel {
	return &pipeChannel{
		toServer: make(chan Envelope, 32),
		toClient: make(chan Envelope, 32),
		closed:   make(chan struct{}),
	}
}

func (p *pipeChannel) Send(env Envelope) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	case p.toServer <- env:
		return nil
	}
}

func (p *pipeChannel) Receive() (Envelope, error) {
	select {
	case <-p.closed:
		return Envelope{}, io.EOF
	case env := <-p.toClient:
		return env, nil
	}
}

func (p *pipeChannel) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeChannel) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// next returns the next message the client sent.
func (p *pipeChannel) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-p.toServer:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return Envelope{}
	}
}

// expectNothing asserts the client sends nothing for a short while.
func (p *pipeChannel) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case env := <-p.toServer:
		t.Fatalf("unexpected client message %q", env.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

// push delivers a message from the router.
func (p *pipeChannel) push(t *testing.T, kind string, payload any) {
	t.Helper()
	env := Envelope{Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = raw
	}
	select {
	case p.toClient <- env:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out pushing router message")
	}
}

func decodePayload[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}
