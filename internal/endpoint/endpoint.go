package endpoint

import (
	"sync"
)

// Kind is the media kind of an endpoint.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Valid reports whether k is audio or video.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// Role tells producers and consumers apart.
type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) String() string {
	if r == RoleProducer {
		return "producer"
	}
	return "consumer"
}

// Endpoint is a local handle for one media track negotiated with the router:
// either a producer (we send) or a consumer (we receive).
//
// Producers start active. Consumers start paused and only become render-ready
// after Resume, which the session calls once the router acknowledged the
// resume request.
type Endpoint struct {
	ID          string
	Role        Role
	Kind        Kind
	TransportID string
	// ProducerID is the remote producer a consumer reads from. Empty for producers.
	ProducerID string

	mu      sync.Mutex
	paused  bool
	closed  bool
	onClose []func()
}

// NewProducer returns an active producer handle.
func NewProducer(id, transportID string, kind Kind) *Endpoint {
	return &Endpoint{
		ID:          id,
		Role:        RoleProducer,
		Kind:        kind,
		TransportID: transportID,
	}
}

// NewConsumer returns a paused consumer handle.
func NewConsumer(id, transportID, producerID string, kind Kind) *Endpoint {
	return &Endpoint{
		ID:          id,
		Role:        RoleConsumer,
		Kind:        kind,
		TransportID: transportID,
		ProducerID:  producerID,
		paused:      true,
	}
}

// Paused reports whether the endpoint is paused.
func (e *Endpoint) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Resume marks the endpoint as flowing.
func (e *Endpoint) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.paused = false
	}
}

// Pause marks the endpoint as paused.
func (e *Endpoint) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Closed reports whether Close has run.
func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// OnClose registers fn to run when the endpoint is closed. If the endpoint is
// already closed fn runs immediately.
func (e *Endpoint) OnClose(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fn()
		return
	}
	e.onClose = append(e.onClose, fn)
	e.mu.Unlock()
}

// Close marks the endpoint closed and runs the close hooks once. It returns
// false if the endpoint was already closed.
func (e *Endpoint) Close() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	e.paused = true
	hooks := e.onClose
	e.onClose = nil
	e.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return true
}
