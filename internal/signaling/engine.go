package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/babelcloud/screencast/internal/util"
)

// DefaultRequestTimeout bounds every request independently. There is no
// automatic retry.
const DefaultRequestTimeout = 15000 * time.Millisecond

// PushHandler receives the payload of a push event. Handlers run on the
// engine's reader goroutine and must not block on Request.
type PushHandler func(payload json.RawMessage)

// Option configures an Engine.
type Option func(*Engine)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

type result struct {
	payload json.RawMessage
	err     error
}

type pendingRequest struct {
	id       string
	kind     string
	deadline time.Time
	result   chan result
}

// Engine correlates requests with responses over a Channel and dispatches
// everything else as push events.
//
// Pending requests are keyed by the expected response kind, so there is at
// most one live entry per key. Requests sharing a key are serialised through
// a one-slot semaphore per key: a second consume waits for the first one to
// settle instead of stealing its response. Requests with different keys never
// wait on each other.
type Engine struct {
	ch      Channel
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	slots    map[string]chan struct{}
	handlers map[string][]PushHandler
	onClose  []func(error)
	started  bool
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewEngine creates an engine over ch. Call Start to begin reading.
func NewEngine(ch Channel, opts ...Option) *Engine {
	e := &Engine{
		ch:       ch,
		logger:   util.GetLogger(),
		timeout:  DefaultRequestTimeout,
		pending:  make(map[string]*pendingRequest),
		slots:    make(map[string]chan struct{}),
		handlers: make(map[string][]PushHandler),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the reader goroutine. Subsequent calls do nothing.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go e.readLoop()
}

// Done is closed once the engine has shut down.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Timeout returns the per-request deadline.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// OnPush registers a handler for a push event kind. Every handler registered
// for a kind is invoked, in registration order.
func (e *Engine) OnPush(kind string, handler PushHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = append(e.handlers[kind], handler)
}

// OnClose registers fn to run once when the engine shuts down. err is nil for
// an explicit Close or an orderly remote close.
func (e *Engine) OnClose(fn func(err error)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fn(nil)
		return
	}
	e.onClose = append(e.onClose, fn)
	e.mu.Unlock()
}

// Pending reports whether a request waiting for responseKind is registered.
func (e *Engine) Pending(responseKind string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[responseKind]
	return ok
}

// Request sends kind with payload and waits for the correlated response.
//
// It fails with ErrTimeout when nothing answers within the request timeout,
// ErrServerRejected when the router pushes an error naming this request, and
// ErrChannelClosed when the channel goes away first. A failure only affects
// this request.
func (e *Engine) Request(ctx context.Context, kind string, payload any) (json.RawMessage, error) {
	key := ResponseKind(kind)

	release, err := e.acquire(ctx, kind, key)
	if err != nil {
		return nil, err
	}
	defer release()

	req := &pendingRequest{
		id:       uuid.NewString(),
		kind:     kind,
		deadline: time.Now().Add(e.timeout),
		result:   make(chan result, 1),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, &ProtocolError{Code: CodeChannelClosed, Kind: kind}
	}
	e.pending[key] = req
	e.mu.Unlock()

	if err := e.send(kind, payload); err != nil {
		e.removePending(key, req)
		return nil, &ProtocolError{Code: CodeChannelClosed, Kind: kind, Err: err}
	}
	e.logger.Debug("Request sent", "kind", kind, "awaiting", key, "request_id", req.id)

	timer := time.NewTimer(time.Until(req.deadline))
	defer timer.Stop()

	select {
	case res := <-req.result:
		return res.payload, res.err

	case <-timer.C:
		if !e.removePending(key, req) {
			// The response won the race against the timer.
			res := <-req.result
			return res.payload, res.err
		}
		e.logger.Warn("Request timed out", "kind", kind, "timeout", e.timeout, "request_id", req.id)
		return nil, &ProtocolError{Code: CodeTimeout, Kind: kind, Message: e.timeout.String()}

	case <-ctx.Done():
		if !e.removePending(key, req) {
			res := <-req.result
			return res.payload, res.err
		}
		return nil, errors.Wrapf(ctx.Err(), "%s cancelled", kind)
	}
}

// acquire takes the slot for key, giving up when ctx ends or the engine shuts
// down while another request of the same key is still in flight.
func (e *Engine) acquire(ctx context.Context, kind, key string) (func(), error) {
	e.mu.Lock()
	slot, ok := e.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		e.slots[key] = slot
	}
	e.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "%s cancelled", kind)
	case <-e.done:
		return nil, &ProtocolError{Code: CodeChannelClosed, Kind: kind}
	}
}

// Notify sends a one-way message. Nothing is registered for a response.
func (e *Engine) Notify(kind string, payload any) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return &ProtocolError{Code: CodeChannelClosed, Kind: kind}
	}
	if err := e.send(kind, payload); err != nil {
		return &ProtocolError{Code: CodeChannelClosed, Kind: kind, Err: err}
	}
	return nil
}

// Close shuts the engine and its channel down. Pending requests fail with
// ErrChannelClosed. Safe to call more than once.
func (e *Engine) Close() error {
	e.shutdown(nil)
	return nil
}

func (e *Engine) send(kind string, payload any) error {
	env := Envelope{Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrapf(err, "encode %s payload", kind)
		}
		env.Payload = raw
	}
	return e.ch.Send(env)
}

// removePending deletes the entry for key if it still belongs to req.
func (e *Engine) removePending(key string, req *pendingRequest) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.pending[key]; ok && cur == req {
		delete(e.pending, key)
		return true
	}
	return false
}

func (e *Engine) readLoop() {
	for {
		env, err := e.ch.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.logger.Info("Control channel closed by peer")
				err = nil
			} else {
				e.logger.Warn("Control channel read failed", "error", err)
			}
			e.shutdown(err)
			return
		}
		e.dispatch(env)
	}
}

func (e *Engine) dispatch(env Envelope) {
	e.mu.Lock()
	req, ok := e.pending[env.Kind]
	if ok {
		delete(e.pending, env.Kind)
	}
	e.mu.Unlock()

	if ok {
		req.result <- result{payload: env.Payload}
		return
	}

	if env.Kind == KindError {
		e.rejectFromError(env.Payload)
	}

	e.mu.Lock()
	handlers := append([]PushHandler(nil), e.handlers[env.Kind]...)
	e.mu.Unlock()

	if len(handlers) == 0 {
		// Also where late responses for timed out requests end up.
		e.logger.Debug("Dropping message without handler", "kind", env.Kind)
		return
	}
	for _, h := range handlers {
		e.invoke(env.Kind, h, env.Payload)
	}
}

func (e *Engine) invoke(kind string, h PushHandler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Push handler panicked", "kind", kind, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(payload)
}

// rejectFromError fails the pending request an error event points at.
func (e *Engine) rejectFromError(payload json.RawMessage) {
	var ev ErrorEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.RequestKind == "" {
		return
	}

	key := ResponseKind(ev.RequestKind)
	e.mu.Lock()
	req, ok := e.pending[key]
	if ok {
		delete(e.pending, key)
	}
	e.mu.Unlock()

	if ok {
		req.result <- result{err: &ProtocolError{Code: CodeServerRejected, Kind: ev.RequestKind, Message: ev.Message}}
	}
}

func (e *Engine) shutdown(cause error) {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		pending := e.pending
		e.pending = make(map[string]*pendingRequest)
		hooks := e.onClose
		e.onClose = nil
		e.mu.Unlock()

		close(e.done)
		if err := e.ch.Close(); err != nil {
			e.logger.Debug("Control channel close returned error", "error", err)
		}

		for _, req := range pending {
			req.result <- result{err: &ProtocolError{Code: CodeChannelClosed, Kind: req.kind, Err: cause}}
		}
		for _, fn := range hooks {
			fn(cause)
		}
	})
}
