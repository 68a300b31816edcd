package endpoint

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/screencast/internal/util"
)

// ErrDuplicate is returned by Add when the id is already tracked.
var ErrDuplicate = errors.New("endpoint already registered")

// Predicate selects endpoints for CloseAll and List.
type Predicate func(*Endpoint) bool

// Producers selects producer endpoints.
func Producers() Predicate {
	return func(e *Endpoint) bool { return e.Role == RoleProducer }
}

// Consumers selects consumer endpoints.
func Consumers() Predicate {
	return func(e *Endpoint) bool { return e.Role == RoleConsumer }
}

// OnTransport selects endpoints negotiated on the given transport.
func OnTransport(transportID string) Predicate {
	return func(e *Endpoint) bool { return e.TransportID == transportID }
}

// ConsumingProducer selects the consumers of a remote producer.
func ConsumingProducer(producerID string) Predicate {
	return func(e *Endpoint) bool { return e.Role == RoleConsumer && e.ProducerID == producerID }
}

// Registry tracks the local producer and consumer handles of a session by id.
// It does no I/O: closing an endpoint only runs its close hooks.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses the global one.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Registry{
		endpoints: make(map[string]*Endpoint),
		logger:    logger,
	}
}

// Add starts tracking e.
func (r *Registry) Add(e *Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[e.ID]; exists {
		return errors.Wrapf(ErrDuplicate, "%s %s", e.Role, e.ID)
	}
	r.endpoints[e.ID] = e
	r.logger.Debug("Endpoint registered", "id", e.ID, "role", e.Role.String(), "kind", e.Kind, "total", len(r.endpoints))
	return nil
}

// Get returns the endpoint with the given id.
func (r *Registry) Get(id string) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.endpoints[id]
	return e, ok
}

// Remove stops tracking id and closes it. Removing an unknown id only logs a
// warning; it returns false in that case.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	if ok {
		delete(r.endpoints, id)
	}
	remaining := len(r.endpoints)
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("Endpoint not found, nothing to remove", "id", id)
		return false
	}

	e.Close()
	r.logger.Info("Endpoint removed", "id", id, "role", e.Role.String(), "remaining", remaining)
	return true
}

// CloseAll removes and closes every endpoint matching pred (all of them when
// pred is nil) and returns how many were closed.
func (r *Registry) CloseAll(pred Predicate) int {
	r.mu.Lock()
	var victims []*Endpoint
	for id, e := range r.endpoints {
		if pred == nil || pred(e) {
			victims = append(victims, e)
			delete(r.endpoints, id)
		}
	}
	r.mu.Unlock()

	// Hooks run outside the lock; they may call back into the registry.
	for _, e := range victims {
		e.Close()
	}
	if len(victims) > 0 {
		r.logger.Debug("Endpoints closed", "count", len(victims))
	}
	return len(victims)
}

// List returns the endpoints matching pred sorted by id.
func (r *Registry) List(pred Predicate) []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Endpoint
	for _, e := range r.endpoints {
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked endpoints.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}
