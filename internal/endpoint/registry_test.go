package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/screencast/internal/util"
)

func TestEndpointInitialState(t *testing.T) {
	producer := NewProducer("p1", "send", KindVideo)
	consumer := NewConsumer("c1", "recv", "p9", KindVideo)

	assert.False(t, producer.Paused(), "producers start active")
	assert.True(t, consumer.Paused(), "consumers start paused")

	consumer.Resume()
	assert.False(t, consumer.Paused())
}

func TestEndpointCloseRunsHooksOnce(t *testing.T) {
	e := NewConsumer("c1", "recv", "p1", KindVideo)
	calls := 0
	e.OnClose(func() { calls++ })

	assert.True(t, e.Close())
	assert.False(t, e.Close())
	assert.Equal(t, 1, calls)
	assert.True(t, e.Closed())

	// Resume after close must not reopen the flow.
	e.Resume()
	assert.True(t, e.Paused())

	late := false
	e.OnClose(func() { late = true })
	assert.True(t, late, "hooks registered after close run immediately")
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry(util.Discard())

	require.NoError(t, r.Add(NewProducer("p1", "send", KindVideo)))
	require.NoError(t, r.Add(NewProducer("p2", "send", KindAudio)))
	assert.ErrorIs(t, r.Add(NewProducer("p1", "send", KindVideo)), ErrDuplicate)

	p1, _ := r.Get("p1")
	p2, _ := r.Get("p2")

	assert.True(t, r.Remove("p1"))
	assert.True(t, p1.Closed())
	assert.False(t, p2.Closed(), "removing one producer leaves the others alone")
	assert.Equal(t, 1, r.Len())

	// Idempotent: unknown id is a no-op.
	assert.False(t, r.Remove("p1"))
	assert.False(t, r.Remove("missing"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(util.Discard())
	require.NoError(t, r.Add(NewProducer("p1", "send", KindVideo)))
	require.NoError(t, r.Add(NewConsumer("c1", "recv", "rp1", KindVideo)))
	require.NoError(t, r.Add(NewConsumer("c2", "recv", "rp1", KindAudio)))
	require.NoError(t, r.Add(NewConsumer("c3", "recv2", "rp2", KindVideo)))

	tests := []struct {
		name   string
		pred   Predicate
		closed int
		left   int
	}{
		{"by producer", ConsumingProducer("rp2"), 1, 3},
		{"consumers", Consumers(), 2, 1},
		{"nothing left to match", OnTransport("recv"), 0, 1},
		{"everything", nil, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.closed, r.CloseAll(tt.pred))
			assert.Equal(t, tt.left, r.Len())
		})
	}
}

func TestRegistryHooksMayReenter(t *testing.T) {
	r := NewRegistry(util.Discard())
	c := NewConsumer("c1", "recv", "p1", KindVideo)
	c.OnClose(func() { r.Remove("c2") })
	require.NoError(t, r.Add(c))
	require.NoError(t, r.Add(NewConsumer("c2", "recv", "p2", KindVideo)))

	r.CloseAll(ConsumingProducer("p1"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry(util.Discard())
	require.NoError(t, r.Add(NewConsumer("b", "recv", "p", KindVideo)))
	require.NoError(t, r.Add(NewConsumer("a", "recv", "p", KindVideo)))
	require.NoError(t, r.Add(NewProducer("z", "send", KindAudio)))

	list := r.List(Consumers())
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Len(t, r.List(Producers()), 1)
}
