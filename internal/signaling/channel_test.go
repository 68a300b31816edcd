package signaling

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoRouter answers join with capabilities and echoes anything else back,
// after sending one binary and one malformed frame.
func echoRouter(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))

		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Kind == KindLeave {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
				return
			}
			if env.Kind == KindJoin {
				env = Envelope{Kind: KindJoined, Payload: testCapabilitiesPayload()}
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testCapabilitiesPayload() []byte {
	return []byte(`{"routerRtpCapabilities":` + string(testCapabilities) + `}`)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSChannelRoundTrip(t *testing.T) {
	srv := echoRouter(t)

	ch, err := Dial(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(Envelope{Kind: KindGetProducers, Payload: []byte(`{}`)}))

	env, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, KindGetProducers, env.Kind, "binary and malformed frames are skipped")
	assert.JSONEq(t, `{}`, string(env.Payload))
}

func TestWSChannelOrderlyClose(t *testing.T) {
	srv := echoRouter(t)

	ch, err := Dial(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(Envelope{Kind: KindLeave}))

	_, err = ch.Receive()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestClientOverWebsocket(t *testing.T) {
	srv := echoRouter(t)

	ch, err := Dial(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)

	c := NewClient(ch, Config{RoomID: "room-1", RequestTimeout: 2 * time.Second})
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	c.Disconnect()
	<-c.Done()
	assert.Equal(t, StateDisconnected, c.State())
}
