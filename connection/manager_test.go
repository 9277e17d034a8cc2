package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/opchat/model"
)

var testIdentity = model.Identity{Email: "alice@x.com", Name: "Alice Smith"}

// roomServer runs an httptest server that upgrades /rooms/{roomID}/ws and
// hands the connection to handle.
func roomServer(t *testing.T, handle func(*websocket.Conn, *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func newManager(host string) *Manager {
	logger := zerolog.Nop()
	return NewManager(Config{Logger: &logger, Host: host})
}

func TestRoomURL(t *testing.T) {
	m := newManager("chat.example.com")
	addr := m.roomURL("room-7", testIdentity)
	assert.Equal(t,
		"ws://chat.example.com/rooms/room-7/ws?user_email=alice%40x.com&user_name=Alice+Smith",
		addr)

	m.secure = true
	assert.True(t, strings.HasPrefix(m.roomURL("room-7", testIdentity), "wss://"))
}

func TestOpenReceiveClose(t *testing.T) {
	var (
		gotEmail string
		gotName  string
		mx       sync.Mutex
	)
	host := roomServer(t, func(conn *websocket.Conn, r *http.Request) {
		mx.Lock()
		gotEmail = r.URL.Query().Get("user_email")
		gotName = r.URL.Query().Get("user_name")
		mx.Unlock()
		err := conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"typing","user_name":"Bob","typing":true}`))
		require.NoError(t, err)
		// Drain until the client goes away.
		for {
			if _, _, err = conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := newManager(host)
	events := make(chan model.Event, 1)
	m.OnEvent(func(ev model.Event) { events <- ev })
	closed := make(chan error, 1)
	m.OnClose(func(err error) { closed <- err })

	require.NoError(t, m.Open(context.Background(), "room-7", testIdentity))
	assert.Equal(t, StateOpen, m.State())

	select {
	case ev := <-events:
		assert.Equal(t, model.TypingEvent{UserName: "Bob", Typing: true}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	mx.Lock()
	assert.Equal(t, "alice@x.com", gotEmail)
	assert.Equal(t, "Alice Smith", gotName)
	mx.Unlock()

	m.Close()
	assert.Equal(t, StateClosed, m.State())

	select {
	case err := <-closed:
		assert.NoError(t, err, "deliberate close is not a transport error")
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not invoked")
	}
}

func TestSend(t *testing.T) {
	received := make(chan []byte, 1)
	host := roomServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
	})

	m := newManager(host)
	require.NoError(t, m.Open(context.Background(), "room-7", testIdentity))
	defer m.Close()

	require.NoError(t, m.Send(model.TypingEvent{Typing: true}))

	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"typing","typing":true}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the event")
	}
}

func TestSendBeforeOpen(t *testing.T) {
	m := newManager("nowhere.invalid")
	assert.ErrorIs(t, m.Send(model.TypingEvent{Typing: true}), ErrNotOpen)
}

func TestSendAfterClose(t *testing.T) {
	host := roomServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := newManager(host)
	require.NoError(t, m.Open(context.Background(), "room-7", testIdentity))
	m.Close()

	assert.ErrorIs(t, m.Send(model.TypingEvent{Typing: true}), ErrNotOpen)
}

func TestOpenIsOneShot(t *testing.T) {
	host := roomServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := newManager(host)
	require.NoError(t, m.Open(context.Background(), "room-7", testIdentity))
	defer m.Close()

	assert.ErrorIs(t, m.Open(context.Background(), "room-7", testIdentity), ErrNotIdle)
}

func TestOpenDialFailure(t *testing.T) {
	m := newManager("127.0.0.1:1") // nothing listens here

	err := m.Open(context.Background(), "room-7", testIdentity)
	assert.ErrorIs(t, err, ErrDial)
	assert.Equal(t, StateClosed, m.State())
}

func TestTransportErrorSurfacesOnClose(t *testing.T) {
	host := roomServer(t, func(conn *websocket.Conn, r *http.Request) {
		// Drop the socket without a close frame.
		_ = conn.Close()
	})

	m := newManager(host)
	closed := make(chan error, 1)
	m.OnClose(func(err error) { closed <- err })

	require.NoError(t, m.Open(context.Background(), "room-7", testIdentity))

	select {
	case err := <-closed:
		assert.Error(t, err)
		assert.Equal(t, StateClosed, m.State())
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not invoked")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newManager("nowhere.invalid")
	m.Close()
	m.Close()
	assert.Equal(t, StateClosed, m.State())
}
