package connection

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harborline/opchat/model"
)

const (
	defaultHandshakeTimeout   = 3 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultMaxMessageSize     = 9000
)

var (
	ErrNotIdle = errors.New("connection was already opened")
	ErrNotOpen = errors.New("connection is not open")
	ErrClosed  = errors.New("connection is closed")
	ErrDial    = errors.New("unable to open room channel")
)

type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Config struct {
	Logger *zerolog.Logger
	Host   string
	// Secure selects wss, mirroring the transport of the hosting page.
	Secure bool
}

// Manager owns the duplex channel of exactly one room. It is one-shot:
// Idle -> Opening -> Open -> Closing -> Closed, with Open -> Closed on
// transport error. A room switch replaces the Manager wholesale.
type Manager struct {
	logger zerolog.Logger
	host   string
	secure bool
	dialer *websocket.Dialer

	mx      *sync.Mutex
	state   State
	conn    *websocket.Conn
	handler func(model.Event)
	onClose func(error)
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		logger: cfg.Logger.With().Str("component", "room-channel").Logger(),
		host:   cfg.Host,
		secure: cfg.Secure,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		mx:    &sync.Mutex{},
		state: StateIdle,
	}
}

// OnEvent registers the single inbound handler. Must be called before Open.
func (m *Manager) OnEvent(handler func(model.Event)) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.handler = handler
}

// OnClose registers a callback invoked once the channel terminates. The
// argument is nil for a deliberate or clean close and non-nil when the
// transport failed while open.
func (m *Manager) OnClose(handler func(error)) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.onClose = handler
}

func (m *Manager) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

// Open dials the room endpoint and starts the read pump. Valid only from
// Idle.
func (m *Manager) Open(ctx context.Context, roomID string, id model.Identity) error {
	m.mx.Lock()
	if m.state != StateIdle {
		m.mx.Unlock()
		return ErrNotIdle
	}
	m.state = StateOpening
	m.mx.Unlock()

	addr := m.roomURL(roomID, id)
	conn, _, err := m.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		m.mx.Lock()
		m.state = StateClosed
		m.mx.Unlock()
		return errors.Join(ErrDial, err)
	}

	m.mx.Lock()
	if m.state != StateOpening {
		// Closed while the handshake was in flight.
		m.mx.Unlock()
		closeConn(conn, &m.logger)
		return ErrClosed
	}
	m.conn = conn
	m.state = StateOpen
	handler := m.handler
	m.mx.Unlock()

	m.logger.Debug().Str("roomID", roomID).Msg("room channel open")
	go m.readLoop(conn, handler)
	return nil
}

func (m *Manager) roomURL(roomID string, id model.Identity) string {
	scheme := "ws"
	if m.secure {
		scheme = "wss"
	}
	q := url.Values{}
	q.Set("user_email", id.Email)
	q.Set("user_name", id.Name)
	u := url.URL{
		Scheme:   scheme,
		Host:     m.host,
		Path:     "/rooms/" + roomID + "/ws",
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Send serializes the event to the wire. Valid only from Open; there is no
// outbound queue, callers drop on ErrNotOpen.
func (m *Manager) Send(ev model.Event) error {
	b, err := model.EncodeEvent(ev)
	if err != nil {
		return err
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	if m.state != StateOpen {
		return ErrNotOpen
	}
	if err = m.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return m.conn.WriteMessage(websocket.TextMessage, b)
}

// Close is valid from any state and idempotent.
func (m *Manager) Close() {
	m.mx.Lock()
	if m.state == StateClosing || m.state == StateClosed {
		m.mx.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.state = StateClosing
	m.mx.Unlock()

	if conn != nil {
		closeConn(conn, &m.logger)
	}

	m.mx.Lock()
	m.state = StateClosed
	m.mx.Unlock()
	m.logger.Debug().Msg("room channel closed")
}

func (m *Manager) readLoop(conn *websocket.Conn, handler func(model.Event)) {
	conn.SetReadLimit(defaultMaxMessageSize)
	ping := conn.PingHandler()
	conn.SetPingHandler(func(appData string) error {
		m.logger.Trace().Msg("got ping")
		return ping(appData)
	})

	var cause error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) || m.State() != StateOpen {
				m.logger.Debug().Err(err).Msg("room channel terminated")
			} else {
				m.logger.Error().Err(err).Msg("unexpected error on room channel")
				cause = err
			}
			break
		}

		ev, err := model.DecodeEvent(data)
		if err != nil {
			m.logger.Error().Err(err).Msg("dropping malformed inbound event")
			continue
		}
		if handler != nil {
			handler(ev)
		}
	}

	m.mx.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = StateClosed
	onClose := m.onClose
	m.mx.Unlock()

	if onClose != nil {
		onClose(cause)
	}
}

// closeConn writes a close frame and tears the socket down.
func closeConn(conn *websocket.Conn, logger *zerolog.Logger) {
	err := conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
	if err != nil {
		logger.Error().Err(err).Msg("failed to set write deadline during closing")
	} else {
		err = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			logger.Error().Err(err).Msg("failed to write close frame")
		}
	}
	if err = conn.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close room channel")
	}
}
