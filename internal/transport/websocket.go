// Package transport provides the production websocket implementation of the
// connection socket contract. Dialing happens in the background so socket
// construction never blocks: failures surface through the error and close
// handlers, exactly like an in-browser WebSocket.
package transport

import (
	"io"
	"log/slog"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/voxfeld/tidepool/internal/connection"
)

// closeCodeGoingAway is reported when the local side initiates the close.
const closeCodeGoingAway = 1001

type wsSocket struct {
	mu       sync.Mutex
	state    connection.ReadyState
	conn     *websocket.Conn
	handlers connection.Handlers
	log      *slog.Logger
}

// NewFactory returns a socket factory dialing the given websocket URL. The
// origin is required by the handshake; clients outside a browser typically
// pass the http form of the server address.
func NewFactory(url, origin string, log *slog.Logger) connection.Factory {
	if log == nil {
		log = slog.Default()
	}
	return func(h Handlers) connection.Socket {
		s := &wsSocket{state: connection.StateConnecting, handlers: h, log: log}
		go s.dial(url, origin)
		return s
	}
}

// Handlers aliases the connection handler set for factory signatures.
type Handlers = connection.Handlers

func (s *wsSocket) dial(url, origin string) {
	conn, err := websocket.Dial(url, "", origin)

	s.mu.Lock()
	if s.state == connection.StateClosed {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.state = connection.StateClosed
		s.mu.Unlock()
		s.handlers.OnError(err)
		s.handlers.OnClose(1006, err.Error())
		return
	}
	s.conn = conn
	s.state = connection.StateOpen
	s.mu.Unlock()

	s.handlers.OnOpen()
	s.readLoop(conn)
}

func (s *wsSocket) readLoop(conn *websocket.Conn) {
	for {
		var payload string
		if err := websocket.Message.Receive(conn, &payload); err != nil {
			s.mu.Lock()
			wasClosed := s.state == connection.StateClosed
			s.state = connection.StateClosed
			s.mu.Unlock()

			if wasClosed {
				return
			}
			if err == io.EOF {
				s.handlers.OnClose(1006, "connection lost")
				return
			}
			s.handlers.OnError(err)
			s.handlers.OnClose(1006, err.Error())
			return
		}
		s.handlers.OnMessage(payload)
	}
}

func (s *wsSocket) Send(payload string) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()
	if state != connection.StateOpen || conn == nil {
		return io.ErrClosedPipe
	}
	return websocket.Message.Send(conn, payload)
}

func (s *wsSocket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.state == connection.StateClosed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.state = connection.StateClosed
	s.mu.Unlock()

	s.log.Debug("closing websocket", "code", code, "reason", reason)
	if conn != nil {
		if err := conn.Close(); err != nil {
			return err
		}
	}
	// Locally initiated closes report synchronously so the caller observes
	// the transition without waiting on the read loop.
	s.handlers.OnClose(closeCodeGoingAway, reason)
	return nil
}

func (s *wsSocket) ReadyState() connection.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
