package testutil

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/voxfeld/tidepool/internal/connection"
)

// ScriptedSocket is a socket double driven entirely by the test: the test
// opens it, pushes server frames, and closes it. Frames sent by the client
// are recorded for assertion.
type ScriptedSocket struct {
	mu       sync.Mutex
	state    connection.ReadyState
	handlers connection.Handlers
	sent     []string
	closes   []int
}

// ServerOpen transitions the socket to open and fires the open handler.
func (s *ScriptedSocket) ServerOpen() {
	s.mu.Lock()
	s.state = connection.StateOpen
	s.mu.Unlock()
	s.handlers.OnOpen()
}

// ServerMessage delivers a raw text frame from the fake server.
func (s *ScriptedSocket) ServerMessage(payload string) {
	s.handlers.OnMessage(payload)
}

// ServerMessageJSON marshals v and delivers it as a text frame.
func (s *ScriptedSocket) ServerMessageJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.ServerMessage(string(data))
	return nil
}

// ServerClose simulates the server dropping the connection.
func (s *ScriptedSocket) ServerClose(code int, reason string) {
	s.mu.Lock()
	s.state = connection.StateClosed
	s.mu.Unlock()
	s.handlers.OnClose(code, reason)
}

// Send records a client frame.
func (s *ScriptedSocket) Send(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	return nil
}

// Close records a client-initiated close.
func (s *ScriptedSocket) Close(code int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = connection.StateClosed
	s.closes = append(s.closes, code)
	return nil
}

// ReadyState reports the scripted lifecycle phase.
func (s *ScriptedSocket) ReadyState() connection.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sent returns a copy of every frame the client sent so far.
func (s *ScriptedSocket) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// SentDecoded returns every sent frame unmarshalled into a map.
func (s *ScriptedSocket) SentDecoded() ([]map[string]any, error) {
	raw := s.Sent()
	out := make([]map[string]any, 0, len(raw))
	for _, payload := range raw {
		var frame map[string]any
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			return nil, fmt.Errorf("decode sent frame %q: %w", payload, err)
		}
		out = append(out, frame)
	}
	return out, nil
}

// CloseCodes returns the codes of client-initiated closes.
func (s *ScriptedSocket) CloseCodes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.closes...)
}

// SocketScript hands out scripted sockets in creation order.
type SocketScript struct {
	mu      sync.Mutex
	created []*ScriptedSocket
}

// NewSocketScript creates an empty script.
func NewSocketScript() *SocketScript {
	return &SocketScript{}
}

// Factory is the connection.Factory that records each created socket.
func (s *SocketScript) Factory(h connection.Handlers) connection.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock := &ScriptedSocket{state: connection.StateConnecting, handlers: h}
	s.created = append(s.created, sock)
	return sock
}

// At returns the i-th created socket, waiting up to five seconds for it to
// exist. It returns nil on timeout.
func (s *SocketScript) At(i int) *ScriptedSocket {
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		if i < len(s.created) {
			sock := s.created[i]
			s.mu.Unlock()
			return sock
		}
		s.mu.Unlock()
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

// Count returns how many sockets were created.
func (s *SocketScript) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}
