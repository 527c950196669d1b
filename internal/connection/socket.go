package connection

// ReadyState mirrors the transport socket lifecycle.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// Handlers receives transport events. The connection actor installs
// handlers that tag every event with the socket generation that produced
// it, so events from superseded sockets are discarded.
type Handlers struct {
	OnOpen    func()
	OnMessage func(payload string)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Socket is the minimal transport surface the connection actor drives. The
// socket object is owned exclusively by the connection actor and never
// escapes it.
type Socket interface {
	Send(payload string) error
	Close(code int, reason string) error
	ReadyState() ReadyState
}

// Factory creates a socket and wires its event handlers. Factories must not
// block: connection failures surface through OnError/OnClose, never as a
// construction error (browser-WebSocket semantics).
type Factory func(h Handlers) Socket
