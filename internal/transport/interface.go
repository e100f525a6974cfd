package transport

// Connection is the outbound half of one client socket.
type Connection interface {
	ID() string
	Send(msg ServerMessage) error
}
