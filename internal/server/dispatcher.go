package server

import (
	"errors"
	"log"

	"github.com/converge/chatsync/internal/protocol"
)

// HandlerFunc handles one parsed client envelope. The msg parameter is the
// concrete struct returned by protocol.ParseClientMessage.
type HandlerFunc func(conn *Connection, msg interface{})

// Dispatcher routes incoming WebSocket frames to registered handlers based
// on the envelope type. Malformed frames get a structured error response;
// unknown types are logged and ignored, never fatal.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register associates a handler with an envelope type. A handler already
// registered for the type is silently replaced.
func (d *Dispatcher) Register(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch parses the raw frame and routes it. The socket stays open for
// every protocol error.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("server: ignoring unknown envelope type=%q conn=%s", msgType, conn.ID)
			return
		}
		log.Printf("server: dispatch parse error conn=%s: %v", conn.ID, err)
		sendError(conn, "parse_error", "invalid message format")
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("server: no handler for type=%q conn=%s", msgType, conn.ID)
		return
	}
	handler(conn, msg)
}

// sendError sends a structured error envelope to the client. Failures during
// construction or enqueue are logged but not propagated.
func sendError(conn *Connection, code string, message string) {
	data, err := protocol.Encode(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("server: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}
	if !conn.Send(data) {
		log.Printf("server: failed to enqueue error message conn=%s", conn.ID)
	}
}
