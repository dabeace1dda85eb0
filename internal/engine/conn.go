package engine

import (
	"errors"
	"log"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/converge/chatsync/internal/protocol"
)

// send routes an outbound envelope through the connection manager. Frames
// other than authenticate are silently dropped (with a warning) while the
// socket is not authenticated; the caller's optimistic local state is
// unaffected. Returns whether the frame was actually written.
func (e *Engine) send(msgType string, payload interface{}) bool {
	e.mu.Lock()
	if e.state != StateAuthenticated || e.sock == nil {
		local := e.cfg.URL == ""
		e.mu.Unlock()
		if !local {
			log.Printf("[engine] dropping %q envelope: not authenticated", msgType)
		}
		return false
	}
	sock := e.sock
	e.mu.Unlock()

	return e.writeEnvelope(sock, msgType, payload)
}

// writeEnvelope encodes and writes one frame, serialized by the write mutex.
func (e *Engine) writeEnvelope(sock net.Conn, msgType string, payload interface{}) bool {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		log.Printf("[engine] failed to encode %q envelope: %v", msgType, err)
		return false
	}

	e.writeMu.Lock()
	err = wsutil.WriteClientMessage(sock, ws.OpText, data)
	e.writeMu.Unlock()
	if err != nil {
		log.Printf("[engine] write %q failed: %v", msgType, err)
		return false
	}
	return true
}

// readLoop reads frames until the socket closes. Envelopes on a single
// socket are processed strictly in arrival order. The epoch guards against
// late callbacks from a socket that has since been replaced.
func (e *Engine) readLoop(conn net.Conn, epoch uint64) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			e.handleClose(epoch, err)
			return
		}
		e.handleFrame(epoch, data)
	}
}

// handleFrame parses and dispatches one inbound envelope. Malformed frames
// and unknown types are dropped and logged; the socket is never closed for
// a protocol error.
func (e *Engine) handleFrame(epoch uint64, data []byte) {
	e.mu.Lock()
	stale := e.epoch != epoch || e.closed
	e.mu.Unlock()
	if stale {
		return
	}

	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("[engine] ignoring unknown envelope type %q", msgType)
		} else {
			log.Printf("[engine] dropping malformed envelope: %v", err)
		}
		return
	}

	switch m := msg.(type) {
	case protocol.AuthenticatedMsg:
		e.handleAuthenticated(epoch, m)
	case protocol.ConversationJoinedMsg:
		e.registry.Confirm(m.ConversationID)
	case protocol.ConversationHistoryMsg:
		if e.registry.Confirm(m.ConversationID) {
			e.rec.MergeHistory(m.Messages)
		}
	case protocol.MessageMsg:
		e.rec.ApplyRemote(m.Message)
	case protocol.TypingMsg:
		e.typing.ApplyRemote(m.UserID, m.DisplayName, m.IsTyping)
	case protocol.ErrorMsg:
		log.Printf("[engine] server error: code=%q %s", m.Code, m.Message)
		if e.cfg.OnError != nil {
			e.cfg.OnError(m.Code, m.Message)
		}
	}
}

// handleAuthenticated completes the handshake: the session becomes
// authenticated and any pending join is replayed so callers never need to
// know whether the socket was ready when they joined.
func (e *Engine) handleAuthenticated(epoch uint64, m protocol.AuthenticatedMsg) {
	e.mu.Lock()
	if e.epoch != epoch || e.closed {
		e.mu.Unlock()
		return
	}
	if m.UserID != "" {
		e.userID = m.UserID
	}
	userID := e.userID
	e.setStateLocked(StateAuthenticated)
	e.mu.Unlock()

	e.rec.SetUser(userID)
	e.typing.SetSelf(userID)
	e.registry.Replay()
}

// handleClose reacts to the transport's close event. Errors alone never
// force-close the socket; only a failed read lands here. All previously
// confirmed state becomes unconfirmed until re-authentication.
func (e *Engine) handleClose(epoch uint64, err error) {
	e.mu.Lock()
	if e.epoch != epoch || e.closed {
		// The socket was already replaced or torn down; this close event
		// belongs to a defunct connection.
		e.mu.Unlock()
		return
	}
	sock := e.sock
	e.sock = nil
	e.setStateLocked(StateClosed)
	e.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	e.registry.Invalidate()
	log.Printf("[engine] connection closed: %v", err)
}
