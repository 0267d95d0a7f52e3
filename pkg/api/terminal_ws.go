package api

import (
	"encoding/base64"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/gantrylabs/gantry/pkg/terminal"
)

// terminalClientFrame is one client-to-server message on the terminal
// socket. Data carries base64-encoded bytes for input frames.
type terminalClientFrame struct {
	Action      string `json:"action"` // open | input | resize | close | reattach
	ContainerID string `json:"container_id,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
	Data        string `json:"data,omitempty"`
	LastSeq     uint64 `json:"last_seq,omitempty"`
}

// terminalServerFrame is one server-to-client message. Output frames
// carry the session sequence number so the client can reattach later.
type terminalServerFrame struct {
	Type      string `json:"type"` // opened | output | closed | error
	SessionID string `json:"session_id,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	Data      string `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// terminalConn serializes writes to one socket; the output pump and the
// control path both send frames.
type terminalConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *terminalConn) send(frame terminalServerFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(frame)
}

// handleTerminal bridges one WebSocket connection to at most one exec
// session. A dropped connection detaches the session instead of closing
// it, so the client can reattach within the resume grace window.
func (s *Server) handleTerminal(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Terminal socket upgrade failed")
		return
	}
	defer conn.Close()

	tc := &terminalConn{conn: conn}
	connDone := make(chan struct{})
	defer close(connDone)

	var sessionID string
	defer func() {
		if sessionID != "" {
			s.terminals.Detach(sessionID)
		}
	}()

	for {
		var frame terminalClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Action {
		case "open":
			if sessionID != "" {
				_ = tc.send(terminalServerFrame{Type: "error", Error: "session already open on this connection"})
				continue
			}
			session, err := s.terminals.Open(c.Request.Context(), frame.ContainerID, frame.RunID, frame.Cols, frame.Rows)
			if err != nil {
				_ = tc.send(terminalServerFrame{Type: "error", Error: err.Error()})
				continue
			}
			sessionID = session.Info().SessionID
			listener, _ := s.terminals.Listener(sessionID)
			go s.pumpTerminal(tc, sessionID, listener, connDone)
			_ = tc.send(terminalServerFrame{Type: "opened", SessionID: sessionID})

		case "input":
			data, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				_ = tc.send(terminalServerFrame{Type: "error", SessionID: sessionID, Error: "input data is not valid base64"})
				continue
			}
			if err := s.terminals.SendInput(sessionID, data); err != nil {
				_ = tc.send(terminalServerFrame{Type: "error", SessionID: sessionID, Error: err.Error()})
			}

		case "resize":
			if err := s.terminals.Resize(c.Request.Context(), sessionID, frame.Cols, frame.Rows); err != nil {
				_ = tc.send(terminalServerFrame{Type: "error", SessionID: sessionID, Error: err.Error()})
			}

		case "reattach":
			if sessionID != "" {
				_ = tc.send(terminalServerFrame{Type: "error", Error: "session already open on this connection"})
				continue
			}
			replay, listener, err := s.terminals.Reattach(frame.SessionID, frame.LastSeq)
			if err != nil {
				_ = tc.send(terminalServerFrame{Type: "error", Error: err.Error()})
				continue
			}
			sessionID = frame.SessionID
			for _, chunk := range replay {
				if err := s.sendChunk(tc, sessionID, chunk); err != nil {
					return
				}
			}
			go s.pumpTerminal(tc, sessionID, listener, connDone)
			_ = tc.send(terminalServerFrame{Type: "opened", SessionID: sessionID})

		case "close":
			if sessionID == "" {
				_ = tc.send(terminalServerFrame{Type: "error", Error: "no open session"})
				continue
			}
			if err := s.terminals.Close(sessionID); err != nil {
				_ = tc.send(terminalServerFrame{Type: "error", SessionID: sessionID, Error: err.Error()})
				continue
			}
			_ = tc.send(terminalServerFrame{Type: "closed", SessionID: sessionID})
			sessionID = ""

		default:
			_ = tc.send(terminalServerFrame{Type: "error", Error: "unknown action " + frame.Action})
		}
	}
}

// pumpTerminal forwards sequenced output chunks to the socket until the
// connection ends or the listener channel is replaced by a reattach.
func (s *Server) pumpTerminal(tc *terminalConn, sessionID string, listener <-chan terminal.OutputChunk, connDone <-chan struct{}) {
	for {
		select {
		case <-connDone:
			return
		case chunk, ok := <-listener:
			if !ok {
				_ = tc.send(terminalServerFrame{Type: "closed", SessionID: sessionID})
				return
			}
			if err := s.sendChunk(tc, sessionID, chunk); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendChunk(tc *terminalConn, sessionID string, chunk terminal.OutputChunk) error {
	return tc.send(terminalServerFrame{
		Type:      "output",
		SessionID: sessionID,
		Seq:       chunk.Seq,
		Data:      base64.StdEncoding.EncodeToString(chunk.Data),
	})
}
