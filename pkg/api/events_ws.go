package api

import (
	"github.com/gorilla/websocket"

	"github.com/gin-gonic/gin"

	"github.com/gantrylabs/gantry/pkg/bus"
	"github.com/gantrylabs/gantry/pkg/types"
)

// eventControlMsg is what a subscriber sends to change its filter. An
// empty run id list on subscribe means every run.
type eventControlMsg struct {
	Action string   `json:"action"` // subscribe | unsubscribe
	RunIDs []string `json:"run_ids,omitempty"`
}

// eventFrame is one server-to-client message on the event socket.
type eventFrame struct {
	Type   string            `json:"type"` // job_event | runtime_status
	Event  *types.JobEvent   `json:"event,omitempty"`
	Status *bus.StatusChange `json:"status,omitempty"`
}

// handleEventSubscribe bridges a WebSocket connection onto the bus. The
// connection starts unfiltered and receives nothing until the client
// sends a subscribe message; a disconnected client catches up later via
// the backlog endpoint using its last delivery id.
func (s *Server) handleEventSubscribe(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Event socket upgrade failed")
		return
	}
	defer conn.Close()

	receiver := s.bus.Subscribe()
	defer s.bus.Unsubscribe(receiver)

	writeDone := make(chan struct{})
	go s.pumpEvents(conn, receiver, writeDone)

	for {
		var msg eventControlMsg
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Action {
		case "subscribe":
			receiver.SetFilter(len(msg.RunIDs) == 0, msg.RunIDs)
		case "unsubscribe":
			receiver.ClearFilter()
		}
	}

	// Unsubscribing closes the receiver channels, which stops the pump.
	s.bus.Unsubscribe(receiver)
	<-writeDone
}

// pumpEvents forwards bus deliveries to the socket until the receiver's
// channels close or a write fails.
func (s *Server) pumpEvents(conn *websocket.Conn, receiver *bus.Receiver, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-receiver.Events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(eventFrame{Type: "job_event", Event: &ev}); err != nil {
				return
			}
		case change, ok := <-receiver.Status:
			if !ok {
				return
			}
			if err := conn.WriteJSON(eventFrame{Type: "runtime_status", Status: &change}); err != nil {
				return
			}
		}
	}
}
