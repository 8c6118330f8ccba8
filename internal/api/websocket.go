package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"execution-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents pushes bus events to the operator as they are published.
// ?types= narrows the stream to a comma separated list of event types.
func (s *Server) streamEvents(c *gin.Context) {
	if s.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "BUS_NOT_READY", "event bus not ready")
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}
	defer conn.Close()

	var types []events.Type
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, events.Type(t))
		}
	}

	stream := make(chan events.Event, 64)
	unsub := s.Bus.Subscribe("api-stream-"+uuid.NewString()[:8], 256, func(e events.Event) {
		select {
		case stream <- e:
		default:
		}
	}, types...)
	defer unsub()

	// the read side only watches for the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	operator := CurrentOperator(c)
	s.log.Info().Str("operator", operator).Msg("event stream opened")
	defer s.log.Info().Str("operator", operator).Msg("event stream closed")
	for {
		select {
		case <-gone:
			return
		case e := <-stream:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				s.log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}
}
