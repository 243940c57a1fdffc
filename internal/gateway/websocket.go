package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hiveloop/hiveloop/internal/events"
	"github.com/hiveloop/hiveloop/internal/events/bus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsCatchupBatch = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsFrame is one message on the event stream. Seq is set only for
// journal catchup frames; live frames carry just the event.
type wsFrame struct {
	Seq   int64              `json:"seq,omitempty"`
	Event *events.AgentEvent `json:"event"`
}

// websocket streams bus events to a client. With ?since_id=N and a
// journal attached, persisted events after N are replayed first, then
// the connection goes live. ?graph= and ?types= (comma separated) narrow
// the live subscription.
func (s *Server) websocket(c *gin.Context) {
	filter := bus.Filter{GraphID: c.Query("graph")}
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, events.Type(t))
			}
		}
	}

	// Subscribe before catchup so no event falls between journal replay
	// and the live stream. Duplicates across the seam are possible; the
	// client dedupes on event id.
	sub := s.bus.Subscribe(filter)
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if raw := c.Query("since_id"); raw != "" && s.journal != nil {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeClose(conn, websocket.ClosePolicyViolation, "bad since_id")
			return
		}
		if err := s.replayJournal(conn, since, filter); err != nil {
			return
		}
	}

	// Reader exists only to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				writeClose(conn, websocket.CloseGoingAway, "bus closed")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsFrame{Event: ev}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// replayJournal pushes persisted events after seq to the client in
// batches until it drains.
func (s *Server) replayJournal(conn *websocket.Conn, since int64, filter bus.Filter) error {
	for {
		entries, err := s.journal.Since(since, wsCatchupBatch)
		if err != nil {
			s.log.Warn("Journal catchup failed", zap.Error(err))
			writeClose(conn, websocket.CloseInternalServerErr, "catchup failed")
			return err
		}
		for _, e := range entries {
			if !matchesFilter(filter, e.Event) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsFrame{Seq: e.Seq, Event: e.Event}); err != nil {
				return err
			}
		}
		if len(entries) < wsCatchupBatch {
			return nil
		}
		since = entries[len(entries)-1].Seq
	}
}

// matchesFilter mirrors the bus filter for journal entries during
// catchup.
func matchesFilter(f bus.Filter, ev *events.AgentEvent) bool {
	if f.GraphID != "" && ev.GraphID != f.GraphID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
