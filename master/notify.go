package master

import (
	"net/http"

	"github.com/expsys/exprun/sched"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ScheduleSnapshot is the schedule state sent when a notify stream opens.
type ScheduleSnapshot struct {
	Queue    []sched.QueueEntry
	Periodic []sched.PeriodicEntry
}

// NotifyMessage is one message on the notify stream: a snapshot when the
// stream opens, then one event per schedule change.
type NotifyMessage struct {
	Snapshot *ScheduleSnapshot
	Event    *sched.Event
}

// notify streams schedule changes over a WebSocket connection. The
// subscription must be taken before the snapshot; an event can then at
// worst duplicate state the snapshot already carries.
func (s *Server) notify(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("notify WebSocket accept error: %s", err)
		return
	}
	s.log.Debug("accepted notify WebSocket conn")

	events, cancel := s.sched.Subscribe(64)
	defer cancel()

	ctx := r.Context()
	snap := ScheduleSnapshot{
		Queue:    s.sched.Queue(),
		Periodic: s.sched.Periodic(),
	}
	if err := wsjson.Write(ctx, wsConn, NotifyMessage{Snapshot: &snap}); err != nil {
		s.log.Debugf("notify snapshot write error: %s", err)
		wsConn.Close(websocket.StatusInternalError, "snapshot write failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				wsConn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, wsConn, NotifyMessage{Event: &ev}); err != nil {
				s.log.Debugf("notify write error: %s", err)
				return
			}
		}
	}
}
