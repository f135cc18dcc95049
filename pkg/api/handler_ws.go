package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/batonworks/baton/pkg/events"
	"github.com/batonworks/baton/pkg/models"
)

// upgrader accepts all origins; the API carries no browser credentials.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientMessage is the only inbound frame shape the server understands.
type clientMessage struct {
	Type string `json:"type"`
}

// wsGlobalHandler handles GET /ws: every job-scoped event plus agent and
// routing events. The first frame is a connected acknowledgement.
func (s *Server) wsGlobalHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sub := s.manager.Subscribe("")
	s.serveWS(c, conn, sub, []events.Frame{{
		Type:      events.EventTypeConnected,
		Timestamp: time.Now(),
		Data:      map[string]any{"subscriber_id": sub.ID, "scope": "global"},
	}})
}

// wsJobHandler handles GET /ws/jobs/:id: one job's events from a snapshot
// forward. An unknown job id yields a single error frame and a close.
func (s *Server) wsJobHandler(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("id")
	job, jobErr := s.executor.Job(ctx, jobID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	if jobErr != nil {
		s.writeFrame(conn, events.Frame{
			Type:      events.EventTypeError,
			Timestamp: time.Now(),
			Data:      map[string]any{"detail": "unknown job " + jobID},
		})
		conn.Close()
		return
	}

	// Subscribe before building the snapshot so no transition between
	// snapshot and first live frame is lost.
	sub := s.manager.Subscribe(jobID)
	progress, _ := s.executor.Progress(ctx, job)
	tasks := make([]*models.Task, 0, len(job.TaskIDs))
	for _, id := range job.TaskIDs {
		if task, err := s.executor.Task(ctx, id); err == nil {
			tasks = append(tasks, task)
		}
	}
	s.serveWS(c, conn, sub, []events.Frame{{
		Type:      events.EventTypeJobStatus,
		Timestamp: time.Now(),
		JobID:     jobID,
		Data: map[string]any{
			"job":      job,
			"progress": progress,
			"tasks":    tasks,
		},
	}})
}

// serveWS pumps frames to one connection until it closes: the initial
// frames, then the subscriber queue, with periodic pings. Client pings are
// answered with pong frames; malformed client frames produce an error frame
// without closing the connection.
func (s *Server) serveWS(c *gin.Context, conn *websocket.Conn, sub *events.Subscriber, initial []events.Frame) {
	defer conn.Close()
	defer s.manager.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	out := make(chan events.Frame, 16)

	// Drain the subscriber queue into the write loop.
	go func() {
		for {
			frame, err := sub.Next(ctx)
			if err != nil {
				cancel()
				return
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Read loop: client pings, bad frames, and disconnect detection.
	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg clientMessage
			reply := events.Frame{Timestamp: time.Now()}
			if err := json.Unmarshal(raw, &msg); err != nil {
				reply.Type = events.EventTypeError
				reply.Data = map[string]any{"detail": "malformed frame: " + err.Error()}
			} else if msg.Type == events.EventTypePing {
				reply.Type = events.EventTypePong
			} else {
				reply.Type = events.EventTypeError
				reply.Data = map[string]any{"detail": "unknown message type " + msg.Type}
			}
			select {
			case out <- reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	for _, frame := range initial {
		if err := s.writeFrame(conn, frame); err != nil {
			return
		}
	}

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-out:
			if err := s.writeFrame(conn, frame); err != nil {
				return
			}
		case <-ticker.C:
			ping := events.Frame{Type: events.EventTypePing, Timestamp: time.Now()}
			if err := s.writeFrame(conn, ping); err != nil {
				return
			}
		}
	}
}

// writeFrame sends one frame with the configured write deadline.
func (s *Server) writeFrame(conn *websocket.Conn, frame events.Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}
