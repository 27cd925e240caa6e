// Package sink delivers engine output to external consumers.
//
// [Server] implements [engine.Sink] over WebSocket: every connected client
// receives a JSON event stream of status messages, model-load progress, and
// transcript snapshots. Clients may also drive the engine through the same
// connection — binary frames carry 16-bit little-endian PCM audio at 16 kHz
// mono, and text frames carry JSON control messages ("commit", "stop").
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/elvirab/echelon/internal/engine"
	"github.com/elvirab/echelon/pkg/audio"
)

// writeTimeout bounds a single broadcast write; a stalled client is dropped
// rather than allowed to block the engine's event path.
const writeTimeout = 5 * time.Second

// Controller is the subset of the engine the WebSocket control channel
// drives.
type Controller interface {
	PushAudio(samples []float32)
	Commit()
	Stop()
}

// Compile-time assertion that Server satisfies engine.Sink.
var _ engine.Sink = (*Server)(nil)

// event is the JSON envelope for every outbound message.
type event struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	Level    int     `json:"level,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	File     string  `json:"file,omitempty"`

	Transcript *engine.TranscriptUpdate `json:"transcript,omitempty"`
}

// control is the JSON body of an inbound text frame.
type control struct {
	Type string `json:"type"`
}

// Server is a WebSocket transcript sink. Create with NewServer, register its
// Handler on an HTTP mux, and attach the engine with SetController.
// All methods are safe for concurrent use.
type Server struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	ctrl  Controller
}

// NewServer returns a Server with no connected clients.
func NewServer() *Server {
	return &Server{conns: make(map[*websocket.Conn]struct{})}
}

// SetController attaches the engine driven by inbound control messages.
// Until one is set, inbound audio and control frames are ignored.
func (s *Server) SetController(ctrl Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl = ctrl
}

// Register adds the /ws route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.HandleWS)
}

// HandleWS upgrades the request to a WebSocket connection and serves it
// until the client disconnects.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("sink: websocket accept failed", "err", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	s.readLoop(r.Context(), conn)
}

// readLoop consumes inbound frames until the connection closes.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("sink: websocket read ended", "err", err)
			}
			return
		}

		s.mu.Lock()
		ctrl := s.ctrl
		s.mu.Unlock()
		if ctrl == nil {
			continue
		}

		switch typ {
		case websocket.MessageBinary:
			ctrl.PushAudio(audio.PCM16ToFloat32(data))
		case websocket.MessageText:
			var c control
			if err := json.Unmarshal(data, &c); err != nil {
				slog.Warn("sink: bad control message", "err", err)
				continue
			}
			switch c.Type {
			case "commit":
				ctrl.Commit()
			case "stop":
				ctrl.Stop()
			default:
				slog.Warn("sink: unknown control message", "type", c.Type)
			}
		}
	}
}

// Status broadcasts a status event.
func (s *Server) Status(text string) {
	s.broadcast(event{Type: "status", Text: text})
}

// LoadProgress broadcasts a model-load progress event.
func (s *Server) LoadProgress(level int, progress float64, file string) {
	s.broadcast(event{Type: "load_progress", Level: level, Progress: progress, File: file})
}

// Transcript broadcasts a transcript snapshot.
func (s *Server) Transcript(update engine.TranscriptUpdate) {
	s.broadcast(event{Type: "transcript", Transcript: &update})
}

// broadcast sends ev to every connected client, dropping clients whose
// writes fail or time out.
func (s *Server) broadcast(ev event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("sink: marshal event", "err", err)
		return
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			c.Close(websocket.StatusPolicyViolation, "write failed")
		}
	}
}
