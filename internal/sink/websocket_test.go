package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/elvirab/echelon/internal/engine"
	"github.com/elvirab/echelon/pkg/audio"
)

// fakeController records the control calls the server forwards.
type fakeController struct {
	mu      sync.Mutex
	audio   [][]float32
	commits int
	stops   int
}

func (f *fakeController) PushAudio(samples []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, samples)
}

func (f *fakeController) Commit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):]+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestBroadcastReachesClient(t *testing.T) {
	t.Parallel()

	s := NewServer()
	conn := dial(t, s)

	// Broadcast may race the connection registration; retry until the
	// client is registered.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	s.Status("engine ready")
	s.Transcript(engine.TranscriptUpdate{Partial: "hello"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "status" || ev.Text != "engine ready" {
		t.Errorf("first event: %+v", ev)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "transcript" || ev.Transcript == nil || ev.Transcript.Partial != "hello" {
		t.Errorf("second event: %+v", ev)
	}
}

func TestInboundAudioAndControl(t *testing.T) {
	t.Parallel()

	s := NewServer()
	ctrl := &fakeController{}
	s.SetController(ctrl)
	conn := dial(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// One binary frame of PCM16 audio and one commit control message.
	pcm := audio.Float32ToPCM16([]float32{0, 0.5, -0.5})
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"commit"}`)); err != nil {
		t.Fatalf("write control: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctrl.mu.Lock()
		ok := len(ctrl.audio) == 1 && ctrl.commits == 1
		ctrl.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.audio) != 1 || len(ctrl.audio[0]) != 3 {
		t.Fatalf("audio frames: %v", ctrl.audio)
	}
	if ctrl.commits != 1 {
		t.Errorf("commits: want 1, got %d", ctrl.commits)
	}
}
