package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"node.town/rtasr/fault"
	"node.town/rtasr/metrics"
	"node.town/rtasr/pacer"
	"node.town/rtasr/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeService is a recognition service on a local socket.
type fakeService struct {
	url   string
	conns atomic.Int32
}

func newFakeService(t *testing.T, handle func(ws *websocket.Conn)) *fakeService {
	t.Helper()
	fs := &fakeService{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.conns.Add(1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(srv.Close)
	fs.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return fs
}

// readIAT consumes frames until the one with status 2.
func readIAT(ws *websocket.Conn) (frames int, err error) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return frames, err
		}
		var f struct {
			Data struct {
				Status int `json:"status"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return frames, err
		}
		frames++
		if f.Data.Status == 2 {
			return frames, nil
		}
	}
}

func iatResult(sn int, text string, status int, rg ...int) string {
	pgs := "apd"
	if len(rg) > 0 {
		pgs = "rpl"
	}
	rgJSON, _ := json.Marshal(rg)
	return fmt.Sprintf(
		`{"code":0,"message":"success","sid":"iat-1","data":{"status":%d,"result":{"sn":%d,"pgs":%q,"rg":%s,"ws":[{"cw":[{"w":%q}]}]}}}`,
		status, sn, pgs, rgJSON, text,
	)
}

// drainClient waits for the client to hang up.
func drainClient(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

type recorder struct {
	mu          sync.Mutex
	transcripts []string
	updates     []Update
	failures    []error
	states      []State
	streaming   chan struct{}
	once        sync.Once
}

func newRecorder() *recorder {
	return &recorder{streaming: make(chan struct{})}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnTranscript: func(text string) {
			r.mu.Lock()
			r.transcripts = append(r.transcripts, text)
			r.mu.Unlock()
		},
		OnUpdate: func(u Update) {
			r.mu.Lock()
			r.updates = append(r.updates, u)
			r.mu.Unlock()
		},
		OnFailure: func(err error) {
			r.mu.Lock()
			r.failures = append(r.failures, err)
			r.mu.Unlock()
		},
		OnState: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
			if s == Streaming {
				r.once.Do(func() { close(r.streaming) })
			}
		},
	}
}

func iatOptions(url string) Options {
	return Options{
		Profile:       &wire.IAT{Endpoint: url + "/v2/iat"},
		Credentials:   wire.Credentials{AppID: "app", APIKey: "key", APISecret: "secret"},
		Meta:          wire.Meta{AppID: "app", Language: "zh_cn", Domain: "iat", Accent: "mandarin", Correction: true},
		FrameSize:     1280,
		FrameInterval: time.Millisecond,
	}
}

func TestRunReconcilesCorrections(t *testing.T) {
	frames := make(chan int, 1)
	fs := newFakeService(t, func(ws *websocket.Conn) {
		n, err := readIAT(ws)
		if err != nil {
			return
		}
		frames <- n
		for _, m := range []string{
			iatResult(1, "今天", 1),
			iatResult(2, "天起", 1),
			iatResult(3, "今天天气", 1, 1, 2),
			iatResult(4, "很好", 2),
		} {
			ws.WriteMessage(websocket.TextMessage, []byte(m))
		}
		drainClient(ws)
	})

	reg := prometheus.NewRegistry()
	opts := iatOptions(fs.url)
	opts.Metrics = metrics.New(reg)
	rec := newRecorder()
	s, err := New(opts, rec.callbacks())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Run(context.Background(), make([]byte, 3200)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := <-frames; n != 4 {
		t.Errorf("server saw %d frames, want 4", n)
	}
	if got := s.Transcript(); got != "今天天气很好" {
		t.Errorf("Transcript = %q", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{"今天", "今天天起", "今天天气", "今天天气很好"}
	if strings.Join(rec.transcripts, "|") != strings.Join(want, "|") {
		t.Errorf("transcripts = %v, want %v", rec.transcripts, want)
	}
	if len(rec.updates) != 4 || !rec.updates[2].Corrected || !rec.updates[3].Final {
		t.Errorf("updates = %+v", rec.updates)
	}
	if len(rec.failures) != 0 {
		t.Errorf("failures = %v", rec.failures)
	}
	wantStates := []State{Authenticating, Connecting, Streaming, Draining, Closed}
	if fmt.Sprint(rec.states) != fmt.Sprint(wantStates) {
		t.Errorf("states = %v, want %v", rec.states, wantStates)
	}

	if s.ServerSID() != "iat-1" || s.Corrections() != 1 {
		t.Errorf("sid = %q corrections = %d", s.ServerSID(), s.Corrections())
	}
	if got := testutil.ToFloat64(opts.Metrics.FramesSent); got != 4 {
		t.Errorf("frames metric = %v", got)
	}
	if got := testutil.ToFloat64(opts.Metrics.Sessions.WithLabelValues(metrics.OutcomeOK)); got != 1 {
		t.Errorf("ok sessions = %v", got)
	}
}

func TestServerErrorFailsSession(t *testing.T) {
	fs := newFakeService(t, func(ws *websocket.Conn) {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		ws.WriteMessage(websocket.TextMessage, []byte(`{"code":4003,"message":"unauthorized app","sid":"x"}`))
		ws.WriteMessage(websocket.TextMessage, []byte(iatResult(1, "late", 1)))
		drainClient(ws)
	})

	rec := newRecorder()
	opts := iatOptions(fs.url)
	opts.FrameInterval = 10 * time.Millisecond
	s, err := New(opts, rec.callbacks())
	if err != nil {
		t.Fatal(err)
	}

	err = s.Run(context.Background(), make([]byte, 1280*500))
	if !errors.Is(err, fault.ErrServer) {
		t.Fatalf("Run = %v, want server error", err)
	}
	if !strings.Contains(err.Error(), "4003") || !strings.Contains(err.Error(), "unauthorized app") {
		t.Errorf("error %q lacks code or message", err)
	}

	// Give any stray inbound message time to be (wrongly) delivered.
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 1 {
		t.Errorf("OnFailure called %d times, want 1", len(rec.failures))
	}
	if len(rec.transcripts) != 0 {
		t.Errorf("transcripts after failure: %v", rec.transcripts)
	}
	if s.State() != Failed {
		t.Errorf("state = %v, want failed", s.State())
	}
}

func TestMalformedMessagesAreSkipped(t *testing.T) {
	fs := newFakeService(t, func(ws *websocket.Conn) {
		if _, err := readIAT(ws); err != nil {
			return
		}
		ws.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		ws.WriteMessage(websocket.TextMessage, []byte(iatResult(1, "ok", 2)))
		drainClient(ws)
	})

	opts := iatOptions(fs.url)
	opts.Metrics = metrics.New(prometheus.NewRegistry())
	s, err := New(opts, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background(), make([]byte, 100)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Transcript() != "ok" {
		t.Errorf("Transcript = %q", s.Transcript())
	}
	if got := testutil.ToFloat64(opts.Metrics.Malformed); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
}

func TestRemoteCloseBeforeFinal(t *testing.T) {
	fs := newFakeService(t, func(ws *websocket.Conn) {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "engine busy"))
		drainClient(ws)
	})

	rec := newRecorder()
	opts := iatOptions(fs.url)
	opts.FrameInterval = 10 * time.Millisecond
	s, _ := New(opts, rec.callbacks())

	err := s.Run(context.Background(), make([]byte, 1280*500))
	if !errors.Is(err, fault.ErrConnect) {
		t.Fatalf("Run = %v, want connect error", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 1 {
		t.Errorf("failures = %v", rec.failures)
	}
}

func TestDrainTimeout(t *testing.T) {
	fs := newFakeService(t, func(ws *websocket.Conn) {
		if _, err := readIAT(ws); err != nil {
			return
		}
		// Never answer with a final result.
		drainClient(ws)
	})

	rec := newRecorder()
	opts := iatOptions(fs.url)
	opts.DrainTimeout = 50 * time.Millisecond
	s, _ := New(opts, rec.callbacks())

	err := s.Run(context.Background(), make([]byte, 1280*3))
	if !errors.Is(err, ErrDrainTimeout) || !errors.Is(err, fault.ErrProtocol) {
		t.Fatalf("Run = %v, want drain timeout", err)
	}
	if s.State() != Failed {
		t.Errorf("state = %s, want failed", s.State())
	}
}

func TestCloseStopsStreaming(t *testing.T) {
	// The service counts audio frames until the client's close frame.
	beforeClose := make(chan int, 1)
	fs := newFakeService(t, func(ws *websocket.Conn) {
		n := 0
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				beforeClose <- n
				return
			}
			n++
		}
	})

	rec := newRecorder()
	opts := iatOptions(fs.url)
	opts.FrameInterval = 10 * time.Millisecond
	reg := prometheus.NewRegistry()
	opts.Metrics = metrics.New(reg)
	s, _ := New(opts, rec.callbacks())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), make([]byte, 1280*1000)) }()

	select {
	case <-rec.streaming:
	case <-time.After(5 * time.Second):
		t.Fatal("session never started streaming")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Run = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	sent := testutil.ToFloat64(opts.Metrics.FramesSent)
	select {
	case n := <-beforeClose:
		if float64(n) != sent {
			t.Errorf("service read %d frames before close, client sent %v", n, sent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service never saw the close")
	}
	time.Sleep(3 * opts.FrameInterval)
	if after := testutil.ToFloat64(opts.Metrics.FramesSent); after != sent {
		t.Errorf("frames sent after Close: %v -> %v", sent, after)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 0 {
		t.Errorf("Close reported failures: %v", rec.failures)
	}
	if s.State() != Closed {
		t.Errorf("state = %v", s.State())
	}
}

func TestContextCancel(t *testing.T) {
	fs := newFakeService(t, drainClient)

	rec := newRecorder()
	opts := iatOptions(fs.url)
	opts.FrameInterval = 10 * time.Millisecond
	s, _ := New(opts, rec.callbacks())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-rec.streaming
		cancel()
	}()

	if err := s.Run(ctx, make([]byte, 1280*1000)); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestEmptyAudioNeverConnects(t *testing.T) {
	fs := newFakeService(t, drainClient)
	s, _ := New(iatOptions(fs.url), Callbacks{})

	if err := s.Run(context.Background(), nil); !errors.Is(err, pacer.ErrEmptyBuffer) {
		t.Errorf("Run = %v, want ErrEmptyBuffer", err)
	}
	if n := fs.conns.Load(); n != 0 {
		t.Errorf("%d connections opened", n)
	}
}

func TestAuthFailure(t *testing.T) {
	fs := newFakeService(t, drainClient)
	opts := iatOptions(fs.url)
	opts.Credentials.APISecret = ""

	rec := newRecorder()
	s, _ := New(opts, rec.callbacks())
	if err := s.Run(context.Background(), make([]byte, 10)); !errors.Is(err, fault.ErrAuth) {
		t.Errorf("Run = %v, want auth error", err)
	}
	if n := fs.conns.Load(); n != 0 {
		t.Errorf("%d connections opened", n)
	}
	if s.State() != Failed {
		t.Errorf("state = %v", s.State())
	}
}

func TestRunTwice(t *testing.T) {
	fs := newFakeService(t, func(ws *websocket.Conn) {
		if _, err := readIAT(ws); err != nil {
			return
		}
		ws.WriteMessage(websocket.TextMessage, []byte(iatResult(1, "x", 2)))
		drainClient(ws)
	})
	s, _ := New(iatOptions(fs.url), Callbacks{})
	if err := s.Run(context.Background(), []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background(), []byte{1}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Run = %v", err)
	}
}

func TestPostProcess(t *testing.T) {
	fs := newFakeService(t, func(ws *websocket.Conn) {
		if _, err := readIAT(ws); err != nil {
			return
		}
		ws.WriteMessage(websocket.TextMessage, []byte(iatResult(1, "hello", 2)))
		drainClient(ws)
	})

	opts := iatOptions(fs.url)
	opts.PostProcess = func(s string) string { return s + "." }
	rec := newRecorder()
	s, _ := New(opts, rec.callbacks())
	if err := s.Run(context.Background(), []byte{1, 2}); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.transcripts) != 1 || rec.transcripts[0] != "hello." {
		t.Errorf("transcripts = %v", rec.transcripts)
	}
	if snap := s.Snapshot(); snap.Text != "hello." || !snap.Final || snap.State != Closed {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRTASRSessionEchoesServerSID(t *testing.T) {
	end := make(chan string, 1)
	fs := newFakeService(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, []byte(`{"msg_type":"action","data":{"action":"started","sessionId":"srv-7"}}`))
		binary := 0
		for {
			typ, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if typ == websocket.BinaryMessage {
				binary++
				continue
			}
			end <- string(data)
			break
		}
		ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
			`{"msg_type":"result","data":{"seg_id":0,"ls":true,"cn":{"st":{"type":"0","rt":[{"ws":[{"cw":[{"w":"%d frames"}]}]}]}}}}`, binary)))
		drainClient(ws)
	})

	s, err := New(Options{
		Profile:       &wire.RTASR{Endpoint: fs.url + "/ast/communicate/v1"},
		Credentials:   wire.Credentials{AppID: "app", APIKey: "ak", APISecret: "secret"},
		Meta:          wire.Meta{AppID: "app"},
		FrameInterval: 10 * time.Millisecond,
	}, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}

	// 20 frames of 320 bytes at 10ms each.
	if err := s.Run(context.Background(), make([]byte, 320*20)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := <-end; got != `{"end":true,"sessionId":"srv-7"}` {
		t.Errorf("end message = %s", got)
	}
	if s.Transcript() != "20 frames" {
		t.Errorf("Transcript = %q", s.Transcript())
	}
	if s.ServerSID() != "srv-7" {
		t.Errorf("ServerSID = %q", s.ServerSID())
	}
}

func TestRunLive(t *testing.T) {
	fs := newFakeService(t, func(ws *websocket.Conn) {
		n, err := readIAT(ws)
		if err != nil {
			return
		}
		ws.WriteMessage(websocket.TextMessage, []byte(iatResult(1, fmt.Sprint(n), 2)))
		drainClient(ws)
	})

	chunks := make(chan []byte)
	go func() {
		for i := 0; i < 3; i++ {
			chunks <- make([]byte, 640)
		}
		close(chunks)
	}()

	s, _ := New(iatOptions(fs.url), Callbacks{})
	if err := s.RunLive(context.Background(), chunks); err != nil {
		t.Fatalf("RunLive: %v", err)
	}
	if s.Transcript() != "4" {
		t.Errorf("server saw %s frames, want 4", s.Transcript())
	}
}

func TestRunLivePacesBufferedSource(t *testing.T) {
	fs := newFakeService(t, func(ws *websocket.Conn) {
		if _, err := readIAT(ws); err != nil {
			return
		}
		ws.WriteMessage(websocket.TextMessage, []byte(iatResult(1, "ok", 2)))
		drainClient(ws)
	})

	// Everything is available at once, as with a pipe from a file.
	chunks := make(chan []byte, 5)
	for i := 0; i < 5; i++ {
		chunks <- make([]byte, 640)
	}
	close(chunks)

	opts := iatOptions(fs.url)
	opts.FrameInterval = 20 * time.Millisecond
	opts.PaceLive = true
	s, _ := New(opts, Callbacks{})
	if err := s.RunLive(context.Background(), chunks); err != nil {
		t.Fatalf("RunLive: %v", err)
	}
	// Last is due at t0 + 5*interval; allow for slack.
	if st := s.Stats(); st.Frames != 6 || st.Elapsed < 4*opts.FrameInterval {
		t.Errorf("stats = %+v, want 6 frames over at least %v", st, 4*opts.FrameInterval)
	}
}

func TestNewRequiresProfile(t *testing.T) {
	if _, err := New(Options{}, Callbacks{}); !errors.Is(err, ErrNoProfile) {
		t.Errorf("New = %v", err)
	}
}

func TestStateString(t *testing.T) {
	if Draining.String() != "draining" || !Failed.Terminal() || Streaming.Terminal() {
		t.Error("unexpected state naming")
	}
}
