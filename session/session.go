// Package session runs one streaming recognition exchange: authenticate,
// connect, pace audio out, fold results into a transcript and shut down.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"node.town/rtasr/conn"
	"node.town/rtasr/etc"
	"node.town/rtasr/fault"
	"node.town/rtasr/metrics"
	"node.town/rtasr/pacer"
	"node.town/rtasr/transcript"
	"node.town/rtasr/wire"
)

const (
	DefaultFrameInterval = 40 * time.Millisecond
	progressEvery        = 10
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrClosed         = errors.New("session closed")
	ErrNoProfile      = errors.New("no wire profile configured")
	ErrDrainTimeout   = errors.New("no final result before drain timeout")
)

// Update is one reconciled change to the transcript.
type Update struct {
	Text      string
	Segment   transcript.Segment
	Corrected bool
	Final     bool
}

// Callbacks are invoked from the connection's read goroutine, except
// OnState which fires from whichever goroutine moves the session.
// OnFailure fires at most once; no transcript callback follows it.
type Callbacks struct {
	OnTranscript func(text string)
	OnUpdate     func(Update)
	OnFailure    func(error)
	OnState      func(State)
}

type Options struct {
	Profile     wire.Profile
	Credentials wire.Credentials
	Meta        wire.Meta

	// FrameSize defaults to FrameInterval worth of 16-bit mono PCM.
	FrameSize      int
	FrameInterval  time.Duration
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	// DrainTimeout bounds the wait for the final result once all audio is
	// sent. Zero waits indefinitely.
	DrainTimeout time.Duration
	// PaceLive holds RunLive chunks to FrameInterval deadlines, for sources
	// such as pipes that can deliver faster than real time.
	PaceLive bool

	// PostProcess, when set, rewrites the transcript before delivery.
	PostProcess func(string) string

	Clock   pacer.Clock
	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	Session     string `json:"session"`
	ServerSID   string `json:"sid,omitempty"`
	State       State  `json:"state"`
	Text        string `json:"text"`
	Final       bool   `json:"final"`
	Corrections int    `json:"corrections"`
}

type Session struct {
	id     string
	opts   Options
	cb     Callbacks
	logger *log.Logger
	rec    *transcript.Reconciler

	mu      sync.Mutex
	state   State
	started bool
	closing bool
	conn    *conn.Conn
	enc     wire.Encoder
	cancel  context.CancelFunc
	sid     string
	stats   pacer.Stats
	err     error

	// cbMu orders transcript callbacks against failure.
	cbMu   sync.Mutex
	failed bool

	final     chan struct{}
	finalOnce sync.Once
	dead      chan struct{}
	deadOnce  sync.Once
}

func New(opts Options, cb Callbacks) (*Session, error) {
	if opts.Profile == nil {
		return nil, ErrNoProfile
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	if opts.FrameSize <= 0 {
		rate := opts.Meta.SampleRate
		if rate <= 0 {
			rate = 16000
		}
		opts.FrameSize = pacer.FrameBytes(rate, opts.FrameInterval)
	}
	if opts.Clock == nil {
		opts.Clock = pacer.SystemClock
	}

	id := etc.NewFreshID()
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	opts.Logger = logger

	return &Session{
		id:     id,
		opts:   opts,
		cb:     cb,
		logger: logger.With("component", "session", "session", id, "profile", opts.Profile.Name()),
		rec:    transcript.NewReconciler(),
		final:  make(chan struct{}),
		dead:   make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the current merged transcript, post-processed.
func (s *Session) Transcript() string {
	return s.postProcess(s.rec.Text())
}

// ServerSID is the id the service assigned, once it has reported one.
func (s *Session) ServerSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

func (s *Session) Stats() pacer.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Corrections counts results that replaced earlier segments.
func (s *Session) Corrections() int {
	return s.rec.Corrections()
}

// Err is the failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Session: s.id, ServerSID: s.sid, State: s.state}
	s.mu.Unlock()
	snap.Text = s.Transcript()
	snap.Final = s.rec.Final()
	snap.Corrections = s.rec.Corrections()
	return snap
}

// Run streams audio, a complete PCM buffer, in real time and returns once
// the final result has arrived. An empty buffer is rejected before any
// connection is made.
func (s *Session) Run(ctx context.Context, audio []byte) error {
	if len(audio) == 0 {
		return pacer.ErrEmptyBuffer
	}
	p := s.pacer()
	return s.run(ctx, func(ctx context.Context, emit pacer.Emit) (pacer.Stats, error) {
		return p.Stream(ctx, audio, s.opts.FrameSize, s.opts.FrameInterval, emit)
	})
}

// RunLive streams chunks as they arrive; closing the channel ends the
// audio.
func (s *Session) RunLive(ctx context.Context, chunks <-chan []byte) error {
	p := s.pacer()
	if s.opts.PaceLive {
		p.Interval = s.opts.FrameInterval
	}
	return s.run(ctx, func(ctx context.Context, emit pacer.Emit) (pacer.Stats, error) {
		return p.Forward(ctx, chunks, emit)
	})
}

type streamFunc func(ctx context.Context, emit pacer.Emit) (pacer.Stats, error)

func (s *Session) run(ctx context.Context, stream streamFunc) (err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	closing := s.closing
	s.mu.Unlock()
	defer cancel()

	if closing {
		return ErrClosed
	}
	defer func() { s.finish(err) }()

	s.setState(Authenticating)
	hs, err := s.opts.Profile.Handshake(s.opts.Credentials, s.opts.Meta, s.opts.Clock.Now())
	if err != nil {
		return s.fail(err)
	}

	s.setState(Connecting)
	start := time.Now()
	c, err := conn.Dial(ctx, hs.URL, hs.Header, conn.Options{
		Timeout:      s.opts.ConnectTimeout,
		PingInterval: s.opts.PingInterval,
		Logger:       s.logger,
	})
	s.opts.Metrics.ObserveConnect(time.Since(start))
	if err != nil {
		return s.interrupted(ctx, err)
	}

	s.mu.Lock()
	s.conn = c
	s.enc = s.opts.Profile.NewEncoder(s.opts.Meta)
	closing = s.closing
	s.mu.Unlock()
	if closing {
		c.Close(websocket.CloseNormalClosure, "client closed")
		return ErrClosed
	}

	unsubscribe := c.Subscribe(listener{s})
	defer unsubscribe()
	s.logger.Info("connected", "frame_size", s.opts.FrameSize, "interval", s.opts.FrameInterval)

	s.setState(Streaming)
	stats, err := stream(ctx, s.send)
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
	if err != nil {
		if !s.rec.Final() || s.Err() != nil {
			return s.interrupted(ctx, err)
		}
		s.logger.Warn("final result arrived before all audio was sent", "error", err)
	}

	s.setState(Draining)
	s.logger.Debug("audio sent", "frames", stats.Frames, "bytes", stats.Bytes, "max_lag", stats.MaxLag)

	var drain <-chan time.Time
	if s.opts.DrainTimeout > 0 {
		t := time.NewTimer(s.opts.DrainTimeout)
		defer t.Stop()
		drain = t.C
	}

	select {
	case <-s.final:
	case <-s.dead:
		return s.Err()
	case <-ctx.Done():
		return s.interrupted(ctx, ctx.Err())
	case <-drain:
		return s.fail(fault.Protocol("drain", ErrDrainTimeout))
	}

	c.Close(websocket.CloseNormalClosure, "")
	s.setState(Closed)
	return nil
}

// interrupted sorts out why streaming stopped early: a recorded failure
// wins, then a local Close, then cancellation of the caller's context.
func (s *Session) interrupted(ctx context.Context, err error) error {
	if failure := s.Err(); failure != nil {
		return failure
	}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return ErrClosed
	}
	if ctx.Err() != nil {
		s.setState(Closed)
		return ctx.Err()
	}
	// A send that lost the race with a dropped read side reports the
	// read error instead.
	if fault.KindOf(err) == fault.KindSend {
		if cause := s.connErr(); fault.KindOf(cause) == fault.KindConnect {
			err = cause
		}
	}
	return s.fail(err)
}

func (s *Session) connErr() error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Err()
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	c.Close(websocket.CloseNormalClosure, "")

	switch {
	case err == nil:
		s.opts.Metrics.RecordSession(metrics.OutcomeOK)
		s.logger.Info("session finished", "transcript", s.Transcript(), "corrections", s.rec.Corrections())
	case s.Err() != nil:
		s.opts.Metrics.RecordSession(metrics.OutcomeFailed)
	default:
		s.opts.Metrics.RecordSession(metrics.OutcomeCancelled)
		s.logger.Info("session stopped", "reason", err)
	}
}

// fail records err as the session's failure, tears the connection down and
// reports it. Only the first call has any effect.
func (s *Session) fail(err error) error {
	s.cbMu.Lock()
	if s.failed {
		s.cbMu.Unlock()
		return s.Err()
	}
	s.failed = true
	s.mu.Lock()
	s.err = err
	cancel, c := s.cancel, s.conn
	s.mu.Unlock()
	s.cbMu.Unlock()

	s.setState(Failed)
	s.deadOnce.Do(func() { close(s.dead) })
	if cancel != nil {
		cancel()
	}
	c.Close(websocket.CloseNormalClosure, fault.KindOf(err).String())

	s.logger.Error("session failed", "error", err)
	if s.cb.OnFailure != nil {
		s.cb.OnFailure(err)
	}
	return err
}

// Close stops the session without waiting for outstanding results. It is
// safe to call at any time and more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing || s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	cancel, c := s.cancel, s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := c.Close(websocket.CloseNormalClosure, "client closed")
	s.setState(Closed)
	return err
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	s.logger.Debug("state", "state", st)
	if s.cb.OnState != nil {
		s.cb.OnState(st)
	}
}

func (s *Session) pacer() *pacer.Pacer {
	m := s.opts.Metrics
	return &pacer.Pacer{
		Clock: s.opts.Clock,
		Slack: pacer.DefaultSlack,
		OnLag: func(_ int, lag time.Duration) { m.ObservePacingLag(lag) },
	}
}

func (s *Session) send(f wire.Frame) error {
	msg, err := s.enc.Encode(f)
	if err != nil {
		return err
	}
	if err := s.conn.Send(msg); err != nil {
		return err
	}
	s.opts.Metrics.RecordFrame(len(f.Payload))
	if f.Seq%progressEvery == 0 || f.Role == wire.Last {
		s.logger.Debug("sent frame", "seq", f.Seq, "role", f.Role, "bytes", len(f.Payload))
	}
	return nil
}

func (s *Session) postProcess(text string) string {
	if s.opts.PostProcess == nil {
		return text
	}
	return s.opts.PostProcess(text)
}

func (s *Session) receive(data []byte) {
	res, err := s.opts.Profile.Decode(data)
	if err != nil {
		s.opts.Metrics.RecordMalformed()
		s.logger.Warn("skipping malformed message", "error", err, "bytes", len(data))
		return
	}
	if res.Failed() {
		s.fail(fault.Server(res.Code, res.Message))
		return
	}
	if res.SID != "" {
		s.setServerSID(res.SID)
	}
	if res.Segment == nil && !res.Final {
		return
	}

	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.failed {
		return
	}

	update := Update{Final: res.Final}
	if res.Segment != nil {
		if _, err := s.rec.Apply(*res.Segment); err != nil {
			s.logger.Warn("ignoring result", "sn", res.Segment.SN, "error", err)
			return
		}
		update.Segment = *res.Segment
		update.Corrected = res.Segment.Corrects()
		if update.Corrected {
			s.opts.Metrics.RecordCorrection()
		}
	} else if s.rec.Final() {
		return
	}
	if res.Final {
		s.rec.Finalize()
	}
	update.Text = s.Transcript()

	if s.cb.OnTranscript != nil {
		s.cb.OnTranscript(update.Text)
	}
	if s.cb.OnUpdate != nil {
		s.cb.OnUpdate(update)
	}
	if res.Final {
		s.logger.Info("final result", "transcript", update.Text)
		s.finalOnce.Do(func() { close(s.final) })
	}
}

func (s *Session) setServerSID(sid string) {
	s.mu.Lock()
	changed := s.sid != sid
	s.sid = sid
	enc := s.enc
	s.mu.Unlock()
	if !changed {
		return
	}
	s.logger.Debug("server session", "sid", sid)
	if enc != nil {
		enc.SetSessionID(sid)
	}
}

func (s *Session) remoteClosed(code int, reason string) {
	if s.rec.Final() {
		s.logger.Debug("server closed after final result", "code", code)
		return
	}
	s.fail(fault.Connect("read", fmt.Errorf("closed by server before final result: %d %s", code, reason)))
}

func (s *Session) transportFailed(err error) {
	if s.rec.Final() {
		s.logger.Debug("read error after final result", "error", err)
		return
	}
	s.fail(err)
}

// listener keeps the conn.Listener methods off the Session API.
type listener struct{ s *Session }

func (l listener) OnMessage(data []byte)           { l.s.receive(data) }
func (l listener) OnClose(code int, reason string) { l.s.remoteClosed(code, reason) }
func (l listener) OnError(err error)               { l.s.transportFailed(err) }
