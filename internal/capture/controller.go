package capture

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/murmurlabs/murmur-core/internal/audiolevel"
	"github.com/murmurlabs/murmur-core/internal/recognition"
	"github.com/murmurlabs/murmur-core/internal/timer"
)

// ErrUnsupportedPlatform means no speech-recognition capability is wired
// into this runtime. It is reported once; the feature stays disabled.
var ErrUnsupportedPlatform = errors.New("speech recognition is not available on this platform")

// ErrSessionActive rejects a second concurrent session. Hosts queue or
// reject; the controller never runs two sessions at once.
var ErrSessionActive = errors.New("a recording session is already active")

type State int

const (
	Idle State = iota
	Recording
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Snapshot is the render-facing view of the active session.
type Snapshot struct {
	SessionID           string  `json:"session_id"`
	State               string  `json:"state"`
	IsRecording         bool    `json:"is_recording"`
	IsPaused            bool    `json:"is_paused"`
	FinalizedTranscript string  `json:"finalized_transcript"`
	InterimTranscript   string  `json:"interim_transcript"`
	AudioLevel          float64 `json:"audio_level"`
	ElapsedSeconds      int     `json:"elapsed_seconds"`
}

// Options wires the controller's collaborators. Stream being nil models a
// platform without any recognition capability.
type Options struct {
	Stream       recognition.Stream
	LevelSource  audiolevel.Source
	Publisher    Publisher
	Recorder     Recorder
	OnTranscript func(text string)
	OnSend       func(text string)

	Separator     string
	TimerTick     time.Duration
	LevelInterval time.Duration
	RestartDelay  time.Duration
	Logger        *slog.Logger
}

// Controller drives the recording lifecycle: it owns the transcription
// engine, the level monitor and the elapsed timer, holds the single active
// session, and hands the consolidated transcript to the host exactly once
// on stop.
type Controller struct {
	opts Options
	log  *slog.Logger

	unsupportedOnce sync.Once

	mu            sync.Mutex
	state         State
	sessionID     string
	finalized     string
	interim       string
	elapsed       int
	level         float64
	callbackFired bool
	engine        *recognition.Engine
	elapsedTimer  *timer.Timer
	monitor       *audiolevel.Monitor
	runCtx        context.Context
}

func NewController(opts Options) *Controller {
	if opts.Separator == "" {
		opts.Separator = " "
	}
	if opts.TimerTick <= 0 {
		opts.TimerTick = time.Second
	}
	if opts.LevelInterval <= 0 {
		opts.LevelInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = NopPublisher{}
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	return &Controller{
		opts:  opts,
		log:   opts.Logger.With(slog.String("component", "capture")),
		state: Idle,
	}
}

// Start creates a fresh session and begins listening, sampling and timing.
// It fails with ErrUnsupportedPlatform when no recognition capability exists
// and with ErrSessionActive while another session is live.
func (c *Controller) Start(ctx context.Context) error {
	if c.opts.Stream == nil {
		c.unsupportedOnce.Do(func() {
			c.log.Error("speech recognition capability missing, capture disabled")
			c.opts.Publisher.PublishNotice("", "unsupported_platform", ErrUnsupportedPlatform.Error())
		})
		return ErrUnsupportedPlatform
	}

	c.mu.Lock()
	if c.state == Recording || c.state == Paused {
		c.mu.Unlock()
		return ErrSessionActive
	}

	id := uuid.NewString()
	c.sessionID = id
	c.state = Recording
	c.finalized = ""
	c.interim = ""
	c.elapsed = 0
	c.level = 0
	c.callbackFired = false
	c.runCtx = ctx
	c.engine = recognition.NewEngine(c.opts.Stream, &engineSink{c: c, sessionID: id}, c.opts.RestartDelay, c.log)
	c.elapsedTimer = timer.New(c.opts.TimerTick)
	if c.opts.LevelSource != nil {
		c.monitor = audiolevel.NewMonitor(c.opts.LevelSource, c.opts.LevelInterval, c.log)
	} else {
		c.monitor = nil
	}
	engine := c.engine
	elapsedTimer := c.elapsedTimer
	monitor := c.monitor
	c.mu.Unlock()

	c.log.Info("recording session started", slog.String("session_id", id))
	c.opts.Recorder.RecordSession(id)
	c.opts.Recorder.RecordEvent(id, "started", "")
	c.publishStatus(id)

	engine.Begin(ctx)
	elapsedTimer.Begin(func() { c.onTimerTick(id) })

	if monitor != nil {
		go c.acquireAndSample(ctx, id, monitor)
	}
	return nil
}

// acquireAndSample requests the stream off the main path: the permission
// prompt may sit unanswered forever. A grant that lands after stop() must
// not leak the stream, hence the liveness re-check.
func (c *Controller) acquireAndSample(ctx context.Context, id string, monitor *audiolevel.Monitor) {
	if err := monitor.Acquire(ctx); err != nil {
		if errors.Is(err, audiolevel.ErrPermissionDenied) {
			c.log.Warn("microphone permission denied, continuing without visualizer",
				slog.String("session_id", id))
			c.opts.Publisher.PublishNotice(id, "permission_denied", err.Error())
			c.opts.Recorder.RecordEvent(id, "error", "permission_denied")
			return
		}
		c.log.Warn("audio level source unavailable", slogError(err))
		return
	}

	// A grant landing after the session stopped releases the stream right
	// away. One landing while merely paused keeps it: Resume picks the
	// sampling back up.
	if !c.sessionAlive(id) {
		_ = monitor.Release()
		return
	}
	monitor.Sample(
		func() bool { return c.sessionSampling(id) },
		func(level float64) { c.setLevel(id, level) },
	)
}

// Pause halts listening and sampling but keeps the session (and its timer)
// alive.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return
	}
	c.state = Paused
	c.level = 0
	id := c.sessionID
	engine := c.engine
	c.mu.Unlock()

	engine.Halt()
	c.log.Info("recording session paused", slog.String("session_id", id))
	c.opts.Recorder.RecordEvent(id, "paused", "")
	c.publishStatus(id)
}

// Resume restarts listening and sampling without touching accumulated
// transcript or elapsed time.
func (c *Controller) Resume() {
	c.mu.Lock()
	if c.state != Paused {
		c.mu.Unlock()
		return
	}
	c.state = Recording
	id := c.sessionID
	engine := c.engine
	monitor := c.monitor
	ctx := c.runCtx
	c.mu.Unlock()

	engine.Begin(ctx)
	if monitor != nil && monitor.Acquired() {
		go monitor.Sample(
			func() bool { return c.sessionSampling(id) },
			func(level float64) { c.setLevel(id, level) },
		)
	}

	c.log.Info("recording session resumed", slog.String("session_id", id))
	c.opts.Recorder.RecordEvent(id, "resumed", "")
	c.publishStatus(id)
}

// Stop tears the session down and, when the trimmed finalized transcript is
// non-empty, hands it to the host exactly once. Idempotent: a second call
// neither re-releases resources nor re-invokes the callbacks.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != Recording && c.state != Paused {
		c.mu.Unlock()
		return
	}
	c.state = Stopped
	c.level = 0
	id := c.sessionID
	engine := c.engine
	elapsedTimer := c.elapsedTimer
	monitor := c.monitor
	text := strings.TrimSpace(c.finalized)
	fired := c.callbackFired
	c.callbackFired = true
	c.mu.Unlock()

	engine.Halt()
	elapsedTimer.Halt()
	if monitor != nil {
		if err := monitor.Release(); err != nil {
			c.log.Warn("failed to release audio level source", slogError(err))
		}
	}

	c.log.Info("recording session stopped", slog.String("session_id", id))
	c.opts.Recorder.RecordEvent(id, "stopped", "")
	c.publishStatus(id)

	if fired || text == "" {
		return
	}
	if c.opts.OnTranscript != nil {
		c.opts.OnTranscript(text)
	}
	if c.opts.OnSend != nil {
		c.opts.OnSend(text)
	}
}

// Clear erases both transcript fields. Valid in any state; never changes
// state and never interrupts listening or sampling.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.finalized = ""
	c.interim = ""
	c.mu.Unlock()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		SessionID:           c.sessionID,
		State:               c.state.String(),
		IsRecording:         c.state == Recording,
		IsPaused:            c.state == Paused,
		FinalizedTranscript: c.finalized,
		InterimTranscript:   c.interim,
		AudioLevel:          c.level,
		ElapsedSeconds:      c.elapsed,
	}
}

func (c *Controller) sessionSampling(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID == id && c.state == Recording
}

func (c *Controller) sessionAlive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID == id && (c.state == Recording || c.state == Paused)
}

func (c *Controller) setLevel(id string, level float64) {
	c.mu.Lock()
	if c.sessionID != id || c.state != Recording {
		c.mu.Unlock()
		return
	}
	c.level = level
	c.mu.Unlock()
	c.opts.Publisher.PublishLevel(id, level)
}

// Ticks continue while paused; only stop() halts the timer.
func (c *Controller) onTimerTick(id string) {
	c.mu.Lock()
	if c.sessionID != id || c.state == Stopped || c.state == Idle {
		c.mu.Unlock()
		return
	}
	c.elapsed++
	c.mu.Unlock()
	c.publishStatus(id)
}

func (c *Controller) handleResult(id string, r recognition.Result) {
	c.mu.Lock()
	if c.sessionID != id || c.state != Recording {
		c.mu.Unlock()
		return
	}
	if r.Final {
		c.finalized += r.Text + c.opts.Separator
		c.interim = ""
	} else {
		c.interim = r.Text
	}
	c.mu.Unlock()
	c.opts.Publisher.PublishTranscript(id, r.Text, !r.Final)
}

func (c *Controller) handleEngineError(id string, err error) {
	c.mu.Lock()
	if c.sessionID != id || c.state == Stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Error("recognition failed, stopping session",
		slog.String("session_id", id), slogError(err))
	c.opts.Publisher.PublishNotice(id, "recognition_error", err.Error())
	c.opts.Recorder.RecordEvent(id, "error", err.Error())
	c.Stop()
}

func (c *Controller) publishStatus(id string) {
	c.mu.Lock()
	state := c.state.String()
	elapsed := c.elapsed
	c.mu.Unlock()
	c.opts.Publisher.PublishStatus(id, state, elapsed)
}

// engineSink funnels engine output back into the controller with the
// session identity baked in, so deliveries from a torn-down session are
// dropped instead of mutating the next one.
type engineSink struct {
	c         *Controller
	sessionID string
}

func (s *engineSink) HandleResult(r recognition.Result) {
	s.c.handleResult(s.sessionID, r)
}

func (s *engineSink) HandleError(err error) {
	s.c.handleEngineError(s.sessionID, err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
