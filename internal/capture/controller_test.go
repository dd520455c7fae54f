package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audiolevel"
	"github.com/murmurlabs/murmur-core/internal/recognition"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type hostCallbacks struct {
	mu          sync.Mutex
	transcripts []string
	sends       []string
}

func (h *hostCallbacks) onTranscript(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transcripts = append(h.transcripts, text)
}

func (h *hostCallbacks) onSend(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sends = append(h.sends, text)
}

func (h *hostCallbacks) snapshot() ([]string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.transcripts...), append([]string(nil), h.sends...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestController(stream recognition.Stream, source audiolevel.Source, host *hostCallbacks) *Controller {
	opts := Options{
		Stream:        stream,
		LevelSource:   source,
		Separator:     " ",
		TimerTick:     5 * time.Millisecond,
		LevelInterval: 2 * time.Millisecond,
		Logger:        newLogger(),
	}
	if host != nil {
		opts.OnTranscript = host.onTranscript
		opts.OnSend = host.onSend
	}
	return NewController(opts)
}

func TestStartStopWithoutSpeech(t *testing.T) {
	stream := recognition.NewMockStream()
	host := &hostCallbacks{}
	c := newTestController(stream, nil, host)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "listen", func() bool { return stream.Listens() == 1 })
	c.Stop()

	snap := c.Snapshot()
	if snap.FinalizedTranscript != "" {
		t.Fatalf("expected empty transcript, got %q", snap.FinalizedTranscript)
	}
	transcripts, sends := host.snapshot()
	if len(transcripts) != 0 || len(sends) != 0 {
		t.Fatalf("callbacks must not fire on empty transcript: %v %v", transcripts, sends)
	}
}

func TestFinalAndInterimAccumulation(t *testing.T) {
	stream := recognition.NewMockStream()
	c := newTestController(stream, nil, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	waitFor(t, "listen", func() bool { return stream.Listens() == 1 })

	stream.EmitFinal("hello")
	waitFor(t, "first final", func() bool { return c.Snapshot().FinalizedTranscript == "hello " })

	stream.EmitInterim("wor")
	waitFor(t, "interim", func() bool { return c.Snapshot().InterimTranscript == "wor" })

	stream.EmitFinal("world")
	waitFor(t, "second final", func() bool {
		snap := c.Snapshot()
		return snap.FinalizedTranscript == "hello world " && snap.InterimTranscript == ""
	})
}

func TestInterimReplacedNotAppended(t *testing.T) {
	stream := recognition.NewMockStream()
	c := newTestController(stream, nil, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	waitFor(t, "listen", func() bool { return stream.Listens() == 1 })

	stream.EmitInterim("he")
	stream.EmitInterim("hel")
	stream.EmitInterim("hello")
	waitFor(t, "latest interim", func() bool { return c.Snapshot().InterimTranscript == "hello" })
	if snap := c.Snapshot(); snap.FinalizedTranscript != "" {
		t.Fatalf("interim batches must not touch finalized text, got %q", snap.FinalizedTranscript)
	}
}

func TestPauseHaltsSampling(t *testing.T) {
	stream := recognition.NewMockStream()
	source := audiolevel.NewMockSource()
	source.SetLevelByte(200)
	c := newTestController(stream, source, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	waitFor(t, "level sample", func() bool { return c.Snapshot().AudioLevel > 0 })

	c.Pause()
	if lvl := c.Snapshot().AudioLevel; lvl != 0 {
		t.Fatalf("level must be forced to 0 while paused, got %v", lvl)
	}
	time.Sleep(20 * time.Millisecond)
	if lvl := c.Snapshot().AudioLevel; lvl != 0 {
		t.Fatalf("level changed during pause: %v", lvl)
	}
}

func TestResumePreservesTranscript(t *testing.T) {
	stream := recognition.NewMockStream()
	source := audiolevel.NewMockSource()
	source.SetLevelByte(128)
	c := newTestController(stream, source, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	waitFor(t, "listen", func() bool { return stream.Listens() == 1 })

	stream.EmitFinal("before pause")
	waitFor(t, "finalized", func() bool { return c.Snapshot().FinalizedTranscript == "before pause " })

	c.Pause()
	elapsedAtPause := c.Snapshot().ElapsedSeconds
	c.Resume()

	snap := c.Snapshot()
	if !snap.IsRecording || snap.IsPaused {
		t.Fatalf("expected recording after resume, got %+v", snap)
	}
	if snap.FinalizedTranscript != "before pause " {
		t.Fatalf("resume lost finalized text: %q", snap.FinalizedTranscript)
	}
	if snap.ElapsedSeconds < elapsedAtPause {
		t.Fatalf("elapsed went backwards: %d -> %d", elapsedAtPause, snap.ElapsedSeconds)
	}

	waitFor(t, "listen after resume", func() bool { return stream.Listens() >= 2 })
	stream.EmitFinal("after resume")
	waitFor(t, "appended", func() bool {
		return c.Snapshot().FinalizedTranscript == "before pause after resume "
	})
	waitFor(t, "sampling resumed", func() bool { return c.Snapshot().AudioLevel > 0 })
}

func TestTimerKeepsTickingWhilePaused(t *testing.T) {
	stream := recognition.NewMockStream()
	c := newTestController(stream, nil, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)

	c.Pause()
	before := c.Snapshot().ElapsedSeconds
	waitFor(t, "ticks while paused", func() bool { return c.Snapshot().ElapsedSeconds > before+1 })
}

func TestStopIsIdempotent(t *testing.T) {
	stream := recognition.NewMockStream()
	source := audiolevel.NewMockSource()
	host := &hostCallbacks{}
	c := newTestController(stream, source, host)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "listen", func() bool { return stream.Listens() == 1 })

	stream.EmitFinal("hello")
	waitFor(t, "finalized", func() bool { return c.Snapshot().FinalizedTranscript == "hello " })

	c.Stop()
	c.Stop()

	if source.Releases() != 1 {
		t.Fatalf("expected exactly one source teardown, got %d", source.Releases())
	}
	transcripts, sends := host.snapshot()
	if len(transcripts) != 1 || transcripts[0] != "hello" {
		t.Fatalf("expected a single trimmed transcript callback, got %v", transcripts)
	}
	if len(sends) != 1 || sends[0] != "hello" {
		t.Fatalf("expected send callback after transcript callback, got %v", sends)
	}
}

func TestClearDuringRecording(t *testing.T) {
	stream := recognition.NewMockStream()
	source := audiolevel.NewMockSource()
	source.SetLevelByte(180)
	c := newTestController(stream, source, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	waitFor(t, "listen", func() bool { return stream.Listens() == 1 })

	stream.EmitFinal("scrap this")
	stream.EmitInterim("and th")
	waitFor(t, "accumulated text", func() bool {
		snap := c.Snapshot()
		return snap.FinalizedTranscript != "" && snap.InterimTranscript != ""
	})

	c.Clear()
	snap := c.Snapshot()
	if snap.FinalizedTranscript != "" || snap.InterimTranscript != "" {
		t.Fatalf("clear left text behind: %+v", snap)
	}
	if !snap.IsRecording {
		t.Fatalf("clear changed state: %+v", snap)
	}

	// Listening and sampling carry on untouched.
	stream.EmitFinal("fresh")
	waitFor(t, "text after clear", func() bool { return c.Snapshot().FinalizedTranscript == "fresh " })
	waitFor(t, "sampling after clear", func() bool { return c.Snapshot().AudioLevel > 0 })
}

func TestTerminalRecognitionErrorStopsSession(t *testing.T) {
	stream := recognition.NewMockStream()
	host := &hostCallbacks{}
	c := newTestController(stream, nil, host)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "listen", func() bool { return stream.Listens() == 1 })

	stream.EmitFinal("partial progress")
	waitFor(t, "finalized", func() bool { return c.Snapshot().FinalizedTranscript == "partial progress " })

	stream.EmitError(errors.New("audio-capture"))
	waitFor(t, "stopped state", func() bool { return c.Snapshot().State == "stopped" })

	transcripts, _ := host.snapshot()
	if len(transcripts) != 1 || transcripts[0] != "partial progress" {
		t.Fatalf("expected finalized-so-far in callback, got %v", transcripts)
	}
}

func TestNoSpeechIsIgnored(t *testing.T) {
	stream := recognition.NewMockStream()
	c := newTestController(stream, nil, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	waitFor(t, "listen", func() bool { return stream.Listens() == 1 })

	stream.EmitError(recognition.ErrNoSpeech)
	stream.EmitFinal("still here")
	waitFor(t, "text after no-speech", func() bool {
		return c.Snapshot().FinalizedTranscript == "still here "
	})
	if snap := c.Snapshot(); !snap.IsRecording {
		t.Fatalf("no-speech must not stop the session: %+v", snap)
	}
}

func TestUnsupportedPlatform(t *testing.T) {
	c := newTestController(nil, nil, nil)
	if err := c.Start(context.Background()); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
	// Feature stays disabled; retrying does not help.
	if err := c.Start(context.Background()); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform on retry, got %v", err)
	}
}

func TestPermissionDeniedIsSoft(t *testing.T) {
	stream := recognition.NewMockStream()
	source := audiolevel.NewMockSource()
	source.DenyAcquire()
	c := newTestController(stream, source, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start must succeed without the visualizer: %v", err)
	}
	t.Cleanup(c.Stop)
	waitFor(t, "listen", func() bool { return stream.Listens() == 1 })

	stream.EmitFinal("voice only")
	waitFor(t, "transcription without visualizer", func() bool {
		return c.Snapshot().FinalizedTranscript == "voice only "
	})
	if lvl := c.Snapshot().AudioLevel; lvl != 0 {
		t.Fatalf("denied source must leave level at 0, got %v", lvl)
	}
}

// gatedSource holds the permission prompt open until the test grants it.
type gatedSource struct {
	inner *audiolevel.MockSource
	grant chan struct{}
}

func newGatedSource() *gatedSource {
	return &gatedSource{inner: audiolevel.NewMockSource(), grant: make(chan struct{})}
}

func (g *gatedSource) Acquire(ctx context.Context) error {
	select {
	case <-g.grant:
		return g.inner.Acquire(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedSource) Bins() ([]byte, error) { return g.inner.Bins() }
func (g *gatedSource) Release() error        { return g.inner.Release() }

func TestGrantDuringPauseKeepsStreamForResume(t *testing.T) {
	stream := recognition.NewMockStream()
	source := newGatedSource()
	source.inner.SetLevelByte(150)
	c := newTestController(stream, source, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)

	c.Pause()
	close(source.grant)
	time.Sleep(10 * time.Millisecond)
	if source.inner.Releases() != 0 {
		t.Fatal("grant during pause must not tear down the stream")
	}

	c.Resume()
	waitFor(t, "sampling after late grant", func() bool { return c.Snapshot().AudioLevel > 0 })
}

func TestGrantAfterStopReleasesStream(t *testing.T) {
	stream := recognition.NewMockStream()
	source := newGatedSource()
	c := newTestController(stream, source, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Stop()
	close(source.grant)

	waitFor(t, "late grant teardown", func() bool { return source.inner.Releases() == 1 })
}

func TestSecondStartRejected(t *testing.T) {
	stream := recognition.NewMockStream()
	c := newTestController(stream, nil, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)

	if err := c.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	c.Pause()
	if err := c.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("paused session still owns the controller, got %v", err)
	}
}

func TestStartAfterStopBeginsFreshSession(t *testing.T) {
	stream := recognition.NewMockStream()
	c := newTestController(stream, nil, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "listen", func() bool { return stream.Listens() == 1 })
	firstID := c.Snapshot().SessionID

	stream.EmitFinal("old words")
	waitFor(t, "finalized", func() bool { return c.Snapshot().FinalizedTranscript == "old words " })
	c.Stop()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(c.Stop)

	snap := c.Snapshot()
	if snap.SessionID == firstID {
		t.Fatal("expected a fresh session identity")
	}
	if snap.FinalizedTranscript != "" || snap.ElapsedSeconds != 0 {
		t.Fatalf("new session inherited old state: %+v", snap)
	}
}
