package recognition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
)

func writeRecognizerScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recognizer.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newExecStream(t *testing.T, script string) Stream {
	t.Helper()
	stream, err := NewExecStream(config.RecognitionConfig{Command: "sh " + script}, newLogger())
	if err != nil {
		t.Fatalf("new exec stream: %v", err)
	}
	return stream
}

func waitClosed(t *testing.T, what string, results <-chan Result) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-results:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestExecStreamDeliversResults(t *testing.T) {
	script := writeRecognizerScript(t, `echo '{"text":"hel","final":false}'
echo '{"text":"hello","final":true}'
`)
	stream := newExecStream(t, script)

	results, _, err := stream.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	first := <-results
	if first.Final || first.Text != "hel" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	second := <-results
	if !second.Final || second.Text != "hello" {
		t.Fatalf("unexpected second result: %+v", second)
	}

	// Process exit reads as the run's spontaneous end.
	waitClosed(t, "run end after exit", results)
}

func TestExecStreamSurfacesTerminalError(t *testing.T) {
	script := writeRecognizerScript(t, `echo '{"error":"audio-capture"}'
`)
	stream := newExecStream(t, script)

	results, errs, err := stream.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	select {
	case got := <-errs:
		if got == nil || got.Error() != "recognizer error: audio-capture" {
			t.Fatalf("unexpected error: %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal error")
	}
	waitClosed(t, "run end after terminal error", results)
}

func TestExecStreamWindsDownWithQueuedErrors(t *testing.T) {
	// The recognizer floods no-speech events with nobody draining them;
	// cancelling must still let the reader wind the run down instead of
	// blocking on the error channel forever.
	script := writeRecognizerScript(t, `while :; do echo '{"error":"no-speech"}'; done
`)
	stream := newExecStream(t, script)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results, errs, err := stream.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	select {
	case got := <-errs:
		if got != ErrNoSpeech {
			t.Fatalf("expected ErrNoSpeech, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first no-speech event")
	}

	cancel()
	waitClosed(t, "run end after halt", results)
}
