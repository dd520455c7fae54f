package recognition

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/mattn/go-shellwords"
	"github.com/murmurlabs/murmur-core/internal/config"
)

// execStream runs a configured recognizer command per listening run. The
// command streams newline-delimited JSON events on stdout; process exit
// models the capability's spontaneous stream end, after which the engine
// starts a fresh run (and a fresh process).
type execStream struct {
	cmd      []string
	language string
	log      *slog.Logger
}

type execEvent struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
	Error string `json:"error"`
}

func NewExecStream(cfg config.RecognitionConfig, log *slog.Logger) (Stream, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognition command is empty")
	}
	return &execStream{
		cmd:      args,
		language: cfg.Language,
		log:      log.With(slog.String("component", "recognition-exec")),
	}, nil
}

func (s *execStream) Listen(ctx context.Context) (<-chan Result, <-chan error, error) {
	base := s.cmd[0]
	args := append([]string{}, s.cmd[1:]...)
	if s.language != "" {
		args = append(args, "--language", s.language)
	}

	cmd := exec.CommandContext(ctx, base, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("recognizer stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start recognizer: %w", err)
	}

	results := make(chan Result)
	errs := make(chan error, 1)
	go func() {
		defer close(results)
		defer close(errs)

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev execEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				s.log.Warn("failed to decode recognizer event", slog.String("error", err.Error()))
				continue
			}
			if ev.Error != "" {
				// Error sends need the same halt guard as results: with
				// nobody draining the channel a queued event would block
				// this goroutine forever.
				if ev.Error == "no-speech" {
					select {
					case errs <- ErrNoSpeech:
					case <-ctx.Done():
						_ = cmd.Wait()
						return
					}
					continue
				}
				select {
				case errs <- fmt.Errorf("recognizer error: %s", ev.Error):
				case <-ctx.Done():
				}
				_ = cmd.Wait()
				return
			}
			select {
			case results <- Result{Text: ev.Text, Final: ev.Final}:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			// A crashed recognizer reads as an ended run; the engine will
			// spin up another one.
			s.log.Warn("recognizer exited", slog.String("error", err.Error()))
		}
	}()
	return results, errs, nil
}
